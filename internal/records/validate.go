package records

// Normalize fills derived fields in place: the collection date defaults to the
// timestamp's UTC date and self-dimensioned kinds mirror the dataset dimension.
func (r *Record) Normalize() {
	if r.CollectionDate.IsZero() && !r.Timestamp.IsZero() {
		r.CollectionDate = truncateDate(r.Timestamp.UTC())
	}
	if r.Kind.SelfDimensioned {
		r.KindID = r.DatasetID
		r.KindName = r.DatasetName
	}
}

// Validate checks the creation invariants.
func (r *Record) Validate() error {
	if r.Kind.Name == "" {
		return &ValidationError{Field: "kind", Reason: "is required"}
	}
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	if r.DatasetName == "" {
		return &ValidationError{Field: "dataset_name", Reason: "is required"}
	}
	if !r.Kind.SelfDimensioned && r.KindName == "" {
		return &ValidationError{Field: r.Kind.NameColumn(), Reason: "is required"}
	}
	if r.ExperimentName == "" && r.SeasonName == "" && r.SiteName == "" {
		return &ValidationError{Reason: "at least one of experiment_name, season_name or site_name is required"}
	}
	if r.KindData == nil && r.RecordFile == "" {
		return &ValidationError{Reason: "either " + r.Kind.DataColumn() + " or record_file is required"}
	}
	return nil
}
