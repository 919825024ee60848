package records

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports that no record matched.
	ErrNotFound = errors.New("record not found")
	// ErrInvalid is matched by every validation failure.
	ErrInvalid = errors.New("invalid record request")
	// ErrNoCriteria is returned by search and filter when no criterion is set.
	ErrNoCriteria = fmt.Errorf("%w: at least one criterion is required", ErrInvalid)
	// ErrDuplicate reports that Create inserted nothing because the
	// uniqueness tuple already exists.
	ErrDuplicate = errors.New("record already exists")
	// ErrNoRecords is returned by Insert for an empty batch.
	ErrNoRecords = fmt.Errorf("%w: no records provided", ErrInvalid)
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid record: " + e.Reason
	}
	return fmt.Sprintf("invalid record: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// NotFoundError carries the kind and id of a missing record and matches ErrNotFound.
type NotFoundError struct {
	Kind Kind
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s record %s not found", e.Kind.Name, e.ID)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }
