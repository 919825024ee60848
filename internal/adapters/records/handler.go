// Package records exposes the record facades over HTTP. Every kind gets the
// same route set under /api/<kind>_records.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cropstore/internal/blob"
	"cropstore/internal/logging"
	domain "cropstore/internal/records"
)

const (
	defaultMaxUpload     = 256 << 20
	defaultPresignExpiry = 15 * time.Minute
	ndjsonContentType    = "application/x-ndjson"
)

// Facades resolves a facade by kind name.
type Facades interface {
	FacadeByName(name string) (*domain.Facade, bool)
}

// Handler serves the record API.
type Handler struct {
	facades   Facades
	blobs     blob.Store
	expiry    time.Duration
	maxUpload int64
	spoolDir  string
	logger    *slog.Logger
	mux       *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option { return func(h *Handler) { h.logger = l } }

// WithPresignExpiry sets the lifetime of download URLs.
func WithPresignExpiry(d time.Duration) Option { return func(h *Handler) { h.expiry = d } }

// WithMaxUpload caps multipart request bodies in bytes.
func WithMaxUpload(n int64) Option { return func(h *Handler) { h.maxUpload = n } }

// WithSpoolDir sets where uploaded files are staged before ingestion.
func WithSpoolDir(dir string) Option { return func(h *Handler) { h.spoolDir = dir } }

// NewHandler constructs a record HTTP handler. blobs serves downloads.
func NewHandler(facades Facades, blobs blob.Store, opts ...Option) *Handler {
	h := &Handler{facades: facades, blobs: blobs, expiry: defaultPresignExpiry, maxUpload: defaultMaxUpload}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.Default(h.logger).With("component", "adapters.records")
	h.mux = http.NewServeMux()
	h.Register(h.mux)
	return h
}

// Register adds the record routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/{table}", h.withFacade(h.handleCreate))
	mux.HandleFunc("GET /api/{table}", h.withFacade(h.handleGet))
	mux.HandleFunc("GET /api/{table}/exists", h.withFacade(h.handleExists))
	mux.HandleFunc("GET /api/{table}/all", h.withFacade(h.handleAll))
	mux.HandleFunc("GET /api/{table}/search", h.withFacade(h.handleSearch))
	mux.HandleFunc("GET /api/{table}/filter", h.withFacade(h.handleFilter))
	mux.HandleFunc("GET /api/{table}/id/{id}", h.withFacade(h.handleGetByID))
	mux.HandleFunc("PATCH /api/{table}/id/{id}", h.withFacade(h.handleUpdate))
	mux.HandleFunc("DELETE /api/{table}/id/{id}", h.withFacade(h.handleDelete))
	mux.HandleFunc("GET /api/{table}/id/{id}/download", h.withFacade(h.handleDownload))
}

// ServeHTTP serves the record routes on the handler's own mux.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type facadeHandler func(w http.ResponseWriter, r *http.Request, f *domain.Facade)

func (h *Handler) withFacade(next facadeHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := strings.CutSuffix(r.PathValue("table"), "_records")
		if !ok {
			writeError(w, http.StatusNotFound, "not found", "unknown record table")
			return
		}
		f, ok := h.facades.FacadeByName(name)
		if !ok {
			writeError(w, http.StatusNotFound, "not found", "unknown record kind "+name)
			return
		}
		next(w, r, f)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, f *domain.Facade) {
	kind := f.Kind()
	var (
		tmpl    *domain.Record
		cleanup = func() {}
		err     error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		tmpl, cleanup, err = h.decodeMultipart(w, r, kind)
	} else {
		tmpl, err = decodeJSONRecord(w, r, kind, h.maxUpload)
	}
	defer cleanup()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record payload", err.Error())
		return
	}
	rec, err := f.Create(r.Context(), *tmpl)
	if err != nil {
		h.fail(w, err, "An error occurred while creating the "+kind.Name+" record")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// decodeJSONRecord decodes a JSON record body. Files only arrive as
// multipart parts, so a record_file path is refused.
func decodeJSONRecord(w http.ResponseWriter, r *http.Request, kind domain.Kind, limit int64) (*domain.Record, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	rec, err := kind.DecodeJSON(body)
	if err != nil {
		return nil, err
	}
	if rec.RecordFile != "" {
		return nil, errors.New("record_file must be uploaded as a multipart file part")
	}
	return rec, nil
}

// decodeMultipart reads form fields as record columns and spools the
// record_file part to a temp file that keeps the client's extension.
func (h *Handler) decodeMultipart(w http.ResponseWriter, r *http.Request, kind domain.Kind) (*domain.Record, func(), error) {
	cleanup := func() {}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, cleanup, err
	}
	row := domain.Row{}
	for key, vals := range r.MultipartForm.Value {
		if len(vals) > 0 && vals[0] != "" {
			row[key] = vals[0]
		}
	}
	if _, ok := row["record_file"]; ok {
		return nil, cleanup, errors.New("record_file must be sent as a file part")
	}
	file, header, err := r.FormFile("record_file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		return nil, cleanup, err
	default:
		defer func() { _ = file.Close() }()
		tmp, err := os.CreateTemp(h.spoolDir, "upload-*"+filepath.Ext(header.Filename))
		if err != nil {
			return nil, cleanup, fmt.Errorf("spool upload: %w", err)
		}
		cleanup = func() { _ = os.Remove(tmp.Name()) }
		if _, err := io.Copy(tmp, file); err != nil {
			_ = tmp.Close()
			return nil, cleanup, fmt.Errorf("spool upload: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return nil, cleanup, fmt.Errorf("spool upload: %w", err)
		}
		row["record_file"] = tmp.Name()
	}
	rec, err := kind.FromRow(row)
	return rec, cleanup, err
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, f *domain.Facade) {
	q := r.URL.Query()
	ts, err := parseTime(q.Get("timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timestamp", err.Error())
		return
	}
	rec, err := f.Get(r.Context(), domain.PointQuery{
		Timestamp:      ts,
		KindName:       q.Get(f.Kind().NameColumn()),
		DatasetName:    q.Get("dataset_name"),
		ExperimentName: q.Get("experiment_name"),
		SeasonName:     q.Get("season_name"),
		SiteName:       q.Get("site_name"),
	})
	if err != nil {
		h.fail(w, err, "No "+f.Kind().Name+" record matched the given parameters")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleExists(w http.ResponseWriter, r *http.Request, f *domain.Facade) {
	q := r.URL.Query()
	ts, err := parseTime(q.Get("timestamp"))
	if err != nil || ts.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid timestamp", "timestamp is required")
		return
	}
	ok, err := f.Exists(r.Context(), domain.UniqueKey{
		Timestamp:      ts,
		KindName:       q.Get(f.Kind().NameColumn()),
		DatasetName:    q.Get("dataset_name"),
		ExperimentName: q.Get("experiment_name"),
		SeasonName:     q.Get("season_name"),
		SiteName:       q.Get("site_name"),
	})
	if err != nil {
		h.fail(w, err, "An error occurred while checking the "+f.Kind().Name+" record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": ok})
}

func (h *Handler) handleAll(w http.ResponseWriter, r *http.Request, f *domain.Facade) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := f.GetAll(r.Context(), limit)
	if err != nil {
		h.fail(w, err, "No "+f.Kind().Name+" records were found")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request, f *domain.Facade) {
	kind := f.Kind()
	q := r.URL.Query()
	params := domain.SearchParams{
		KindName:       q.Get(kind.NameColumn()),
		DatasetName:    q.Get("dataset_name"),
		ExperimentName: q.Get("experiment_name"),
		SeasonName:     q.Get("season_name"),
		SiteName:       q.Get("site_name"),
	}
	if s := q.Get("collection_date"); s != "" {
		d, err := time.Parse(domain.DateLayout, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid collection_date", err.Error())
			return
		}
		params.CollectionDate = d
	}
	var err error
	if params.KindData, err = parseDoc(q.Get(kind.DataColumn())); err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+kind.DataColumn(), err.Error())
		return
	}
	if params.RecordInfo, err = parseDoc(q.Get("record_info")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid record_info", err.Error())
		return
	}
	h.stream(w, r, f.Search(r.Context(), params))
}

func (h *Handler) handleFilter(w http.ResponseWriter, r *http.Request, f *domain.Facade) {
	q := r.URL.Query()
	start, err := parseTime(q.Get("start_timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_timestamp", err.Error())
		return
	}
	end, err := parseTime(q.Get("end_timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_timestamp", err.Error())
		return
	}
	h.stream(w, r, f.Filter(r.Context(), domain.FilterParams{
		Start:           start,
		End:             end,
		KindNames:       list(q[f.Kind().Name+"_names"]),
		DatasetNames:    list(q["dataset_names"]),
		ExperimentNames: list(q["experiment_names"]),
		SeasonNames:     list(q["season_names"]),
		SiteNames:       list(q["site_names"]),
	}))
}

// stream writes one JSON document per line. Errors before the first record
// produce a regular error response; later errors end the stream.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, seq func(func(*domain.Record, error) bool)) {
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)
	started := false
	n := 0
	for rec, err := range seq {
		if err != nil {
			if !started {
				h.fail(w, err, "An error occurred while streaming records")
				return
			}
			h.logger.Error("record stream aborted", "path", r.URL.Path, "rows", n, "error", err)
			return
		}
		if !started {
			w.Header().Set("Content-Type", ndjsonContentType)
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(rec); err != nil {
			h.logger.Warn("record stream write failed", "path", r.URL.Path, "error", err)
			return
		}
		n++
		if flusher != nil && n%domain.BatchSize == 0 {
			flusher.Flush()
		}
	}
	if !started {
		w.Header().Set("Content-Type", ndjsonContentType)
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Handler) handleGetByID(w http.ResponseWriter, r *http.Request, f *domain.Facade) {
	rec, err := f.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err, "No "+f.Kind().Name+" record was found with the given ID")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type updateRequest map[string]json.RawMessage

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request, f *domain.Facade) {
	kind := f.Kind()
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid update payload", err.Error())
		return
	}
	var patch domain.Patch
	for col, dst := range map[string]*map[string]any{kind.DataColumn(): &patch.KindData, "record_info": &patch.RecordInfo} {
		raw, ok := req[col]
		if !ok || string(raw) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+col, err.Error())
			return
		}
	}
	rec := &domain.Record{ID: r.PathValue("id"), Kind: kind}
	updated, err := f.Update(r.Context(), rec, patch)
	if err != nil {
		h.fail(w, err, "The "+kind.Name+" record could not be updated")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, f *domain.Facade) {
	if err := f.Delete(r.Context(), &domain.Record{ID: r.PathValue("id"), Kind: f.Kind()}); err != nil {
		h.fail(w, err, "The "+f.Kind().Name+" record could not be deleted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDownload redirects to a presigned URL on object stores that issue
// them and streams the object otherwise.
func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request, f *domain.Facade) {
	rec, err := f.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err, "No "+f.Kind().Name+" record was found with the given ID")
		return
	}
	if rec.RecordFile == "" {
		writeError(w, http.StatusNotFound, "record file not found", "The record has no file attached")
		return
	}
	switch h.blobs.Driver() {
	case blob.DriverS3, blob.DriverMinIO:
		u, err := h.blobs.PresignURL(r.Context(), rec.RecordFile, blob.SignedURLOptions{Method: http.MethodGet, Expiry: h.expiry})
		if err == nil {
			http.Redirect(w, r, u, http.StatusFound)
			return
		}
		if !errors.Is(err, blob.ErrUnsupported) {
			h.fail(w, err, "The record file could not be signed")
			return
		}
	}
	h.serveObject(r.Context(), w, rec.RecordFile)
}

func (h *Handler) serveObject(ctx context.Context, w http.ResponseWriter, key string) {
	info, body, err := h.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, "record file not found", "The object "+key+" does not exist")
			return
		}
		h.fail(w, err, "The record file could not be read")
		return
	}
	defer func() { _ = body.Close() }()
	contentType := info.ContentType
	if contentType == "" {
		contentType = domain.ContentType(key)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(key)))
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("record file copy failed", "key", key, "error", err)
	}
}

// fail maps err to a status code: not found 404, validation 400, duplicate
// 409, anything else 500.
func (h *Handler) fail(w http.ResponseWriter, err error, description string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), description)
	case errors.Is(err, domain.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error(), description)
	case errors.Is(err, domain.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error(), description)
	default:
		h.logger.Error("record request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error(), description)
	}
}

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg, description string) {
	writeJSON(w, status, errorBody{Error: msg, Description: description})
}

var queryTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999", domain.DateLayout}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range queryTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func parseDoc(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// list accepts both repeated parameters and comma separated values.
func list(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
