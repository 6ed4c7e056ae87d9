package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/combinepdf/internal/assembler"
	"github.com/local/combinepdf/internal/dispatcher"
	"github.com/local/combinepdf/internal/jobs"
	"github.com/local/combinepdf/internal/metrics"
	"github.com/local/combinepdf/internal/pagerange"
	"github.com/local/combinepdf/internal/resource"
	"github.com/local/combinepdf/internal/statuscheck"
	"github.com/local/combinepdf/internal/store"
)

type Queue interface {
	Enqueue(ctx context.Context, payload []byte) error
	CancelJob(ctx context.Context, jobID string) error
}

type StatusStore interface {
	Set(ctx context.Context, jobID string, st store.Status) error
	Get(ctx context.Context, jobID string) (store.Status, bool, error)
}

type HealthChecker interface {
	Summary(ctx context.Context) statuscheck.Summary
}

type Dependencies struct {
	Queue  Queue
	Status StatusStore
	Health HealthChecker
	// Pages resolves page counts for /ranges/validate requests that name a
	// document instead of a count. Optional.
	Pages  PageCounter

	DefaultBucket  string
	ResultDir      string
	MaxRequestBody int64
	// Roots confines local references named by clients.
	Roots          resource.Roots
	// Render fills in layout options a submitted job leaves unset.
	Render         assembler.Options
}

type Orchestrator struct {
	deps Dependencies
}

func New(deps Dependencies) *Orchestrator {
	if deps.MaxRequestBody <= 0 {
		deps.MaxRequestBody = 1 << 20
	}
	return &Orchestrator{deps: deps}
}

func (o *Orchestrator) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("/ranges/validate", o.handleValidateRanges)
	mux.HandleFunc("/combine", o.handleCombine)
	mux.HandleFunc("/progress/", o.handleProgress)
	mux.HandleFunc("/download/", o.handleDownload)
	mux.HandleFunc("/cancel/", o.handleCancel)
	mux.HandleFunc("/status", o.handleStatus)
	mux.Handle("/metrics", metrics.Handler())
}

type validateReq struct {
	Text      string `json:"text"`
	PageCount int    `json:"page_count"`
	Ref       string `json:"ref,omitempty"`
}

type validateResp struct {
	Valid      bool     `json:"valid"`
	PageCount  int      `json:"page_count"`
	Pages      int      `json:"pages"`
	Summary    string   `json:"summary,omitempty"`
	Normalized string   `json:"normalized,omitempty"`
	Intervals  [][2]int `json:"intervals"`
	Error      string   `json:"error,omitempty"`
	Token      string   `json:"token,omitempty"`
}

// handleValidateRanges gives live feedback on range text; malformed text is
// a normal answer, not a request error.
func (o *Orchestrator) handleValidateRanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req validateReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, o.deps.MaxRequestBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json", "")
		return
	}

	total := req.PageCount
	if total <= 0 && req.Ref != "" && o.deps.Pages != nil {
		if err := o.deps.Roots.CheckSource(req.Ref); err != nil {
			o.writeError(w, err)
			return
		}
		n, err := o.deps.Pages(r.Context(), req.Ref)
		if err != nil {
			log.Warn().Err(err).Str("ref", req.Ref).Msg("page count failed")
			o.writeError(w, err)
			return
		}
		total = n
	}
	if total <= 0 {
		writeJSONError(w, http.StatusBadRequest, "page_count or ref required", "")
		return
	}

	resp := validateResp{PageCount: total, Intervals: [][2]int{}}
	expr, err := pagerange.Parse(req.Text, total)
	if err != nil {
		resp.Error = err.Error()
		var pe *pagerange.ParseError
		if errors.As(err, &pe) {
			resp.Token = pe.Token
		}
	} else {
		resp.Valid = true
		resp.Pages = expr.Pages()
		resp.Summary = pagerange.FormatCount(resp.Pages)
		resp.Normalized = expr.String()
		for _, iv := range expr {
			resp.Intervals = append(resp.Intervals, [2]int{iv.Start, iv.End})
		}
	}
	metrics.IncRangeValidation(resp.Valid)
	writeJSON(w, http.StatusOK, resp)
}

type combineResp struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
	Output  string `json:"output"`
}

func (o *Orchestrator) handleCombine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var job jobs.Job
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, o.deps.MaxRequestBody)).Decode(&job); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json", "invalid_job")
		return
	}

	job.ID = uuid.NewString()
	job.Attempt = 0
	job.CreatedAt = time.Now().UTC()
	o.applyRenderDefaults(&job)

	if err := job.Validate(); err != nil {
		o.writeError(w, err)
		return
	}
	output := job.Output
	if output == "" {
		output = filepath.Join(o.deps.ResultDir, job.ID+".pdf")
	}
	if err := job.Confine(o.deps.Roots, output); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("job rejected")
		o.writeError(w, err)
		return
	}
	checked := job
	checked.Output = output
	if err := checked.CheckOverwrite(o.sameRef); err != nil {
		o.writeError(w, err)
		return
	}

	payload, err := job.Encode()
	if err != nil {
		o.writeError(w, err)
		return
	}
	start := time.Now()
	_ = o.deps.Status.Set(r.Context(), job.ID, store.Status{
		Status:   store.StateQueued,
		Progress: 0,
		Message:  "queued",
		Output:   output,
		Start:    &start,
		Metadata: map[string]any{"sources": len(job.Sources)},
	})
	if err := o.deps.Queue.Enqueue(r.Context(), payload); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("enqueue failed")
		end := time.Now()
		_ = o.deps.Status.Set(r.Context(), job.ID, store.Status{Status: store.StateFailed, Progress: 100, Message: "queue unavailable", Start: &start, End: &end})
		writeJSONError(w, http.StatusServiceUnavailable, "queue unavailable", "")
		return
	}

	log.Info().Str("job_id", job.ID).Int("sources", len(job.Sources)).Str("output", output).Msg("job created")
	writeJSON(w, http.StatusCreated, combineResp{
		Status:  store.StateQueued,
		JobID:   job.ID,
		Message: "Combine job created successfully",
		Output:  output,
	})
}

func (o *Orchestrator) applyRenderDefaults(job *jobs.Job) {
	def := o.deps.Render
	job.Landscape = job.Landscape || def.Landscape
	job.StretchSmall = job.StretchSmall || def.StretchSmall
	if job.Margin == 0 {
		job.Margin = def.Margin
	}
}

func (o *Orchestrator) sameRef(a, b string) bool {
	return resource.CanonicalRef(a, o.deps.DefaultBucket) == resource.CanonicalRef(b, o.deps.DefaultBucket)
}

type progressResp struct {
	JobID string `json:"job_id"`
	store.Status
}

func (o *Orchestrator) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/progress/")
	st, ok := o.lookup(r.Context(), w, jobID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, progressResp{JobID: jobID, Status: st})
}

func (o *Orchestrator) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/download/")
	st, ok := o.lookup(r.Context(), w, jobID)
	if !ok {
		return
	}
	if st.Status != store.StateSuccess {
		writeJSONError(w, http.StatusConflict, fmt.Sprintf("job is %s", st.Status), "")
		return
	}
	if resource.SchemeOf(st.Output) != resource.SchemeLocal {
		writeJSONError(w, http.StatusNotFound, "output is not stored locally: "+st.Output, "")
		return
	}
	path, err := resource.LocalPath(st.Output)
	if err != nil {
		o.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (o *Orchestrator) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/cancel/")
	st, ok := o.lookup(r.Context(), w, jobID)
	if !ok {
		return
	}
	if st.Terminal() {
		writeJSONError(w, http.StatusConflict, fmt.Sprintf("job already %s", st.Status), "")
		return
	}
	if err := o.deps.Queue.CancelJob(r.Context(), jobID); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("cancel failed")
		writeJSONError(w, http.StatusServiceUnavailable, "queue unavailable", "")
		return
	}
	end := time.Now()
	_ = o.deps.Status.Set(r.Context(), jobID, store.Status{Status: store.StateCancelled, Progress: 100, Message: "cancelled", Start: st.Start, End: &end})
	log.Info().Str("job_id", jobID).Msg("job cancelled")
	writeJSON(w, http.StatusOK, map[string]string{"status": store.StateCancelled, "job_id": jobID})
}

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
	if o.deps.Health == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "health checks not configured", "")
		return
	}
	sum := o.deps.Health.Summary(r.Context())
	code := http.StatusOK
	if !sum.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, sum)
}

func (o *Orchestrator) lookup(ctx context.Context, w http.ResponseWriter, jobID string) (store.Status, bool) {
	if jobID == "" || strings.Contains(jobID, "/") {
		writeJSONError(w, http.StatusNotFound, "job not found", "")
		return store.Status{}, false
	}
	st, ok, err := o.deps.Status.Get(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("status lookup failed")
		writeJSONError(w, http.StatusServiceUnavailable, "status store unavailable", "")
		return store.Status{}, false
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "job not found", "")
		return store.Status{}, false
	}
	return st, true
}

// httpStatus maps the error taxonomy to response codes.
func httpStatus(err error) int {
	var (
		oe *assembler.OverwriteConflictError
		re *assembler.ReadError
		de *assembler.DecodeError
		fe *dispatcher.FetchError
	)
	switch {
	case errors.Is(err, pagerange.ErrInvalid), errors.Is(err, jobs.ErrInvalidJob), errors.Is(err, jobs.ErrUnsupported),
		errors.Is(err, resource.ErrOutsideRoot):
		return http.StatusBadRequest
	case errors.As(err, &oe):
		return http.StatusConflict
	case errors.As(err, &re), errors.As(err, &de), errors.As(err, &fe):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (o *Orchestrator) writeError(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeJSONError(w, code, msg, dispatcher.ErrorKind(err))
}

func writeJSONError(w http.ResponseWriter, code int, msg, kind string) {
	body := map[string]string{"error": msg}
	if kind != "" {
		body["error_kind"] = kind
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
