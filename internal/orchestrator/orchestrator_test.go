package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/local/combinepdf/internal/assembler"
	"github.com/local/combinepdf/internal/jobs"
	"github.com/local/combinepdf/internal/pagerange"
	"github.com/local/combinepdf/internal/resource"
	"github.com/local/combinepdf/internal/statuscheck"
	"github.com/local/combinepdf/internal/store"
)

type fakeQueue struct {
	mu        sync.Mutex
	payloads  [][]byte
	cancelled []string
	fail      error
}

func (q *fakeQueue) Enqueue(_ context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.payloads = append(q.payloads, payload)
	return nil
}

func (q *fakeQueue) CancelJob(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, jobID)
	return nil
}

type memStatus struct {
	mu sync.Mutex
	m  map[string]store.Status
}

func (s *memStatus) Set(_ context.Context, id string, st store.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = st
	return nil
}

func (s *memStatus) Get(_ context.Context, id string) (store.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[id]
	return st, ok, nil
}

type fakeHealth struct{ sum statuscheck.Summary }

func (f fakeHealth) Summary(context.Context) statuscheck.Summary { return f.sum }

type testServer struct {
	mux    *http.ServeMux
	queue  *fakeQueue
	status *memStatus
}

func newTestServer(t *testing.T, deps Dependencies) *testServer {
	t.Helper()
	ts := &testServer{mux: http.NewServeMux(), queue: &fakeQueue{}, status: &memStatus{m: map[string]store.Status{}}}
	deps.Queue = ts.queue
	deps.Status = ts.status
	if deps.ResultDir == "" {
		deps.ResultDir = t.TempDir()
	}
	New(deps).RegisterRoutes(ts.mux)
	return ts
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func writePDF(t *testing.T, path string, pages int) {
	t.Helper()
	pdf := gofpdf.New("P", "mm", "A4", "")
	for i := 0; i < pages; i++ {
		pdf.AddPage()
	}
	if err := pdf.OutputFileAndClose(path); err != nil {
		t.Fatal(err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Dependencies{})
	rec := ts.do(http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestValidateRanges(t *testing.T) {
	ts := newTestServer(t, Dependencies{})

	rec := ts.do(http.MethodPost, "/ranges/validate", validateReq{Text: "1-3, 2", PageCount: 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp validateResp
	decodeBody(t, rec, &resp)
	if !resp.Valid || resp.Pages != 4 || resp.Normalized != "1-3,2" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Summary != pagerange.FormatCount(4) {
		t.Errorf("summary = %q", resp.Summary)
	}
	if len(resp.Intervals) != 2 || resp.Intervals[0] != [2]int{0, 3} || resp.Intervals[1] != [2]int{1, 2} {
		t.Errorf("intervals = %v", resp.Intervals)
	}

	rec = ts.do(http.MethodPost, "/ranges/validate", validateReq{Text: "2, 3-1", PageCount: 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("invalid text status = %d", rec.Code)
	}
	resp = validateResp{}
	decodeBody(t, rec, &resp)
	if resp.Valid || resp.Error == "" || resp.Token == "" {
		t.Errorf("invalid resp = %+v", resp)
	}

	if rec := ts.do(http.MethodPost, "/ranges/validate", validateReq{Text: "1"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing page count status = %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/ranges/validate", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", rec.Code)
	}
}

func TestValidateRanges_PageCountFromRef(t *testing.T) {
	tmp := t.TempDir()
	doc := filepath.Join(tmp, "doc.pdf")
	writePDF(t, doc, 3)

	counter := WorkspacePageCounter(func() (*resource.Workspace, error) {
		return resource.NewWorkspace(resource.Options{TempDir: tmp})
	})
	ts := newTestServer(t, Dependencies{Pages: counter})

	rec := ts.do(http.MethodPost, "/ranges/validate", validateReq{Text: "3", Ref: doc + "#1"})
	var resp validateResp
	decodeBody(t, rec, &resp)
	if !resp.Valid || resp.PageCount != 3 || resp.Pages != 1 {
		t.Errorf("resp = %+v", resp)
	}

	rec = ts.do(http.MethodPost, "/ranges/validate", validateReq{Text: "1", Ref: filepath.Join(tmp, "missing.pdf")})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing document status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestCombine(t *testing.T) {
	resultDir := t.TempDir()
	ts := newTestServer(t, Dependencies{ResultDir: resultDir, Render: assembler.Options{Margin: 12}})

	body := `{"sources":[{"kind":"pdf","ref":"s3://docs/a.pdf","pages":"1-3,2"},{"kind":"blank"}]}`
	rec := ts.do(http.MethodPost, "/combine", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp combineResp
	decodeBody(t, rec, &resp)
	if resp.JobID == "" || resp.Status != store.StateQueued {
		t.Errorf("resp = %+v", resp)
	}
	if want := filepath.Join(resultDir, resp.JobID+".pdf"); resp.Output != want {
		t.Errorf("output = %q, want %q", resp.Output, want)
	}

	if len(ts.queue.payloads) != 1 {
		t.Fatalf("enqueued %d payloads", len(ts.queue.payloads))
	}
	job, err := jobs.Decode(ts.queue.payloads[0])
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != resp.JobID || len(job.Sources) != 2 || job.Margin != 12 || job.CreatedAt.IsZero() {
		t.Errorf("queued job = %+v", job)
	}
	st, ok, _ := ts.status.Get(context.Background(), resp.JobID)
	if !ok || st.Status != store.StateQueued {
		t.Errorf("status = %+v", st)
	}
}

func TestCombine_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
		kind string
	}{
		{"bad json", `{"sources":`, http.StatusBadRequest, "invalid_job"},
		{"no sources", `{"sources":[]}`, http.StatusBadRequest, "invalid_job"},
		{"unknown kind", `{"sources":[{"kind":"video","ref":"a.mp4"}]}`, http.StatusBadRequest, "invalid_job"},
		{"missing ref", `{"sources":[{"kind":"pdf"}]}`, http.StatusBadRequest, "invalid_job"},
		{"bad range", `{"sources":[{"ref":"a.pdf","pages":"1,9","page_count":3}]}`, http.StatusBadRequest, "invalid_range"},
		{"margin too large", `{"sources":[{"kind":"blank"}],"margin":300}`, http.StatusBadRequest, "invalid_job"},
		{"overwrite", `{"sources":[{"ref":"s3://docs/a.pdf"}],"output":"s3://docs/a.pdf"}`, http.StatusConflict, "overwrite_conflict"},
		{"overwrite default bucket", `{"sources":[{"kind":"pdf","ref":"s3:///a.pdf"}],"output":"s3://docs/a.pdf"}`, http.StatusConflict, "overwrite_conflict"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Dependencies{DefaultBucket: "docs"})
			rec := ts.do(http.MethodPost, "/combine", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
			var body map[string]string
			decodeBody(t, rec, &body)
			if body["error_kind"] != tt.kind {
				t.Errorf("error_kind = %q, want %q", body["error_kind"], tt.kind)
			}
			if len(ts.queue.payloads) != 0 {
				t.Error("rejected job was enqueued")
			}
		})
	}
}

func TestCombine_ConfinesLocalRefs(t *testing.T) {
	base := t.TempDir()
	inputs := filepath.Join(base, "inputs")
	results := filepath.Join(base, "results")
	doc := filepath.Join(inputs, "doc.pdf")
	victim := filepath.Join(base, "victim.txt")
	roots := resource.Roots{Inputs: inputs, Outputs: results}

	tests := []struct {
		name string
		job  jobs.Job
		code int
	}{
		{"inside", jobs.Job{Sources: []jobs.SourceSpec{{Ref: doc}}, Output: filepath.Join(results, "out.pdf")}, http.StatusCreated},
		{"default output", jobs.Job{Sources: []jobs.SourceSpec{{Ref: doc}, {Ref: "s3://docs/a.pdf"}}}, http.StatusCreated},
		{"output outside", jobs.Job{Sources: []jobs.SourceSpec{{Ref: doc}}, Output: victim}, http.StatusBadRequest},
		{"output escapes", jobs.Job{Sources: []jobs.SourceSpec{{Ref: doc}}, Output: filepath.Join(results, "..", "victim.txt")}, http.StatusBadRequest},
		{"source outside", jobs.Job{Sources: []jobs.SourceSpec{{Ref: "/etc/passwd", Kind: jobs.KindImage}}}, http.StatusBadRequest},
		{"source file url escapes", jobs.Job{Sources: []jobs.SourceSpec{{Ref: "file://" + filepath.ToSlash(filepath.Join(inputs, "..", "victim.txt"))}}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, Dependencies{ResultDir: results, Roots: roots})
			rec := ts.do(http.MethodPost, "/combine", tt.job)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
			if tt.code != http.StatusBadRequest {
				return
			}
			var body map[string]string
			decodeBody(t, rec, &body)
			if body["error_kind"] != "invalid_job" {
				t.Errorf("error_kind = %q", body["error_kind"])
			}
			if len(ts.queue.payloads) != 0 {
				t.Error("rejected job was enqueued")
			}
		})
	}
}

func TestValidateRanges_RefOutsideInputRoot(t *testing.T) {
	base := t.TempDir()
	secret := filepath.Join(base, "secret.pdf")
	writePDF(t, secret, 2)

	called := false
	counter := func(context.Context, string) (int, error) {
		called = true
		return 2, nil
	}
	ts := newTestServer(t, Dependencies{Pages: counter, Roots: resource.Roots{Inputs: filepath.Join(base, "inputs")}})

	rec := ts.do(http.MethodPost, "/ranges/validate", validateReq{Text: "1", Ref: secret})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error_kind"] != "invalid_job" {
		t.Errorf("error_kind = %q", body["error_kind"])
	}
	if called {
		t.Error("document outside the input root was read")
	}
}

func TestCombine_ImageOutputIsNotAConflict(t *testing.T) {
	ts := newTestServer(t, Dependencies{})
	rec := ts.do(http.MethodPost, "/combine", `{"sources":[{"kind":"image","ref":"/tmp/a.png"}],"output":"/tmp/a.png"}`)
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestCombine_QueueUnavailable(t *testing.T) {
	ts := newTestServer(t, Dependencies{})
	ts.queue.fail = errors.New("redis down")
	rec := ts.do(http.MethodPost, "/combine", `{"sources":[{"kind":"blank"}]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestProgress(t *testing.T) {
	ts := newTestServer(t, Dependencies{})
	_ = ts.status.Set(context.Background(), "j1", store.Status{Status: store.StateProcessing, Progress: 60, Message: "assembled 1 of 2 sources"})

	rec := ts.do(http.MethodGet, "/progress/j1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["job_id"] != "j1" || body["status"] != store.StateProcessing || body["progress"] != float64(60) {
		t.Errorf("body = %v", body)
	}

	if rec := ts.do(http.MethodGet, "/progress/unknown", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d", rec.Code)
	}
}

func TestDownload(t *testing.T) {
	ts := newTestServer(t, Dependencies{})
	out := filepath.Join(t.TempDir(), "merged.pdf")
	writePDF(t, out, 1)
	want, _ := os.ReadFile(out)

	_ = ts.status.Set(context.Background(), "done", store.Status{Status: store.StateSuccess, Output: out})
	_ = ts.status.Set(context.Background(), "busy", store.Status{Status: store.StateProcessing})
	_ = ts.status.Set(context.Background(), "remote", store.Status{Status: store.StateSuccess, Output: "s3://docs/out.pdf"})

	rec := ts.do(http.MethodGet, "/download/done", nil)
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), want) {
		t.Errorf("download = %d, %d bytes", rec.Code, rec.Body.Len())
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="merged.pdf"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if rec := ts.do(http.MethodGet, "/download/busy", nil); rec.Code != http.StatusConflict {
		t.Errorf("unfinished job status = %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/download/remote", nil); rec.Code != http.StatusNotFound {
		t.Errorf("remote output status = %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/download/unknown", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d", rec.Code)
	}
}

func TestCancel(t *testing.T) {
	ts := newTestServer(t, Dependencies{})
	_ = ts.status.Set(context.Background(), "q", store.Status{Status: store.StateQueued})
	_ = ts.status.Set(context.Background(), "f", store.Status{Status: store.StateFailed})

	rec := ts.do(http.MethodPost, "/cancel/q", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(ts.queue.cancelled) != 1 || ts.queue.cancelled[0] != "q" {
		t.Errorf("cancelled = %v", ts.queue.cancelled)
	}
	if st, _, _ := ts.status.Get(context.Background(), "q"); st.Status != store.StateCancelled {
		t.Errorf("status = %+v", st)
	}

	if rec := ts.do(http.MethodPost, "/cancel/f", nil); rec.Code != http.StatusConflict {
		t.Errorf("finished job cancel status = %d", rec.Code)
	}
	if rec := ts.do(http.MethodPost, "/cancel/none", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job cancel status = %d", rec.Code)
	}
	if rec := ts.do(http.MethodGet, "/cancel/q", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET cancel status = %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	up := statuscheck.Status{OK: true, Message: "Connected"}
	ts := newTestServer(t, Dependencies{Health: fakeHealth{statuscheck.Summary{Redis: up, Queue: up, ResultDir: up}}})
	if rec := ts.do(http.MethodGet, "/status", nil); rec.Code != http.StatusOK {
		t.Errorf("healthy status = %d", rec.Code)
	}

	ts = newTestServer(t, Dependencies{Health: fakeHealth{statuscheck.Summary{Redis: statuscheck.Status{Message: "timeout"}, Queue: up, ResultDir: up}}})
	rec := ts.do(http.MethodGet, "/status", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d", rec.Code)
	}
	var sum statuscheck.Summary
	decodeBody(t, rec, &sum)
	if sum.Redis.Message != "timeout" {
		t.Errorf("summary = %+v", sum)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&pagerange.ParseError{Token: "0", Reason: "page numbers start at 1"}, http.StatusBadRequest},
		{&jobs.ValidationError{Field: "sources", Reason: "empty"}, http.StatusBadRequest},
		{fmt.Errorf("source 0: %w", jobs.ErrUnsupported), http.StatusBadRequest},
		{&assembler.OverwriteConflictError{Path: "a.pdf"}, http.StatusConflict},
		{&assembler.ReadError{Path: "a.pdf", Err: os.ErrNotExist}, http.StatusUnprocessableEntity},
		{&assembler.DecodeError{Path: "a.png", Err: errors.New("bad")}, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: /etc/passwd", resource.ErrOutsideRoot), http.StatusBadRequest},
		{assembler.ErrNoPages, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := httpStatus(tt.err); got != tt.want {
			t.Errorf("httpStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestCleanupWorkspaces(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "combinepdf-stale")
	fresh := filepath.Join(dir, "combinepdf-fresh")
	other := filepath.Join(dir, "unrelated")
	for _, d := range []string{stale, fresh, other} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-3 * time.Hour)
	for _, d := range []string{stale, other} {
		if err := os.Chtimes(d, old, old); err != nil {
			t.Fatal(err)
		}
	}

	if n := CleanupWorkspaces(dir, time.Hour); n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale workspace kept")
	}
	for _, d := range []string{fresh, other} {
		if _, err := os.Stat(d); err != nil {
			t.Errorf("%s removed: %v", d, err)
		}
	}
}

type countingDepths struct {
	mu    sync.Mutex
	calls int
}

func (c *countingDepths) Depths(context.Context) (int64, int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 2, 1, 0, nil
}

func TestMonitorQueue(t *testing.T) {
	q := &countingDepths{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		MonitorQueue(ctx, q, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.calls < 2 {
		t.Errorf("depths read %d times", q.calls)
	}
}
