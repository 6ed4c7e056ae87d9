package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/local/combinepdf/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	uploads  map[string][]byte
	meta     map[string]map[string]string
	download int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: map[string][]byte{},
		uploads: map[string][]byte{},
		meta:    map[string]map[string]string{},
	}
}

func (f *fakeStore) Bucket() string { return "default-bucket" }

func (f *fakeStore) Download(_ context.Context, obj storage.Object, w io.WriterAt) (int64, error) {
	atomic.AddInt32(&f.download, 1)
	f.mu.Lock()
	data, ok := f.objects[obj.String()]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("no such key %s", obj)
	}
	n, err := w.WriteAt(data, 0)
	return int64(n), err
}

func (f *fakeStore) Upload(_ context.Context, obj storage.Object, r io.Reader, _ string, meta map[string]string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[obj.String()] = data
	f.meta[obj.String()] = meta
	return nil
}

func newWorkspace(t *testing.T, opts Options) *Workspace {
	t.Helper()
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	ws, err := NewWorkspace(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestSchemeOf(t *testing.T) {
	tests := map[string]Scheme{
		"a.pdf":              SchemeLocal,
		"/tmp/a.pdf":         SchemeLocal,
		"file:///tmp/a.pdf":  SchemeLocal,
		"http://host/a.pdf":  SchemeHTTP,
		"https://host/a.pdf": SchemeHTTP,
		"s3://bucket/a.pdf":  SchemeS3,
		"s3-like/name/x.pdf": SchemeLocal,
		"https-mirror/x.pdf": SchemeLocal,
	}
	for ref, want := range tests {
		if got := SchemeOf(ref); got != want {
			t.Errorf("SchemeOf(%q) = %s, want %s", ref, got, want)
		}
	}
}

func TestFetch_LocalIsNotCopied(t *testing.T) {
	ws := newWorkspace(t, Options{})
	dir := t.TempDir()
	path := filepath.Join(dir, "in.pdf")
	if err := os.WriteFile(path, []byte("%PDF"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, ref := range []string{path, "file://" + filepath.ToSlash(path)} {
		got, err := ws.Fetch(context.Background(), ref)
		if err != nil {
			t.Fatalf("Fetch(%q) failed: %v", ref, err)
		}
		if got != path {
			t.Errorf("Fetch(%q) = %q, want %q", ref, got, path)
		}
	}
}

func TestFetch_HTTP(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		switch r.URL.Path {
		case "/doc.pdf":
			io.WriteString(w, "%PDF-1.4 test")
		case "/big.bin":
			io.WriteString(w, strings.Repeat("x", 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ws := newWorkspace(t, Options{HTTPClient: srv.Client(), MaxBytes: 32})

	p, err := ws.Fetch(context.Background(), srv.URL+"/doc.pdf")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if filepath.Dir(p) != ws.Dir() || filepath.Ext(p) != ".pdf" {
		t.Errorf("fetched to %q, want a .pdf inside %q", p, ws.Dir())
	}
	data, _ := os.ReadFile(p)
	if string(data) != "%PDF-1.4 test" {
		t.Errorf("content = %q", data)
	}

	// second fetch is served from the workspace
	if _, err := ws.Fetch(context.Background(), srv.URL+"/doc.pdf"); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("server hit %d times, want 1", n)
	}

	_, err = ws.Fetch(context.Background(), srv.URL+"/missing.pdf")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("missing object error = %v", err)
	}
	var re *RefError
	if !errors.As(err, &re) || re.Ref != srv.URL+"/missing.pdf" {
		t.Errorf("error not attributed to its reference: %#v", err)
	}
	if _, err := ws.Fetch(context.Background(), srv.URL+"/big.bin"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversized object error = %v, want ErrTooLarge", err)
	}
}

func TestFetch_S3(t *testing.T) {
	store := newFakeStore()
	store.objects["s3://docs/a.pdf"] = []byte("pdf bytes")
	store.objects["s3://default-bucket/b.png"] = []byte("png bytes")
	ws := newWorkspace(t, Options{Store: store})

	p, err := ws.Fetch(context.Background(), "s3://docs/a.pdf")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if data, _ := os.ReadFile(p); string(data) != "pdf bytes" {
		t.Errorf("content = %q", data)
	}

	p, err = ws.Fetch(context.Background(), "s3:///b.png")
	if err != nil {
		t.Fatalf("Fetch with default bucket failed: %v", err)
	}
	if data, _ := os.ReadFile(p); string(data) != "png bytes" {
		t.Errorf("content = %q", data)
	}

	if _, err := ws.Fetch(context.Background(), "s3://docs/missing.pdf"); err == nil {
		t.Error("expected error for missing object")
	}
}

func TestFetch_S3WithoutStore(t *testing.T) {
	ws := newWorkspace(t, Options{})
	if _, err := ws.Fetch(context.Background(), "s3://docs/a.pdf"); err == nil {
		t.Fatal("expected error without object storage")
	}
}

func TestFetchAll_OrderAndDedup(t *testing.T) {
	store := newFakeStore()
	store.objects["s3://docs/a.pdf"] = []byte("a")
	store.objects["s3://docs/b.pdf"] = []byte("b")
	ws := newWorkspace(t, Options{Store: store, Concurrency: 2})

	local := filepath.Join(t.TempDir(), "c.pdf")
	refs := []string{"s3://docs/a.pdf", local, "s3://docs/b.pdf", "s3://docs/a.pdf"}
	paths, err := ws.FetchAll(context.Background(), refs)
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(paths) != len(refs) {
		t.Fatalf("got %d paths", len(paths))
	}
	if paths[0] != paths[3] {
		t.Errorf("repeated reference fetched to different paths %q and %q", paths[0], paths[3])
	}
	if paths[1] != local {
		t.Errorf("local path = %q, want %q", paths[1], local)
	}
	if data, _ := os.ReadFile(paths[2]); string(data) != "b" {
		t.Errorf("paths[2] content = %q", data)
	}
	if n := atomic.LoadInt32(&store.download); n != 2 {
		t.Errorf("downloads = %d, want 2", n)
	}
}

func TestFetchAll_Error(t *testing.T) {
	ws := newWorkspace(t, Options{Store: newFakeStore()})
	if _, err := ws.FetchAll(context.Background(), []string{"s3://docs/none.pdf"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestOutputPathAndPublish(t *testing.T) {
	store := newFakeStore()
	ws := newWorkspace(t, Options{Store: store})

	localRef := filepath.Join(t.TempDir(), "nested", "out.pdf")
	p, err := ws.OutputPath(localRef)
	if err != nil {
		t.Fatal(err)
	}
	if p != localRef {
		t.Errorf("local output path = %q, want %q", p, localRef)
	}
	if _, err := os.Stat(filepath.Dir(localRef)); err != nil {
		t.Errorf("output directory not created: %v", err)
	}
	if err := ws.Publish(context.Background(), p, localRef, nil); err != nil {
		t.Errorf("local publish failed: %v", err)
	}

	p, err = ws.OutputPath("s3://docs/out.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(p) != ws.Dir() {
		t.Errorf("remote output staged at %q, want inside workspace", p)
	}
	if err := os.WriteFile(p, []byte("merged"), 0o644); err != nil {
		t.Fatal(err)
	}
	meta := map[string]string{"job-id": "j1"}
	if err := ws.Publish(context.Background(), p, "s3://docs/out.pdf", meta); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := string(store.uploads["s3://docs/out.pdf"]); got != "merged" {
		t.Errorf("uploaded %q", got)
	}
	if store.meta["s3://docs/out.pdf"]["job-id"] != "j1" {
		t.Errorf("metadata not forwarded: %v", store.meta)
	}

	if err := ws.Publish(context.Background(), p, "https://example.com/out.pdf", nil); err == nil {
		t.Error("expected error publishing to http")
	}
}

func TestSameRef(t *testing.T) {
	ws := newWorkspace(t, Options{Store: newFakeStore()})
	dir := t.TempDir()
	a := filepath.Join(dir, "a.pdf")

	if !ws.SameRef(a, filepath.Join(dir, ".", "x", "..", "a.pdf")) {
		t.Error("equivalent local paths differ")
	}
	if !ws.SameRef(a, "file://"+filepath.ToSlash(a)) {
		t.Error("file URL differs from path")
	}
	if !ws.SameRef("s3://default-bucket/k.pdf", "s3:///k.pdf") {
		t.Error("default bucket not applied")
	}
	if ws.SameRef("s3://docs/a.pdf", "s3://docs/b.pdf") {
		t.Error("different keys reported equal")
	}
}

func TestCanonicalRef(t *testing.T) {
	tests := []struct{ ref, bucket, want string }{
		{"s3:///out.pdf", "results", "s3://results/out.pdf"},
		{"s3://docs/a.pdf", "results", "s3://docs/a.pdf"},
		{"https://example.com/a.pdf", "", "https://example.com/a.pdf"},
		{"/tmp/x/../a.pdf", "", filepath.Clean("/tmp/a.pdf")},
	}
	for _, tt := range tests {
		if got := CanonicalRef(tt.ref, tt.bucket); got != tt.want {
			t.Errorf("CanonicalRef(%q, %q) = %q, want %q", tt.ref, tt.bucket, got, tt.want)
		}
	}
}

func TestClose_RemovesFetchedFiles(t *testing.T) {
	store := newFakeStore()
	store.objects["s3://docs/a.pdf"] = []byte("a")
	ws, err := NewWorkspace(Options{TempDir: t.TempDir(), Store: store})
	if err != nil {
		t.Fatal(err)
	}
	p, err := ws.Fetch(context.Background(), "s3://docs/a.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Errorf("fetched file survived Close")
	}
	if _, err := os.Stat(ws.Dir()); !os.IsNotExist(err) {
		t.Errorf("workspace directory survived Close")
	}
}

func TestRoots(t *testing.T) {
	base := t.TempDir()
	in := filepath.Join(base, "in")
	out := filepath.Join(base, "out")
	for _, d := range []string{in, out} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	victim := filepath.Join(base, "victim.txt")
	if err := os.WriteFile(victim, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(base, filepath.Join(out, "escape")); err != nil {
		t.Fatal(err)
	}
	r := Roots{Inputs: in, Outputs: out}

	allowed := []func() error{
		func() error { return r.CheckSource(filepath.Join(in, "a.pdf")) },
		func() error { return r.CheckSource("file://" + filepath.ToSlash(filepath.Join(in, "sub", "b.png"))) },
		func() error { return r.CheckSource("https://example.com/etc/passwd") },
		func() error { return r.CheckSource("s3://docs/a.pdf") },
		func() error { return r.CheckOutput(filepath.Join(out, "new", "x.pdf")) },
		func() error { return Roots{}.CheckOutput(victim) },
	}
	for i, check := range allowed {
		if err := check(); err != nil {
			t.Errorf("allowed case %d rejected: %v", i, err)
		}
	}

	rejected := []func() error{
		func() error { return r.CheckSource(victim) },
		func() error { return r.CheckSource(filepath.Join(in, "..", "victim.txt")) },
		func() error { return r.CheckSource("file://" + filepath.ToSlash(victim)) },
		func() error { return r.CheckOutput(victim) },
		func() error { return r.CheckOutput(filepath.Join(out, "..", "in", "x.pdf")) },
		func() error { return r.CheckOutput(filepath.Join(out, "escape", "victim.txt")) },
		func() error { return r.CheckOutput(out + "-sibling/x.pdf") },
	}
	for i, check := range rejected {
		if err := check(); !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("rejected case %d: err = %v, want ErrOutsideRoot", i, err)
		}
	}
}
