// Package resource maps job references (local paths, file://, http(s)://
// and s3:// URLs) to local files for the duration of one job.
package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/combinepdf/internal/storage"
)

// ErrTooLarge is returned when a remote object exceeds the size limit.
var ErrTooLarge = errors.New("remote object exceeds size limit")

// RefError attributes a failed remote fetch to its reference.
type RefError struct {
	Ref string
	Err error
}

func (e *RefError) Error() string { return e.Err.Error() }
func (e *RefError) Unwrap() error { return e.Err }

// Scheme classifies a reference.
type Scheme string

const (
	SchemeLocal Scheme = "file"
	SchemeHTTP  Scheme = "http"
	SchemeS3    Scheme = "s3"
)

// ObjectStore is the object storage used for s3:// references.
type ObjectStore interface {
	Bucket() string
	Download(ctx context.Context, obj storage.Object, w io.WriterAt) (int64, error)
	Upload(ctx context.Context, obj storage.Object, r io.Reader, contentType string, metadata map[string]string) error
}

// Options configures a Workspace.
type Options struct {
	TempDir     string
	HTTPClient  *http.Client
	Store       ObjectStore
	MaxBytes    int64
	Concurrency int
}

// Workspace owns a private temporary directory. Everything fetched into it
// is removed by Close.
type Workspace struct {
	dir  string
	opts Options

	mu      sync.Mutex
	fetched map[string]string
}

// NewWorkspace creates the temporary directory for one job.
func NewWorkspace(opts Options) (*Workspace, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	dir, err := os.MkdirTemp(opts.TempDir, "combinepdf-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir, opts: opts, fetched: make(map[string]string)}, nil
}

// Dir is the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Close removes the workspace and everything fetched into it.
func (w *Workspace) Close() error {
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", w.dir, err)
	}
	return nil
}

// SchemeOf classifies ref.
func SchemeOf(ref string) Scheme {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		return SchemeS3
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return SchemeHTTP
	default:
		return SchemeLocal
	}
}

// LocalPath converts a local reference (plain path or file:// URL) to a path.
func LocalPath(ref string) (string, error) {
	if !strings.HasPrefix(ref, "file://") {
		return ref, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid file reference %q: %w", ref, err)
	}
	if u.Path == "" {
		return "", fmt.Errorf("invalid file reference %q: empty path", ref)
	}
	return filepath.FromSlash(u.Path), nil
}

// Canonical returns a normalized form of ref for equality checks between
// references: absolute cleaned paths for local files, s3://bucket/key for
// objects.
func (w *Workspace) Canonical(ref string) string {
	bucket := ""
	if w.opts.Store != nil {
		bucket = w.opts.Store.Bucket()
	}
	return CanonicalRef(ref, bucket)
}

// CanonicalRef is Canonical without a workspace; bucket-less s3 references
// resolve against defaultBucket.
func CanonicalRef(ref, defaultBucket string) string {
	switch SchemeOf(ref) {
	case SchemeS3:
		if obj, err := storage.ParseURL(ref, defaultBucket); err == nil {
			return obj.String()
		}
		return ref
	case SchemeHTTP:
		return ref
	default:
		p, err := LocalPath(ref)
		if err != nil {
			return ref
		}
		if abs, err := filepath.Abs(p); err == nil {
			return abs
		}
		return filepath.Clean(p)
	}
}

// SameRef reports whether a and b name the same file or object.
func (w *Workspace) SameRef(a, b string) bool { return w.Canonical(a) == w.Canonical(b) }

// Fetch returns a local path holding the content of ref. Local references
// are returned without copying; remote ones are downloaded once per workspace.
func (w *Workspace) Fetch(ctx context.Context, ref string) (string, error) {
	if SchemeOf(ref) == SchemeLocal {
		return LocalPath(ref)
	}

	key := w.Canonical(ref)
	w.mu.Lock()
	if p, ok := w.fetched[key]; ok {
		w.mu.Unlock()
		return p, nil
	}
	w.mu.Unlock()

	dst := filepath.Join(w.dir, uuid.NewString()+extension(ref))
	var err error
	switch SchemeOf(ref) {
	case SchemeS3:
		err = w.fetchS3(ctx, ref, dst)
	case SchemeHTTP:
		err = w.fetchHTTP(ctx, ref, dst)
	}
	if err != nil {
		os.Remove(dst)
		return "", &RefError{Ref: ref, Err: err}
	}

	w.mu.Lock()
	w.fetched[key] = dst
	w.mu.Unlock()
	log.Debug().Str("ref", ref).Str("path", dst).Msg("fetched reference")
	return dst, nil
}

// FetchAll fetches refs concurrently and returns local paths in the same order.
func (w *Workspace) FetchAll(ctx context.Context, refs []string) ([]string, error) {
	paths := make([]string, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)

	// one download per distinct reference
	first := make(map[string]int)
	for i, ref := range refs {
		key := w.Canonical(ref)
		if _, ok := first[key]; ok {
			continue
		}
		first[key] = i
		i, ref := i, ref
		g.Go(func() error {
			p, err := w.Fetch(gctx, ref)
			if err != nil {
				return err
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, ref := range refs {
		paths[i] = paths[first[w.Canonical(ref)]]
	}
	return paths, nil
}

// OutputPath returns where the document for ref should be written locally.
// Local references are written in place; remote ones go to the workspace and
// are published afterwards.
func (w *Workspace) OutputPath(ref string) (string, error) {
	if SchemeOf(ref) == SchemeLocal {
		p, err := LocalPath(ref)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return "", fmt.Errorf("create output directory: %w", err)
		}
		return p, nil
	}
	return filepath.Join(w.dir, "output-"+uuid.NewString()+".pdf"), nil
}

// Publish delivers the file at localPath to ref. Local references need no
// work because OutputPath already points at them.
func (w *Workspace) Publish(ctx context.Context, localPath, ref string, metadata map[string]string) error {
	switch SchemeOf(ref) {
	case SchemeLocal:
		return nil
	case SchemeS3:
		if w.opts.Store == nil {
			return fmt.Errorf("publish %s: object storage not configured", ref)
		}
		obj, err := storage.ParseURL(ref, w.opts.Store.Bucket())
		if err != nil {
			return err
		}
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("publish %s: %w", ref, err)
		}
		defer f.Close()
		return w.opts.Store.Upload(ctx, obj, f, "application/pdf", metadata)
	default:
		return fmt.Errorf("publish %s: unsupported output scheme", ref)
	}
}

func (w *Workspace) fetchS3(ctx context.Context, ref, dst string) error {
	if w.opts.Store == nil {
		return fmt.Errorf("fetch %s: object storage not configured", ref)
	}
	obj, err := storage.ParseURL(ref, w.opts.Store.Bucket())
	if err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := w.opts.Store.Download(ctx, obj, f)
	if err != nil {
		return err
	}
	if w.opts.MaxBytes > 0 && n > w.opts.MaxBytes {
		return fmt.Errorf("fetch %s: %w", ref, ErrTooLarge)
	}
	return nil
}

func (w *Workspace) fetchHTTP(ctx context.Context, ref, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", ref, err)
	}
	resp, err := w.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: HTTP %d", ref, resp.StatusCode)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	var body io.Reader = resp.Body
	if w.opts.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, w.opts.MaxBytes+1)
	}
	n, err := io.Copy(f, body)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", ref, err)
	}
	if w.opts.MaxBytes > 0 && n > w.opts.MaxBytes {
		return fmt.Errorf("fetch %s: %w", ref, ErrTooLarge)
	}
	return nil
}

func extension(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if len(ext) > 6 {
		return ""
	}
	return ext
}
