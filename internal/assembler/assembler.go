// Package assembler builds one PDF document from an ordered list of PDF,
// image and blank-page sources.
package assembler

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog/log"

	"github.com/local/combinepdf/internal/imagepdf"
	"github.com/local/combinepdf/internal/pagerange"
)

// Options controls the pages generated for image and blank sources.
// PDF pages are always copied at their original size.
type Options struct {
	Landscape    bool
	Margin       float64
	StretchSmall bool
}

// Result summarizes a finished assembly.
type Result struct {
	Path     string        `json:"path"`
	Pages    int           `json:"pages"`
	Bytes    int64         `json:"bytes"`
	Sources  int           `json:"sources"`
	Duration time.Duration `json:"duration"`
}

// Assembler writes source lists to PDF files.
type Assembler struct {
	opts Options
	// Progress, when set, is called after each source has been processed.
	Progress func(done, total int, src Source)
}

// New returns an Assembler using opts for generated pages.
func New(opts Options) *Assembler {
	return &Assembler{opts: opts}
}

// PageSize is the size of generated image and blank pages.
func (a *Assembler) PageSize() imagepdf.Size { return imagepdf.A4(a.opts.Landscape) }

// Assemble writes sources to outputPath with default options.
func Assemble(sources List, outputPath string) (Result, error) {
	return New(Options{}).Assemble(sources, outputPath)
}

// Assemble writes the pages of sources, in order, to outputPath. The file is
// replaced atomically; on failure the destination is left as it was and no
// partial output remains.
func (a *Assembler) Assemble(sources List, outputPath string) (Result, error) {
	start := time.Now()

	if err := CheckOverwrite(sources, outputPath); err != nil {
		return Result{}, err
	}
	if err := imagepdf.CheckMargin(a.PageSize(), a.opts.Margin); err != nil {
		return Result{}, err
	}
	total := sources.PageCount()
	if total == 0 {
		return Result{}, ErrNoPages
	}

	log.Info().
		Str("output", outputPath).
		Int("sources", len(sources)).
		Int("pages", total).
		Msg("assembling document")

	var segments [][]byte
	for i, src := range sources {
		segs, err := a.render(src)
		if err != nil {
			log.Error().Err(err).Int("source", i).Str("kind", src.Kind()).Msg("source failed")
			return Result{}, err
		}
		segments = append(segments, segs...)
		log.Debug().Int("source", i).Str("src", src.String()).Int("segments", len(segs)).Msg("source rendered")
		if a.Progress != nil {
			a.Progress(i+1, len(sources), src)
		}
	}

	n, err := writeAtomic(outputPath, func(w io.Writer) error {
		return merge(segments, w)
	})
	if err != nil {
		return Result{}, &WriteError{Path: outputPath, Err: err}
	}

	res := Result{
		Path:     outputPath,
		Pages:    total,
		Bytes:    n,
		Sources:  len(sources),
		Duration: time.Since(start),
	}
	log.Info().
		Str("output", outputPath).
		Int("pages", res.Pages).
		Int64("bytes", res.Bytes).
		Dur("duration", res.Duration).
		Msg("document written")
	return res, nil
}

func (a *Assembler) render(src Source) ([][]byte, error) {
	switch s := src.(type) {
	case *PDFSource:
		segs, err := pdfSegments(s)
		if err != nil {
			return nil, &ReadError{Path: s.Path, Err: err}
		}
		return segs, nil
	case *ImageSource:
		data, err := imagepdf.RenderFile(s.Path, imagepdf.Options{
			Page:         a.PageSize(),
			Margin:       a.opts.Margin,
			StretchSmall: a.opts.StretchSmall,
		})
		if err != nil {
			return nil, &DecodeError{Path: s.Path, Err: err}
		}
		return [][]byte{data}, nil
	case *BlankSource:
		var buf bytes.Buffer
		if err := imagepdf.Blank(&buf, a.PageSize()); err != nil {
			return nil, fmt.Errorf("render blank page: %w", err)
		}
		return [][]byte{buf.Bytes()}, nil
	default:
		return nil, fmt.Errorf("unsupported source type %T", src)
	}
}

// pdfSegments copies every interval of s as one contiguous block of pages.
// Repeated intervals reuse the block already extracted.
func pdfSegments(s *PDFSource) ([][]byte, error) {
	if len(s.Ranges) == 0 {
		return nil, nil
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), newConfiguration())
	if err != nil {
		return nil, err
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, err
	}

	cache := make(map[pagerange.Interval][]byte)
	segments := make([][]byte, 0, len(s.Ranges))
	for _, iv := range s.Ranges {
		if iv.Len() == 0 {
			continue
		}
		if iv.Start < 0 || iv.End > ctx.PageCount {
			return nil, fmt.Errorf("pages %d-%d outside document of %d pages", iv.Start+1, iv.End, ctx.PageCount)
		}
		if seg, ok := cache[iv]; ok {
			segments = append(segments, seg)
			continue
		}

		pages := make([]int, 0, iv.Len())
		for p := iv.Start; p < iv.End; p++ {
			pages = append(pages, p+1)
		}
		block, err := pdfcpu.ExtractPages(ctx, pages, false)
		if err != nil {
			return nil, fmt.Errorf("extract pages %d-%d: %w", iv.Start+1, iv.End, err)
		}
		var buf bytes.Buffer
		if err := api.WriteContext(block, &buf); err != nil {
			return nil, fmt.Errorf("write pages %d-%d: %w", iv.Start+1, iv.End, err)
		}
		cache[iv] = buf.Bytes()
		segments = append(segments, buf.Bytes())
	}
	return segments, nil
}

func merge(segments [][]byte, w io.Writer) error {
	switch len(segments) {
	case 0:
		return ErrNoPages
	case 1:
		_, err := w.Write(segments[0])
		return err
	}
	readers := make([]io.ReadSeeker, len(segments))
	for i, seg := range segments {
		readers[i] = bytes.NewReader(seg)
	}
	return api.MergeRaw(readers, w, false, newConfiguration())
}

func newConfiguration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// CheckOverwrite reports an OverwriteConflictError when outputPath names the
// file behind any PDF source, including through a different spelling of the
// path or a link.
func CheckOverwrite(sources List, outputPath string) error {
	out, err := filepath.Abs(outputPath)
	if err != nil {
		return &WriteError{Path: outputPath, Err: err}
	}
	outInfo, statErr := os.Stat(out)

	for _, src := range sources {
		p, ok := src.(*PDFSource)
		if !ok {
			continue
		}
		in, err := filepath.Abs(p.Path)
		if err != nil {
			continue
		}
		if in == out {
			return &OverwriteConflictError{Path: outputPath}
		}
		if statErr != nil {
			continue
		}
		if inInfo, err := os.Stat(in); err == nil && os.SameFile(inInfo, outInfo) {
			return &OverwriteConflictError{Path: outputPath}
		}
	}
	return nil
}

// writeAtomic streams fill into a temporary file next to path and renames it
// into place once complete. A replaced file keeps its permission bits.
func writeAtomic(path string, fill func(io.Writer) error) (int64, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".combinepdf-*.tmp")
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	cw := &countingWriter{w: tmp}
	if err := fill(cw); err != nil {
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		return 0, err
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := tmp.Chmod(mode); err != nil {
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}
	committed = true
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// IsUserError reports whether err stems from the inputs rather than from the
// environment or a bug.
func IsUserError(err error) bool {
	var (
		re *ReadError
		de *DecodeError
		oe *OverwriteConflictError
	)
	return errors.As(err, &re) || errors.As(err, &de) || errors.As(err, &oe) ||
		errors.Is(err, ErrNoPages) || errors.Is(err, pagerange.ErrInvalid) ||
		errors.Is(err, imagepdf.ErrMargin)
}
