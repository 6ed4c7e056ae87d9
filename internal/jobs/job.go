// Package jobs describes combine jobs as they travel through the queue and
// turns them into assembler source lists.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/combinepdf/internal/assembler"
	"github.com/local/combinepdf/internal/filetype"
	"github.com/local/combinepdf/internal/imagepdf"
	"github.com/local/combinepdf/internal/pagerange"
	"github.com/local/combinepdf/internal/resource"
)

// Source kinds accepted in a job.
const (
	KindPDF   = "pdf"
	KindImage = "image"
	KindBlank = "blank"
)

var (
	// ErrInvalidJob is matched by every ValidationError.
	ErrInvalidJob = errors.New("invalid job")
	// ErrUnsupported is returned for sources that are neither PDF nor image.
	ErrUnsupported = errors.New("unsupported source type")
)

// ValidationError points at the job field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidJob }

// SourceSpec is one entry of a job's source list. Pages is nil to select
// every page; an empty string selects none.
type SourceSpec struct {
	Kind      string  `json:"kind,omitempty"`
	Ref       string  `json:"ref,omitempty"`
	Pages     *string `json:"pages,omitempty"`
	PageCount int     `json:"page_count,omitempty"`
}

// Job is a request to assemble one output document.
type Job struct {
	ID           string       `json:"job_id"`
	Sources      []SourceSpec `json:"sources"`
	Output       string       `json:"output,omitempty"`
	Landscape    bool         `json:"landscape,omitempty"`
	Margin       float64      `json:"margin,omitempty"`
	StretchSmall bool         `json:"stretch_small,omitempty"`
	Attempt      int          `json:"attempt,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Decode parses a queued job payload.
func Decode(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

// Encode serializes the job for the queue.
func (j *Job) Encode() ([]byte, error) { return json.Marshal(j) }

// Options returns the assembler options requested by the job.
func (j *Job) Options() assembler.Options {
	return assembler.Options{Landscape: j.Landscape, Margin: j.Margin, StretchSmall: j.StretchSmall}
}

// Validate checks the job shape. When a source declares its page count,
// its page selection is parsed against it as well.
func (j *Job) Validate() error {
	if len(j.Sources) == 0 {
		return &ValidationError{Field: "sources", Reason: "at least one source required"}
	}
	if j.Margin < 0 {
		return &ValidationError{Field: "margin", Reason: "must not be negative"}
	}
	if err := imagepdf.CheckMargin(imagepdf.A4(j.Landscape), j.Margin); err != nil {
		return &ValidationError{Field: "margin", Reason: err.Error()}
	}
	for i, s := range j.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		switch s.Kind {
		case "", KindPDF, KindImage:
			if s.Ref == "" {
				return &ValidationError{Field: field + ".ref", Reason: "reference required"}
			}
		case KindBlank:
			if s.Ref != "" {
				return &ValidationError{Field: field + ".ref", Reason: "blank pages take no reference"}
			}
		default:
			return &ValidationError{Field: field + ".kind", Reason: fmt.Sprintf("unknown kind %q", s.Kind)}
		}
		if s.Pages != nil && (s.Kind == KindImage || s.Kind == KindBlank) {
			return &ValidationError{Field: field + ".pages", Reason: "only PDF sources take a page selection"}
		}
		if s.PageCount < 0 {
			return &ValidationError{Field: field + ".page_count", Reason: "must not be negative"}
		}
		if s.Pages != nil && s.PageCount > 0 {
			if _, err := pagerange.Parse(*s.Pages, s.PageCount); err != nil {
				return err
			}
		}
	}
	return nil
}

// Confine rejects local references outside roots. outRef is the output the
// job will actually be written to.
func (j *Job) Confine(roots resource.Roots, outRef string) error {
	for i, s := range j.Sources {
		if s.Kind == KindBlank {
			continue
		}
		if err := roots.CheckSource(s.Ref); err != nil {
			return &ValidationError{Field: fmt.Sprintf("sources[%d].ref", i), Reason: err.Error()}
		}
	}
	if err := roots.CheckOutput(outRef); err != nil {
		return &ValidationError{Field: "output", Reason: err.Error()}
	}
	return nil
}

// CheckOverwrite rejects an output reference that names a source which is or
// may be a PDF. same decides whether two references denote one file.
func (j *Job) CheckOverwrite(same func(a, b string) bool) error {
	if j.Output == "" {
		return nil
	}
	for _, s := range j.Sources {
		if s.Kind != KindPDF && s.Kind != "" {
			continue
		}
		if same(s.Ref, j.Output) {
			return &assembler.OverwriteConflictError{Path: j.Output}
		}
	}
	return nil
}

// Refs returns the references that need fetching, in source order.
func (j *Job) Refs() []string {
	refs := make([]string, 0, len(j.Sources))
	for _, s := range j.Sources {
		if s.Kind != KindBlank {
			refs = append(refs, s.Ref)
		}
	}
	return refs
}

// Detector classifies a local file by content.
type Detector interface {
	Detect(path string) (*filetype.FileTypeInfo, error)
}

// Build resolves the job's sources against local files. paths holds one
// entry per non-blank source, in the order returned by Refs.
func Build(j *Job, paths []string, det Detector) (assembler.List, error) {
	if want := len(j.Refs()); len(paths) != want {
		return nil, fmt.Errorf("build job %s: %d paths for %d references", j.ID, len(paths), want)
	}

	list := make(assembler.List, 0, len(j.Sources))
	next := 0
	for i, s := range j.Sources {
		if s.Kind == KindBlank {
			list = append(list, &assembler.BlankSource{})
			continue
		}
		path := paths[next]
		next++

		kind := s.Kind
		if kind == "" {
			info, err := det.Detect(path)
			if err != nil {
				return nil, &assembler.ReadError{Path: s.Ref, Err: err}
			}
			switch info.Kind {
			case filetype.KindPDF:
				kind = KindPDF
			case filetype.KindImage:
				kind = KindImage
			default:
				return nil, fmt.Errorf("source %d (%s, %s): %w", i, s.Ref, info.MIMEType, ErrUnsupported)
			}
			log.Debug().Str("job_id", j.ID).Int("source", i).Str("kind", kind).Str("mime", info.MIMEType).Msg("detected source kind")
		}

		switch kind {
		case KindPDF:
			src, err := assembler.NewPDFSource(path)
			if err != nil {
				var re *assembler.ReadError
				if errors.As(err, &re) {
					return nil, &assembler.ReadError{Path: s.Ref, Err: re.Err}
				}
				return nil, err
			}
			if s.Pages != nil {
				if err := src.Select(*s.Pages); err != nil {
					return nil, fmt.Errorf("source %d (%s): %w", i, s.Ref, err)
				}
			}
			list = append(list, src)
		case KindImage:
			if s.Pages != nil {
				return nil, &ValidationError{Field: fmt.Sprintf("sources[%d].pages", i), Reason: "only PDF sources take a page selection"}
			}
			list = append(list, assembler.NewImageSource(path))
		}
	}
	return list, nil
}
