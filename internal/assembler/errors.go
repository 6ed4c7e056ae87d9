package assembler

import (
	"errors"
	"fmt"

	"github.com/local/combinepdf/internal/imagepdf"
)

// ErrNoPages is returned when the source list selects no pages at all.
var ErrNoPages = errors.New("no pages selected")

// ReadError reports a PDF source that could not be opened or parsed.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// DecodeError reports an image source that could not be decoded or rendered.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// OverwriteConflictError reports an output path that names one of the input PDFs.
type OverwriteConflictError struct {
	Path string
}

func (e *OverwriteConflictError) Error() string {
	return fmt.Sprintf("output %s would overwrite an input document", e.Path)
}

// WriteError reports a failure to write the output document.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Kind names the failure class of err for logs, metrics and API responses.
func Kind(err error) string {
	var (
		re *ReadError
		de *DecodeError
		oe *OverwriteConflictError
		we *WriteError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &re):
		return "read_failure"
	case errors.As(err, &de):
		return "decode_failure"
	case errors.As(err, &oe):
		return "overwrite_conflict"
	case errors.As(err, &we):
		return "write_failure"
	case errors.Is(err, ErrNoPages):
		return "no_pages"
	case errors.Is(err, imagepdf.ErrMargin):
		return "invalid_margin"
	default:
		return "internal"
	}
}
