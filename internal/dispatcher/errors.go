package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/local/combinepdf/internal/assembler"
	"github.com/local/combinepdf/internal/jobs"
	"github.com/local/combinepdf/internal/pagerange"
	"github.com/local/combinepdf/internal/resource"
)

// FetchError wraps a failure to bring a job's inputs into the workspace.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch sources: %v", e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// PublishError wraps a failure to deliver the finished document.
type PublishError struct {
	Ref string
	Err error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish %s: %v", e.Ref, e.Err) }
func (e *PublishError) Unwrap() error { return e.Err }

// ErrorKind names the failure class recorded in job status and metrics.
func ErrorKind(err error) string {
	var (
		fe *FetchError
		pe *PublishError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, jobs.ErrInvalidJob), errors.Is(err, resource.ErrOutsideRoot):
		return "invalid_job"
	case errors.Is(err, pagerange.ErrInvalid):
		return "invalid_range"
	case errors.Is(err, jobs.ErrUnsupported):
		return "unsupported_type"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &fe):
		return "fetch_failure"
	case errors.As(err, &pe):
		return "publish_failure"
	default:
		return assembler.Kind(err)
	}
}
