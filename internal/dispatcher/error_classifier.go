package dispatcher

import (
	"context"
	"errors"
	"strings"

	"github.com/local/combinepdf/internal/resource"
)

// isTransientError reports whether retrying the job could succeed.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, resource.ErrTooLarge) || errors.Is(err, context.Canceled) {
		return false
	}

	var (
		fe *FetchError
		pe *PublishError
	)
	if !errors.As(err, &fe) && !errors.As(err, &pe) {
		// input errors stay wrong on retry
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary",
		"http 429",
		"http 500",
		"http 502",
		"http 503",
		"http 504",
		"slowdown",
		"serviceunavailable",
		"internalerror",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}
