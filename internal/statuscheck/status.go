package statuscheck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Pinger models the minimal capability we need for status checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DepthReader reports queue depths.
type DepthReader interface {
	Depths(ctx context.Context) (stream, delayed, dlq int64, err error)
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
	redis     Pinger
	s3        Pinger
	queue     DepthReader
	resultDir string
}

// Options configures the Checker. Nil dependencies are reported as
// unavailable.
type Options struct {
	Redis     Pinger
	S3        Pinger
	Queue     DepthReader
	ResultDir string
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Redis     Status `json:"redis"`
	S3        Status `json:"s3"`
	Queue     Status `json:"queue"`
	ResultDir Status `json:"result_dir"`
}

// Healthy reports whether the subsystems needed to run jobs are up.
// Object storage is optional.
func (s Summary) Healthy() bool { return s.Redis.OK && s.Queue.OK && s.ResultDir.OK }

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	return &Checker{redis: opts.Redis, s3: opts.S3, queue: opts.Queue, resultDir: opts.ResultDir}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Redis:     c.checkPing(ctx, c.redis, 2*time.Second),
		S3:        c.checkPing(ctx, c.s3, 5*time.Second),
		Queue:     c.checkQueue(ctx),
		ResultDir: c.checkResultDir(),
	}
}

func (c *Checker) checkPing(ctx context.Context, p Pinger, timeout time.Duration) Status {
	if p == nil {
		return Status{OK: false, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkQueue(ctx context.Context) Status {
	if c.queue == nil {
		return Status{OK: false, Message: "not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	stream, delayed, dlq, err := c.queue.Depths(ctx)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: fmt.Sprintf("%d queued, %d delayed, %d failed", stream, delayed, dlq)}
}

func (c *Checker) checkResultDir() Status {
	if c.resultDir == "" {
		return Status{OK: false, Message: "not configured"}
	}
	info, err := os.Stat(c.resultDir)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	if !info.IsDir() {
		return Status{OK: false, Message: "not a directory"}
	}
	return Status{OK: true, Message: "Available"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
