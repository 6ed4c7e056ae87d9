package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/combinepdf/internal/assembler"
	"github.com/local/combinepdf/internal/filetype"
	"github.com/local/combinepdf/internal/jobs"
	"github.com/local/combinepdf/internal/metrics"
	"github.com/local/combinepdf/internal/resource"
	"github.com/local/combinepdf/internal/store"
)

type Queue interface {
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, []byte, error)
	Ack(ctx context.Context, msgID string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	EnqueueDelayed(ctx context.Context, payload []byte, executeAt time.Time) error
	AddDLQ(ctx context.Context, payload []byte, reason string) error
	IsDone(ctx context.Context, jobID string) (bool, error)
	MarkDone(ctx context.Context, jobID string, ttl time.Duration) error
}

type StatusStore interface {
	Set(ctx context.Context, jobID string, st store.Status) error
	Get(ctx context.Context, jobID string) (store.Status, bool, error)
}

type Config struct {
	Concurrency    int
	JobTimeout     time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	DequeueTimeout time.Duration
	ResultDir      string
	DoneTTL        time.Duration
	Consumer       string
	// DefaultBucket resolves bucket-less s3:// references to an origin.
	DefaultBucket  string
	// Roots confines the local sources and outputs of queued jobs.
	Roots          resource.Roots
}

type Worker struct {
	cfg          Config
	q            Queue
	status       StatusStore
	newWorkspace func() (*resource.Workspace, error)
	detector     jobs.Detector
	breaker      Breaker
	stop         chan struct{}
	wg           sync.WaitGroup
}

func New(cfg Config, q Queue, status StatusStore, newWorkspace func() (*resource.Workspace, error)) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 2 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.DoneTTL <= 0 {
		cfg.DoneTTL = 7 * 24 * time.Hour
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "combinepdf"
	}
	return &Worker{
		cfg:          cfg,
		q:            q,
		status:       status,
		newWorkspace: newWorkspace,
		detector:     filetype.New(),
		stop:         make(chan struct{}),
	}
}

// WithBreaker makes the worker defer jobs whose remote origins keep failing.
func (w *Worker) WithBreaker(b Breaker) *Worker {
	w.breaker = b
	return w
}

func (w *Worker) Start() {
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(i)
	}
}

// Stop signals the workers and waits for running jobs to finish or ctx to end.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stop)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(id int) {
	defer w.wg.Done()
	consumer := fmt.Sprintf("%s-%d", w.cfg.Consumer, id)
	log.Info().Int("worker", id).Msg("dispatcher worker started")
	for {
		select {
		case <-w.stop:
			log.Info().Int("worker", id).Msg("dispatcher worker stopped")
			return
		default:
		}

		msgID, data, err := w.q.Dequeue(context.Background(), consumer, w.cfg.DequeueTimeout)
		if err != nil {
			log.Error().Err(err).Msg("queue dequeue error")
			select {
			case <-w.stop:
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if msgID == "" {
			continue
		}
		w.handle(context.Background(), msgID, data)
	}
}

// handle runs one queued message to completion and always acknowledges it;
// retries are re-enqueued as new messages.
func (w *Worker) handle(ctx context.Context, msgID string, data []byte) {
	defer func() {
		if err := w.q.Ack(ctx, msgID); err != nil {
			log.Error().Err(err).Str("msg_id", msgID).Msg("ack failed")
		}
	}()

	job, err := jobs.Decode(data)
	if err != nil || job.ID == "" {
		log.Error().Err(err).Str("msg_id", msgID).Msg("dropping undecodable job")
		_ = w.q.AddDLQ(ctx, data, "undecodable payload")
		metrics.IncError("invalid_job")
		return
	}
	logger := log.With().Str("job_id", job.ID).Int("attempt", job.Attempt).Logger()

	if cancelled, _ := w.q.IsCancelled(ctx, job.ID); cancelled {
		logger.Warn().Msg("job cancelled before processing; skipping")
		end := time.Now()
		_ = w.status.Set(ctx, job.ID, store.Status{Status: store.StateCancelled, Progress: 100, Message: "cancelled", End: &end})
		metrics.ObserveJob(store.StateCancelled, 0)
		return
	}
	if done, _ := w.q.IsDone(ctx, job.ID); done {
		logger.Info().Msg("job already completed; dropping redelivery")
		return
	}

	if origin := w.coolingOrigin(ctx, job); origin != "" {
		// deferral does not count as an attempt
		if payload, err := job.Encode(); err == nil {
			if err := w.q.EnqueueDelayed(ctx, payload, time.Now().Add(w.cfg.RetryBaseDelay)); err == nil {
				_ = w.status.Set(ctx, job.ID, store.Status{Status: store.StateQueued, Message: "waiting for " + origin})
				logger.Info().Str("origin", origin).Msg("origin cooling down; job deferred")
				return
			}
		}
	}

	start := time.Now()
	_ = w.status.Set(ctx, job.ID, store.Status{Status: store.StateProcessing, Progress: 10, Message: "fetching sources", Start: &start})

	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	res, output, err := w.Process(jobCtx, job)
	end := time.Now()
	if err == nil {
		_ = w.status.Set(ctx, job.ID, store.Status{
			Status:   store.StateSuccess,
			Progress: 100,
			Message:  "completed",
			Pages:    res.Pages,
			Output:   output,
			Start:    &start,
			End:      &end,
			Metadata: map[string]any{"sources": res.Sources, "bytes": res.Bytes},
		})
		_ = w.q.MarkDone(ctx, job.ID, w.cfg.DoneTTL)
		w.closeBreakers(ctx, job)
		metrics.ObserveJob(store.StateSuccess, end.Sub(start))
		metrics.AddPages(res.Pages)
		logger.Info().Int("pages", res.Pages).Str("output", output).Dur("duration", end.Sub(start)).Msg("job completed")
		return
	}

	kind := ErrorKind(err)
	transient := isTransientError(err)
	if transient {
		w.openBreaker(ctx, err)
	}
	if transient && job.Attempt+1 < w.cfg.MaxAttempts {
		job.Attempt++
		delay := w.cfg.RetryBaseDelay * time.Duration(1<<(job.Attempt-1))
		payload, encErr := job.Encode()
		if encErr == nil {
			if qErr := w.q.EnqueueDelayed(ctx, payload, time.Now().Add(delay)); qErr == nil {
				_ = w.status.Set(ctx, job.ID, store.Status{
					Status:    store.StateQueued,
					Progress:  0,
					Message:   fmt.Sprintf("retrying in %s: %v", delay, err),
					ErrorKind: kind,
					Start:     &start,
				})
				metrics.IncRetry()
				logger.Warn().Err(err).Str("error_kind", kind).Dur("delay", delay).Msg("job failed; retry scheduled")
				return
			}
		}
	}

	_ = w.status.Set(ctx, job.ID, store.Status{
		Status:    store.StateFailed,
		Progress:  100,
		Message:   err.Error(),
		ErrorKind: kind,
		Start:     &start,
		End:       &end,
	})
	if dlqErr := w.q.AddDLQ(ctx, data, kind+": "+err.Error()); dlqErr != nil {
		logger.Error().Err(dlqErr).Msg("dlq push failed")
	}
	metrics.ObserveJob(store.StateFailed, end.Sub(start))
	metrics.IncError(kind)
	logger.Error().Err(err).Str("error_kind", kind).Msg("job failed")
}

func (w *Worker) coolingOrigin(ctx context.Context, job *jobs.Job) string {
	if w.breaker == nil {
		return ""
	}
	for _, ref := range append(job.Refs(), job.Output) {
		if origin := originOf(ref, w.cfg.DefaultBucket); origin != "" && w.breaker.IsOpen(ctx, origin) {
			return origin
		}
	}
	return ""
}

func (w *Worker) openBreaker(ctx context.Context, err error) {
	if w.breaker == nil {
		return
	}
	var (
		re *resource.RefError
		pe *PublishError
	)
	ref := ""
	switch {
	case errors.As(err, &re):
		ref = re.Ref
	case errors.As(err, &pe):
		ref = pe.Ref
	}
	if origin := originOf(ref, w.cfg.DefaultBucket); origin != "" {
		w.breaker.Open(ctx, origin)
	}
}

func (w *Worker) closeBreakers(ctx context.Context, job *jobs.Job) {
	if w.breaker == nil {
		return
	}
	seen := map[string]bool{}
	for _, ref := range append(job.Refs(), w.OutputRef(job)) {
		origin := originOf(ref, w.cfg.DefaultBucket)
		if origin == "" || seen[origin] {
			continue
		}
		seen[origin] = true
		w.breaker.Close(ctx, origin)
	}
}

// OutputRef returns where the job's document goes: its own output reference
// or <ResultDir>/<job id>.pdf.
func (w *Worker) OutputRef(job *jobs.Job) string {
	if job.Output != "" {
		return job.Output
	}
	return filepath.Join(w.cfg.ResultDir, job.ID+".pdf")
}

// Process fetches the job's sources, assembles them and publishes the result.
// It returns the assembly result and the output reference.
func (w *Worker) Process(ctx context.Context, job *jobs.Job) (assembler.Result, string, error) {
	if err := job.Validate(); err != nil {
		return assembler.Result{}, "", err
	}
	outRef := w.OutputRef(job)
	if err := job.Confine(w.cfg.Roots, outRef); err != nil {
		return assembler.Result{}, "", err
	}

	ws, err := w.newWorkspace()
	if err != nil {
		return assembler.Result{}, "", err
	}
	defer func() {
		if err := ws.Close(); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("workspace cleanup failed")
		}
	}()

	res, err := Execute(ctx, job, outRef, ws, w.detector, func(done, total int, _ assembler.Source) {
		_ = w.status.Set(ctx, job.ID, store.Status{
			Status:   store.StateProcessing,
			Progress: 30 + 60*done/total,
			Message:  fmt.Sprintf("assembled %d of %d sources", done, total),
		})
	})
	return res, outRef, err
}

// Execute runs a validated job inside ws and delivers the document to outRef.
// progress, when set, is called after each source is rendered.
func Execute(ctx context.Context, job *jobs.Job, outRef string, ws *resource.Workspace, det jobs.Detector, progress func(done, total int, src assembler.Source)) (assembler.Result, error) {
	// before fetching: fetched copies never collide with the output
	checked := *job
	checked.Output = outRef
	if err := checked.CheckOverwrite(ws.SameRef); err != nil {
		return assembler.Result{}, err
	}

	paths, err := ws.FetchAll(ctx, job.Refs())
	if err != nil {
		return assembler.Result{}, &FetchError{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return assembler.Result{}, err
	}

	list, err := jobs.Build(job, paths, det)
	if err != nil {
		return assembler.Result{}, err
	}
	for _, src := range list {
		metrics.IncSource(src.Kind())
	}

	outPath, err := ws.OutputPath(outRef)
	if err != nil {
		return assembler.Result{}, &PublishError{Ref: outRef, Err: err}
	}

	asm := assembler.New(job.Options())
	asm.Progress = progress
	res, err := asm.Assemble(list, outPath)
	if err != nil {
		return assembler.Result{}, err
	}

	meta := map[string]string{"job-id": job.ID, "pages": fmt.Sprint(res.Pages)}
	if err := ws.Publish(ctx, outPath, outRef, meta); err != nil {
		return assembler.Result{}, &PublishError{Ref: outRef, Err: err}
	}
	res.Path = outRef
	return res, nil
}
