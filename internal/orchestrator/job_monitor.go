package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/combinepdf/internal/metrics"
	"github.com/local/combinepdf/internal/statuscheck"
)

// MonitorQueue publishes queue depths as metrics every interval until ctx
// is done.
func MonitorQueue(ctx context.Context, q statuscheck.DepthReader, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	log.Info().Dur("interval", every).Msg("started queue monitor")
	for {
		recordDepths(ctx, q)
		select {
		case <-ctx.Done():
			log.Info().Msg("queue monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

func recordDepths(ctx context.Context, q statuscheck.DepthReader) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	stream, delayed, dlq, err := q.Depths(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read queue depths")
		return
	}
	metrics.SetQueueDepth("stream", stream)
	metrics.SetQueueDepth("delayed", delayed)
	metrics.SetQueueDepth("dlq", dlq)

	log.Debug().
		Int64("stream", stream).
		Int64("delayed", delayed).
		Int64("dlq", dlq).
		Msg("monitor tick")
}
