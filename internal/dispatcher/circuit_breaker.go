package dispatcher

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/local/combinepdf/internal/resource"
)

// Breaker tracks remote origins that keep failing.
type Breaker interface {
	IsOpen(ctx context.Context, origin string) bool
	Open(ctx context.Context, origin string)
	Close(ctx context.Context, origin string)
}

// CircuitBreaker manages circuit breaker state in Redis, shared by all
// workers. One hash per origin.
type CircuitBreaker struct {
	redis       *redis.Client
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(redisClient *redis.Client, baseBackoff, maxBackoff time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		redis:       redisClient,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
}

func breakerKey(origin string) string { return "cb:origin:" + origin }

// Open opens the breaker for origin, doubling the cooldown per consecutive
// failure up to maxBackoff.
func (cb *CircuitBreaker) Open(ctx context.Context, origin string) {
	key := breakerKey(origin)

	failuresStr, _ := cb.redis.HGet(ctx, key, "failures").Result()
	failures, _ := strconv.Atoi(failuresStr)
	failures++

	backoff := cooldown(cb.baseBackoff, cb.maxBackoff, failures)
	retryAt := time.Now().Add(backoff).Unix()

	cb.redis.HSet(ctx, key, map[string]interface{}{
		"state":     "open",
		"retry_at":  retryAt,
		"failures":  failures,
		"opened_at": time.Now().Unix(),
	})
	cb.redis.Expire(ctx, key, cb.maxBackoff+10*time.Minute)

	log.Warn().
		Str("origin", origin).
		Dur("cooldown", backoff).
		Int("failures", failures).
		Time("retry_at", time.Unix(retryAt, 0)).
		Msg("circuit breaker OPENED")
}

// IsOpen checks if the breaker for origin is still cooling down. An expired
// cooldown moves it to half-open and lets one job through.
func (cb *CircuitBreaker) IsOpen(ctx context.Context, origin string) bool {
	key := breakerKey(origin)

	state, err := cb.redis.HGet(ctx, key, "state").Result()
	if err != nil || state != "open" {
		return false
	}

	retryAtStr, _ := cb.redis.HGet(ctx, key, "retry_at").Result()
	retryAt, _ := strconv.ParseInt(retryAtStr, 10, 64)
	if time.Now().Unix() >= retryAt {
		cb.redis.HSet(ctx, key, "state", "half_open")
		log.Info().Str("origin", origin).Msg("circuit breaker moved to HALF-OPEN")
		return false
	}
	return true
}

// Close resets the breaker after a successful job.
func (cb *CircuitBreaker) Close(ctx context.Context, origin string) {
	key := breakerKey(origin)
	state, _ := cb.redis.HGet(ctx, key, "state").Result()
	if state == "" || state == "closed" {
		return
	}
	cb.redis.Del(ctx, key)
	log.Info().Str("origin", origin).Msg("circuit breaker CLOSED (reset)")
}

// cooldown: base, 2*base, 4*base, ... capped at limit.
func cooldown(base, limit time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// originOf names the remote service behind ref: "http://host" or
// "s3://bucket". Local references have no origin.
func originOf(ref, defaultBucket string) string {
	switch resource.SchemeOf(ref) {
	case resource.SchemeHTTP:
		u, err := url.Parse(ref)
		if err != nil {
			return ""
		}
		return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	case resource.SchemeS3:
		canon := resource.CanonicalRef(ref, defaultBucket)
		u, err := url.Parse(canon)
		if err != nil || u.Host == "" {
			return ""
		}
		return "s3://" + u.Host
	default:
		return ""
	}
}
