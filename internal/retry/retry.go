package retry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vnznznz/browsertrix-cloud/internal/logger"
)

// DefaultRetryConfig provides default retry settings
var DefaultRetryConfig = RetryConfig{
	MaxRetries:      3,
	InitialInterval: 1 * time.Second,
	MaxInterval:     30 * time.Second,
	Multiplier:      2.0,
}

// RetryConfig configures the retry behavior
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// WithMaxRetries sets the maximum number of retries
func (c RetryConfig) WithMaxRetries(max int) RetryConfig {
	c.MaxRetries = max
	return c
}

// WithInitialInterval sets the initial retry interval
func (c RetryConfig) WithInitialInterval(d time.Duration) RetryConfig {
	c.InitialInterval = d
	return c
}

// WithMaxInterval sets the maximum retry interval
func (c RetryConfig) WithMaxInterval(d time.Duration) RetryConfig {
	c.MaxInterval = d
	return c
}

// Operation represents a retryable operation
type Operation func(ctx context.Context) error

// Do executes an operation with retries using exponential backoff
func Do(ctx context.Context, op Operation, cfg RetryConfig) error {
	l := logger.FromContext(ctx)

	var lastErr error
	interval := cfg.InitialInterval

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		}

		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				l.Info().
					Int("attempts", attempt+1).
					Msg("operation succeeded after retries")
			}
			return nil
		}

		lastErr = err
		if attempt == cfg.MaxRetries {
			break
		}

		l.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("maxRetries", cfg.MaxRetries).
			Float64("nextIntervalSec", interval.Seconds()).
			Msg("operation failed, retrying")

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("operation cancelled during retry wait: %w", ctx.Err())
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * cfg.Multiplier)
		if interval > cfg.MaxInterval {
			interval = cfg.MaxInterval
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

// Tracker records failed apply attempts per key across reconciliation
// passes and schedules when the next attempt is allowed, with exponential
// backoff bounded by MaxInterval. A key whose attempts exceed MaxRetries is
// reported as degraded but never dropped by the tracker itself.
type Tracker struct {
	mu       sync.Mutex
	cfg      RetryConfig
	attempts map[string]*attemptState
}

type attemptState struct {
	count     int
	nextRetry time.Time
	interval  time.Duration
}

// NewTracker creates a tracker with the given retry settings
func NewTracker(cfg RetryConfig) *Tracker {
	return &Tracker{
		cfg:      cfg,
		attempts: make(map[string]*attemptState),
	}
}

// RecordFailure notes a failed attempt for key and returns the delay until
// the next attempt is allowed.
func (t *Tracker) RecordFailure(key string, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.attempts[key]
	if !ok {
		st = &attemptState{interval: t.cfg.InitialInterval}
		t.attempts[key] = st
	} else {
		st.interval = time.Duration(float64(st.interval) * t.cfg.Multiplier)
		if st.interval > t.cfg.MaxInterval {
			st.interval = t.cfg.MaxInterval
		}
	}
	st.count++
	st.nextRetry = now.Add(st.interval)
	return st.interval
}

// RecordSuccess clears any failure state for key
func (t *Tracker) RecordSuccess(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, key)
}

// Allowed reports whether an attempt for key may run at time now
func (t *Tracker) Allowed(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.attempts[key]
	if !ok {
		return true
	}
	return !now.Before(st.nextRetry)
}

// NextRetry returns the remaining wait before an attempt for key is allowed
// at time now. Zero for unknown keys and keys whose wait has elapsed.
func (t *Tracker) NextRetry(key string, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.attempts[key]
	if !ok || !now.Before(st.nextRetry) {
		return 0
	}
	return st.nextRetry.Sub(now)
}

// Degraded reports whether key has failed past the retry budget
func (t *Tracker) Degraded(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.attempts[key]
	return ok && st.count > t.cfg.MaxRetries
}

// Forget drops all state recorded under the given key prefix. Used when a
// job is finalized or deleted.
func (t *Tracker) Forget(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.attempts {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(t.attempts, key)
		}
	}
}
