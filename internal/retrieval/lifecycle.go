package retrieval

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalambet/supportkb/internal/kb"
)

// maxEnsureBackoff caps the delay between EnsureIndex attempts.
const maxEnsureBackoff = 30 * time.Second

// RetryPolicy bounds EnsureWithRetry. The delay doubles after every failed
// attempt, starting at Backoff.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy is five attempts starting at one second.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, Backoff: time.Second}

// EnsureWithRetry calls idx.EnsureIndex until it succeeds or the policy is
// exhausted. The final failure is returned as *kb.IndexServiceError wrapping
// the last error; callers at start-up treat it as fatal.
func EnsureWithRetry(ctx context.Context, idx VectorIndex, p RetryPolicy, log zerolog.Logger) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.Backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = idx.EnsureIndex(ctx)
		if lastErr == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("vector index ready")
			}
			return nil
		}
		if attempt == attempts {
			break
		}

		log.Warn().Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_in", delay).
			Msg("vector index not ready")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &kb.IndexServiceError{Op: "ensure index", Err: ctx.Err()}
		case <-timer.C:
		}
		delay *= 2
		if delay > maxEnsureBackoff {
			delay = maxEnsureBackoff
		}
	}

	log.Error().Err(lastErr).Int("attempts", attempts).Msg("giving up on vector index")
	return &kb.IndexServiceError{Op: "ensure index", Err: lastErr}
}
