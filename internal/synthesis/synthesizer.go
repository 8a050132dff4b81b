// Package synthesis asks the generative model to pick and restate the
// candidate records that answer a query.
package synthesis

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/kalambet/supportkb/internal/composer"
	"github.com/kalambet/supportkb/internal/conversation"
	"github.com/kalambet/supportkb/internal/engine"
	"github.com/kalambet/supportkb/internal/kb"
)

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 30 * time.Second

// DegradedNotice is returned verbatim whenever the model cannot answer.
var DegradedNotice = kb.Notice{
	Subject: "AI assistant unavailable",
	Body: "The AI assistant could not process your request right now. " +
		"Please try again in a few minutes or contact support directly.",
}

// Output is the raw model reply, or the degraded notice.
type Output struct {
	Text     string
	Degraded bool
	Notice   kb.Notice
	// Reason is why the output degraded. Empty otherwise.
	Reason string
}

// Config bounds model calls.
type Config struct {
	Timeout     time.Duration
	Concurrency int
}

// Synthesizer turns a query, its candidate records and the conversation
// window into model output.
type Synthesizer struct {
	chat     engine.Chatter
	composer *composer.Composer
	timeout  time.Duration
	sem      *semaphore.Weighted
	log      zerolog.Logger
}

// New creates a Synthesizer. A zero Timeout uses DefaultTimeout.
func New(chat engine.Chatter, comp *composer.Composer, cfg Config, log zerolog.Logger) *Synthesizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	s := &Synthesizer{
		chat:     chat,
		composer: comp,
		timeout:  cfg.Timeout,
		log:      log.With().Str("component", "synthesizer").Logger(),
	}
	if cfg.Concurrency > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.Concurrency))
	}
	return s
}

// Synthesize never fails. Timeouts, model errors and empty replies all yield
// the degraded notice.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, records []kb.Record, window []conversation.Turn) Output {
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return s.degrade("waiting for a model slot", err)
		}
		defer s.sem.Release(1)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	msgs := s.composer.Compose(query, records, window)
	reply, err := s.chat.Chat(ctx, msgs)
	if err != nil {
		return s.degrade("model call failed", err)
	}
	if strings.TrimSpace(reply) == "" {
		return s.degrade("model returned an empty reply", nil)
	}
	return Output{Text: reply}
}

func (s *Synthesizer) degrade(reason string, err error) Output {
	s.log.Warn().Err(err).Str("model", s.chat.Model()).Msg("synthesis degraded: " + reason)
	return Output{
		Text:     DegradedNotice.String(),
		Degraded: true,
		Notice:   DegradedNotice,
		Reason:   reason,
	}
}
