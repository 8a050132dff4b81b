package synthesis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/supportkb/internal/composer"
	"github.com/kalambet/supportkb/internal/conversation"
	"github.com/kalambet/supportkb/internal/engine"
	"github.com/kalambet/supportkb/internal/kb"
)

type fakeChat struct {
	reply string
	err   error
	block bool
	calls atomic.Int32
	last  []engine.Message
}

func (f *fakeChat) Chat(ctx context.Context, msgs []engine.Message) (string, error) {
	f.calls.Add(1)
	f.last = msgs
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.reply, f.err
}

func (f *fakeChat) Model() string { return "fake-chat" }

func newTestSynth(chat engine.Chatter, timeout time.Duration) *Synthesizer {
	return New(chat, composer.New(0), Config{Timeout: timeout}, zerolog.Nop())
}

func TestSynthesize_ReturnsModelText(t *testing.T) {
	chat := &fakeChat{reply: `[{"id":"BUG-1024","title":"Crash"}]`}
	s := newTestSynth(chat, time.Second)

	out := s.Synthesize(context.Background(), "dashboard crash",
		[]kb.Record{{ID: "BUG-1024", Title: "Crash"}},
		[]conversation.Turn{{Role: conversation.RoleUser, Content: "hi"}})

	assert.False(t, out.Degraded)
	assert.Equal(t, chat.reply, out.Text)
	require.Len(t, chat.last, 2)
	assert.Equal(t, composer.SystemInstruction, chat.last[0].Content)
	assert.Contains(t, chat.last[1].Content, "BUG-1024")
}

func TestSynthesize_Degrades(t *testing.T) {
	tests := []struct {
		name string
		chat *fakeChat
	}{
		{"timeout", &fakeChat{block: true}},
		{"remote error", &fakeChat{err: errors.New("503 Service Unavailable")}},
		{"empty reply", &fakeChat{reply: "  \n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := newTestSynth(tt.chat, 20*time.Millisecond).Synthesize(context.Background(), "q", nil, nil)
			assert.True(t, out.Degraded)
			assert.Equal(t, DegradedNotice, out.Notice)
			assert.Equal(t, DegradedNotice.String(), out.Text)
			assert.NotEmpty(t, out.Reason)
		})
	}
}

func TestSynthesize_NoticeIsDeterministic(t *testing.T) {
	s := newTestSynth(&fakeChat{err: errors.New("down")}, time.Second)
	a := s.Synthesize(context.Background(), "one", nil, nil)
	b := s.Synthesize(context.Background(), "two", nil, nil)
	assert.Equal(t, a, b)
	assert.Equal(t, "AI assistant unavailable", a.Notice.Subject)
}

func TestSynthesize_DefaultTimeout(t *testing.T) {
	s := New(&fakeChat{}, composer.New(0), Config{}, zerolog.Nop())
	assert.Equal(t, DefaultTimeout, s.timeout)
}

func TestSynthesize_CancelledWhileWaitingForSlot(t *testing.T) {
	chat := &fakeChat{block: true}
	s := New(chat, composer.New(0), Config{Timeout: time.Minute, Concurrency: 1}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Output)
	go func() { done <- s.Synthesize(ctx, "first", nil, nil) }()
	for chat.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer waitCancel()
	out := s.Synthesize(waitCtx, "second", nil, nil)
	assert.True(t, out.Degraded)
	assert.Equal(t, int32(1), chat.calls.Load())

	cancel()
	assert.True(t, (<-done).Degraded)
}
