// Package conversation keeps the bounded window of prior turns that gives the
// synthesizer conversational context.
package conversation

import (
	"sync"
)

// DefaultWindowSize is the number of qualifying turns kept per conversation.
const DefaultWindowSize = 10

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Results is set on assistant turns that carried retrieval results.
	Results bool `json:"hasResults,omitempty"`
	// Seq orders turns by creation. Assigned by Manager.Append.
	Seq uint64 `json:"seq,omitempty"`
}

// Qualifies reports whether the turn belongs in the context window: user
// turns always, assistant turns only when they carried results.
func (t Turn) Qualifies() bool {
	switch t.Role {
	case RoleUser:
		return true
	case RoleAssistant:
		return t.Results
	default:
		return false
	}
}

// Manager holds the most recent qualifying turns of one conversation. It is
// safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	size  int
	next  uint64
	turns []Turn
}

// NewManager returns a Manager keeping at most size turns. size <= 0 uses
// DefaultWindowSize.
func NewManager(size int) *Manager {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Manager{size: size, turns: make([]Turn, 0, size)}
}

// Append records t and returns it with its sequence number. Turns that do
// not qualify get a sequence number but are not stored. When the window is
// full the oldest turn is evicted.
func (m *Manager) Append(t Turn) Turn {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	t.Seq = m.next
	if !t.Qualifies() {
		return t
	}
	if len(m.turns) == m.size {
		copy(m.turns, m.turns[1:])
		m.turns = m.turns[:m.size-1]
	}
	m.turns = append(m.turns, t)
	return t
}

// Window returns a copy of the stored turns, oldest first.
func (m *Manager) Window() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Size returns the window capacity.
func (m *Manager) Size() int {
	return m.size
}

// Reset drops every stored turn. Sequence numbers keep increasing.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.turns = m.turns[:0]
	m.mu.Unlock()
}
