package pipeline

import (
	"encoding/json"
	"time"
)

// State is a step of a retrieval call.
type State string

const (
	StateEmbedding    State = "embedding"
	StateQuerying     State = "querying"
	StateResolving    State = "resolving"
	StateSynthesizing State = "synthesizing"
	StateParsing      State = "parsing"
	StateDegraded     State = "degraded"
	StateDone         State = "done"
)

// Trace records the states a retrieval call went through and how long each
// took.
type Trace struct {
	RequestID  string
	States     []State
	Durations  map[State]time.Duration
	Candidates []string
}

func newTrace(requestID string) *Trace {
	return &Trace{RequestID: requestID, Durations: make(map[State]time.Duration), Candidates: []string{}}
}

func (t *Trace) enter(s State) {
	t.States = append(t.States, s)
}

// Last returns the most recent state.
func (t Trace) Last() State {
	if len(t.States) == 0 {
		return ""
	}
	return t.States[len(t.States)-1]
}

// Has reports whether the call passed through s.
func (t Trace) Has(s State) bool {
	for _, st := range t.States {
		if st == s {
			return true
		}
	}
	return false
}

func (t Trace) MarshalJSON() ([]byte, error) {
	ms := make(map[State]int64, len(t.Durations))
	for s, d := range t.Durations {
		ms[s] = d.Milliseconds()
	}
	return json.Marshal(struct {
		RequestID  string          `json:"request_id"`
		States     []State         `json:"states"`
		DurationMS map[State]int64 `json:"duration_ms"`
		Candidates []string        `json:"candidates"`
	}{t.RequestID, t.States, ms, t.Candidates})
}
