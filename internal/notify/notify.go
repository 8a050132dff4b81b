// Package notify delivers fire-and-forget record events to UI clients.
package notify

import "time"

// Event names emitted by the pipeline.
const (
	EventNewPost     = "newPost"
	EventPostUpdated = "postUpdated"
	EventNewComment  = "newComment"
)

// Notifier publishes events. Emit must not block the caller.
type Notifier interface {
	Emit(event string, payload any)
}

// Event is the wire form of a notification.
type Event struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

func newEvent(name string, payload any, seq int64) Event {
	return Event{Event: name, Data: payload, Seq: seq, Timestamp: time.Now().UnixMilli()}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(string, any) {}
