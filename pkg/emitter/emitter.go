// Package emitter delivers stream messages to rendering clients. The
// pipeline talks to the Emitter interface; the websocket hub is the
// production implementation and the recorder serves tests and the audit
// trail.
package emitter

import (
	"sync"

	"conductor/pkg/proto"
)

// Emitter delivers one stream message to a session's clients.
type Emitter interface {
	Emit(sessionID string, msg *proto.StreamMessage) error
}

// Recorder is an in-memory emitter that keeps every message per session.
type Recorder struct {
	mu       sync.Mutex
	messages map[string][]*proto.StreamMessage
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{messages: make(map[string][]*proto.StreamMessage)}
}

// Emit records the message.
func (r *Recorder) Emit(sessionID string, msg *proto.StreamMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[sessionID] = append(r.messages[sessionID], msg)
	return nil
}

// Messages returns the messages emitted for a session, in order.
func (r *Recorder) Messages(sessionID string) []*proto.StreamMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*proto.StreamMessage, len(r.messages[sessionID]))
	copy(out, r.messages[sessionID])
	return out
}

// Last returns the most recent message for a session, or nil.
func (r *Recorder) Last(sessionID string) *proto.StreamMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[sessionID]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// Fanout emits to several emitters in order, returning the first error after
// attempting all of them.
type Fanout []Emitter

// Emit delivers to every emitter.
func (f Fanout) Emit(sessionID string, msg *proto.StreamMessage) error {
	var firstErr error
	for _, e := range f {
		if err := e.Emit(sessionID, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
