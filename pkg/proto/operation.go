package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// OpKind identifies a graph-patch operation.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpMove   OpKind = "move"
)

// RootNodeID is the sentinel parent id for top-level nodes. A node whose
// parent_id equals RootNodeID hangs directly off the session's root.
const RootNodeID = "root"

// Operation is a single graph-patch instruction. Operations are emitted in a
// valid topological application order and are never replayed backward; the
// append-only log of operations since session start is the audit trail.
type Operation struct {
	Operation  OpKind         `json:"operation"`
	NodeID     string         `json:"node_id"`
	NodeType   string         `json:"node_type,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Position   *int           `json:"position,omitempty"`
}

// Pos is a convenience helper for building position pointers.
func Pos(p int) *int { return &p }

// Validate checks the per-kind field requirements from the wire contract.
func (o *Operation) Validate() error {
	if o.NodeID == "" {
		return fmt.Errorf("operation %s: node_id is required", o.Operation)
	}
	switch o.Operation {
	case OpInsert:
		if o.NodeType == "" {
			return fmt.Errorf("insert %s: node_type is required", o.NodeID)
		}
		if o.ParentID == "" {
			return fmt.Errorf("insert %s: parent_id is required", o.NodeID)
		}
		if o.Properties == nil {
			return fmt.Errorf("insert %s: properties are required", o.NodeID)
		}
	case OpUpdate:
		if o.Properties == nil {
			return fmt.Errorf("update %s: properties are required", o.NodeID)
		}
	case OpDelete:
		// node_id alone is sufficient; descendants are removed client-side.
	case OpMove:
		if o.ParentID == "" {
			return fmt.Errorf("move %s: parent_id is required", o.NodeID)
		}
		if o.Position == nil {
			return fmt.Errorf("move %s: position is required", o.NodeID)
		}
	default:
		return fmt.Errorf("unknown operation kind %q", o.Operation)
	}
	return nil
}

// Clone returns a deep copy of the operation.
func (o *Operation) Clone() *Operation {
	clone := &Operation{
		Operation: o.Operation,
		NodeID:    o.NodeID,
		NodeType:  o.NodeType,
		ParentID:  o.ParentID,
	}
	if o.Position != nil {
		p := *o.Position
		clone.Position = &p
	}
	if o.Properties != nil {
		clone.Properties = make(map[string]any, len(o.Properties))
		for k, v := range o.Properties {
			clone.Properties[k] = v
		}
	}
	return clone
}

// StreamMessage is the outbound protocol message delivered to the rendering
// client: an ordered operation list tagged with the session state at emission
// time and an RFC3339 timestamp.
type StreamMessage struct {
	Operations []Operation `json:"operations"`
	State      string      `json:"state"`
	Timestamp  string      `json:"timestamp"`
}

// NewStreamMessage stamps a message with the current UTC time.
func NewStreamMessage(ops []Operation, state State) *StreamMessage {
	if ops == nil {
		ops = []Operation{}
	}
	return &StreamMessage{
		Operations: ops,
		State:      string(state),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// ToJSON serializes the message for the wire.
func (m *StreamMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize stream message: %w", err)
	}
	return data, nil
}

// UIEvent is the inbound message from the rendering client. Field names
// follow the client contract, not Go JSON conventions.
type UIEvent struct {
	ComponentID string         `json:"componentId"`
	ActionID    string         `json:"actionId"`
	InputData   map[string]any `json:"inputData,omitempty"`
	SessionID   string         `json:"sessionId"`
}

// Validate checks the inbound event carries enough to be routed.
func (e *UIEvent) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("ui event: sessionId is required")
	}
	if e.ActionID == "" {
		return fmt.Errorf("ui event: actionId is required")
	}
	return nil
}
