package replication

import (
	"encoding/json"
	"fmt"
)

// Kind is the type of a sync message.
type Kind string

const (
	KindMutation         Kind = "mutation"
	KindSnapshotRequest  Kind = "snapshot-request"
	KindSnapshotResponse Kind = "snapshot-response"
	KindAck              Kind = "ack"
	KindCatchUp          Kind = "catch-up"
)

// Message is the envelope exchanged between replicas. For mutations
// Sequence is the sender's own counter; for acks it is the acknowledged
// sequence of the receiver; for catch-ups it is the last sequence of the
// receiver that the sender has applied.
type Message struct {
	SenderID  string          `json:"senderId"`
	Sequence  uint64          `json:"sequence"`
	Kind      Kind            `json:"kind"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Mutation is one application edit. An empty Field addresses the whole
// entity.
type Mutation struct {
	EntityID string          `json:"entityId"`
	Field    string          `json:"field,omitempty"`
	Value    json.RawMessage `json:"value"`
}

// Key is the last-write-wins register the mutation targets.
func (m Mutation) Key() string {
	if m.Field == "" {
		return m.EntityID
	}
	return m.EntityID + "/" + m.Field
}

// Stamp orders writes to one register.
type Stamp struct {
	Timestamp int64  `json:"ts"`
	SenderID  string `json:"sender"`
}

// After reports whether s wins over o: later timestamp, then greater
// sender id.
func (s Stamp) After(o Stamp) bool {
	if s.Timestamp != o.Timestamp {
		return s.Timestamp > o.Timestamp
	}
	return s.SenderID > o.SenderID
}

// Snapshot is the payload of a snapshot-response.
type Snapshot struct {
	// Sequence is the responder's own last sequence.
	Sequence uint64 `json:"sequence"`
	// Applied holds the responder's last applied sequence per sender.
	Applied map[string]uint64 `json:"applied"`
	Clock   map[string]Stamp  `json:"clock"`
	State   json.RawMessage   `json:"state"`
}

// Encode serializes msg for the wire.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", msg.Kind, err)
	}
	return data, nil
}

// Decode parses a wire message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decoding sync message: %w", err)
	}
	switch msg.Kind {
	case KindMutation, KindSnapshotRequest, KindSnapshotResponse, KindAck:
		return msg, nil
	default:
		return Message{}, fmt.Errorf("decoding sync message: unknown kind %q", msg.Kind)
	}
}

// MutationOf extracts the mutation carried by msg.
func MutationOf(msg Message) (Mutation, error) {
	var m Mutation
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return Mutation{}, fmt.Errorf("decoding mutation %s#%d: %w", msg.SenderID, msg.Sequence, err)
	}
	return m, nil
}

func jsonMarshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return data, nil
}

func jsonUnmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
