// Package protocol defines the JSON wire envelope spoken between the hub and
// its providers. Binary CRDT and awareness payloads travel inside the envelope
// as base64 strings (Go's native JSON encoding for []byte); the hub advertises
// this choice in the connected message so clients never have to guess.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/inkmere/collab-docs/backend/go/internal/v1/types"
)

// Message type tags. Client-to-server and server-to-client tags share one
// namespace; direction is documented per type.
const (
	// Server -> client, once per connection, before anything else.
	TypeConnected = "connected"

	// Client -> server.
	TypeJoinDocument   = "join-document"
	TypeRejoinDocument = "rejoin-document"
	TypeLeaveDocument  = "leave-document"

	// Bidirectional. Client emits without userId; server fans out with the
	// originating userId attached.
	TypeUpdate    = "yjs-update"
	TypeAwareness = "yjs-awareness"

	// Server -> client.
	TypeSync             = "yjs-sync"
	TypeJoinAck          = "join-ack"
	TypeRejoinAck        = "rejoin-ack"
	TypeUserJoined       = "user-joined"
	TypeUserLeft         = "user-left"
	TypePermissionDenied = "permission-denied"
)

// EncodingBase64 is the binary payload encoding this implementation speaks.
const EncodingBase64 = "base64"

// Envelope is the tagged variant carrying every protocol message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Connected advertises the session id and the binary payload encoding.
type Connected struct {
	SessionID types.SessionIDType `json:"sessionId"`
	Encoding  string              `json:"encoding"`
}

// JoinDocument subscribes the session to a document.
type JoinDocument struct {
	DocumentID types.DocumentIDType `json:"documentId"`
}

// RejoinDocument resubscribes after a transient disconnect. StateVector is the
// client replica's clock summary; the server replies with only the missing delta.
type RejoinDocument struct {
	DocumentID  types.DocumentIDType `json:"documentId"`
	StateVector []byte               `json:"stateVector,omitempty"`
}

// LeaveDocument unsubscribes the session. Leaving a document that was never
// joined is a no-op, not an error.
type LeaveDocument struct {
	DocumentID types.DocumentIDType `json:"documentId"`
}

// Update carries an opaque CRDT update. UserID is set only on server fan-out.
type Update struct {
	DocumentID types.DocumentIDType `json:"documentId"`
	Update     []byte               `json:"update"`
	UserID     types.UserIDType     `json:"userId,omitempty"`
}

// Awareness carries an opaque awareness delta. Same shape as Update; never
// persisted, never role-gated beyond room membership.
type Awareness struct {
	DocumentID types.DocumentIDType `json:"documentId"`
	Update     []byte               `json:"update"`
	UserID     types.UserIDType     `json:"userId,omitempty"`
}

// Sync delivers full or incremental replica state to exactly one session.
type Sync struct {
	DocumentID types.DocumentIDType `json:"documentId"`
	Update     []byte               `json:"update"`
}

// Ack answers join-document and rejoin-document. Users is the presence list
// observed at the instant the joiner was inserted, joiner included.
type Ack struct {
	DocumentID types.DocumentIDType `json:"documentId"`
	Success    bool                 `json:"success"`
	Users      []types.Subscriber   `json:"users,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Presence announces a peer joining or leaving a room.
type Presence struct {
	DocumentID  types.DocumentIDType  `json:"documentId"`
	UserID      types.UserIDType      `json:"userId"`
	DisplayName types.DisplayNameType `json:"displayName"`
	Email       string                `json:"email"`
}

// PermissionDenied is directed at a session whose mutation was rejected.
type PermissionDenied struct {
	DocumentID types.DocumentIDType `json:"documentId"`
	Message    string               `json:"message"`
}

// Encode wraps a payload in an envelope and serializes it.
func Encode(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// Decode parses the envelope without touching the payload.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("envelope missing type tag")
	}
	return &env, nil
}

// Bind unmarshals the envelope payload into the given message struct.
func (e *Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}
