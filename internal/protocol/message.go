// Package protocol defines the messages exchanged between editors and the
// sync gateway and their wire encodings.
package protocol

import (
	"bytes"
	"encoding/json"
)

type Kind string

const (
	KindJoin              Kind = "join"
	KindSyncStep1         Kind = "sync-step-1"
	KindSyncStep2         Kind = "sync-step-2"
	KindSyncUpdate        Kind = "sync-update"
	KindUpdate            Kind = "update"
	KindPresence          Kind = "presence"
	KindParticipantJoined Kind = "participant-joined"
	KindParticipantLeft   Kind = "participant-left"
	KindError             Kind = "error"
)

// Error codes carried by KindError messages.
const (
	CodeInvalidJoin    = "INVALID_JOIN"
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeNotJoined      = "NOT_JOINED"
	CodeApplyFailed    = "APPLY_FAILED"
	CodeLoadFailed     = "LOAD_FAILED"
	CodeServerError    = "SERVER_ERROR"
)

// Message is the single envelope for every kind. Which fields are set
// depends on Kind.
type Message struct {
	Kind         Kind            `json:"kind" cbor:"kind"`
	DocID        string          `json:"docId,omitempty" cbor:"docId,omitempty"`
	Username     string          `json:"username,omitempty" cbor:"username,omitempty"`
	Color        string          `json:"color,omitempty" cbor:"color,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty" cbor:"connectionId,omitempty"`
	Vector       []byte          `json:"vector,omitempty" cbor:"vector,omitempty"`
	Update       []byte          `json:"update,omitempty" cbor:"update,omitempty"`
	Entries      []PresenceEntry `json:"entries,omitempty" cbor:"entries,omitempty"`
	Code         string          `json:"code,omitempty" cbor:"code,omitempty"`
	Error        string          `json:"error,omitempty" cbor:"error,omitempty"`
}

// PresenceEntry is one replica's ephemeral state. Fields are opaque JSON;
// null or absent fields remove the replica.
type PresenceEntry struct {
	ReplicaID uint64          `json:"replicaId" cbor:"replicaId"`
	Fields    json.RawMessage `json:"fields" cbor:"fields"`
}

// Removed reports whether the entry asks for the replica to be dropped.
func (e PresenceEntry) Removed() bool {
	trimmed := bytes.TrimSpace(e.Fields)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Join builds a join request.
func Join(docID, username, color string) Message {
	return Message{Kind: KindJoin, DocID: docID, Username: username, Color: color}
}

// Fail builds an error message for docID.
func Fail(docID, code, message string) Message {
	return Message{Kind: KindError, DocID: docID, Code: code, Error: message}
}
