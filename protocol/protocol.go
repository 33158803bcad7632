// Package protocol defines the wire format shared by the client and the
// room server: one JSON envelope per frame, carrying an event name, an
// optional acknowledgment sequence number, and the event payload.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"

	"courtsync/store"
)

// Client-to-server events.
const (
	EventJoin            = "join"
	EventUploadFile      = "upload_file"
	EventSetView         = "set_view"
	EventAddHighlight    = "add_highlight"
	EventRemoveHighlight = "remove_highlight"
)

// Server-to-client events.
const (
	EventConnected        = "connected"
	EventRoomUpdate       = "room_update"
	EventHighlightAdded   = "highlight_added"
	EventHighlightRemoved = "highlight_removed"
	EventAck              = "ack"
	EventError            = "error"
)

// Envelope frames every message on the wire. Seq is set only on emissions
// that want an acknowledgment; the server echoes it back on the matching ack.
type Envelope struct {
	Event   string          `json:"event"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope for the given event.
func NewEnvelope(event string, seq uint64, payload any) (Envelope, error) {
	env := Envelope{Event: event, Seq: seq}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, errors.Wrapf(err, "marshal %s payload", event)
		}
		env.Payload = raw
	}
	return env, nil
}

type JoinPayload struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

type SetViewPayload struct {
	DocID string `json:"doc_id"`
	Page  int    `json:"page"`
}

// UploadFilePayload carries the raw document bytes; encoding/json transports
// the File field base64-encoded.
type UploadFilePayload struct {
	Name string `json:"name"`
	File []byte `json:"file"`
}

type RemoveHighlightPayload struct {
	HighlightID string `json:"highlightId"`
	DocumentID  string `json:"documentId"`
}

type ConnectedPayload struct {
	SID string `json:"sid"`
}

// AckPayload acknowledges an emission. An empty Error means success.
// DocumentID is set on successful upload_file acks.
type AckPayload struct {
	Error      string `json:"error,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// DecodeRoomState validates and decodes a room_update payload. Non-object
// payloads are rejected; missing user/document collections default to empty.
func DecodeRoomState(raw json.RawMessage) (store.RoomState, error) {
	if !isJSONObject(raw) {
		return store.RoomState{}, errors.New("room_update payload is not an object")
	}
	var room store.RoomState
	if err := json.Unmarshal(raw, &room); err != nil {
		return store.RoomState{}, errors.Wrap(err, "decode room_update payload")
	}
	if room.Users == nil {
		room.Users = []store.User{}
	}
	if room.Documents == nil {
		room.Documents = []store.Document{}
	}
	return room, nil
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
