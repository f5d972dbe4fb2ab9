// Package wire defines the tagged envelopes exchanged over the table channel.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Client to server message types.
const (
	TypeHeartbeat     = "presence.heartbeat"
	TypeLockAcquire   = "lock.acquire"
	TypeLockRelease   = "lock.release"
	TypeLockRefresh   = "lock.refresh"
	TypeLockBreak     = "lock.break"
	TypeTypingStart   = "typing.start"
	TypeTypingStop    = "typing.stop"
	TypeCommentCreate = "comment.create"
	TypeCommentUpdate = "comment.update"
	TypeCommentDelete = "comment.delete"
	TypeCommentToggle = "comment.resolve"
)

// Server to client message types.
const (
	TypeHello          = "hello"
	TypeReply          = "reply"
	TypeError          = "error"
	TypeActivityEntry  = "activity.entry"
	TypePresenceUpdate = "presence.update"
	TypeTypingUpdate   = "typing.update"
)

// ErrMalformedEnvelope reports a frame that is not a typed envelope.
var ErrMalformedEnvelope = errors.New("wire: malformed envelope")

// Envelope is one frame on the channel. RequestID correlates a reply with its request.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes payload into an envelope of the given type.
func NewEnvelope(messageType, requestID string, payload any) (Envelope, error) {
	envelope := Envelope{Type: messageType, RequestID: requestID}
	if payload == nil {
		return envelope, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s: %w", messageType, err)
	}
	envelope.Payload = raw
	return envelope, nil
}

// Parse decodes a raw frame and checks it carries a type.
func Parse(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	envelope.Type = strings.TrimSpace(envelope.Type)
	if envelope.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return envelope, nil
}

// Decode unmarshals the payload into target. An absent payload leaves target untouched.
func (e Envelope) Decode(target any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}
