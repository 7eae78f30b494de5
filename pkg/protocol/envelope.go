// Package protocol defines the wire envelope exchanged between the control
// plane, sandbox runners, and observer clients, along with the payload shapes
// carried inside it. Every message on the transport is a single envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Version is the only envelope version this build understands.
const Version = 1

// Kind identifies the envelope's payload shape.
type Kind string

const (
	KindEvent     Kind = "event"
	KindCommand   Kind = "command"
	KindAck       Kind = "ack"
	KindError     Kind = "error"
	KindSubscribe Kind = "subscribe"
	KindSnapshot  Kind = "snapshot"
)

var validKinds = map[Kind]bool{
	KindEvent:     true,
	KindCommand:   true,
	KindAck:       true,
	KindError:     true,
	KindSubscribe: true,
	KindSnapshot:  true,
}

// Sentinel decode errors. Callers map these to error envelopes with the
// matching code from errors.go.
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrUnknownKind    = errors.New("unknown envelope kind")
)

// Envelope is the versioned wrapper around every transport message.
// Seq is assigned by the emitter and is strictly increasing per emitter,
// starting at 1. TS is set by the emitter and never adjusted in transit.
type Envelope struct {
	V         int             `json:"v"`
	Kind      Kind            `json:"kind"`
	SessionID *string         `json:"sessionId"`
	TS        time.Time       `json:"ts"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload"`
}

// carrier is the optional outer {type, data} wrapper some transports add
// around the envelope. Decode unwraps it transparently.
type carrier struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses a single envelope from raw bytes. Unknown JSON fields are
// ignored. A missing or unknown version tag yields ErrInvalidMessage; an
// unrecognized kind yields ErrUnknownKind.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	// Transparently unwrap the {type, data} carrier: a bare envelope always
	// has a version tag, a carrier never does.
	if env.V == 0 && env.Kind == "" {
		var c carrier
		if err := json.Unmarshal(data, &c); err == nil && len(c.Data) > 0 {
			if err := json.Unmarshal(c.Data, &env); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
		}
	}

	if env.V != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidMessage, env.V)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrInvalidMessage)
	}
	if !validKinds[env.Kind] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	return &env, nil
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// New builds an envelope of the given kind with the payload marshaled in
// place. Seq is left at zero; the owning emitter stamps it on send.
func New(kind Kind, sessionID *string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Envelope{
		V:         Version,
		Kind:      kind,
		SessionID: sessionID,
		TS:        time.Now().UTC(),
		Payload:   data,
	}, nil
}

// ParsePayload unmarshals the envelope payload into v.
func (e *Envelope) ParsePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Sequencer issues per-emitter sequence numbers: strictly increasing,
// starting at 1. Safe for concurrent use.
type Sequencer struct {
	n atomic.Uint64
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}
