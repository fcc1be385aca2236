package causal

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/lattice/pkg/clock"
	"github.com/cuemby/lattice/pkg/types"
)

// Envelope wraps every inter-node payload with the sender id, a
// snapshot of the sender's clock, the message kind, and an optional
// emergency context. Envelopes are opaque to the transport.
type Envelope struct {
	SenderID  string                  `json:"sender_id"`
	Clock     types.ClockSnapshot     `json:"vector_clock"`
	Kind      types.MessageKind       `json:"message_kind"`
	Emergency *types.EmergencyContext `json:"emergency_context,omitempty"`
	Payload   json.RawMessage         `json:"payload,omitempty"`
}

// Seal ticks the sender's clock and builds an envelope around the
// payload. The tick happens first so the embedded snapshot covers the
// send event.
func Seal(c *clock.VectorClock, kind types.MessageKind, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		raw = data
	}
	return &Envelope{
		SenderID: c.OwnerID(),
		Clock:    c.Tick(),
		Kind:     kind,
		Payload:  raw,
	}, nil
}

// SealWithEmergency is Seal with an emergency context attached.
func SealWithEmergency(c *clock.VectorClock, kind types.MessageKind, payload any, em *types.EmergencyContext) (*Envelope, error) {
	env, err := Seal(c, kind, payload)
	if err != nil {
		return nil, err
	}
	env.Emergency = em
	return env, nil
}

// Validate checks that the envelope is well-formed and self-describing.
// A receiver must drop malformed envelopes without merging the clock,
// so garbage from the transport cannot inflate logical time.
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: missing envelope", types.ErrMalformedEnvelope)
	}
	if e.SenderID == "" {
		return fmt.Errorf("%w: missing sender_id", types.ErrMalformedEnvelope)
	}
	if e.Clock == nil {
		return fmt.Errorf("%w: missing vector_clock", types.ErrMalformedEnvelope)
	}
	if !e.Kind.Known() {
		return fmt.Errorf("%w: unknown message kind %q", types.ErrMalformedEnvelope, e.Kind)
	}
	return nil
}

// Open validates the envelope and merges its clock into the receiver's,
// returning the post-merge snapshot. On validation failure the clock is
// untouched.
func Open(c *clock.VectorClock, e *Envelope) (types.ClockSnapshot, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return c.Merge(e.Clock), nil
}

// Decode unmarshals the envelope payload into out.
func (e *Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", types.ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("%w: %v", types.ErrMalformedEnvelope, err)
	}
	return nil
}
