package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownKind    = errors.New("protocol: unknown envelope kind")
	ErrMissingSender  = errors.New("protocol: missing sender")
	ErrMissingPayload = errors.New("protocol: negotiation envelope without payload")
	ErrMissingMuted   = errors.New("protocol: mute-status envelope without flag")
)

// Validate checks the structural rules every envelope must satisfy.
func (e Envelope) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.From == "" {
		return ErrMissingSender
	}
	if e.Kind.Negotiation() && !e.HasPayload() {
		return fmt.Errorf("%w (%s)", ErrMissingPayload, e.Kind)
	}
	if e.Kind == KindMuteStatus && e.Muted == nil {
		return ErrMissingMuted
	}
	return nil
}

// Encode serializes an envelope for the relay.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode deserializes and validates an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
