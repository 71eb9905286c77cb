package webrtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/rtcerr"
)

// ErrorKind classifies adapter failures once, so callers never inspect
// error text.
type ErrorKind int

const (
	// ErrorInternal is any unexpected failure.
	ErrorInternal ErrorKind = iota
	// ErrorExpectedClose covers aborts during intentional teardown and use of
	// an already destroyed peer. Never user visible.
	ErrorExpectedClose
	// ErrorNegotiationState is a signal applied in the wrong phase. Expected
	// under concurrent signaling; logged and swallowed.
	ErrorNegotiationState
	// ErrorConnectionFailed means the aggregate state reported failure.
	ErrorConnectionFailed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorExpectedClose:
		return "expected-close"
	case ErrorNegotiationState:
		return "negotiation-state"
	case ErrorConnectionFailed:
		return "connection-failed"
	}
	return "internal"
}

var (
	ErrDestroyed        = errors.New("webrtc: peer destroyed")
	ErrConnectionFailed = errors.New("webrtc: connection failed")
	ErrWrongPhase       = errors.New("webrtc: signal does not fit the current phase")
)

// Error is an adapter failure tagged with its kind.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// wrap tags err with its classified kind; nil stays nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ClassifyError(err), Op: op, Err: err}
}

// ClassifyError maps err to an ErrorKind.
func ClassifyError(err error) ErrorKind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}

	switch {
	case errors.Is(err, ErrDestroyed),
		errors.Is(err, webrtc.ErrConnectionClosed),
		errors.Is(err, context.Canceled):
		return ErrorExpectedClose
	case errors.Is(err, ErrConnectionFailed):
		return ErrorConnectionFailed
	case errors.Is(err, ErrWrongPhase):
		return ErrorNegotiationState
	}

	var stateErr *rtcerr.InvalidStateError
	var modErr *rtcerr.InvalidModificationError
	if errors.As(err, &stateErr) || errors.As(err, &modErr) {
		return ErrorNegotiationState
	}
	return ErrorInternal
}
