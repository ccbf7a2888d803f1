package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/xprocbus/internal/observability"
	"github.com/danmuck/xprocbus/internal/protocol/envelope"
)

// Kind classifies registry failures. Kinds travel across channels as the
// "kind" field of envelope.WireError.
type Kind string

const (
	KindCommandNotFound  Kind = "command_not_found"
	KindHandler          Kind = "handler"
	KindTimeout          Kind = "timeout"
	KindChannelClosed    Kind = "channel_closed"
	KindHandshakeTimeout Kind = "handshake_timeout"
	KindInvalidEnvelope  Kind = "invalid_envelope"
)

var (
	ErrCommandNotFound  = errors.New("registry: command not found")
	ErrHandler          = errors.New("registry: handler failed")
	ErrTimeout          = errors.New("registry: request timeout")
	ErrChannelClosed    = errors.New("registry: channel closed")
	ErrHandshakeTimeout = errors.New("registry: handshake timeout")
	ErrInvalidEnvelope  = errors.New("registry: invalid envelope")

	ErrInvalidCommandID = errors.New("registry: invalid command id")
	ErrNilHandler       = errors.New("registry: nil handler")
	ErrClosed           = errors.New("registry: closed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindCommandNotFound:
		return ErrCommandNotFound
	case KindHandler:
		return ErrHandler
	case KindTimeout:
		return ErrTimeout
	case KindChannelClosed:
		return ErrChannelClosed
	case KindHandshakeTimeout:
		return ErrHandshakeTimeout
	case KindInvalidEnvelope:
		return ErrInvalidEnvelope
	}
	return nil
}

// Error is the typed failure surfaced by ExecuteCommand and IsReady.
// Message is preserved verbatim across channels; for KindHandler it is the
// handler's own error text.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind so callers can use errors.Is.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func commandNotFound(id string) *Error {
	return newError(KindCommandNotFound, "command %q not found", id)
}

func channelClosed(channelID string) *Error {
	return newError(KindChannelClosed, "channel %s closed", channelID)
}

// handlerError keeps registry errors raised inside a handler (for example a
// nested remote call timing out) and wraps anything else as KindHandler.
func handlerError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Kind: KindHandler, Message: err.Error(), Err: err}
}

// toWire converts any error to the serializable channel shape.
func toWire(err error) *envelope.WireError {
	re := handlerError(err)
	return &envelope.WireError{Kind: string(re.Kind), Message: re.Message}
}

// fromWire rebuilds a typed error from a remote error envelope. Unknown kinds
// are treated as handler failures so the message is still surfaced.
func fromWire(w *envelope.WireError) *Error {
	if w == nil {
		return newError(KindInvalidEnvelope, "error envelope without error body")
	}
	kind := Kind(w.Kind)
	if kind.sentinel() == nil {
		kind = KindHandler
	}
	return &Error{Kind: kind, Message: w.Message}
}

// outcome labels err for metrics: the error kind, or canceled for context
// errors.
func outcome(err error) string {
	if err == nil {
		return observability.OutcomeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return string(e.Kind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return observability.OutcomeCanceled
	}
	return observability.OutcomeError
}
