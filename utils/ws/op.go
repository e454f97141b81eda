// Package ws provides a small WebSocket client for Discord's voice gateway. It
// handles payload framing, rate limiting and decode dispatching, leaving the
// protocol flow to the caller.
package ws

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ashvale/cadenza/utils/json"
)

// OpCode is the type for the "op" field of a gateway payload. Payloads are
// dispatched on this code alone; the voice gateway carries no event type nor
// sequence field.
type OpCode int

// Event is a payload that can travel in the data field of an Op.
type Event interface {
	// Op returns the opcode that identifies the payload on the wire.
	Op() OpCode
	// EventName returns a human-readable name for the payload. It is only
	// used for debugging and errors.
	EventName() string
}

// Op is a gateway payload envelope.
type Op struct {
	Code OpCode `json:"op"`
	Data Event  `json:"d,omitempty"`
}

// OpFunc is a constructor for a payload of a known opcode.
type OpFunc func() Event

// OpUnmarshalers contains the payload constructors known to a Codec, keyed by
// opcode.
type OpUnmarshalers map[OpCode]OpFunc

// NewOpUnmarshalers creates a map of unmarshalers from the given constructors.
func NewOpUnmarshalers(funcs ...OpFunc) OpUnmarshalers {
	m := make(OpUnmarshalers, len(funcs))
	m.Add(funcs...)
	return m
}

// Add registers the given payload constructors.
func (m OpUnmarshalers) Add(funcs ...OpFunc) {
	for _, fn := range funcs {
		m[fn().Op()] = fn
	}
}

// Lookup returns the constructor for the given opcode, or nil.
func (m OpUnmarshalers) Lookup(op OpCode) OpFunc {
	return m[op]
}

// UnknownOpError is returned if the codec has no unmarshaler for a received
// opcode.
type UnknownOpError struct {
	Code OpCode
	Data json.Raw
}

func (err UnknownOpError) Error() string {
	return "unknown opcode " + errors.Errorf("%d", err.Code).Error()
}

// CloseEvent is a pseudo-event sent into the op channel when the connection
// encounters a fatal read error. The channel is closed right after.
type CloseEvent struct {
	// Err is the underlying error.
	Err error
	// Code is the websocket close code, if any. It is -1 if the connection
	// did not close with a close frame.
	Code int
}

var _ Event = (*CloseEvent)(nil)

func (e *CloseEvent) Op() OpCode        { return -1 }
func (e *CloseEvent) EventName() string { return "__ws.CloseEvent" }

func (e *CloseEvent) Error() string { return e.Err.Error() }
func (e *CloseEvent) Unwrap() error { return e.Err }

// BackgroundErrorEvent is a pseudo-event describing a non-fatal error, such as
// a payload that failed to decode. The connection stays up after it.
type BackgroundErrorEvent struct {
	Err error
}

var _ Event = (*BackgroundErrorEvent)(nil)

func (e *BackgroundErrorEvent) Op() OpCode        { return -1 }
func (e *BackgroundErrorEvent) EventName() string { return "__ws.BackgroundErrorEvent" }

func (e *BackgroundErrorEvent) Error() string { return "background error: " + e.Err.Error() }
func (e *BackgroundErrorEvent) Unwrap() error { return e.Err }

// ReadOp reads a single Op from the channel, or returns an error if the
// context expires or the channel closes.
func ReadOp(ctx context.Context, ch <-chan Op) (Op, error) {
	select {
	case <-ctx.Done():
		return Op{}, ctx.Err()
	case op, ok := <-ch:
		if !ok {
			return Op{}, ErrWebsocketClosed
		}
		return op, nil
	}
}
