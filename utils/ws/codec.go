package ws

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/ashvale/cadenza/utils/json"
)

// Codec holds the decode state that a Connection shares with its manager. It
// knows how to turn a wire payload into a typed Op.
type Codec struct {
	Unmarshalers OpUnmarshalers
	Headers      http.Header
}

// NewCodec creates a codec over the given payload constructors.
func NewCodec(unmarshalers OpUnmarshalers) Codec {
	return Codec{
		Unmarshalers: unmarshalers,
		Headers:      http.Header{},
	}
}

// codecOp shadows Op's Data field so the payload body can be decoded after
// the opcode is known.
type codecOp struct {
	Op
	Data json.Raw `json:"d,omitempty"`
}

const maxSharedBufferSize = 1 << 15 // 32KB

// DecodeBuffer is a reusable byte buffer for decoding payloads.
type DecodeBuffer struct {
	buf []byte
}

// NewDecodeBuffer creates a new preallocated DecodeBuffer.
func NewDecodeBuffer(cap int) DecodeBuffer {
	if cap > maxSharedBufferSize {
		cap = maxSharedBufferSize
	}

	return DecodeBuffer{
		buf: make([]byte, 0, cap),
	}
}

// DecodeInto reads the given reader, decodes the payload into a typed Op, and
// sends it into opCh. Decode errors are delivered as BackgroundErrorEvents
// rather than returned; the returned error is only non-nil if the context
// expires.
func (c Codec) DecodeInto(ctx context.Context, r io.Reader, buf *DecodeBuffer, opCh chan<- Op) error {
	var op codecOp
	op.Data = json.Raw(buf.buf)

	if err := json.DecodeStream(r, &op); err != nil {
		return sendOp(ctx, newErrOp(err, "cannot read JSON stream"), opCh)
	}

	// Steal the buffer back if the decoder grew it.
	if cap(op.Data) > cap(buf.buf) && cap(op.Data) <= maxSharedBufferSize {
		buf.buf = op.Data[:0]
	}

	fn := c.Unmarshalers.Lookup(op.Op.Code)
	if fn == nil {
		err := UnknownOpError{
			Code: op.Op.Code,
			Data: op.Data,
		}
		return sendOp(ctx, newErrOp(err, ""), opCh)
	}

	op.Op.Data = fn()
	if err := op.Data.UnmarshalTo(op.Op.Data); err != nil {
		return sendOp(ctx, newErrOp(err, "cannot unmarshal op data"), opCh)
	}

	return sendOp(ctx, op.Op, opCh)
}

func sendOp(ctx context.Context, op Op, opCh chan<- Op) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case opCh <- op:
		return nil
	}
}

func newErrOp(err error, wrap string) Op {
	if wrap != "" {
		err = errors.Wrap(err, wrap)
	}

	ev := &BackgroundErrorEvent{
		Err: err,
	}

	return Op{
		Code: ev.Op(),
		Data: ev,
	}
}
