package input

import (
	"encoding/binary"
	"io"

	"github.com/hraban/opus"
	"github.com/pkg/errors"
)

// maxOpusFrame is the scratch size handed to the encoder, comfortably above
// the largest packet 20 ms can produce.
const maxOpusFrame = 4000

// Compressed caches a source as a DCA-framed Opus stream, encoding it once in
// the background. Handles replay the stream with full passthrough support, so
// one encode serves any number of plays at a fraction of Memory's footprint.
type Compressed struct {
	shared *sharedBuffer
}

// NewCompressed starts encoding src at the given bitrate and returns the
// cache. The source is consumed fully unless Close is called first.
func NewCompressed(src *Input, bitrate int) (*Compressed, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppAudio)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create opus encoder")
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, errors.Wrap(err, "failed to set bitrate")
	}

	c := &Compressed{shared: newSharedBuffer()}
	go fillOpus(c.shared, src, enc)
	return c, nil
}

func fillOpus(shared *sharedBuffer, src *Input, enc *opus.Encoder) {
	mix := make([]float32, StereoFrameSize)
	packet := make([]byte, maxOpusFrame)
	framed := make([]byte, 0, 2+maxOpusFrame)

	for !shared.aborted() {
		for i := range mix {
			mix[i] = 0
		}

		n, err := src.MixTo(mix, 1)
		if n > 0 {
			// Encode the full frame; the tail of a short final read stays
			// silent.
			size, err := enc.EncodeFloat32(mix, packet)
			if err != nil {
				shared.finish(errors.Wrap(err, "failed to encode frame"))
				return
			}

			var lenb [2]byte
			binary.LittleEndian.PutUint16(lenb[:], uint16(size))

			framed = append(framed[:0], lenb[:]...)
			framed = append(framed, packet[:size]...)
			shared.write(framed)
		}
		if err != nil {
			if err == io.EOF {
				err = nil
			}
			shared.finish(err)
			return
		}
	}
}

// NewHandle returns a new Input replaying the cached Opus stream from the
// start. Handles are independent and passthrough-capable.
func (c *Compressed) NewHandle() *Input {
	return &Input{
		Stereo:    true,
		codec:     Opus,
		container: DCA,
		src:       &bufferReader{shared: c.shared},
	}
}

// Close stops the background encode. Existing handles keep access to the
// already-cached prefix and observe ErrCacheClosed past it.
func (c *Compressed) Close() {
	c.shared.abort()
}
