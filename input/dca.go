package input

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/ashvale/cadenza/utils/json"
)

// ErrCorruptDCA is returned when a DCA frame header is malformed.
var ErrCorruptDCA = errors.New("corrupt DCA stream")

// dcaMagic opens standalone .dca files that carry a metadata block.
var dcaMagic = [4]byte{'D', 'C', 'A', '1'}

const maxMetadataSize = 1 << 20

// Metadata is the JSON block of a DCA1 file. Only the fields playback cares
// about are decoded; the full block is preserved in Raw.
type Metadata struct {
	Opus struct {
		Channels   int `json:"channels"`
		SampleRate int `json:"sample_rate"`
	} `json:"opus"`

	Raw json.Raw `json:"-"`
}

// NewDCA wraps a DCA stream: Opus packets each prefixed with a little-endian
// int16 length, optionally preceded by a "DCA1" magic and a JSON metadata
// block. DCA sources feed straight into the RTP payload without re-encoding.
func NewDCA(r io.Reader) (*Input, error) {
	in := &Input{
		Stereo:    true,
		codec:     Opus,
		container: DCA,
		src:       r,
	}

	var magic [4]byte

	n, err := io.ReadFull(r, magic[:])
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		// Shorter than a magic; treat the few bytes as a frame stream.
		in.src = io.MultiReader(bytes.NewReader(magic[:n]), r)
		return in, nil
	case err != nil:
		return nil, errors.Wrap(err, "failed to read DCA header")
	}

	if magic != dcaMagic {
		// No metadata block: the stream starts at its first frame.
		if s, ok := r.(io.Seeker); ok {
			off, err := s.Seek(-4, io.SeekCurrent)
			if err != nil {
				return nil, errors.Wrap(err, "failed to rewind DCA header")
			}
			in.firstFrame = off
		} else {
			in.src = io.MultiReader(bytes.NewReader(magic[:]), r)
		}
		return in, nil
	}

	// A DCA1 file has an int32 length and a JSON metadata block before the
	// first frame.
	var lenb [4]byte
	if _, err := io.ReadFull(r, lenb[:]); err != nil {
		return nil, errors.Wrap(ErrCorruptDCA, "missing metadata length")
	}

	mlen := int32(binary.LittleEndian.Uint32(lenb[:]))
	if mlen < 0 || mlen > maxMetadataSize {
		return nil, errors.Wrapf(ErrCorruptDCA, "metadata length %d out of range", mlen)
	}

	raw := make([]byte, mlen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(ErrCorruptDCA, "truncated metadata block")
	}

	meta := Metadata{Raw: raw}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Wrap(err, "failed to decode DCA metadata")
	}

	in.Metadata = &meta
	if meta.Opus.Channels == 1 {
		in.Stereo = false
	}

	if s, ok := r.(io.Seeker); ok {
		off, err := s.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, errors.Wrap(err, "failed to locate first DCA frame")
		}
		in.firstFrame = off
	}

	return in, nil
}

// ReadOpusFrame returns the source's next Opus packet. The returned slice is
// only valid until the next read. It returns io.EOF once the stream is
// exhausted; a truncated trailing frame counts as end of stream.
func (in *Input) ReadOpusFrame() ([]byte, error) {
	if in.container != DCA {
		return nil, errors.New("input is not opus-framed")
	}

	var lenb [2]byte
	if _, err := io.ReadFull(in.src, lenb[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "failed to read DCA frame header")
	}

	flen := int(int16(binary.LittleEndian.Uint16(lenb[:])))
	if flen < 0 {
		return nil, errors.Wrapf(ErrCorruptDCA, "negative frame length %d", flen)
	}

	if cap(in.frame) < flen {
		in.frame = make([]byte, flen)
	}

	frame := in.frame[:flen]
	if _, err := io.ReadFull(in.src, frame); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "failed to read DCA frame")
	}

	return frame, nil
}

// seekDCA rewinds to the first frame and skips length prefixes until the
// requested frame, stopping early at end of stream.
func (in *Input) seekDCA(s io.Seeker, frames int64) (time.Duration, error) {
	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "failed to measure stream")
	}

	off := in.firstFrame
	if _, err := s.Seek(off, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "failed to rewind")
	}

	var reached int64
	var lenb [2]byte

	for reached < frames && off+2 <= end {
		if _, err := io.ReadFull(in.src, lenb[:]); err != nil {
			return 0, errors.Wrap(err, "failed to scan DCA frame")
		}

		flen := int64(int16(binary.LittleEndian.Uint16(lenb[:])))
		if flen < 0 {
			return 0, errors.Wrapf(ErrCorruptDCA, "negative frame length %d", flen)
		}

		if off+2+flen > end {
			break // torn final frame
		}

		if _, err := s.Seek(flen, io.SeekCurrent); err != nil {
			return 0, errors.Wrap(err, "failed to skip DCA frame")
		}

		off += 2 + flen
		reached++
	}

	// Land exactly on the reached frame's header.
	if _, err := s.Seek(off, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "failed to seek")
	}

	return time.Duration(reached) * FrameDuration, nil
}
