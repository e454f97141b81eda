// Package input provides the audio sources a track plays: raw PCM streams,
// DCA-framed Opus streams, and cached wrappers that make a source restartable
// and cheaply shareable.
//
// Every source yields 48 kHz audio in 20 ms frames. Mono sources are
// duplicated to stereo when mixed.
package input

import (
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/hraban/opus"
	"github.com/pkg/errors"
)

// Discord expects 48 kHz stereo Opus in 20 ms frames.
const (
	SampleRate = 48000
	Channels   = 2

	// FrameDuration is the wall-clock length of one audio frame.
	FrameDuration = 20 * time.Millisecond

	// FrameSize is the per-channel sample count of one frame;
	// StereoFrameSize is the interleaved total.
	FrameSize       = 960
	StereoFrameSize = FrameSize * Channels
)

// ErrUnseekable is returned when a seek is requested on a source whose
// underlying reader cannot seek.
var ErrUnseekable = errors.New("input is not seekable")

// Codec identifies the sample encoding of a source's byte stream.
type Codec uint8

const (
	// PCM16 is interleaved signed 16-bit little-endian PCM.
	PCM16 Codec = iota
	// FloatPCM is interleaved 32-bit little-endian IEEE float PCM.
	FloatPCM
	// Opus is framed Opus packets. It requires the DCA container.
	Opus
)

// Container identifies how frames are delimited in the byte stream.
type Container uint8

const (
	// Raw is a bare sample stream with no framing.
	Raw Container = iota
	// DCA prefixes each Opus packet with a little-endian int16 length.
	DCA
)

// Input is a single playable audio source. An Input is owned by exactly one
// track and is not safe for concurrent use.
type Input struct {
	// Stereo reports whether the stream carries two channels. Mono streams
	// are duplicated to stereo when mixed.
	Stereo bool

	// Metadata holds the decoded DCA1 metadata block, if the source had one.
	Metadata *Metadata

	codec      Codec
	container  Container
	src        io.Reader
	firstFrame int64 // byte offset of the first frame

	decoder *opus.Decoder // created lazily when an Opus source must be mixed

	raw   []byte    // scratch: one frame of source bytes
	pcm   []float32 // scratch: one frame of samples
	frame []byte    // scratch: one framed Opus packet
}

// NewPCM16 wraps a raw stream of interleaved signed 16-bit little-endian
// samples at 48 kHz.
func NewPCM16(r io.Reader, stereo bool) *Input {
	return &Input{Stereo: stereo, codec: PCM16, container: Raw, src: r}
}

// NewFloatPCM wraps a raw stream of interleaved 32-bit little-endian float
// samples at 48 kHz.
func NewFloatPCM(r io.Reader, stereo bool) *Input {
	return &Input{Stereo: stereo, codec: FloatPCM, container: Raw, src: r}
}

func (in *Input) channels() int {
	if in.Stereo {
		return 2
	}
	return 1
}

func (in *Input) sampleBytes() int {
	if in.codec == FloatPCM {
		return 4
	}
	return 2
}

// Passthrough reports whether ReadOpusFrame can serve pre-encoded packets
// directly, letting the mixer skip the decode-mix-encode path.
func (in *Input) Passthrough() bool {
	return in.codec == Opus && in.container == DCA
}

// Seekable reports whether the source supports repositioning.
func (in *Input) Seekable() bool {
	_, ok := in.src.(io.Seeker)
	return ok
}

// MixTo reads the source's next 20 ms of audio and adds it into dst as
// interleaved stereo samples scaled by vol. It returns the number of dst
// samples affected: StereoFrameSize for a full frame, less at the end of the
// stream, and 0 with io.EOF once the source is exhausted.
func (in *Input) MixTo(dst []float32, vol float32) (int, error) {
	if in.codec == Opus {
		return in.mixOpus(dst, vol)
	}
	return in.mixPCM(dst, vol)
}

func (in *Input) mixPCM(dst []float32, vol float32) (int, error) {
	sampleBytes := in.sampleBytes()

	want := FrameSize * in.channels() * sampleBytes
	if cap(in.raw) < want {
		in.raw = make([]byte, want)
	}

	n, err := io.ReadFull(in.src, in.raw[:want])
	if err == io.ErrUnexpectedEOF {
		// Partial trailing frame: mix what arrived.
		err = nil
	}
	if err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, errors.Wrap(err, "failed to read PCM frame")
	}

	n -= n % (sampleBytes * in.channels()) // drop a torn sample
	samples := n / sampleBytes

	if in.pcm == nil {
		in.pcm = make([]float32, StereoFrameSize)
	}

	pcm := in.pcm[:samples]
	switch in.codec {
	case PCM16:
		for i := range pcm {
			pcm[i] = float32(int16(binary.LittleEndian.Uint16(in.raw[2*i:]))) / 32768
		}
	case FloatPCM:
		for i := range pcm {
			pcm[i] = math.Float32frombits(binary.LittleEndian.Uint32(in.raw[4*i:]))
		}
	}

	return in.mix(dst, pcm, vol), nil
}

func (in *Input) mixOpus(dst []float32, vol float32) (int, error) {
	frame, err := in.ReadOpusFrame()
	if err != nil {
		return 0, err
	}

	if in.decoder == nil {
		dec, err := opus.NewDecoder(SampleRate, in.channels())
		if err != nil {
			return 0, errors.Wrap(err, "failed to create opus decoder")
		}
		in.decoder = dec
	}

	if in.pcm == nil {
		in.pcm = make([]float32, StereoFrameSize)
	}

	n, err := in.decoder.DecodeFloat32(frame, in.pcm[:FrameSize*in.channels()])
	if err != nil {
		return 0, errors.Wrap(err, "failed to decode opus frame")
	}

	return in.mix(dst, in.pcm[:n*in.channels()], vol), nil
}

// mix adds pcm into dst, duplicating mono to stereo, and reports how many dst
// samples were touched.
func (in *Input) mix(dst []float32, pcm []float32, vol float32) int {
	if in.Stereo {
		n := len(pcm)
		if n > len(dst) {
			n = len(dst)
		}
		for i := 0; i < n; i++ {
			dst[i] += pcm[i] * vol
		}
		return n
	}

	n := 2 * len(pcm)
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i+1 < n; i += 2 {
		s := pcm[i/2] * vol
		dst[i] += s
		dst[i+1] += s
	}
	return n
}

// SeekToStart rewinds the source to its first frame.
func (in *Input) SeekToStart() error {
	s, ok := in.src.(io.Seeker)
	if !ok {
		return ErrUnseekable
	}

	_, err := s.Seek(in.firstFrame, io.SeekStart)
	return errors.Wrap(err, "failed to seek to start")
}

// Seek repositions the source to the frame boundary at or before pos and
// returns the position actually reached, clamped to the end of the stream.
// Raw streams seek directly; DCA streams rewind and scan frame headers, so a
// seek costs a pass over the stream's length prefixes.
func (in *Input) Seek(pos time.Duration) (time.Duration, error) {
	s, ok := in.src.(io.Seeker)
	if !ok {
		return 0, ErrUnseekable
	}

	if pos < 0 {
		pos = 0
	}
	frames := int64(pos / FrameDuration)

	if in.container == DCA {
		return in.seekDCA(s, frames)
	}

	end, err := s.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "failed to measure stream")
	}

	frameBytes := int64(in.sampleBytes() * FrameSize * in.channels())

	limit := (end - in.firstFrame) / frameBytes
	if limit < 0 {
		limit = 0
	}
	if frames > limit {
		frames = limit
	}

	if _, err := s.Seek(in.firstFrame+frames*frameBytes, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "failed to seek")
	}

	return time.Duration(frames) * FrameDuration, nil
}
