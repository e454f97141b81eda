package input

import (
	"encoding/binary"
	"io"
	"math"
	"sync"

	"github.com/pkg/errors"
)

// ErrCacheClosed is observed by handles that read past the cached prefix
// after a cache's background fill was stopped early.
var ErrCacheClosed = errors.New("cache closed before source was exhausted")

// sharedBuffer is an append-only byte buffer filled by one writer and read by
// any number of independent readers. Readers block until the bytes they want
// exist or the writer finishes.
type sharedBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf    []byte
	done   bool
	err    error
	closed bool
}

func newSharedBuffer() *sharedBuffer {
	b := &sharedBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *sharedBuffer) write(p []byte) {
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
	b.cond.Broadcast()
}

// finish marks the stream complete. A nil err means a clean end of source.
// The first finish wins.
func (b *sharedBuffer) finish(err error) {
	b.mu.Lock()
	if !b.done {
		b.done = true
		b.err = err
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

// aborted reports whether the owner asked the filler to stop. The filler
// checks it between frames.
func (b *sharedBuffer) aborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *sharedBuffer) abort() {
	b.mu.Lock()
	if !b.done {
		b.done = true
		b.err = ErrCacheClosed
	}
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// bufferReader is one handle's view into a sharedBuffer. It satisfies
// io.Reader and io.Seeker, so cached handles are always seekable. Seeking
// relative to the end blocks until the fill completes, since only then is the
// total length known.
type bufferReader struct {
	shared *sharedBuffer
	off    int64
}

func (r *bufferReader) Read(p []byte) (int, error) {
	b := r.shared

	b.mu.Lock()
	defer b.mu.Unlock()

	for int64(len(b.buf)) <= r.off && !b.done {
		b.cond.Wait()
	}

	if int64(len(b.buf)) <= r.off {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}

	n := copy(p, b.buf[r.off:])
	r.off += int64(n)
	return n, nil
}

func (r *bufferReader) Seek(offset int64, whence int) (int64, error) {
	var base int64

	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = r.off
	case io.SeekEnd:
		b := r.shared
		b.mu.Lock()
		for !b.done {
			b.cond.Wait()
		}
		base = int64(len(b.buf))
		b.mu.Unlock()
	default:
		return 0, errors.New("invalid whence")
	}

	off := base + offset
	if off < 0 {
		return 0, errors.New("negative seek position")
	}

	r.off = off
	return off, nil
}

// Memory caches a source's audio in memory as it is read, so playback can
// restart instantly and several tracks can share one upstream source. Handles
// created before the fill completes stream as bytes arrive.
//
// The cache stores interleaved stereo float PCM: roughly 23 MB per minute of
// audio. Use Compressed when that is too much.
type Memory struct {
	shared *sharedBuffer
}

// NewMemory starts caching src in the background and returns the cache. The
// source is consumed fully unless Close is called first.
func NewMemory(src *Input) *Memory {
	m := &Memory{shared: newSharedBuffer()}
	go fillPCM(m.shared, src)
	return m
}

func fillPCM(shared *sharedBuffer, src *Input) {
	mix := make([]float32, StereoFrameSize)
	raw := make([]byte, 4*StereoFrameSize)

	for !shared.aborted() {
		for i := range mix {
			mix[i] = 0
		}

		n, err := src.MixTo(mix, 1)
		if n > 0 {
			for i := 0; i < n; i++ {
				binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(mix[i]))
			}
			shared.write(raw[:4*n])
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

// NewHandle returns a new Input reading the cached audio from the start.
// Handles are independent: each has its own position and may be created at
// any time, including after the source finishes.
func (m *Memory) NewHandle() *Input {
	return NewFloatPCM(&bufferReader{shared: m.shared}, true)
}

// Close stops the background fill. Existing handles keep access to the
// already-cached prefix and observe ErrCacheClosed past it.
func (m *Memory) Close() {
	m.shared.abort()
}
