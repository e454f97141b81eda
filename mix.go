package cadenza

import (
	"bytes"
	"io"
	"math"

	"github.com/hraban/opus"
	"github.com/pkg/errors"

	"github.com/ashvale/cadenza/input"
	"github.com/ashvale/cadenza/track"
	"github.com/ashvale/cadenza/udp"
	"github.com/ashvale/cadenza/utils/ws"
)

// passthroughEpsilon is how far a track's volume may stray from unity while
// its pre-encoded frames still skip the encoder.
const passthroughEpsilon = 1e-3

// clipKnee is where the soft clipper starts bending. Below it the mix is
// untouched; above it the curve approaches ±1 without ever folding over.
const clipKnee = 0.875

// mixTracks advances every playing track by one frame. It returns the frame
// directly when a single unity-volume track can serve pre-encoded Opus, and
// otherwise reports whether the accumulator holds any audio.
func (m *mixer) mixTracks() (passthrough []byte, audio bool) {
	// Play time runs for every track the mixer holds, playing or paused.
	for _, t := range m.tracks {
		t.PlayTime += input.FrameDuration
	}

	if t := m.passthroughTrack(); t != nil {
		frame, err := t.Source.ReadOpusFrame()
		switch {
		case err == io.EOF:
			m.exhausted(0, t)
			return nil, false
		case err != nil:
			ws.WSError(errors.Wrap(err, "voice: failed to read opus frame"))
			m.endTrack(0, t)
			return nil, false
		}

		t.Position += input.FrameDuration

		if bytes.Equal(frame, udp.SilentFrame) {
			// A silent source frame counts as an empty mix; the silence
			// policy sends the canonical frame on its own budget.
			return nil, false
		}

		m.frame = frame
		return frame, true
	}

	for i := range m.mix {
		m.mix[i] = 0
	}

	for i, t := range m.tracks {
		if t.Mode != track.Play {
			continue
		}

		n, err := t.Source.MixTo(m.mix, t.Volume)
		switch {
		case err == io.EOF:
			m.exhausted(i, t)
		case err != nil:
			ws.WSError(errors.Wrap(err, "voice: track read failed"))
			m.endTrack(i, t)
		case n > 0:
			t.Position += input.FrameDuration
			audio = true
		}
	}

	return nil, audio
}

// passthroughTrack reports the single track whose frames may skip the
// encoder, if the mix reduces to one.
func (m *mixer) passthroughTrack() *track.Track {
	if len(m.tracks) != 1 {
		return nil
	}

	t := m.tracks[0]
	if t.Mode != track.Play || !t.Source.Passthrough() {
		return nil
	}
	if v := t.Volume - 1; v > passthroughEpsilon || v < -passthroughEpsilon {
		return nil
	}

	return t
}

// exhausted handles a source that hit end of stream: restart it while loops
// remain, end the track otherwise. The restart tick itself stays silent;
// audio resumes on the next one.
func (m *mixer) exhausted(i int, t *track.Track) {
	if !t.Source.Seekable() || !t.ConsumeLoop() {
		m.endTrack(i, t)
		return
	}

	if err := t.Source.SeekToStart(); err != nil {
		ws.WSError(errors.Wrap(err, "voice: loop restart failed"))
		m.endTrack(i, t)
		return
	}

	t.Position = 0
	m.changed(i, t, track.ChangePosition)
	m.changed(i, t, track.ChangeLoops)
}

func (m *mixer) endTrack(i int, t *track.Track) {
	if t.SetMode(track.End) {
		m.changed(i, t, track.ChangeMode)
	}
}

// softClip tames a hot mix. Samples under the knee pass through untouched,
// so a single track at unity volume is never colored; the headroom above is
// compressed onto a tanh curve that meets the knee with slope one.
func softClip(mix []float32) {
	const knee = clipKnee
	const span = 1 - clipKnee

	for i, s := range mix {
		switch {
		case s > knee:
			mix[i] = knee + span*float32(math.Tanh(float64(s-knee)/span))
		case s < -knee:
			mix[i] = -knee - span*float32(math.Tanh(float64(-s-knee)/span))
		}
	}
}

// rebuildEncoder replaces the encoder to match the configured bitrate. A
// bitrate the codec rejects falls back to the default instead of killing
// playback.
func (m *mixer) rebuildEncoder() error {
	enc, err := newEncoder(m.bitrate)
	if err != nil && m.bitrate != DefaultBitrate {
		ws.WSError(errors.Wrapf(err, "voice: encoder rejected bitrate %d, using default", m.bitrate))
		m.bitrate = DefaultBitrate
		enc, err = newEncoder(m.bitrate)
	}
	if err != nil {
		return errors.Wrap(err, "voice: failed to build opus encoder")
	}

	m.encoder = enc
	return nil
}

func newEncoder(bitrate int) (*opus.Encoder, error) {
	enc, err := opus.NewEncoder(input.SampleRate, input.Channels, opus.AppAudio)
	if err != nil {
		return nil, err
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, err
	}
	return enc, nil
}
