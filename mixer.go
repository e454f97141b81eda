package cadenza

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"runtime"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"github.com/ashvale/cadenza/input"
	"github.com/ashvale/cadenza/track"
	"github.com/ashvale/cadenza/udp"
	"github.com/ashvale/cadenza/utils/ws"
)

// maxOpusFrame is the encode buffer size. No 20 ms frame at Discord's
// bitrates comes near it.
const maxOpusFrame = 4000

// silenceTail is how many explicit silent frames are sent after the mix
// goes quiet before transmission stops entirely. Discord's jitter buffer
// needs them to ramp down cleanly.
const silenceTail = 5

// maxTickLag is how far the tick deadline may fall behind before the mixer
// gives up on catching up and realigns with the wall clock.
const maxTickLag = 250 * time.Millisecond

// sendKind is one tick's transmit decision.
type sendKind uint8

const (
	sendNothing sendKind = iota
	sendSilence
	sendMix
	sendPassthrough
)

// mixer drives the 20 ms cadence. It owns the track list, the encoder, the
// RTP header state and the outbound packet buffers; everything else talks
// to it through its inbox.
type mixer struct {
	inbox chan mixerMessage
	core  chan<- coreMessage
	ic    *interconnect

	tracks []*track.Track

	encoder *opus.Encoder
	bitrate int
	muted   bool

	conn     *mixerConn
	header   rtp.Header
	silence  int
	speaking bool

	mix   []float32 // one interleaved stereo frame
	opus  []byte    // encode scratch
	frame []byte    // passthrough frame, valid for one tick

	deadline time.Time
}

func newMixer(core chan<- coreMessage, ic *interconnect, bitrate int) *mixer {
	return &mixer{
		inbox:   make(chan mixerMessage, mixerBacklog),
		core:    core,
		ic:      ic,
		bitrate: bitrate,
		silence: silenceTail,
		mix:     make([]float32, input.StereoFrameSize),
		opus:    make([]byte, maxOpusFrame),
	}
}

// run is the mixer goroutine. The thread is pinned: this is the one loop in
// the engine with a real-time deadline.
func (m *mixer) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m.deadline = time.Now()

	for {
		kind, ok := m.work()
		if !ok {
			return
		}

		m.sleep()
		m.transmit(kind)
	}
}

// work runs the control half of one tick: the inbox, the track commands,
// the mixing step and every decision that follows from it. The send itself
// is deferred to transmit so it lands right after the tick boundary.
func (m *mixer) work() (sendKind, bool) {
	if !m.drain() {
		return sendNothing, false
	}

	if m.conn == nil {
		// Not connected: tracks hold position, but timed events still run.
		m.tickEvent()
		return sendNothing, true
	}

	passthrough, audio := m.mixTracks()
	if audio && passthrough == nil {
		softClip(m.mix)
	}
	if m.muted {
		passthrough, audio = nil, false
	}

	var kind sendKind
	switch {
	case audio:
		kind = sendMix
		if passthrough != nil {
			kind = sendPassthrough
		}
		m.silence = silenceTail
		if !m.speaking {
			m.setSpeaking(true)
		}

	case m.silence > 0:
		kind = sendSilence
		m.silence--

	default:
		if m.speaking {
			m.setSpeaking(false)
		}
	}

	m.removeDone()
	m.tickEvent()

	return kind, true
}

// sleep waits out the rest of the tick. The deadline is absolute, so the
// cost of mixing and encoding never skews the cadence; only a stall beyond
// maxTickLag resets it instead of replaying the backlog.
func (m *mixer) sleep() {
	m.deadline = m.deadline.Add(input.FrameDuration)

	if until := time.Until(m.deadline); until > 0 {
		time.Sleep(until)
	} else if until < -maxTickLag {
		m.deadline = time.Now()
	}
}

// transmit seals and sends the packet the last work call decided on, then
// advances the RTP counters. Skipped ticks advance neither.
func (m *mixer) transmit(kind sendKind) {
	if kind == sendNothing || m.conn == nil {
		return
	}

	var body []byte
	switch kind {
	case sendSilence:
		body = udp.SilentFrame

	case sendPassthrough:
		body = m.frame

	case sendMix:
		if m.encoder == nil {
			if err := m.rebuildEncoder(); err != nil {
				ws.WSError(err)
				return
			}
		}

		n, err := m.encoder.EncodeFloat32(m.mix, m.opus)
		if err != nil {
			ws.WSError(errors.Wrap(err, "voice: failed to encode frame"))
			return
		}
		body = m.opus[:n]
	}

	packet := m.packetBuf()
	if _, err := m.header.MarshalTo(packet); err != nil {
		ws.WSError(errors.Wrap(err, "voice: failed to marshal RTP header"))
		return
	}

	sealed := m.conn.cipher.Seal(packet, udp.HeaderLen, body, &m.conn.nonce)

	select {
	case m.conn.send <- sealed:
		m.header.SequenceNumber++
		m.header.Timestamp += input.FrameSize
	default:
		// The send task is gone or wedged. Following ticks end up here
		// again, so a dropped escalation is retried naturally.
		select {
		case m.core <- coreConnFailed{gen: m.conn.gen}:
		default:
		}
	}
}

// packetBuf produces a buffer sized for one sealed datagram, reusing ones
// the send task has finished with.
func (m *mixer) packetBuf() []byte {
	need := udp.HeaderLen + udp.Overhead + maxOpusFrame + m.conn.cipher.Mode().TrailerSize()

	select {
	case b := <-m.conn.recycle:
		if cap(b) >= need {
			return b[:udp.HeaderLen]
		}
	default:
	}

	return make([]byte, udp.HeaderLen, need)
}

// drain empties the inbox, then every track's command queue. It reports
// false once the mixer was poisoned.
func (m *mixer) drain() bool {
	for {
		select {
		case msg := <-m.inbox:
			if !m.handle(msg) {
				return false
			}
		default:
			m.drainTracks()
			return true
		}
	}
}

func (m *mixer) handle(msg mixerMessage) bool {
	switch msg := msg.(type) {
	case mixAddTrack:
		m.addTrack(msg.track)

	case mixSetTracks:
		m.closeAll()
		for _, t := range msg.tracks {
			m.addTrack(t)
		}

	case mixSetBitrate:
		if msg.bitrate == m.bitrate {
			return true
		}
		m.bitrate = msg.bitrate
		if err := m.rebuildEncoder(); err != nil {
			ws.WSError(err)
		}

	case mixSetMute:
		m.muted = msg.muted

	case mixSetConn:
		m.conn = msg.conn
		m.bindConn()

	case mixDropConn:
		m.conn = nil

	case mixSetInterconnect:
		m.ic = msg.ic
		// The fresh scheduler knows nothing; announce the live tracks
		// again. Handlers registered on the old generation are gone.
		for _, t := range m.tracks {
			m.announce(t)
		}

	case mixPoison:
		m.closeAll()
		close(msg.done)
		return false
	}

	return true
}

func (m *mixer) addTrack(t *track.Track) {
	m.tracks = append(m.tracks, t)
	m.announce(t)
}

func (m *mixer) announce(t *track.Track) {
	m.sendEvent(evAddTrack{
		at:     time.Now(),
		state:  t.Snapshot(),
		handle: t.Handle,
		regs:   t.TakeRegistrations(),
	})
}

func (m *mixer) closeAll() {
	for _, t := range m.tracks {
		t.Close()
	}
	m.tracks = nil
	m.sendEvent(evRemoveAllTracks{})
}

// bindConn seeds the per-connection transmit state. Sequence and timestamp
// start at random values, as RFC 3550 wants.
func (m *mixer) bindConn() {
	var seed [6]byte
	io.ReadFull(rand.Reader, seed[:])

	m.header = rtp.Header{
		Version:        2,
		PayloadType:    udp.PayloadType,
		SequenceNumber: binary.BigEndian.Uint16(seed[0:2]),
		Timestamp:      binary.BigEndian.Uint32(seed[2:6]),
		SSRC:           m.conn.ssrc,
	}
	m.silence = silenceTail
	m.speaking = false
}

// drainTracks applies every pending command of every track.
func (m *mixer) drainTracks() {
	for i, t := range m.tracks {
	commands:
		for {
			select {
			case cmd := <-t.Commands():
				m.command(i, t, cmd)
			default:
				break commands
			}
		}
	}
}

func (m *mixer) command(i int, t *track.Track, cmd track.Command) {
	switch cmd := cmd.(type) {
	case track.PlayCommand:
		if t.SetMode(track.Play) {
			m.changed(i, t, track.ChangeMode)
		}

	case track.PauseCommand:
		if t.SetMode(track.Pause) {
			m.changed(i, t, track.ChangeMode)
		}

	case track.StopCommand:
		if t.SetMode(track.Stop) {
			m.changed(i, t, track.ChangeMode)
		}

	case track.VolumeCommand:
		t.Volume = cmd.Volume
		m.changed(i, t, track.ChangeVolume)

	case track.LoopCommand:
		t.Loops = cmd.Loops
		m.changed(i, t, track.ChangeLoops)

	case track.SeekCommand:
		pos, err := t.Source.Seek(cmd.Position)
		if err != nil {
			ws.WSError(errors.Wrap(err, "voice: seek failed"))
			pos = t.Position
		} else {
			t.Position = pos
			m.changed(i, t, track.ChangePosition)
		}
		cmd.Reply <- pos

	case track.RequestCommand:
		cmd.Reply <- t.Snapshot()

	case track.DoCommand:
		cmd.Fn(t)

	case track.AddEventCommand:
		m.sendEvent(evAddTrackEvent{
			at:    time.Now(),
			index: i,
			reg:   cmd.Registration,
		})
	}
}

// removeDone drops tracks whose mode became terminal this tick, in order,
// so the scheduler's indices stay aligned.
func (m *mixer) removeDone() {
	for i := 0; i < len(m.tracks); {
		if !m.tracks[i].Mode.IsDone() {
			i++
			continue
		}

		m.tracks[i].Close()
		m.tracks = append(m.tracks[:i], m.tracks[i+1:]...)
		m.sendEvent(evRemoveTrack{index: i})
	}
}

func (m *mixer) changed(i int, t *track.Track, kind track.ChangeKind) {
	m.sendEvent(evChangeState{
		at:    time.Now(),
		index: i,
		change: track.StateChange{
			Kind:  kind,
			State: t.Snapshot(),
		},
	})
}

// tickEvent posts the once-per-tick snapshot that drives timed events.
func (m *mixer) tickEvent() {
	var states []track.State
	if len(m.tracks) > 0 {
		states = make([]track.State, len(m.tracks))
		for i, t := range m.tracks {
			states[i] = t.Snapshot()
		}
	}
	m.sendEvent(evTick{at: time.Now(), states: states})
}

// sendEvent posts to the scheduler. The mixer never blocks on it: overflow
// means the scheduler stopped draining, which the core fixes by rebuilding
// it.
func (m *mixer) sendEvent(msg eventMessage) {
	if m.ic.send(msg) {
		return
	}
	select {
	case m.core <- coreEventsFailed{}:
	default:
	}
}

// setSpeaking posts a speaking edge for the websocket task.
func (m *mixer) setSpeaking(speaking bool) {
	m.speaking = speaking
	if m.conn != nil {
		conflate(m.conn.speaking, speaking)
	}
}
