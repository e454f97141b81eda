package cadenza

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/ashvale/cadenza/input"
	"github.com/ashvale/cadenza/track"
	"github.com/ashvale/cadenza/udp"
)

// testMixer builds a mixer whose inbox, send channel and interconnect are all
// drained by the test itself. No goroutines run; ticks are driven by hand
// with mixerTick.
func testMixer() (*mixer, *interconnect, chan coreMessage) {
	core := make(chan coreMessage, coreBacklog)
	ic := newInterconnect()
	return newMixer(core, ic, DefaultBitrate), ic, core
}

var testSecret = [32]byte{3: 0xBE, 12: 0xEF, 30: 0x77}

func testMixerConn(gen int) *mixerConn {
	return &mixerConn{
		gen:      gen,
		ssrc:     0x11223344,
		cipher:   udp.NewCipher(testSecret, udp.Normal),
		nonce:    udp.NewTxNonce(),
		send:     make(chan []byte, 64),
		recycle:  make(chan []byte, 4),
		speaking: make(chan bool, 1),
	}
}

// mixerTick runs one tick without the cadence sleep.
func mixerTick(t *testing.T, m *mixer) {
	t.Helper()

	kind, ok := m.work()
	if !ok {
		t.Fatal("Mixer stopped unexpectedly")
	}
	m.transmit(kind)
}

func drainPackets(conn *mixerConn) [][]byte {
	var out [][]byte
	for {
		select {
		case p := <-conn.send:
			out = append(out, p)
		default:
			return out
		}
	}
}

func drainSpeaking(conn *mixerConn, edges *[]bool) {
	select {
	case v := <-conn.speaking:
		*edges = append(*edges, v)
	default:
	}
}

func drainEvents(ic *interconnect) []eventMessage {
	var out []eventMessage
	for {
		select {
		case msg := <-ic.events:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func openPacket(t *testing.T, conn *mixerConn, pkt []byte) (udp.Header, []byte) {
	t.Helper()

	hdr, ok := udp.ParseHeader(pkt)
	if !ok {
		t.Fatal("Sent packet has no RTP header:", pkt)
	}

	body, err := conn.cipher.Open(nil, pkt, udp.HeaderLen)
	if err != nil {
		t.Fatal("Failed to open sent packet:", err)
	}

	return hdr, body
}

// dcaBytes assembles a frame stream in the DCA framing: each packet prefixed
// with a little-endian int16 length.
func dcaBytes(frames ...[]byte) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		var lenb [2]byte
		binary.LittleEndian.PutUint16(lenb[:], uint16(len(f)))
		buf.Write(lenb[:])
		buf.Write(f)
	}
	return buf.Bytes()
}

// pcm16Bytes produces n frames of constant-amplitude interleaved stereo PCM.
func pcm16Bytes(n int, sample int16) []byte {
	b := make([]byte, n*input.StereoFrameSize*2)
	for i := 0; i < len(b); i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(sample))
	}
	return b
}

func TestMixerPassthrough(t *testing.T) {
	m, ic, _ := testMixer()

	conn := testMixerConn(1)
	m.handle(mixSetConn{conn: conn})

	// Passthrough never decodes, so the audible frame can be arbitrary.
	realFrame := []byte{0x4E, 0x0B, 0xE2, 0x81, 0x4C, 0x3A}

	src, err := input.NewDCA(bytes.NewReader(dcaBytes(
		udp.SilentFrame, udp.SilentFrame, udp.SilentFrame, udp.SilentFrame,
		realFrame,
	)))
	if err != nil {
		t.Fatal("Failed to build DCA source:", err)
	}

	tr, handle := track.New(src)
	m.handle(mixAddTrack{track: tr})

	// Five source frames, then the EOF tick that ends the track. Every tick
	// sends: the four muted source frames and the post-EOF tick all fall
	// under the silence tail.
	var edges []bool
	for i := 0; i < 6; i++ {
		mixerTick(t, m)
		drainSpeaking(conn, &edges)
	}

	packets := drainPackets(conn)
	if len(packets) != 6 {
		t.Fatal("Unexpected packet count (got/want):", len(packets), 6)
	}

	first, _ := openPacket(t, conn, packets[0])
	for i, pkt := range packets {
		hdr, body := openPacket(t, conn, pkt)

		if hdr.Flags != udp.VersionFlags || hdr.Type != udp.PayloadType {
			t.Fatal("Bad header bytes on packet", i)
		}
		if hdr.SSRC != conn.ssrc {
			t.Fatal("Unexpected SSRC (got/want):", hdr.SSRC, conn.ssrc)
		}
		if hdr.Sequence != first.Sequence+uint16(i) {
			t.Fatal("Sequence not contiguous at packet", i)
		}
		if hdr.Timestamp != first.Timestamp+uint32(i)*input.FrameSize {
			t.Fatal("Timestamp not stepping one frame at packet", i)
		}

		if i == 4 {
			if !bytes.Equal(body, realFrame) {
				t.Fatal("Passthrough body mismatch:", body)
			}
		} else if !bytes.Equal(body, udp.SilentFrame) {
			t.Fatal("Expected silence at packet", i, "got:", body)
		}
	}

	// One rising edge for the audible frame. The silence tail never ran out,
	// so no falling edge.
	if len(edges) != 1 || !edges[0] {
		t.Fatal("Unexpected speaking edges:", edges)
	}

	select {
	case <-handle.Done():
	default:
		t.Fatal("Handle still alive after its source ended")
	}

	var removed bool
	for _, msg := range drainEvents(ic) {
		if _, ok := msg.(evRemoveTrack); ok {
			removed = true
		}
	}
	if !removed {
		t.Fatal("No removal event for the ended track")
	}
}

func TestMixerLoopAndEnd(t *testing.T) {
	m, ic, _ := testMixer()

	conn := testMixerConn(1)
	m.handle(mixSetConn{conn: conn})

	src := input.NewPCM16(bytes.NewReader(pcm16Bytes(3, 8000)), true)
	tr, handle := track.New(src)
	tr.Loops = 2
	m.handle(mixAddTrack{track: tr})

	// Three plays of three frames each, a silent restart tick after the
	// first two, then the end of the track and the full silence tail:
	// ticks 1-16 each send a packet, tick 17 sends nothing.
	var edges []bool
	for i := 0; i < 17; i++ {
		mixerTick(t, m)
		drainSpeaking(conn, &edges)
	}

	packets := drainPackets(conn)
	if len(packets) != 16 {
		t.Fatal("Unexpected packet count (got/want):", len(packets), 16)
	}

	silent := map[int]bool{3: true, 7: true, 11: true, 12: true, 13: true, 14: true, 15: true}

	first, _ := openPacket(t, conn, packets[0])
	for i, pkt := range packets {
		hdr, body := openPacket(t, conn, pkt)

		if hdr.Sequence != first.Sequence+uint16(i) {
			t.Fatal("Sequence not contiguous at packet", i)
		}
		if hdr.Timestamp != first.Timestamp+uint32(i)*input.FrameSize {
			t.Fatal("Timestamp not stepping one frame at packet", i)
		}

		if got := bytes.Equal(body, udp.SilentFrame); got != silent[i] {
			t.Fatal("Wrong body kind at packet (index/silent):", i, got)
		}
	}

	if len(edges) != 2 || !edges[0] || edges[1] {
		t.Fatal("Unexpected speaking edges:", edges)
	}

	var (
		loopsSeen []track.LoopState
		positions int
		ended     bool
		removed   bool
		ticks     int
	)
	for _, msg := range drainEvents(ic) {
		switch msg := msg.(type) {
		case evChangeState:
			switch msg.change.Kind {
			case track.ChangeLoops:
				loopsSeen = append(loopsSeen, msg.change.State.Loops)
			case track.ChangePosition:
				positions++
			case track.ChangeMode:
				if msg.change.State.Mode == track.End {
					ended = true
				}
			}
		case evRemoveTrack:
			removed = true
		case evTick:
			ticks++
		}
	}

	if len(loopsSeen) != 2 || loopsSeen[0] != 1 || loopsSeen[1] != 0 {
		t.Fatal("Unexpected loop countdown:", loopsSeen)
	}
	if positions != 2 {
		t.Fatal("Unexpected restart count (got/want):", positions, 2)
	}
	if !ended || !removed {
		t.Fatal("Track did not end cleanly (ended/removed):", ended, removed)
	}
	if ticks != 17 {
		t.Fatal("Unexpected tick event count (got/want):", ticks, 17)
	}

	select {
	case <-handle.Done():
	default:
		t.Fatal("Handle still alive after the last loop")
	}
}

func TestMixerMute(t *testing.T) {
	m, ic, _ := testMixer()

	conn := testMixerConn(1)
	m.handle(mixSetConn{conn: conn})

	src := input.NewPCM16(bytes.NewReader(pcm16Bytes(20, 6000)), true)
	tr, _ := track.New(src)
	m.handle(mixAddTrack{track: tr})

	var edges []bool
	mixerTick(t, m)
	drainSpeaking(conn, &edges)

	pkts := drainPackets(conn)
	if len(pkts) != 1 {
		t.Fatal("Unexpected packet count before mute:", len(pkts))
	}
	if _, body := openPacket(t, conn, pkts[0]); bytes.Equal(body, udp.SilentFrame) {
		t.Fatal("First tick sent silence despite audio")
	}

	m.handle(mixSetMute{muted: true})

	// Five ticks of silence tail, then one that sends nothing.
	for i := 0; i < 6; i++ {
		mixerTick(t, m)
		drainSpeaking(conn, &edges)
	}

	pkts = drainPackets(conn)
	if len(pkts) != 5 {
		t.Fatal("Unexpected muted packet count (got/want):", len(pkts), 5)
	}
	for i, pkt := range pkts {
		if _, body := openPacket(t, conn, pkt); !bytes.Equal(body, udp.SilentFrame) {
			t.Fatal("Muted tick sent audio at packet", i)
		}
	}

	// The source keeps advancing while muted; only the transmit side goes
	// quiet.
	var lastStates []track.State
	for _, msg := range drainEvents(ic) {
		if tick, ok := msg.(evTick); ok && len(tick.states) > 0 {
			lastStates = tick.states
		}
	}
	if len(lastStates) != 1 {
		t.Fatal("Track state missing from tick events")
	}
	if want := 7 * input.FrameDuration; lastStates[0].Position != want {
		t.Fatal("Position under mute (got/want):", lastStates[0].Position, want)
	}

	m.handle(mixSetMute{muted: false})
	mixerTick(t, m)
	drainSpeaking(conn, &edges)

	if pkts := drainPackets(conn); len(pkts) != 1 {
		t.Fatal("Unmuted tick sent no packet:", len(pkts))
	}

	if len(edges) != 3 || !edges[0] || edges[1] || !edges[2] {
		t.Fatal("Unexpected speaking edges:", edges)
	}
}

func TestMixerHoldsWithoutConnection(t *testing.T) {
	m, ic, _ := testMixer()

	src := input.NewPCM16(bytes.NewReader(pcm16Bytes(5, 5000)), true)
	tr, _ := track.New(src)
	m.handle(mixAddTrack{track: tr})

	for i := 0; i < 3; i++ {
		mixerTick(t, m)
	}

	// No connection: nothing is consumed and nothing is sent, but ticks
	// still report state so timed events keep firing.
	ticks := 0
	for _, msg := range drainEvents(ic) {
		tick, ok := msg.(evTick)
		if !ok {
			continue
		}
		ticks++

		if len(tick.states) != 1 {
			t.Fatal("Tick lost the track")
		}
		if tick.states[0].Position != 0 || tick.states[0].PlayTime != 0 {
			t.Fatal("Track advanced without a connection:", tick.states[0])
		}
	}
	if ticks != 3 {
		t.Fatal("Unexpected tick event count (got/want):", ticks, 3)
	}

	conn := testMixerConn(1)
	m.handle(mixSetConn{conn: conn})
	mixerTick(t, m)

	if pkts := drainPackets(conn); len(pkts) != 1 {
		t.Fatal("No packet after binding a connection:", len(pkts))
	}
}

func TestMixerSeek(t *testing.T) {
	m, ic, _ := testMixer()

	conn := testMixerConn(1)
	m.handle(mixSetConn{conn: conn})

	src := input.NewPCM16(bytes.NewReader(pcm16Bytes(100, 4000)), true)
	tr, handle := track.New(src)
	m.handle(mixAddTrack{track: tr})

	type result struct {
		pos time.Duration
		err error
	}
	got := make(chan result, 1)
	go func() {
		pos, err := handle.Seek(context.Background(), 5*input.FrameDuration)
		got <- result{pos, err}
	}()

	// Let the command land in the track inbox before the tick drains it.
	time.Sleep(50 * time.Millisecond)
	mixerTick(t, m)

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatal("Seek failed:", r.err)
		}
		if want := 5 * input.FrameDuration; r.pos != want {
			t.Fatal("Seek landed wrong (got/want):", r.pos, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Seek reply never arrived")
	}

	var repositioned bool
	for _, msg := range drainEvents(ic) {
		change, ok := msg.(evChangeState)
		if ok && change.change.Kind == track.ChangePosition {
			repositioned = true

			if want := 5 * input.FrameDuration; change.change.State.Position != want {
				t.Fatal("Change state position (got/want):", change.change.State.Position, want)
			}
		}
	}
	if !repositioned {
		t.Fatal("No position change event after seek")
	}
}

func TestMixerBitrate(t *testing.T) {
	m, _, _ := testMixer()

	m.handle(mixSetBitrate{bitrate: 96000})
	if m.bitrate != 96000 || m.encoder == nil {
		t.Fatal("Bitrate change did not rebuild the encoder")
	}

	enc := m.encoder
	m.handle(mixSetBitrate{bitrate: 96000})
	if m.encoder != enc {
		t.Fatal("Unchanged bitrate rebuilt the encoder")
	}
}

func TestMixerPoison(t *testing.T) {
	m, ic, _ := testMixer()

	tr1, h1 := track.New(input.NewPCM16(bytes.NewReader(pcm16Bytes(5, 100)), true))
	tr2, h2 := track.New(input.NewPCM16(bytes.NewReader(pcm16Bytes(5, 100)), true))
	m.handle(mixAddTrack{track: tr1})
	m.handle(mixAddTrack{track: tr2})

	done := make(chan struct{})
	m.inbox <- mixPoison{done: done}

	if _, ok := m.work(); ok {
		t.Fatal("Mixer survived poison")
	}

	select {
	case <-done:
	default:
		t.Fatal("Poison done was not closed")
	}

	for i, h := range []*track.Handle{h1, h2} {
		select {
		case <-h.Done():
		default:
			t.Fatal("Track still alive after poison:", i)
		}
	}

	var cleared bool
	for _, msg := range drainEvents(ic) {
		if _, ok := msg.(evRemoveAllTracks); ok {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("No remove-all event after poison")
	}
}
