package cadenza

import (
	"bytes"
	"net"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/rtcp"
	"github.com/pkg/errors"

	"github.com/ashvale/cadenza/event"
	"github.com/ashvale/cadenza/input"
	"github.com/ashvale/cadenza/udp"
	"github.com/ashvale/cadenza/utils/ws"
)

// readTimeout keeps the receive loop responsive to control traffic. Half a
// tick of added latency costs nothing against a 20 ms cadence.
const readTimeout = 10 * time.Millisecond

// ssrcState tracks one remote sender: its decoder, the last sequence number
// seen and how long it has been silent.
type ssrcState struct {
	decoder *opus.Decoder
	lastSeq uint16
	silent  int
	primed  bool
}

// udpReceiver drains the media socket. It classifies datagrams, decrypts
// them, feeds the per-sender Opus decoders and turns the results into core
// events.
type udpReceiver struct {
	gen    int
	conn   *udp.Connection
	cipher udp.Cipher
	mode   DecodeMode
	core   chan<- coreMessage
	ic     *interconnect

	stop   <-chan struct{}
	modeCh <-chan DecodeMode
	icCh   <-chan *interconnect

	states map[uint32]*ssrcState
	buf    []byte
	open   []byte
	pcm    []int16
}

func (r *udpReceiver) run() error {
	r.states = make(map[uint32]*ssrcState)
	r.buf = make([]byte, 2048)
	r.open = make([]byte, 0, 2048)
	r.pcm = make([]int16, input.StereoFrameSize)

	for {
		select {
		case <-r.stop:
			return nil
		case mode := <-r.modeCh:
			r.mode = mode
		case ic := <-r.icCh:
			r.ic = ic
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(readTimeout))

		n, err := r.conn.Read(r.buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return r.fail(errors.Wrap(err, "failed to read voice packet"))
		}

		r.packet(r.buf[:n])
	}
}

func (r *udpReceiver) fail(err error) error {
	select {
	case <-r.stop:
		return nil
	default:
	}

	ws.WSError(err)

	select {
	case r.core <- coreConnFailed{gen: r.gen}:
	case <-r.stop:
	}
	return err
}

func (r *udpReceiver) packet(b []byte) {
	switch udp.Classify(b) {
	case udp.KindRTP:
		r.rtp(b)
	case udp.KindRTCP:
		r.rtcp(b)
	}
}

func (r *udpReceiver) rtp(b []byte) {
	header, ok := udp.ParseHeader(b)
	if !ok {
		return
	}

	if r.mode == DecodeModePass {
		// Opus carries the still-encrypted payload in this mode.
		r.emitVoice(header, b[udp.HeaderLen:], nil)
		return
	}

	body, err := r.cipher.Open(r.open[:0], b, udp.HeaderLen)
	if err != nil {
		ws.WSDebug("Voice: dropping undecryptable packet from SSRC", header.SSRC)
		return
	}

	if header.HasExtension() {
		if skip := udp.ExtensionSkip(body); skip > 0 {
			body = body[skip:]
		}
	}

	if r.mode == DecodeModeDecrypt {
		r.emitVoice(header, body, nil)
		return
	}

	r.decode(header, body)
}

func (r *udpReceiver) decode(header udp.Header, body []byte) {
	state := r.states[header.SSRC]
	if state == nil {
		decoder, err := opus.NewDecoder(input.SampleRate, input.Channels)
		if err != nil {
			ws.WSError(errors.Wrap(err, "voice: failed to create decoder"))
			return
		}
		// A new sender starts out long-silent, so its first meaningful
		// frame raises a speaking edge.
		state = &ssrcState{decoder: decoder, silent: silenceTail}
		r.states[header.SSRC] = state
	}

	if state.primed {
		delta := header.Sequence - state.lastSeq
		if delta == 0 || delta >= 0x8000 {
			// A duplicate or a packet older than the last one played.
			// There is no jitter buffer to slot it into.
			return
		}

		// Conceal the gap: each missed packet becomes one predicted frame
		// and counts toward the sender's silent streak.
		for missed := delta - 1; missed > 0; missed-- {
			if err := state.decoder.DecodePLC(r.pcm); err != nil {
				ws.WSDebug("Voice: packet loss concealment failed:", err)
				break
			}
			r.silentStep(header.SSRC, state)
		}
	}
	state.primed = true
	state.lastSeq = header.Sequence

	n, err := state.decoder.Decode(body, r.pcm)
	if err != nil {
		ws.WSDebug("Voice: dropping undecodable packet from SSRC", header.SSRC)
		return
	}

	if bytes.Equal(body, udp.SilentFrame) {
		r.silentStep(header.SSRC, state)
	} else {
		if state.silent >= silenceTail {
			r.emitSpeaking(header.SSRC, true)
		}
		state.silent = 0
	}

	r.emitVoice(header, body, r.pcm[:n*input.Channels])
}

// silentStep advances a sender's silent streak, firing the speaking-off
// edge as the streak reaches the threshold.
func (r *udpReceiver) silentStep(ssrc uint32, state *ssrcState) {
	state.silent++
	if state.silent == silenceTail {
		r.emitSpeaking(ssrc, false)
	}
}

func (r *udpReceiver) rtcp(b []byte) {
	if r.mode == DecodeModePass {
		r.emit(event.CoreData{
			Kind: event.CoreRtcpPacket,
			Rtcp: &event.RtcpPacket{Raw: append([]byte(nil), b...)},
		})
		return
	}

	body, err := r.cipher.Open(r.open[:0], b, udp.RTCPHeaderLen)
	if err != nil {
		ws.WSDebug("Voice: dropping undecryptable RTCP packet")
		return
	}

	// Reassemble the plaintext compound packet: the 8-byte header doubled
	// as authenticated data and was never encrypted.
	raw := make([]byte, 0, udp.RTCPHeaderLen+len(body))
	raw = append(raw, b[:udp.RTCPHeaderLen]...)
	raw = append(raw, body...)

	packets, err := rtcp.Unmarshal(raw)
	if err != nil {
		ws.WSDebug("Voice: unparseable RTCP packet:", err)
		packets = nil
	}

	r.emit(event.CoreData{
		Kind: event.CoreRtcpPacket,
		Rtcp: &event.RtcpPacket{Packets: packets, Raw: raw},
	})
}

func (r *udpReceiver) emitSpeaking(ssrc uint32, speaking bool) {
	r.emit(event.CoreData{
		Kind:           event.CoreSpeakingUpdate,
		SpeakingUpdate: &event.SpeakingUpdate{SSRC: ssrc, Speaking: speaking},
	})
}

// emitVoice fires one inbound packet. The payload and samples are copied
// out: the receive scratch is already being overwritten by the time the
// handler runs.
func (r *udpReceiver) emitVoice(header udp.Header, opusBody []byte, audio []int16) {
	voice := event.VoicePacket{
		Header: header,
		Opus:   append([]byte(nil), opusBody...),
	}
	if audio != nil {
		voice.Audio = append([]int16(nil), audio...)
	}

	r.emit(event.CoreData{Kind: event.CoreVoicePacket, Voice: &voice})
}

// emit posts a core event. Inbound packet events are droppable, so
// overflow is only debug noise here.
func (r *udpReceiver) emit(data event.CoreData) {
	if !r.ic.send(evCore{at: time.Now(), data: data}) {
		ws.WSDebug("Voice: scheduler busy, dropping an inbound event")
	}
}
