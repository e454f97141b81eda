// Package event implements the handler registry a voice connection fires
// into: timed events, per-track state-change subscriptions, and global
// connection-level subscriptions.
//
// Handlers run on the scheduler goroutine, off the mixer's hot path. A
// handler's return value steers its own registration: nil keeps the default
// behavior for its kind, Cancel removes it, and any other event replaces it.
package event

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/ashvale/cadenza/track"
	"github.com/ashvale/cadenza/udp"
	"github.com/ashvale/cadenza/voicegateway"
)

// Handler reacts to a fired event. Act runs on the scheduler goroutine and
// must not block; long work belongs on a goroutine of its own.
type Handler interface {
	Act(*Context) *Event
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(*Context) *Event

// Act implements Handler.
func (f HandlerFunc) Act(ctx *Context) *Event { return f(ctx) }

type eventKind uint8

const (
	kindTrack eventKind = iota
	kindCore
	kindDelayed
	kindPeriodic
	kindCancel
)

// Event pairs a handler with the condition that fires it.
type Event struct {
	kind   eventKind
	period time.Duration
	core   CoreKind
	h      Handler
}

// Cancel, returned from a handler, removes its registration.
var Cancel = &Event{kind: kindCancel}

// Track subscribes h to every state change of the track it is registered
// on. It is only meaningful on a track; the global store refuses it.
func Track(h Handler) *Event {
	return &Event{kind: kindTrack, h: h}
}

// Core subscribes h to connection-level events of the given kind. Core
// events only exist on the global store.
func Core(kind CoreKind, h Handler) *Event {
	return &Event{kind: kindCore, core: kind, h: h}
}

// Delayed fires h once, d after registration.
func Delayed(d time.Duration, h Handler) *Event {
	return &Event{kind: kindDelayed, period: d, h: h}
}

// Periodic fires h every d until it cancels or replaces itself.
func Periodic(d time.Duration, h Handler) *Event {
	return &Event{kind: kindPeriodic, period: d, h: h}
}

// GlobalOnly implements track.Registration.
func (ev *Event) GlobalOnly() bool { return ev.kind == kindCore }

// TrackOnly reports whether the event only fires from a single track's
// store, making it useless as a global registration.
func (ev *Event) TrackOnly() bool { return ev.kind == kindTrack }

var _ track.Registration = (*Event)(nil)

// TrackData pairs a state snapshot with the handle that can steer the track.
type TrackData struct {
	State  track.State
	Handle *track.Handle
}

// Context is the view a fired handler gets. Tracks holds a snapshot of every
// live track. Change is set when the firing was caused by a single track's
// state change; Core is set for connection-level events only.
type Context struct {
	Tracks []TrackData
	Change *track.StateChange
	Core   *CoreData
}

// CoreKind discriminates connection-level events.
type CoreKind uint8

const (
	// CoreConnected fires once a handshake completes, including the ones
	// that follow a reconnect.
	CoreConnected CoreKind = iota
	// CoreDisconnected fires when the connection is torn down.
	CoreDisconnected
	// CoreSpeakingState fires on a Speaking payload from the gateway,
	// mapping an SSRC to a user.
	CoreSpeakingState
	// CoreSpeakingUpdate fires on a speaking edge derived from inbound
	// silence tracking.
	CoreSpeakingUpdate
	// CoreVoicePacket fires for every decrypted inbound audio packet.
	CoreVoicePacket
	// CoreRtcpPacket fires for every decrypted inbound control packet.
	CoreRtcpPacket
	// CoreClientConnect fires when another user connects to the channel.
	CoreClientConnect
	// CoreClientDisconnect fires when another user leaves the channel.
	CoreClientDisconnect
)

// SpeakingUpdate reports a speaking-state edge for a remote SSRC, derived
// from five consecutive silent or missing frames (silence) and the first
// meaningful frame after them (speech).
type SpeakingUpdate struct {
	SSRC     uint32
	Speaking bool
}

// VoicePacket is one decrypted inbound audio packet.
type VoicePacket struct {
	Header udp.Header
	// Opus is the decrypted payload with any RTP extension stripped. It is
	// only valid for the duration of the handler call.
	Opus []byte
	// Audio is the decoded interleaved stereo PCM. It is nil when the
	// connection is configured not to decode.
	Audio []int16
}

// RtcpPacket is one decrypted inbound control packet.
type RtcpPacket struct {
	// Packets holds the parsed reports of the compound packet.
	Packets []rtcp.Packet
	// Raw is the decrypted payload. It is only valid for the duration of
	// the handler call.
	Raw []byte
}

// CoreData is the payload of one connection-level event. Only the field
// matching Kind is set.
type CoreData struct {
	Kind CoreKind

	Speaking         *voicegateway.SpeakingEvent
	SpeakingUpdate   *SpeakingUpdate
	Voice            *VoicePacket
	Rtcp             *RtcpPacket
	ClientConnect    *voicegateway.ClientConnectEvent
	ClientDisconnect *voicegateway.ClientDisconnectEvent
}
