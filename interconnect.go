package cadenza

import (
	"context"
	"time"

	"github.com/ashvale/cadenza/event"
	"github.com/ashvale/cadenza/track"
	"github.com/ashvale/cadenza/udp"
)

// Inbox capacities. Control traffic runs far below the drain rate of the
// task loops; the buffers only smooth bursts out. The event inbox is the
// biggest because it carries one message per inbound packet.
const (
	mixerBacklog = 64
	eventBacklog = 256
	coreBacklog  = 16
	sendBacklog  = 64
)

// conflate replaces the pending value in a capacity-one channel. The reader
// always gets the newest value; intermediate ones are dropped.
func conflate[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// interconnect is one generation of the scheduler's wiring. Everything that
// fires events sends into events; closing stop retires the generation.
type interconnect struct {
	events chan eventMessage
	stop   chan struct{}
}

func newInterconnect() *interconnect {
	return &interconnect{
		events: make(chan eventMessage, eventBacklog),
		stop:   make(chan struct{}),
	}
}

// send delivers an event message without blocking. It reports failure so
// the caller can escalate; a full inbox means the scheduler stopped
// draining, usually because a handler blocks.
func (ic *interconnect) send(msg eventMessage) bool {
	select {
	case ic.events <- msg:
		return true
	default:
		return false
	}
}

// mixerConn is the live media binding handed to the mixer when a handshake
// completes. The mixer owns the nonce counter from then on; ssrc and cipher
// are fixed for the life of the connection.
type mixerConn struct {
	gen    int
	ssrc   uint32
	cipher udp.Cipher
	nonce  udp.TxNonce

	// send carries sealed datagrams to the UDP send task; recycle returns
	// their buffers once written out.
	send    chan []byte
	recycle chan []byte

	// speaking carries speaking edges to the websocket task, conflated.
	speaking chan bool
}

// mixerMessage is a control message for the mixer task.
type mixerMessage interface{ mixerMessage() }

type (
	// mixAddTrack appends a track to the mix.
	mixAddTrack struct{ track *track.Track }

	// mixSetTracks replaces the whole track list. Nil clears it.
	mixSetTracks struct{ tracks []*track.Track }

	// mixSetBitrate retunes the encoder.
	mixSetBitrate struct{ bitrate int }

	// mixSetMute silences the outbound mix without pausing tracks.
	mixSetMute struct{ muted bool }

	// mixSetConn binds a fresh connection generation.
	mixSetConn struct{ conn *mixerConn }

	// mixDropConn unbinds the connection. Tracks keep their state; the
	// mixer just stops producing packets.
	mixDropConn struct{}

	// mixSetInterconnect rewires the mixer to a rebuilt scheduler.
	mixSetInterconnect struct{ ic *interconnect }

	// mixPoison stops the mixer; done is closed after its last tick.
	mixPoison struct{ done chan struct{} }
)

func (mixAddTrack) mixerMessage()        {}
func (mixSetTracks) mixerMessage()       {}
func (mixSetBitrate) mixerMessage()      {}
func (mixSetMute) mixerMessage()         {}
func (mixSetConn) mixerMessage()         {}
func (mixDropConn) mixerMessage()        {}
func (mixSetInterconnect) mixerMessage() {}
func (mixPoison) mixerMessage()          {}

// eventMessage is a control message for the scheduler task. Messages carry
// the time they were produced so firing decisions don't depend on when the
// scheduler got around to them.
type eventMessage interface{ eventMessage() }

type (
	// evAddTrack mirrors a track added to the mixer, with the
	// registrations collected before the track went live.
	evAddTrack struct {
		at     time.Time
		state  track.State
		handle *track.Handle
		regs   []track.Registration
	}

	// evAddTrackEvent registers a handler on a live track.
	evAddTrackEvent struct {
		at    time.Time
		index int
		reg   track.Registration
	}

	// evAddGlobal registers a handler on the global store.
	evAddGlobal struct {
		at time.Time
		ev *event.Event
	}

	// evRemoveTrack mirrors the mixer dropping the track at index. Both
	// sides remove in the same order, which keeps indices aligned.
	evRemoveTrack struct{ index int }

	// evRemoveAllTracks mirrors the mixer clearing its track list.
	evRemoveAllTracks struct{}

	// evChangeState reports one mutation of one track.
	evChangeState struct {
		at     time.Time
		index  int
		change track.StateChange
	}

	// evTick carries the per-tick state snapshots and drives timed events.
	evTick struct {
		at     time.Time
		states []track.State
	}

	// evCore fires a connection-level event.
	evCore struct {
		at   time.Time
		data event.CoreData
	}
)

func (evAddTrack) eventMessage()        {}
func (evAddTrackEvent) eventMessage()   {}
func (evAddGlobal) eventMessage()       {}
func (evRemoveTrack) eventMessage()     {}
func (evRemoveAllTracks) eventMessage() {}
func (evChangeState) eventMessage()     {}
func (evTick) eventMessage()            {}
func (evCore) eventMessage()            {}

// coreMessage is a control message for the core task.
type coreMessage interface{ coreMessage() }

type (
	// coreConnect establishes or replaces the voice session.
	coreConnect struct {
		ctx   context.Context
		info  ConnectionInfo
		reply chan error
	}

	// coreDisconnect drops the voice session but keeps the engine alive.
	coreDisconnect struct{ reply chan error }

	// coreSetConfig applies a new configuration.
	coreSetConfig struct{ cfg Config }

	// coreAddGlobal forwards a global event registration.
	coreAddGlobal struct{ ev *event.Event }

	// coreWsClosed reports that a generation's websocket died.
	coreWsClosed struct {
		gen  int
		code int
		err  error
	}

	// coreConnFailed reports that a generation's media path died.
	coreConnFailed struct{ gen int }

	// coreEventsFailed reports a scheduler that stopped draining.
	coreEventsFailed struct{}

	// corePoison shuts the engine down; done is closed once every task
	// the driver owns has stopped.
	corePoison struct{ done chan struct{} }
)

func (coreConnect) coreMessage()      {}
func (coreDisconnect) coreMessage()   {}
func (coreSetConfig) coreMessage()    {}
func (coreAddGlobal) coreMessage()    {}
func (coreWsClosed) coreMessage()     {}
func (coreConnFailed) coreMessage()   {}
func (coreEventsFailed) coreMessage() {}
func (corePoison) coreMessage()       {}
