// Package track implements per-source playback state and the handle protocol
// that remote-controls it.
//
// A Track and its Handle are created as a pair. The track side is owned by
// the mixer that plays it; the handle side is a cloneable message sender that
// is safe to use from any goroutine. The two share only a command channel and
// a done signal, so neither can observe the other's memory.
package track

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ashvale/cadenza/input"
)

// commandBacklog sizes track command channels. Commands arrive at human
// rates, far below the drain rate of one tick, so the buffer exists only to
// keep handle sends from blocking.
const commandBacklog = 16

var (
	// ErrEnded is returned by handle operations after their track was
	// removed from the mixer.
	ErrEnded = errors.New("track ended")

	// ErrUnseekable is returned by Seek when the track's source cannot
	// reposition.
	ErrUnseekable = errors.New("track source is not seekable")

	// ErrGlobalEvent is returned when a global-only event is registered on a
	// single track.
	ErrGlobalEvent = errors.New("event fires globally, register it on the driver")
)

// PlayMode is a track's playback state machine.
type PlayMode uint8

const (
	// Play mixes the track's audio every tick.
	Play PlayMode = iota
	// Pause holds the track's position without mixing it.
	Pause
	// Stop marks the track manually terminated.
	Stop
	// End marks the track naturally exhausted.
	End
)

// IsDone reports whether the mode is terminal. The mixer removes done tracks
// at the end of the tick that made them so.
func (m PlayMode) IsDone() bool { return m == Stop || m == End }

func (m PlayMode) String() string {
	switch m {
	case Play:
		return "play"
	case Pause:
		return "pause"
	case Stop:
		return "stop"
	case End:
		return "end"
	default:
		return "unknown"
	}
}

// LoopState is the number of restarts a track has left after its current
// play. Zero plays the source once; LoopInfinite restarts forever.
type LoopState int

// LoopInfinite restarts the track on every exhaustion.
const LoopInfinite LoopState = -1

// Finite reports whether the loop count runs out.
func (l LoopState) Finite() bool { return l >= 0 }

// Registration is an event registration carried by a track until a scheduler
// takes ownership of it. The concrete type lives in the event package.
type Registration interface {
	// GlobalOnly reports that the registration only makes sense on the
	// global store, not on a single track.
	GlobalOnly() bool
}

// State is a point-in-time snapshot of a track, as returned through a
// Handle's Request round trip.
type State struct {
	ID       uuid.UUID
	Mode     PlayMode
	Volume   float32
	Position time.Duration
	PlayTime time.Duration
	Loops    LoopState
}

// ChangeKind names the field a state change touched.
type ChangeKind uint8

const (
	ChangeMode ChangeKind = iota
	ChangeVolume
	ChangePosition
	ChangeLoops
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeMode:
		return "mode"
	case ChangeVolume:
		return "volume"
	case ChangePosition:
		return "position"
	case ChangeLoops:
		return "loops"
	default:
		return "unknown"
	}
}

// StateChange describes one mutation applied to a track, with the state that
// resulted from it.
type StateChange struct {
	Kind  ChangeKind
	State State
}

// Track is the mixer-side half of a playable source. All fields are owned by
// the mixer once the track is added; external mutation goes through the
// Handle exclusively.
type Track struct {
	// ID is the identity shared with the track's handles.
	ID uuid.UUID
	// Source is the audio the track plays.
	Source *input.Input
	// Handle is the track's own copy of its remote, handed to event
	// handlers so they can steer playback.
	Handle *Handle

	Mode     PlayMode
	Volume   float32
	Position time.Duration
	PlayTime time.Duration
	Loops    LoopState

	commands chan Command
	done     chan struct{}
	pending  []Registration
}

// New wraps src into a Track and mints its Handle. The track is inert until
// added to a mixer; commands sent before that are drained on its first tick.
func New(src *input.Input) (*Track, *Handle) {
	id := uuid.New()
	commands := make(chan Command, commandBacklog)
	done := make(chan struct{})

	h := &Handle{
		ID:       id,
		commands: commands,
		done:     done,
		seekable: src.Seekable(),
	}

	return &Track{
		ID:       id,
		Source:   src,
		Handle:   h,
		Mode:     Play,
		Volume:   1,
		commands: commands,
		done:     done,
	}, h
}

// Commands exposes the inbox for the mixer to drain.
func (t *Track) Commands() <-chan Command { return t.commands }

// Close marks the track gone. Handle operations fail with ErrEnded
// afterwards. Only the track's owner may call it, exactly once.
func (t *Track) Close() { close(t.done) }

// SetMode applies a play-mode transition and reports whether the mode
// changed. Stop and End are absorbing: once reached, every further
// transition is ignored.
func (t *Track) SetMode(m PlayMode) bool {
	if t.Mode.IsDone() || t.Mode == m {
		return false
	}
	t.Mode = m
	return true
}

// ConsumeLoop reports whether an exhausted track should restart, decrementing
// finite loop counts as it does.
func (t *Track) ConsumeLoop() bool {
	switch {
	case t.Loops == LoopInfinite:
		return true
	case t.Loops > 0:
		t.Loops--
		return true
	default:
		return false
	}
}

// AddEvent queues an event registration to be installed when the track is
// added to a mixer.
func (t *Track) AddEvent(r Registration) {
	t.pending = append(t.pending, r)
}

// TakeRegistrations moves out the registrations queued by AddEvent. The
// scheduler owns them from then on.
func (t *Track) TakeRegistrations() []Registration {
	r := t.pending
	t.pending = nil
	return r
}

// Snapshot captures the track's current state.
func (t *Track) Snapshot() State {
	return State{
		ID:       t.ID,
		Mode:     t.Mode,
		Volume:   t.Volume,
		Position: t.Position,
		PlayTime: t.PlayTime,
		Loops:    t.Loops,
	}
}
