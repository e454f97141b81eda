package track

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handle is the cloneable remote control for a track. All methods are safe
// from any goroutine. Once the track is removed from its mixer, every method
// fails with ErrEnded.
type Handle struct {
	// ID matches the track's identity in state snapshots and logs.
	ID uuid.UUID

	commands chan<- Command
	done     <-chan struct{}
	seekable bool
}

func (h *Handle) send(cmd Command) error {
	select {
	case h.commands <- cmd:
		return nil
	case <-h.done:
		return ErrEnded
	}
}

// Play resumes the track.
func (h *Handle) Play() error { return h.send(PlayCommand{}) }

// Pause holds the track without losing its position.
func (h *Handle) Pause() error { return h.send(PauseCommand{}) }

// Stop terminates the track. The handle is dead once the mixer processes the
// removal.
func (h *Handle) Stop() error { return h.send(StopCommand{}) }

// SetVolume sets the track's mixing gain.
func (h *Handle) SetVolume(volume float32) error {
	return h.send(VolumeCommand{Volume: volume})
}

// SetLoops replaces the track's remaining restart count.
func (h *Handle) SetLoops(loops LoopState) error {
	return h.send(LoopCommand{Loops: loops})
}

// Do runs fn on the mixer goroutine with exclusive access to the track. fn
// must not block.
func (h *Handle) Do(fn func(*Track)) error {
	return h.send(DoCommand{Fn: fn})
}

// AddEvent registers an event handler on the running track. Registrations
// that only make sense globally are rejected without a round trip.
func (h *Handle) AddEvent(r Registration) error {
	if r.GlobalOnly() {
		return ErrGlobalEvent
	}
	return h.send(AddEventCommand{Registration: r})
}

// Seekable reports whether the track's source can reposition. It is cached
// at creation, so the check costs nothing.
func (h *Handle) Seekable() bool { return h.seekable }

// Seek repositions the track and returns the position actually reached.
// Unseekable sources are rejected locally without a round trip.
func (h *Handle) Seek(ctx context.Context, pos time.Duration) (time.Duration, error) {
	if !h.seekable {
		return 0, ErrUnseekable
	}

	reply := make(chan time.Duration, 1)
	if err := h.send(SeekCommand{Position: pos, Reply: reply}); err != nil {
		return 0, err
	}

	select {
	case reached := <-reply:
		return reached, nil
	case <-h.done:
		return 0, ErrEnded
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// State returns a snapshot of the track.
func (h *Handle) State(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	if err := h.send(RequestCommand{Reply: reply}); err != nil {
		return State{}, err
	}

	select {
	case state := <-reply:
		return state, nil
	case <-h.done:
		return State{}, ErrEnded
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Done is closed when the track is removed from its mixer, whether it
// stopped, ended naturally, or the mixer shut down.
func (h *Handle) Done() <-chan struct{} { return h.done }
