package track

import "time"

// Command is one remote instruction for a track. The implementations in this
// file are the whole vocabulary; the mixer drains and applies them at the top
// of every tick.
type Command interface {
	command()
}

// PlayCommand resumes a paused track.
type PlayCommand struct{}

// PauseCommand holds the track without losing its position.
type PauseCommand struct{}

// StopCommand terminates the track. The mixer removes it on the next tick.
type StopCommand struct{}

// VolumeCommand sets the track's mixing gain. 1 is unity; values above it
// are allowed and soft-clipped by the mixer.
type VolumeCommand struct {
	Volume float32
}

// SeekCommand repositions the source. Reply receives the position actually
// reached, which is the requested one rounded down to a frame boundary and
// clamped to the stream length.
type SeekCommand struct {
	Position time.Duration
	Reply    chan time.Duration
}

// LoopCommand replaces the track's remaining restart count.
type LoopCommand struct {
	Loops LoopState
}

// RequestCommand asks for a state snapshot over a one-shot reply channel.
type RequestCommand struct {
	Reply chan State
}

// DoCommand runs an arbitrary mutation on the mixer goroutine. Fn must not
// block: the tick budget is 20 ms for all tracks together.
type DoCommand struct {
	Fn func(*Track)
}

// AddEventCommand registers an event handler on a running track.
type AddEventCommand struct {
	Registration Registration
}

func (PlayCommand) command()     {}
func (PauseCommand) command()    {}
func (StopCommand) command()     {}
func (VolumeCommand) command()   {}
func (SeekCommand) command()     {}
func (LoopCommand) command()     {}
func (RequestCommand) command()  {}
func (DoCommand) command()       {}
func (AddEventCommand) command() {}
