package cadenza

import (
	"github.com/ashvale/cadenza/event"
	"github.com/ashvale/cadenza/track"
)

// trackEvents is the scheduler-side record of one live track: its event
// store plus the data handlers see.
type trackEvents struct {
	store  *event.Store
	handle *track.Handle
	state  track.State
}

// scheduler owns the event stores and runs every user handler, keeping them
// off the mixer's tick budget. Its track list mirrors the mixer's: add and
// remove messages arrive in the order the mixer applied them, so the two
// sides agree on indices without sharing memory.
type scheduler struct {
	ic     *interconnect
	global *event.Store
	tracks []trackEvents
}

func newScheduler(ic *interconnect) *scheduler {
	return &scheduler{
		ic:     ic,
		global: event.NewStore(),
	}
}

func (s *scheduler) run() {
	for {
		select {
		case <-s.ic.stop:
			// Drain what already arrived; late stragglers are dropped.
			for {
				select {
				case msg := <-s.ic.events:
					s.handle(msg)
				default:
					return
				}
			}
		case msg := <-s.ic.events:
			s.handle(msg)
		}
	}
}

func (s *scheduler) handle(msg eventMessage) {
	switch msg := msg.(type) {
	case evAddTrack:
		store := event.NewStore()
		for _, reg := range msg.regs {
			if ev, ok := reg.(*event.Event); ok {
				store.Add(msg.at, ev)
			}
		}
		s.tracks = append(s.tracks, trackEvents{
			store:  store,
			handle: msg.handle,
			state:  msg.state,
		})

	case evAddTrackEvent:
		if msg.index < 0 || msg.index >= len(s.tracks) {
			return
		}
		if ev, ok := msg.reg.(*event.Event); ok {
			s.tracks[msg.index].store.Add(msg.at, ev)
		}

	case evAddGlobal:
		s.global.Add(msg.at, msg.ev)

	case evRemoveTrack:
		if msg.index < 0 || msg.index >= len(s.tracks) {
			return
		}
		s.tracks = append(s.tracks[:msg.index], s.tracks[msg.index+1:]...)

	case evRemoveAllTracks:
		s.tracks = nil

	case evChangeState:
		if msg.index < 0 || msg.index >= len(s.tracks) {
			return
		}
		s.tracks[msg.index].state = msg.change.State

		ctx := s.context()
		ctx.Change = &msg.change
		s.tracks[msg.index].store.FireTrack(msg.at, ctx)

	case evTick:
		for i, state := range msg.states {
			if i < len(s.tracks) {
				s.tracks[i].state = state
			}
		}

		ctx := s.context()
		s.global.FireTimed(msg.at, ctx)
		for i := range s.tracks {
			s.tracks[i].store.FireTimed(msg.at, ctx)
		}

	case evCore:
		ctx := s.context()
		ctx.Core = &msg.data
		s.global.FireCore(msg.at, msg.data.Kind, ctx)
	}
}

// context assembles the handler view from the cached track states.
func (s *scheduler) context() *event.Context {
	var ctx event.Context
	if len(s.tracks) > 0 {
		ctx.Tracks = make([]event.TrackData, len(s.tracks))
		for i, t := range s.tracks {
			ctx.Tracks[i] = event.TrackData{State: t.state, Handle: t.handle}
		}
	}
	return &ctx
}
