package cadenza

import (
	"bytes"
	"testing"
	"time"

	"github.com/ashvale/cadenza/event"
	"github.com/ashvale/cadenza/input"
	"github.com/ashvale/cadenza/track"
)

func testTrack() (*track.Track, *track.Handle) {
	return track.New(input.NewPCM16(bytes.NewReader(nil), true))
}

func addTestTrack(s *scheduler, at time.Time, tr *track.Track) {
	s.handle(evAddTrack{
		at:     at,
		state:  tr.Snapshot(),
		handle: tr.Handle,
		regs:   tr.TakeRegistrations(),
	})
}

func TestSchedulerTrackFlow(t *testing.T) {
	s := newScheduler(newInterconnect())
	base := time.Now()

	tr, handle := testTrack()

	var seen []track.ChangeKind
	tr.AddEvent(event.Track(event.HandlerFunc(func(ctx *event.Context) *event.Event {
		if ctx.Change == nil {
			t.Error("Track handler fired without a change")
			return nil
		}
		if len(ctx.Tracks) != 1 || ctx.Tracks[0].Handle != handle {
			t.Error("Handler context lost the track")
			return nil
		}
		if ctx.Tracks[0].State.Volume != ctx.Change.State.Volume {
			t.Error("Cached state lags the change that fired")
		}

		seen = append(seen, ctx.Change.Kind)
		return nil
	})))

	var once int
	tr.AddEvent(event.Track(event.HandlerFunc(func(ctx *event.Context) *event.Event {
		once++
		return event.Cancel
	})))

	addTestTrack(s, base, tr)
	if len(s.tracks) != 1 {
		t.Fatal("Track not registered (got/want):", len(s.tracks), 1)
	}

	st := tr.Snapshot()
	st.Volume = 0.5
	s.handle(evChangeState{
		at:     base,
		index:  0,
		change: track.StateChange{Kind: track.ChangeVolume, State: st},
	})

	st.Mode = track.Pause
	s.handle(evChangeState{
		at:     base,
		index:  0,
		change: track.StateChange{Kind: track.ChangeMode, State: st},
	})

	if len(seen) != 2 || seen[0] != track.ChangeVolume || seen[1] != track.ChangeMode {
		t.Fatal("Unexpected handler firings:", seen)
	}
	if once != 1 {
		t.Fatal("Cancelling handler fired more than once:", once)
	}
	if s.tracks[0].state.Mode != track.Pause {
		t.Fatal("Cached state not updated:", s.tracks[0].state.Mode)
	}

	// Out-of-range indices are stale messages from a removed track and are
	// dropped without effect.
	s.handle(evChangeState{at: base, index: 7, change: track.StateChange{}})
	s.handle(evRemoveTrack{index: -1})

	s.handle(evRemoveTrack{index: 0})
	if len(s.tracks) != 0 {
		t.Fatal("Track not removed")
	}
}

func TestSchedulerTimedEvents(t *testing.T) {
	s := newScheduler(newInterconnect())
	base := time.Now()

	var delayed, periodic int

	s.handle(evAddGlobal{at: base, ev: event.Delayed(50*time.Millisecond,
		event.HandlerFunc(func(ctx *event.Context) *event.Event {
			delayed++
			return nil
		}))})

	s.handle(evAddGlobal{at: base, ev: event.Periodic(20*time.Millisecond,
		event.HandlerFunc(func(ctx *event.Context) *event.Event {
			periodic++
			return nil
		}))})

	tick := func(offset time.Duration) {
		s.handle(evTick{at: base.Add(offset)})
	}

	tick(10 * time.Millisecond)
	if delayed != 0 || periodic != 0 {
		t.Fatal("Fired before due (delayed/periodic):", delayed, periodic)
	}

	tick(20 * time.Millisecond)
	tick(40 * time.Millisecond)
	if periodic != 2 {
		t.Fatal("Periodic firings after two periods:", periodic)
	}

	tick(55 * time.Millisecond)
	if delayed != 1 {
		t.Fatal("Delayed did not fire once due:", delayed)
	}

	tick(60 * time.Millisecond)
	tick(61 * time.Millisecond)
	if delayed != 1 {
		t.Fatal("Delayed fired again:", delayed)
	}
	if periodic != 3 {
		t.Fatal("Periodic firings after three periods:", periodic)
	}
}

func TestSchedulerIndexAlignment(t *testing.T) {
	s := newScheduler(newInterconnect())
	base := time.Now()

	var fired []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		tr, _ := testTrack()
		tr.AddEvent(event.Track(event.HandlerFunc(func(ctx *event.Context) *event.Event {
			fired = append(fired, name)
			return nil
		})))
		addTestTrack(s, base, tr)
	}

	// Removing the first track shifts the rest down, exactly like the mixer
	// does on its side.
	s.handle(evRemoveTrack{index: 0})

	s.handle(evChangeState{
		at:     base,
		index:  0,
		change: track.StateChange{Kind: track.ChangeVolume},
	})

	if len(fired) != 1 || fired[0] != "b" {
		t.Fatal("Index misaligned after removal:", fired)
	}

	s.handle(evRemoveAllTracks{})
	if len(s.tracks) != 0 {
		t.Fatal("Tracks survived a clear")
	}
}

func TestSchedulerCoreEvents(t *testing.T) {
	s := newScheduler(newInterconnect())
	base := time.Now()

	var kinds []event.CoreKind
	s.handle(evAddGlobal{at: base, ev: event.Core(event.CoreConnected,
		event.HandlerFunc(func(ctx *event.Context) *event.Event {
			if ctx.Core == nil {
				t.Error("Core handler fired without core data")
				return nil
			}
			kinds = append(kinds, ctx.Core.Kind)
			return nil
		}))})

	s.handle(evCore{at: base, data: event.CoreData{Kind: event.CoreConnected}})
	s.handle(evCore{at: base, data: event.CoreData{Kind: event.CoreDisconnected}})
	s.handle(evCore{at: base, data: event.CoreData{Kind: event.CoreConnected}})

	if len(kinds) != 2 || kinds[0] != event.CoreConnected || kinds[1] != event.CoreConnected {
		t.Fatal("Unexpected core firings:", kinds)
	}
}

func TestSchedulerDrainsOnStop(t *testing.T) {
	ic := newInterconnect()
	s := newScheduler(ic)

	fired := make(chan struct{}, 1)
	ic.events <- evAddGlobal{at: time.Now(), ev: event.Core(event.CoreConnected,
		event.HandlerFunc(func(ctx *event.Context) *event.Event {
			fired <- struct{}{}
			return nil
		}))}
	ic.events <- evCore{at: time.Now(), data: event.CoreData{Kind: event.CoreConnected}}

	done := make(chan struct{})
	go func() {
		s.run()
		close(done)
	}()

	// Whatever was queued before the stop still runs.
	close(ic.stop)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Scheduler did not stop")
	}

	select {
	case <-fired:
	default:
		t.Fatal("Queued event was dropped on stop")
	}
}
