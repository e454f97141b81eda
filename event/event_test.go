package event

import (
	"testing"
	"time"
)

func TestDelayedFires(t *testing.T) {
	now := time.Unix(100, 0)
	s := NewStore()

	var fired int
	s.Add(now, Delayed(50*time.Millisecond, HandlerFunc(func(*Context) *Event {
		fired++
		return nil
	})))

	s.FireTimed(now, &Context{})
	s.FireTimed(now.Add(49*time.Millisecond), &Context{})
	if fired != 0 {
		t.Fatal("delayed handler fired early")
	}

	s.FireTimed(now.Add(50*time.Millisecond), &Context{})
	if fired != 1 {
		t.Fatal("delayed handler did not fire on time:", fired)
	}

	s.FireTimed(now.Add(time.Hour), &Context{})
	if fired != 1 {
		t.Fatal("delayed handler fired twice:", fired)
	}
	if !s.Empty() {
		t.Fatal("store not empty after one-shot fired")
	}
}

func TestPeriodicRearms(t *testing.T) {
	now := time.Unix(100, 0)
	s := NewStore()

	var fired int
	s.Add(now, Periodic(20*time.Millisecond, HandlerFunc(func(*Context) *Event {
		fired++
		if fired == 3 {
			return Cancel
		}
		return nil
	})))

	clock := now
	for i := 0; i < 10; i++ {
		clock = clock.Add(20 * time.Millisecond)
		s.FireTimed(clock, &Context{})
	}

	if fired != 3 {
		t.Fatal("periodic handler fired", fired, "times, want 3")
	}
	if !s.Empty() {
		t.Fatal("store not empty after cancel")
	}
}

func TestTimedReplacement(t *testing.T) {
	now := time.Unix(100, 0)
	s := NewStore()

	var delayedRuns, periodicRuns int
	s.Add(now, Delayed(20*time.Millisecond, HandlerFunc(func(*Context) *Event {
		delayedRuns++
		return Periodic(20*time.Millisecond, HandlerFunc(func(*Context) *Event {
			periodicRuns++
			return nil
		}))
	})))

	for i := 1; i <= 3; i++ {
		s.FireTimed(now.Add(time.Duration(i)*20*time.Millisecond), &Context{})
	}

	if delayedRuns != 1 {
		t.Fatal("delayed handler ran", delayedRuns, "times, want 1")
	}
	if periodicRuns != 2 {
		t.Fatal("replacement ran", periodicRuns, "times, want 2")
	}
}

func TestZeroDelayReplacement(t *testing.T) {
	now := time.Unix(100, 0)
	s := NewStore()

	// A handler that re-arms itself with no delay must still fire at most
	// once per FireTimed call.
	var fired int
	var h HandlerFunc
	h = func(*Context) *Event {
		fired++
		return Delayed(0, h)
	}
	s.Add(now, Delayed(0, h))

	s.FireTimed(now, &Context{})
	if fired != 1 {
		t.Fatal("zero-delay chain fired", fired, "times in one pass")
	}
	s.FireTimed(now, &Context{})
	if fired != 2 {
		t.Fatal("zero-delay chain did not re-arm:", fired)
	}
}

func TestTrackSubscription(t *testing.T) {
	now := time.Unix(100, 0)
	s := NewStore()

	var fired int
	s.Add(now, Track(HandlerFunc(func(*Context) *Event {
		fired++
		if fired == 3 {
			return Cancel
		}
		return nil
	})))

	for i := 0; i < 5; i++ {
		s.FireTrack(now, &Context{})
	}

	if fired != 3 {
		t.Fatal("subscription fired", fired, "times, want 3")
	}
	if !s.Empty() {
		t.Fatal("store not empty after cancel")
	}
}

func TestCoreFilter(t *testing.T) {
	now := time.Unix(100, 0)
	s := NewStore()

	var voice, speaking int
	s.Add(now, Core(CoreVoicePacket, HandlerFunc(func(*Context) *Event {
		voice++
		return nil
	})))
	s.Add(now, Core(CoreSpeakingUpdate, HandlerFunc(func(*Context) *Event {
		speaking++
		return nil
	})))

	s.FireCore(now, CoreVoicePacket, &Context{})
	s.FireCore(now, CoreSpeakingUpdate, &Context{})
	s.FireCore(now, CoreSpeakingUpdate, &Context{})

	if voice != 1 || speaking != 2 {
		t.Fatal("kind filter mismatch:", voice, speaking)
	}
}

func TestGlobalOnly(t *testing.T) {
	nop := HandlerFunc(func(*Context) *Event { return nil })

	if !Core(CoreConnected, nop).GlobalOnly() {
		t.Fatal("core event not global-only")
	}
	if Track(nop).GlobalOnly() {
		t.Fatal("track event claims global-only")
	}
	if Delayed(time.Second, nop).GlobalOnly() {
		t.Fatal("delayed event claims global-only")
	}
	if Periodic(time.Second, nop).GlobalOnly() {
		t.Fatal("periodic event claims global-only")
	}
}
