package event

import (
	"container/heap"
	"time"
)

// Store holds the registrations of one scope, either a single track or the
// global scope. The owning scheduler goroutine is the only user; there is no
// locking.
type Store struct {
	timed timedHeap
	subs  []*Event
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Add registers ev. Timed events are armed relative to now; Cancel and nil
// are ignored.
func (s *Store) Add(now time.Time, ev *Event) {
	if ev == nil {
		return
	}

	switch ev.kind {
	case kindTrack, kindCore:
		s.subs = append(s.subs, ev)
	case kindDelayed, kindPeriodic:
		heap.Push(&s.timed, &timedEntry{ev: ev, fireAt: now.Add(ev.period)})
	}
}

// Empty reports whether nothing is registered.
func (s *Store) Empty() bool {
	return len(s.timed) == 0 && len(s.subs) == 0
}

// FireTimed runs every delayed and periodic handler due at now. Delayed
// handlers deregister after firing; periodic handlers re-arm unless they
// cancel or replace themselves.
func (s *Store) FireTimed(now time.Time, ctx *Context) {
	// Collect first: replacements armed during this call must wait for the
	// next tick, or a zero-delay self-replacing handler would spin forever.
	var due []*timedEntry
	for len(s.timed) > 0 && !s.timed[0].fireAt.After(now) {
		due = append(due, heap.Pop(&s.timed).(*timedEntry))
	}

	for _, entry := range due {
		switch ret := entry.ev.h.Act(ctx); ret {
		case nil:
			if entry.ev.kind == kindPeriodic {
				entry.fireAt = now.Add(entry.ev.period)
				heap.Push(&s.timed, entry)
			}
		case Cancel:
		default:
			s.Add(now, ret)
		}
	}
}

// FireTrack runs the subscribed state-change handlers.
func (s *Store) FireTrack(now time.Time, ctx *Context) {
	s.fireSubs(now, ctx, func(ev *Event) bool {
		return ev.kind == kindTrack
	})
}

// FireCore runs the core handlers subscribed to kind.
func (s *Store) FireCore(now time.Time, kind CoreKind, ctx *Context) {
	s.fireSubs(now, ctx, func(ev *Event) bool {
		return ev.kind == kindCore && ev.core == kind
	})
}

func (s *Store) fireSubs(now time.Time, ctx *Context, match func(*Event) bool) {
	// Registrations appended by handlers land beyond n and are not fired
	// in this pass.
	n := len(s.subs)
	removed := false

	for i := 0; i < n; i++ {
		ev := s.subs[i]
		if !match(ev) {
			continue
		}

		switch ret := ev.h.Act(ctx); ret {
		case nil:
		case Cancel:
			s.subs[i] = nil
			removed = true
		default:
			s.subs[i] = nil
			removed = true
			s.Add(now, ret)
		}
	}

	if removed {
		kept := s.subs[:0]
		for _, ev := range s.subs {
			if ev != nil {
				kept = append(kept, ev)
			}
		}
		s.subs = kept
	}
}

type timedEntry struct {
	ev     *Event
	fireAt time.Time
}

type timedHeap []*timedEntry

func (h timedHeap) Len() int           { return len(h) }
func (h timedHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }
func (h timedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timedHeap) Push(v interface{}) {
	*h = append(*h, v.(*timedEntry))
}

func (h *timedHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}
