package track

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ashvale/cadenza/input"
)

type testReg bool

func (r testReg) GlobalOnly() bool { return bool(r) }

func seekableSource() *input.Input {
	return input.NewPCM16(bytes.NewReader(make([]byte, 8)), true)
}

func unseekableSource() *input.Input {
	return input.NewPCM16(bytes.NewBuffer(make([]byte, 8)), true)
}

func TestPlayModeTransitions(t *testing.T) {
	tr, _ := New(seekableSource())

	if tr.Mode != Play {
		t.Fatal("new track not in play mode:", tr.Mode)
	}
	if tr.SetMode(Play) {
		t.Fatal("no-op transition reported a change")
	}
	if !tr.SetMode(Pause) || tr.Mode != Pause {
		t.Fatal("play to pause failed:", tr.Mode)
	}
	if !tr.SetMode(Play) || tr.Mode != Play {
		t.Fatal("pause to play failed:", tr.Mode)
	}
	if !tr.SetMode(Stop) || !tr.Mode.IsDone() {
		t.Fatal("play to stop failed:", tr.Mode)
	}

	// Stop is absorbing.
	if tr.SetMode(Play) || tr.Mode != Stop {
		t.Fatal("stop was not absorbing:", tr.Mode)
	}
	if tr.SetMode(End) || tr.Mode != Stop {
		t.Fatal("stop allowed a transition to end:", tr.Mode)
	}
}

func TestConsumeLoop(t *testing.T) {
	tr, _ := New(seekableSource())

	tr.Loops = 2
	for i, want := range []bool{true, true, false, false} {
		if got := tr.ConsumeLoop(); got != want {
			t.Fatalf("loop %d: got %v, want %v", i, got, want)
		}
	}
	if tr.Loops != 0 {
		t.Fatal("finite loops did not drain to zero:", tr.Loops)
	}

	tr.Loops = LoopInfinite
	for i := 0; i < 3; i++ {
		if !tr.ConsumeLoop() {
			t.Fatal("infinite loop ran out")
		}
	}
	if tr.Loops != LoopInfinite {
		t.Fatal("infinite loops decremented:", tr.Loops)
	}
}

func TestHandleLocalRejections(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, h := New(unseekableSource())

	if h.Seekable() {
		t.Fatal("buffer-backed source reported seekable")
	}
	if _, err := h.Seek(ctx, time.Second); err != ErrUnseekable {
		t.Fatal("expected ErrUnseekable, got:", err)
	}
	if err := h.AddEvent(testReg(true)); err != ErrGlobalEvent {
		t.Fatal("expected ErrGlobalEvent, got:", err)
	}
	if err := h.AddEvent(testReg(false)); err != nil {
		t.Fatal("track-scoped registration rejected:", err)
	}
}

func TestHandleEnded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, h := New(seekableSource())
	tr.Close()

	select {
	case <-h.Done():
	default:
		t.Fatal("done channel not closed")
	}

	if err := h.Play(); err != ErrEnded {
		t.Fatal("expected ErrEnded from Play, got:", err)
	}
	if _, err := h.Seek(ctx, 0); err != ErrEnded {
		t.Fatal("expected ErrEnded from Seek, got:", err)
	}
	if _, err := h.State(ctx); err != ErrEnded {
		t.Fatal("expected ErrEnded from State, got:", err)
	}
}

func TestHandleRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, h := New(seekableSource())

	// Stand in for the mixer's command drain.
	go func() {
		for cmd := range tr.Commands() {
			switch cmd := cmd.(type) {
			case PauseCommand:
				tr.SetMode(Pause)
			case RequestCommand:
				cmd.Reply <- tr.Snapshot()
			case SeekCommand:
				reached, _ := tr.Source.Seek(cmd.Position)
				cmd.Reply <- reached
			}
		}
	}()

	if err := h.Pause(); err != nil {
		t.Fatal("failed to pause:", err)
	}

	state, err := h.State(ctx)
	if err != nil {
		t.Fatal("failed to request state:", err)
	}
	if state.ID != h.ID {
		t.Fatal("snapshot identity mismatch:", state.ID)
	}
	if state.Mode != Pause {
		t.Fatal("pause not observed in snapshot:", state.Mode)
	}
	if state.Volume != 1 {
		t.Fatal("unexpected default volume:", state.Volume)
	}

	reached, err := h.Seek(ctx, 0)
	if err != nil {
		t.Fatal("failed to seek:", err)
	}
	if reached != 0 {
		t.Fatal("unexpected seek position:", reached)
	}
}

func TestTakeRegistrations(t *testing.T) {
	tr, _ := New(seekableSource())

	tr.AddEvent(testReg(false))
	tr.AddEvent(testReg(true))

	if regs := tr.TakeRegistrations(); len(regs) != 2 {
		t.Fatal("unexpected registration count:", len(regs))
	}
	if regs := tr.TakeRegistrations(); regs != nil {
		t.Fatal("registrations not moved out:", regs)
	}
}
