package cadenza

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ashvale/cadenza/input"
	"github.com/ashvale/cadenza/internal/testenv"
	"github.com/ashvale/cadenza/track"
)

// TestIntegrationSession joins a live voice server with the session captured
// in the environment, plays two seconds of zero PCM through the full encode
// and encrypt path, and leaves. Inaudible on the receiving end, but every
// packet is real.
func TestIntegrationSession(t *testing.T) {
	env := testenv.Must(t)

	d := NewDriver(DefaultConfig())
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testenv.ConnectTime)
	defer cancel()

	err := d.Connect(ctx, ConnectionInfo{
		GuildID:   env.GuildID,
		UserID:    env.UserID,
		SessionID: env.SessionID,
		Token:     env.Token,
		Endpoint:  env.Endpoint,
	})
	if err != nil {
		t.Fatal("Failed to join voice:", err)
	}

	pcm := make([]byte, 100*input.StereoFrameSize*2)
	tr, handle := track.New(input.NewPCM16(bytes.NewReader(pcm), true))

	start := time.Now()
	if err := d.Play(tr); err != nil {
		t.Fatal("Play failed:", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("Track never finished")
	}

	// 100 frames at 20 ms each: anything much under two seconds means the
	// mixer rushed instead of pacing the ticks.
	if played := time.Since(start); played < 1900*time.Millisecond {
		t.Fatal("Track finished early:", played)
	}

	if err := d.Leave(ctx); err != nil {
		t.Fatal("Failed to leave voice:", err)
	}
}
