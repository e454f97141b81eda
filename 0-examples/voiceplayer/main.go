// Command voiceplayer joins a voice server with a session captured in the
// environment and plays an audio file through it.
//
// The session comes from five variables: $VOICE_ENDPOINT, $VOICE_TOKEN and
// $VOICE_SESSION_ID from a voice-server update, plus $GUILD_ID and $USER_ID
// from the host session. A .env file in the working directory works too.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/ashvale/cadenza"
	"github.com/ashvale/cadenza/discord"
	"github.com/ashvale/cadenza/event"
	"github.com/ashvale/cadenza/input"
	"github.com/ashvale/cadenza/track"
)

func main() {
	flag.Parse()

	file := flag.Arg(0)
	if file == "" {
		log.Fatalln("usage:", filepath.Base(os.Args[0]), "<audio file>")
	}

	godotenv.Load()

	info, err := infoFromEnv()
	if err != nil {
		log.Fatalln(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := play(ctx, info, file); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalln(err)
	}
}

func infoFromEnv() (cadenza.ConnectionInfo, error) {
	var info cadenza.ConnectionInfo

	for _, v := range []struct {
		name string
		dst  *string
	}{
		{"VOICE_ENDPOINT", &info.Endpoint},
		{"VOICE_TOKEN", &info.Token},
		{"VOICE_SESSION_ID", &info.SessionID},
	} {
		*v.dst = os.Getenv(v.name)
		if *v.dst == "" {
			return info, errors.New("missing $" + v.name)
		}
	}

	guildID, err := discord.ParseSnowflake(os.Getenv("GUILD_ID"))
	if err != nil {
		return info, errors.Wrap(err, "invalid $GUILD_ID")
	}

	userID, err := discord.ParseSnowflake(os.Getenv("USER_ID"))
	if err != nil {
		return info, errors.Wrap(err, "invalid $USER_ID")
	}

	info.GuildID = discord.GuildID(guildID)
	info.UserID = discord.UserID(userID)
	return info, nil
}

func play(ctx context.Context, info cadenza.ConnectionInfo, file string) error {
	d := cadenza.NewDriver(cadenza.DefaultConfig())
	defer d.Close()

	// Print the playhead once a second while anything is playing.
	d.AddGlobalEvent(event.Periodic(time.Second, event.HandlerFunc(
		func(ec *event.Context) *event.Event {
			for _, t := range ec.Tracks {
				log.Println("playing:", t.State.Position.Truncate(time.Second))
			}
			return nil
		},
	)))

	if err := d.Connect(ctx, info); err != nil {
		return errors.Wrap(err, "failed to join voice")
	}

	src, err := open(ctx, file)
	if err != nil {
		return err
	}

	tr, handle := track.New(src)
	if err := d.Play(tr); err != nil {
		return errors.Wrap(err, "failed to start playback")
	}

	select {
	case <-handle.Done():
	case <-ctx.Done():
	case <-d.Done():
		return d.Err()
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.Leave(leaveCtx)
}

// open builds an audio source for file: DCA files are read directly,
// anything else goes through FFmpeg into raw PCM.
func open(ctx context.Context, file string) (*input.Input, error) {
	if strings.EqualFold(filepath.Ext(file), ".dca") {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		return input.NewDCA(f)
	}

	ffmpeg := exec.CommandContext(ctx,
		"ffmpeg", "-hide_banner", "-loglevel", "error",
		// Realtime playback needs no parallel decode.
		"-threads", "1",
		"-i", file,
		// The mixer's native format: 48 kHz interleaved stereo s16le.
		"-f", "s16le",
		"-ar", "48000",
		"-ac", "2",
		"-",
	)
	ffmpeg.Stderr = os.Stderr

	stdout, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get stdout pipe")
	}

	if err := ffmpeg.Start(); err != nil {
		return nil, errors.Wrap(err, "failed to start ffmpeg")
	}

	// Reap the child once its stream ends.
	go ffmpeg.Wait()

	return input.NewPCM16(stdout, true), nil
}
