package cadenza

import (
	"context"
	"sync"

	"github.com/ashvale/cadenza/event"
	"github.com/ashvale/cadenza/track"
)

// Driver is the voice engine a host embeds. It owns three long-lived
// goroutines: the mixer ticking every 20 ms, the scheduler running event
// handlers, and the core serving the connection lifecycle. A driver stays
// usable across disconnects and reconnects until Close or a terminal
// failure; after that every method returns ErrClosed.
type Driver struct {
	mixer *mixer
	core  *core

	done      chan struct{}
	err       error
	failOnce  sync.Once
	closeOnce sync.Once
}

// NewDriver starts an engine with no connection. The mixer ticks from the
// start, so timed events run even before the first Connect.
func NewDriver(cfg Config) *Driver {
	cfg = cfg.withDefaults()

	d := &Driver{done: make(chan struct{})}

	ic := newInterconnect()
	go newScheduler(ic).run()

	core := newCore(cfg, ic, d.fail)
	mixer := newMixer(core.inbox, ic, cfg.Bitrate)
	core.mixer = mixer

	go mixer.run()
	go core.run()

	d.mixer = mixer
	d.core = core
	return d
}

// fail records the terminal error and releases Done. The first failure
// wins; a clean Close records nil.
func (d *Driver) fail(err error) {
	d.failOnce.Do(func() {
		d.err = err
		close(d.done)
	})
}

// post hands a message to the mixer. The done check comes first: the inbox
// is buffered and outlives its goroutine, so a send alone could succeed
// against a dead engine.
func (d *Driver) post(msg mixerMessage) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}

	select {
	case d.mixer.inbox <- msg:
		return nil
	case <-d.done:
		return ErrClosed
	}
}

func (d *Driver) postCore(msg coreMessage) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}

	select {
	case d.core.inbox <- msg:
		return nil
	case <-d.done:
		return ErrClosed
	}
}

// Connect establishes the voice session described by info, replacing any
// session already up. It makes a single attempt; callers that want retries
// wrap it themselves.
func (d *Driver) Connect(ctx context.Context, info ConnectionInfo) error {
	reply := make(chan error, 1)
	if err := d.postCore(coreConnect{ctx: ctx, info: info, reply: reply}); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	}
}

// Leave drops the voice session but keeps the engine alive. Tracks hold
// their position until the next Connect.
func (d *Driver) Leave(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := d.postCore(coreDisconnect{reply: reply}); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	}
}

// Play adds a track to the mix. The pair comes from track.New; the caller
// keeps the handle.
func (d *Driver) Play(t *track.Track) error {
	return d.post(mixAddTrack{track: t})
}

// PlayOnly replaces the whole mix with a single track.
func (d *Driver) PlayOnly(t *track.Track) error {
	return d.post(mixSetTracks{tracks: []*track.Track{t}})
}

// Stop removes every track.
func (d *Driver) Stop() error {
	return d.post(mixSetTracks{})
}

// SetBitrate retunes the encoder without touching the rest of the config.
func (d *Driver) SetBitrate(bitrate int) error {
	return d.post(mixSetBitrate{bitrate: bitrate})
}

// SetMute silences the outbound mix. Tracks keep advancing; only the
// packets turn silent.
func (d *Driver) SetMute(muted bool) error {
	return d.post(mixSetMute{muted: muted})
}

// SetConfig applies a new configuration. Zero fields are filled with
// defaults; the crypto mode only applies to the next Connect.
func (d *Driver) SetConfig(cfg Config) error {
	return d.postCore(coreSetConfig{cfg: cfg})
}

// AddGlobalEvent registers a timed or core event on the global store.
// Track events belong on a track and are refused with ErrTrackEvent.
func (d *Driver) AddGlobalEvent(ev *event.Event) error {
	if ev.TrackOnly() {
		return ErrTrackEvent
	}
	return d.postCore(coreAddGlobal{ev: ev})
}

// Done is closed once the driver is finished for good, whether through
// Close or a terminal connection failure.
func (d *Driver) Done() <-chan struct{} { return d.done }

// Err reports why the driver finished. It is nil while the driver runs and
// after a clean Close.
func (d *Driver) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Close disconnects and stops every goroutine the driver owns. It is
// idempotent and safe to call concurrently with a terminal failure.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		done := make(chan struct{})

		select {
		case d.core.inbox <- corePoison{done: done}:
			select {
			case <-done:
			case <-d.done:
				// The core died through a terminal error instead.
			}
		case <-d.done:
		}

		d.fail(nil)
	})

	return d.Err()
}
