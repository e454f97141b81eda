package cadenza

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-csync"

	"github.com/ashvale/cadenza/discord"
	"github.com/ashvale/cadenza/internal/moreatomic"
	"github.com/ashvale/cadenza/utils/ws"
)

// GatewaySender is the one capability the voice engine needs from the
// host's main gateway connection: asking Discord to move the bot into or
// out of a voice channel.
type GatewaySender interface {
	UpdateVoiceState(ctx context.Context,
		guildID discord.GuildID, channelID discord.ChannelID,
		selfMute, selfDeaf bool) error
}

// VoiceStateUpdate is the slice of the main gateway's voice-state event
// that a call consumes. The host forwards these through Manager.UpdateState
// or Call.UpdateState.
type VoiceStateUpdate struct {
	GuildID   discord.GuildID
	ChannelID discord.ChannelID
	UserID    discord.UserID
	SessionID string
}

// VoiceServerUpdate mirrors the main gateway's voice-server event.
type VoiceServerUpdate struct {
	GuildID  discord.GuildID
	Token    string
	Endpoint string
}

// Call binds one guild's voice session to the host's main gateway. Join
// asks Discord for a channel, waits for the state and server updates that
// answer, and hands the merged result to the driver; later updates from
// the gateway, a server migration for instance, reconnect automatically.
type Call struct {
	driver  *Driver
	gateway GatewaySender

	guildID discord.GuildID
	userID  discord.UserID
	timeout time.Duration

	// joining routes incoming updates to the waiter channels instead of
	// the refresh path while a Join is collecting them.
	joining  moreatomic.Bool
	stateCh  chan VoiceStateUpdate
	serverCh chan VoiceServerUpdate

	// mut serializes Join, Leave and refreshes; everything below it is
	// guarded.
	mut       csync.Mutex
	live      bool
	channelID discord.ChannelID
	mute      bool
	deaf      bool
	session   string
	token     string
	endpoint  string
}

// NewCall creates a call and its driver. The call is idle until Join.
func NewCall(gw GatewaySender, guildID discord.GuildID, userID discord.UserID, cfg Config) *Call {
	return &Call{
		driver:   NewDriver(cfg),
		gateway:  gw,
		guildID:  guildID,
		userID:   userID,
		timeout:  cfg.withDefaults().Timeout,
		stateCh:  make(chan VoiceStateUpdate, 1),
		serverCh: make(chan VoiceServerUpdate, 1),
	}
}

// Driver exposes the underlying engine for playback control.
func (c *Call) Driver() *Driver { return c.driver }

// Join moves the bot into the given channel and brings the voice session
// up, blocking until it is live or ctx expires.
func (c *Call) Join(ctx context.Context, channelID discord.ChannelID, mute, deaf bool) error {
	if err := c.mut.CLock(ctx); err != nil {
		return err
	}
	defer c.mut.Unlock()

	c.joining.Set(true)
	defer c.joining.Set(false)

	// Flush waiters left over from an interrupted join.
	select {
	case <-c.stateCh:
	default:
	}
	select {
	case <-c.serverCh:
	default:
	}

	c.channelID = channelID
	c.mute = mute
	c.deaf = deaf

	if err := c.gateway.UpdateVoiceState(ctx, c.guildID, channelID, mute, deaf); err != nil {
		return errors.Wrap(err, "failed to send voice state update")
	}

	// Discord only re-sends the server update when the token or endpoint
	// changed, so values from a previous join still count.
	state := false
	server := c.token != "" && c.endpoint != ""

	for !state || !server {
		select {
		case ev := <-c.stateCh:
			c.session = ev.SessionID
			c.channelID = ev.ChannelID
			state = true

		case ev := <-c.serverCh:
			c.token = ev.Token
			c.endpoint = ev.Endpoint
			server = true

		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for voice updates")
		}
	}

	if err := c.driver.Connect(ctx, c.info()); err != nil {
		return err
	}

	c.live = true
	return nil
}

// Leave disconnects from voice and tells Discord so.
func (c *Call) Leave(ctx context.Context) error {
	if err := c.mut.CLock(ctx); err != nil {
		return err
	}
	defer c.mut.Unlock()

	c.live = false
	c.channelID = discord.NullChannelID

	err := c.gateway.UpdateVoiceState(ctx, c.guildID, discord.NullChannelID, true, true)

	if derr := c.driver.Leave(ctx); derr != nil && err == nil {
		err = derr
	}
	return err
}

// SetMute sets the bot's self-mute flag with Discord and stops the mixer
// from emitting audio to match.
func (c *Call) SetMute(ctx context.Context, mute bool) error {
	if err := c.mut.CLock(ctx); err != nil {
		return err
	}
	defer c.mut.Unlock()

	c.mute = mute
	if err := c.gateway.UpdateVoiceState(ctx, c.guildID, c.channelID, c.mute, c.deaf); err != nil {
		return err
	}
	return c.driver.SetMute(mute)
}

// SetDeaf sets the bot's self-deaf flag with Discord.
func (c *Call) SetDeaf(ctx context.Context, deaf bool) error {
	if err := c.mut.CLock(ctx); err != nil {
		return err
	}
	defer c.mut.Unlock()

	c.deaf = deaf
	return c.gateway.UpdateVoiceState(ctx, c.guildID, c.channelID, c.mute, c.deaf)
}

// UpdateState feeds a voice-state event from the host's gateway. During a
// Join it completes the handshake; on a live session it means the bot was
// moved or dropped, and the session follows.
func (c *Call) UpdateState(ev VoiceStateUpdate) {
	if ev.GuildID != c.guildID || ev.UserID != c.userID {
		return
	}

	if c.joining.Get() {
		conflate(c.stateCh, ev)
		return
	}

	go c.refresh(func() {
		c.session = ev.SessionID
		c.channelID = ev.ChannelID
	})
}

// UpdateServer feeds a voice-server event from the host's gateway. Discord
// sends one mid-session when the guild migrates to another voice server,
// which invalidates the old endpoint entirely.
func (c *Call) UpdateServer(ev VoiceServerUpdate) {
	if ev.GuildID != c.guildID {
		return
	}

	if c.joining.Get() {
		conflate(c.serverCh, ev)
		return
	}

	go c.refresh(func() {
		c.token = ev.Token
		c.endpoint = ev.Endpoint
	})
}

// refresh applies a mid-session update and reconnects with the merged
// info. It runs on its own goroutine: update handlers on the gateway's
// event loop must not block on a voice handshake.
func (c *Call) refresh(apply func()) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.mut.CLock(ctx); err != nil {
		return
	}
	defer c.mut.Unlock()

	apply()

	if !c.live {
		return
	}

	if !c.channelID.IsValid() {
		// Kicked from the channel, or it was deleted.
		c.live = false
		if err := c.driver.Leave(ctx); err != nil {
			ws.WSError(errors.Wrap(err, "voice: failed to disconnect after losing channel"))
		}
		return
	}

	if err := c.driver.Connect(ctx, c.info()); err != nil {
		ws.WSError(errors.Wrap(err, "voice: failed to reconnect after gateway update"))
	}
}

func (c *Call) info() ConnectionInfo {
	return ConnectionInfo{
		GuildID:   c.guildID,
		UserID:    c.userID,
		SessionID: c.session,
		Token:     c.token,
		Endpoint:  c.endpoint,
	}
}
