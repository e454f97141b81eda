package cadenza

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ashvale/cadenza/discord"
	"github.com/ashvale/cadenza/event"
	"github.com/ashvale/cadenza/internal/backoff"
	"github.com/ashvale/cadenza/udp"
	"github.com/ashvale/cadenza/utils/ws"
	"github.com/ashvale/cadenza/voicegateway"
)

// ConnectionInfo is everything a voice handshake needs. The host assembles
// it from the voice-state and voice-server updates of its main gateway
// session; Call does that wiring automatically.
type ConnectionInfo struct {
	GuildID   discord.GuildID
	UserID    discord.UserID
	SessionID string
	Token     string
	Endpoint  string
}

// core owns the connection lifecycle: the handshake, the per-connection
// task trio, and the resume-or-reconnect policy when any of it dies. It is
// a single goroutine serving its inbox, so no connection state is ever
// touched concurrently.
type core struct {
	inbox chan coreMessage
	mixer *mixer
	fatal func(error)

	cfg Config
	ic  *interconnect

	info      ConnectionInfo
	connected bool
	gen       int

	gateway *voicegateway.Gateway
	udpConn *udp.Connection

	group    *errgroup.Group
	taskCtx  context.Context
	cancel   context.CancelFunc
	taskStop chan struct{}

	speaking   chan bool
	send       chan []byte
	recycle    chan []byte
	modeCh     chan DecodeMode
	intervalCh chan time.Duration
	rxIC       chan *interconnect
	wsIC       chan *interconnect
}

func newCore(cfg Config, ic *interconnect, fatal func(error)) *core {
	return &core{
		inbox: make(chan coreMessage, coreBacklog),
		fatal: fatal,
		cfg:   cfg,
		ic:    ic,
	}
}

func (c *core) run() {
	for msg := range c.inbox {
		if c.handle(msg) {
			return
		}
	}
}

// handle applies one control message, reporting true when the core should
// exit for good.
func (c *core) handle(msg coreMessage) bool {
	switch msg := msg.(type) {
	case coreConnect:
		msg.reply <- c.connect(msg.ctx, msg.info)

	case coreDisconnect:
		if c.teardown(true) {
			c.emitCore(event.CoreData{Kind: event.CoreDisconnected})
		}
		msg.reply <- nil

	case coreSetConfig:
		c.setConfig(msg.cfg)

	case coreAddGlobal:
		if !c.ic.send(evAddGlobal{at: time.Now(), ev: msg.ev}) {
			ws.WSError(errors.New("voice: scheduler busy, dropping global registration"))
		}

	case coreEventsFailed:
		c.rebuildScheduler()

	case coreWsClosed:
		if msg.gen == c.gen && c.connected {
			return c.wsClosed(msg.code, msg.err)
		}

	case coreConnFailed:
		if msg.gen == c.gen && c.connected {
			return c.reconnect(false, errors.New("voice: media path failed"))
		}

	case corePoison:
		if c.teardown(true) {
			c.emitCore(event.CoreData{Kind: event.CoreDisconnected})
		}
		c.stopEngine()
		close(msg.done)
		return true
	}

	return false
}

// connect replaces whatever session exists with one built from info. It is
// a single attempt: the caller decides whether to retry a failed join.
func (c *core) connect(ctx context.Context, info ConnectionInfo) error {
	c.teardown(false)
	c.info = info
	return c.bringUp(ctx)
}

// bringUp runs the full handshake against the stored info and binds a
// fresh connection generation on success.
func (c *core) bringUp(ctx context.Context) error {
	mode := c.cfg.Mode

	g := voicegateway.New(voicegateway.State{
		GuildID:   c.info.GuildID,
		UserID:    c.info.UserID,
		SessionID: c.info.SessionID,
		Token:     c.info.Token,
		Endpoint:  c.info.Endpoint,
	})
	g.WSTimeout = c.cfg.Timeout

	if err := g.Connect(ctx); err != nil {
		return errors.Wrap(err, "failed to connect to voice gateway")
	}

	ready := g.Ready()
	if !ready.HasMode(mode.String()) {
		g.Close()
		return errors.Wrapf(ErrCryptoModeUnavailable, "server offers %v", ready.Modes)
	}

	conn, err := udp.DialConnection(ctx, ready.Addr(), ready.SSRC)
	if err != nil {
		g.Close()
		return errors.Wrap(err, "failed to open media connection")
	}

	desc, err := g.SessionDescription(ctx, voicegateway.SelectProtocolData{
		Address: conn.Address,
		Port:    conn.Port,
		Mode:    mode.String(),
	})
	if err != nil {
		conn.Close()
		g.Close()
		return err
	}

	if desc.Mode != mode.String() {
		conn.Close()
		g.Close()
		return errors.Wrapf(ErrCryptoModeInvalid, "server chose %q", desc.Mode)
	}

	c.bind(g, conn, udp.NewCipher(desc.SecretKey, mode))
	return nil
}

// bind wires a fresh connection generation: the task trio, the mixer's
// transmit binding, and the connected event.
func (c *core) bind(g *voicegateway.Gateway, conn *udp.Connection, cipher udp.Cipher) {
	c.gen++
	c.gateway = g
	c.udpConn = conn
	c.connected = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.group, c.taskCtx = errgroup.WithContext(ctx)

	c.taskStop = make(chan struct{})
	c.speaking = make(chan bool, 1)
	c.send = make(chan []byte, sendBacklog)
	c.recycle = make(chan []byte, 4)
	c.modeCh = make(chan DecodeMode, 1)
	c.intervalCh = make(chan time.Duration, 1)
	c.rxIC = make(chan *interconnect, 1)
	c.wsIC = make(chan *interconnect, 1)

	c.spawnWs()

	rx := &udpReceiver{
		gen:    c.gen,
		conn:   conn,
		cipher: cipher,
		mode:   c.cfg.DecodeMode,
		core:   c.inbox,
		ic:     c.ic,
		stop:   c.taskStop,
		modeCh: c.modeCh,
		icCh:   c.rxIC,
	}
	c.group.Go(rx.run)

	tx := &udpSender{
		gen:        c.gen,
		conn:       conn,
		core:       c.inbox,
		send:       c.send,
		recycle:    c.recycle,
		interval:   c.cfg.UDPKeepalive,
		intervalCh: c.intervalCh,
		stop:       c.taskStop,
	}
	c.group.Go(tx.run)

	c.mixer.inbox <- mixSetConn{conn: &mixerConn{
		gen:      c.gen,
		ssrc:     conn.SSRC(),
		cipher:   cipher,
		nonce:    udp.NewTxNonce(),
		send:     c.send,
		recycle:  c.recycle,
		speaking: c.speaking,
	}}

	c.emitCore(event.CoreData{Kind: event.CoreConnected})
}

func (c *core) spawnWs() {
	runner := &wsRunner{
		gen:      c.gen,
		gateway:  c.gateway,
		ops:      c.gateway.Events(),
		speaking: c.speaking,
		core:     c.inbox,
		ic:       c.ic,
		icCh:     c.wsIC,
		stop:     c.taskStop,
	}

	ctx := c.taskCtx
	c.group.Go(func() error { return runner.run(ctx) })
}

// teardown unwinds the current connection generation, reporting whether
// there was one. A graceful teardown ends the gateway session with a close
// frame; a blunt one leaves it resumable on the server.
func (c *core) teardown(graceful bool) bool {
	if !c.connected {
		return false
	}
	c.connected = false

	// Unbind the mixer first so it stops feeding the dying send task.
	c.mixer.inbox <- mixDropConn{}

	close(c.taskStop)
	c.cancel()

	c.udpConn.Close()
	if graceful {
		c.gateway.CloseGracefully()
	} else {
		c.gateway.Close()
	}

	c.group.Wait()

	c.gateway = nil
	c.udpConn = nil
	c.group = nil

	return true
}

// wsClosed applies the close-code policy for a dead socket. Fatal codes
// end the driver; a normal closure means the server is done with the
// session, so it is rebuilt from scratch; everything else, transport
// errors included, is worth a resume first.
func (c *core) wsClosed(code int, err error) bool {
	cc := voicegateway.CloseCode(code)
	if err == nil {
		err = errors.New(cc.String())
	}

	switch {
	case cc.IsFatal():
		return c.die(errors.Wrap(err, "voice gateway closed"))

	case code == 1000:
		return c.reconnect(false, err)

	case cc.ShouldResume():
		return c.reconnect(true, err)

	default:
		return c.reconnect(false, err)
	}
}

// reconnect recovers the session: by resuming the gateway when the session
// might still be alive, then by full handshakes under backoff, giving up
// after the configured attempt count.
func (c *core) reconnect(resume bool, cause error) bool {
	if resume && c.connected {
		err := c.resume()
		if err == nil {
			return false
		}
		ws.WSError(errors.Wrap(err, "voice resume failed"))
	}

	wait := backoff.NewTimer(time.Second, 10*time.Second)
	defer wait.Stop()

	for attempt := 1; ; attempt++ {
		c.teardown(false)

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		err := c.bringUp(ctx)
		cancel()

		if err == nil {
			return false
		}

		cause = err
		ws.WSError(errors.Wrapf(err, "voice reconnect %d/%d failed",
			attempt, c.cfg.MaxReconnects))

		if attempt >= c.cfg.MaxReconnects {
			return c.die(ReconnectError{Err: cause})
		}

		abort, exit := c.waitBackoff(wait.Next())
		if abort {
			return exit
		}
	}
}

// waitBackoff sleeps between attempts while still serving the inbox, so a
// deliberate connect, disconnect or shutdown is never stuck behind a
// failing reconnect loop. It reports whether the loop should stop, and
// whether the whole core should.
func (c *core) waitBackoff(timer <-chan time.Time) (abort, exit bool) {
	for {
		select {
		case <-timer:
			return false, false

		case msg := <-c.inbox:
			exit := c.handle(msg)
			switch msg.(type) {
			case coreConnect, coreDisconnect, corePoison:
				return true, exit
			}
			if exit {
				return true, true
			}
		}
	}
}

// resume replaces just the websocket of the current generation. The media
// socket, the cipher and the RTP counters stay; the mixer keeps sending
// through the whole window.
func (c *core) resume() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	if err := c.gateway.Resume(ctx); err != nil {
		return err
	}

	c.spawnWs()
	return nil
}

// rebuildScheduler retires the scheduler generation and starts a fresh
// one. The old goroutine holds its stale inbox until whatever handler it
// is stuck in returns, then exits. Handlers registered on single tracks
// under the old generation are lost; the mixer re-announces the tracks
// themselves.
func (c *core) rebuildScheduler() {
	close(c.ic.stop)
	c.ic = newInterconnect()
	go newScheduler(c.ic).run()

	c.mixer.inbox <- mixSetInterconnect{ic: c.ic}

	if c.connected {
		conflate(c.rxIC, c.ic)
		conflate(c.wsIC, c.ic)
	}
}

func (c *core) setConfig(cfg Config) {
	cfg = cfg.withDefaults()

	c.mixer.inbox <- mixSetBitrate{bitrate: cfg.Bitrate}

	if c.connected {
		if cfg.DecodeMode != c.cfg.DecodeMode {
			conflate(c.modeCh, cfg.DecodeMode)
		}
		if cfg.UDPKeepalive != c.cfg.UDPKeepalive {
			conflate(c.intervalCh, cfg.UDPKeepalive)
		}
	}

	c.cfg = cfg
}

// die ends the driver with a terminal error, stopping every goroutine it
// owns.
func (c *core) die(err error) bool {
	if c.teardown(false) {
		c.emitCore(event.CoreData{Kind: event.CoreDisconnected})
	}
	c.stopEngine()
	c.fatal(err)
	return true
}

// stopEngine joins the mixer, then retires the scheduler. The order lets
// the scheduler drain the mixer's final events before it goes.
func (c *core) stopEngine() {
	done := make(chan struct{})
	c.mixer.inbox <- mixPoison{done: done}
	<-done

	close(c.ic.stop)
}

func (c *core) emitCore(data event.CoreData) {
	if !c.ic.send(evCore{at: time.Now(), data: data}) {
		ws.WSDebug("Voice: scheduler busy, dropping a connection event")
	}
}
