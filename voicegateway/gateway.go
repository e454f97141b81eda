package voicegateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ashvale/cadenza/discord"
	"github.com/ashvale/cadenza/internal/moreatomic"
	"github.com/ashvale/cadenza/utils/ws"
)

// WSTimeout is the default timeout for each handshake step.
var WSTimeout = 10 * time.Second

var (
	// ErrNoSessionID is returned if a session ID is missing from the state.
	ErrNoSessionID = errors.New("no session ID was received")

	// ErrNoEndpoint is returned if an endpoint is missing from the state.
	ErrNoEndpoint = errors.New("no endpoint was received")
)

// HandshakeError is returned if the connection dies before an expected
// handshake frame arrives.
type HandshakeError struct {
	// Expected names the frames that were still missing.
	Expected string
	Err      error
}

func (e HandshakeError) Error() string {
	return "voice handshake ended before " + e.Expected + " arrived: " + e.Err.Error()
}

func (e HandshakeError) Unwrap() error { return e.Err }

// State is the information needed to authenticate with the voice gateway: the
// merge of a voice-state update and a voice-server update from the main
// gateway.
type State struct {
	GuildID   discord.GuildID
	UserID    discord.UserID
	SessionID string
	Token     string
	Endpoint  string
}

// Gateway is a single voice gateway session. Connect, Resume and
// SessionDescription run the blocking protocol handshakes; all traffic after
// that flows through the op channel returned by Events.
//
// The gateway itself does not heartbeat; the owner is expected to call
// Heartbeat every HeartbeatInterval and match acks with AckHeartbeat.
type Gateway struct {
	ws *ws.Websocket

	mutex sync.RWMutex
	state State
	ready ReadyEvent
	hello HelloEvent
	ops   <-chan ws.Op

	nonce moreatomic.Int64

	// WSTimeout is the timeout for each handshake step and gateway write.
	WSTimeout time.Duration
}

// New creates a new uninitialized voice gateway.
func New(state State) *Gateway {
	return &Gateway{
		state:     state,
		WSTimeout: WSTimeout,
	}
}

// State returns a copy of the authentication state.
func (g *Gateway) State() State {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return g.state
}

// Ready returns the Ready payload of the session. It is only valid after
// Connect has returned.
func (g *Gateway) Ready() ReadyEvent {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return g.ready
}

// HeartbeatInterval returns the heartbeat interval from the latest Hello
// payload. The interval inside the Ready payload is erroneous and never used.
func (g *Gateway) HeartbeatInterval() time.Duration {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return g.hello.HeartbeatInterval.Duration()
}

// Events returns the op channel of the current connection. The channel is
// replaced on Connect and Resume; the previous one is closed.
func (g *Gateway) Events() <-chan ws.Op {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return g.ops
}

// AckHeartbeat matches an ack payload against the last sent heartbeat nonce.
func (g *Gateway) AckHeartbeat(ev HeartbeatAckEvent) bool {
	return g.nonce.Get() == int64(ev)
}

// url builds the gateway URL from the endpoint. Endpoints handed out by
// Discord carry no scheme; one given with a scheme is used as-is.
func (g *Gateway) url() (string, error) {
	g.mutex.RLock()
	endpoint := g.state.Endpoint
	g.mutex.RUnlock()

	if endpoint == "" {
		return "", ErrNoEndpoint
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "wss://" + strings.TrimSuffix(endpoint, ":80")
	}

	return endpoint + "/?v=" + Version, nil
}

// Connect dials the voice gateway and performs the identify handshake. It
// returns once both Hello and Ready have been observed, in either order.
func (g *Gateway) Connect(ctx context.Context) error {
	if err := g.dial(ctx); err != nil {
		return err
	}

	if err := g.Identify(ctx); err != nil {
		return errors.Wrap(err, "failed to identify")
	}

	return g.waitForHandshake(ctx, false)
}

// Resume opens a fresh websocket to the same endpoint and performs the resume
// handshake. It returns once both Hello and Resumed have been observed. The
// session's UDP state is untouched.
func (g *Gateway) Resume(ctx context.Context) error {
	if err := g.dial(ctx); err != nil {
		return err
	}

	if err := g.sendResume(ctx); err != nil {
		return errors.Wrap(err, "failed to send resume")
	}

	return g.waitForHandshake(ctx, true)
}

func (g *Gateway) dial(ctx context.Context) error {
	addr, err := g.url()
	if err != nil {
		return err
	}

	g.mutex.Lock()
	if g.ws == nil {
		g.ws = ws.NewWebsocket(ws.NewCodec(OpUnmarshalers), addr)
	}
	sock := g.ws
	g.mutex.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.WSTimeout)
	defer cancel()

	ops, err := sock.Dial(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to dial voice gateway")
	}

	g.mutex.Lock()
	g.ops = ops
	g.mutex.Unlock()

	return nil
}

// waitForHandshake reads ops until both Hello and Ready (or Resumed, when
// resuming) have arrived. Anything else that comes early is dropped; the
// server does not send events of consequence before the handshake finishes.
func (g *Gateway) waitForHandshake(ctx context.Context, resuming bool) error {
	ctx, cancel := context.WithTimeout(ctx, g.WSTimeout)
	defer cancel()

	ops := g.Events()

	var hello, done bool

	missing := func() string {
		switch {
		case !hello && !done:
			return "Hello and " + handshakeGoal(resuming)
		case !hello:
			return "Hello"
		default:
			return handshakeGoal(resuming)
		}
	}

	for !hello || !done {
		op, err := ws.ReadOp(ctx, ops)
		if err != nil {
			return HandshakeError{Expected: missing(), Err: err}
		}

		switch data := op.Data.(type) {
		case *HelloEvent:
			g.mutex.Lock()
			g.hello = *data
			g.mutex.Unlock()
			hello = true

		case *ReadyEvent:
			if resuming {
				ws.WSDebug("Voice: unexpected Ready while resuming; accepting anyway")
			}
			g.mutex.Lock()
			g.ready = *data
			g.mutex.Unlock()
			done = true

		case *ResumedEvent:
			if !resuming {
				ws.WSDebug("Voice: unexpected Resumed during identify; ignoring")
				continue
			}
			done = true

		case *ws.CloseEvent:
			return HandshakeError{Expected: missing(), Err: data}

		case *ws.BackgroundErrorEvent:
			ws.WSError(data.Err)

		default:
			ws.WSDebug("Voice: skipping", data.EventName(), "during handshake")
		}
	}

	return nil
}

func handshakeGoal(resuming bool) string {
	if resuming {
		return "Resumed"
	}
	return "Ready"
}

// SessionDescription sends a SelectProtocol command and reads ops until the
// session description arrives. It must be called after Connect and before the
// op channel is handed to a consumer.
func (g *Gateway) SessionDescription(
	ctx context.Context, data SelectProtocolData) (*SessionDescriptionEvent, error) {

	if err := g.SelectProtocol(ctx, data); err != nil {
		return nil, errors.Wrap(err, "failed to send select protocol")
	}

	ctx, cancel := context.WithTimeout(ctx, g.WSTimeout)
	defer cancel()

	ops := g.Events()

	for {
		op, err := ws.ReadOp(ctx, ops)
		if err != nil {
			return nil, HandshakeError{Expected: "SessionDescription", Err: err}
		}

		switch data := op.Data.(type) {
		case *SessionDescriptionEvent:
			return data, nil

		case *ws.CloseEvent:
			return nil, HandshakeError{Expected: "SessionDescription", Err: data}

		case *ws.BackgroundErrorEvent:
			ws.WSError(data.Err)

		default:
			ws.WSDebug("Voice: skipping", data.EventName(), "while awaiting session description")
		}
	}
}

// Close closes the gateway connection without sending a close frame, keeping
// the session resumable.
func (g *Gateway) Close() error {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	if g.ws == nil {
		return nil
	}
	return g.ws.Close()
}

// CloseGracefully closes the gateway connection with a close frame, ending
// the session for good.
func (g *Gateway) CloseGracefully() error {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	if g.ws == nil {
		return nil
	}
	return g.ws.CloseGracefully()
}
