package voicegateway

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ashvale/cadenza/discord"
	"github.com/ashvale/cadenza/utils/json"
	"github.com/ashvale/cadenza/utils/ws"
)

var (
	// ErrMissingForIdentify is returned if the gateway is missing information
	// to identify.
	ErrMissingForIdentify = errors.New("missing GuildID, UserID, SessionID, or Token for identify")

	// ErrMissingForResume is returned if the gateway is missing information to
	// resume.
	ErrMissingForResume = errors.New("missing GuildID, SessionID, or Token for resuming")
)

// IdentifyCommand is the payload of opcode 0. Note that the guild ID really
// does go into "server_id".
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-websocket-connection-example-voice-identify-payload
type IdentifyCommand struct {
	GuildID   discord.GuildID `json:"server_id"`
	UserID    discord.UserID  `json:"user_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

func (*IdentifyCommand) Op() ws.OpCode     { return IdentifyOp }
func (*IdentifyCommand) EventName() string { return "VoiceIdentify" }

// SelectProtocolCommand is the payload of opcode 1. It reports the discovered
// public address back and picks the encryption mode.
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-udp-connection-example-select-protocol-payload
type SelectProtocolCommand struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

func (*SelectProtocolCommand) Op() ws.OpCode     { return SelectProtocolOp }
func (*SelectProtocolCommand) EventName() string { return "VoiceSelectProtocol" }

// HeartbeatCommand is the payload of opcode 3: an opaque nonce that the
// server echoes back in the heartbeat ack.
//
// https://discord.com/developers/docs/topics/voice-connections#heartbeating-example-heartbeat-payload
type HeartbeatCommand uint64

func (HeartbeatCommand) Op() ws.OpCode     { return HeartbeatOp }
func (HeartbeatCommand) EventName() string { return "VoiceHeartbeat" }

// SpeakingFlag is the bitfield of the speaking modes.
//
// https://discord.com/developers/docs/topics/voice-connections#speaking
type SpeakingFlag uint64

const (
	Microphone SpeakingFlag = 1 << iota
	Soundshare
	Priority

	NotSpeaking SpeakingFlag = 0
)

// SpeakingCommand is the payload of opcode 5 in the sending direction.
//
// https://discord.com/developers/docs/topics/voice-connections#speaking-example-speaking-payload
type SpeakingCommand struct {
	Speaking SpeakingFlag `json:"speaking"`
	Delay    int          `json:"delay"`
	SSRC     uint32       `json:"ssrc"`
}

func (*SpeakingCommand) Op() ws.OpCode     { return SpeakingOp }
func (*SpeakingCommand) EventName() string { return "VoiceSpeaking" }

// ResumeCommand is the payload of opcode 7. Like Identify, the guild ID goes
// into "server_id".
//
// https://discord.com/developers/docs/topics/voice-connections#resuming-voice-connection-example-resume-connection-payload
type ResumeCommand struct {
	GuildID   discord.GuildID `json:"server_id"`
	SessionID string          `json:"session_id"`
	Token     string          `json:"token"`
}

func (*ResumeCommand) Op() ws.OpCode     { return ResumeOp }
func (*ResumeCommand) EventName() string { return "VoiceResume" }

// Send marshals the command into an op envelope and sends it over the
// websocket with the gateway's timeout.
func (g *Gateway) Send(ev ws.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.WSTimeout)
	defer cancel()

	return g.SendCtx(ctx, ev)
}

// SendCtx marshals the command into an op envelope and sends it over the
// websocket.
func (g *Gateway) SendCtx(ctx context.Context, ev ws.Event) error {
	b, err := json.Marshal(ws.Op{
		Code: ev.Op(),
		Data: ev,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode payload")
	}

	g.mutex.RLock()
	sock := g.ws
	g.mutex.RUnlock()

	if sock == nil {
		return ws.ErrWebsocketClosed
	}

	// The websocket is already thread-safe.
	return sock.Send(ctx, b)
}

// Identify sends an Identify command (opcode 0) built from the gateway state.
func (g *Gateway) Identify(ctx context.Context) error {
	g.mutex.RLock()
	state := g.state
	g.mutex.RUnlock()

	if !state.GuildID.IsValid() || !state.UserID.IsValid() ||
		state.SessionID == "" || state.Token == "" {

		return ErrMissingForIdentify
	}

	return g.SendCtx(ctx, &IdentifyCommand{
		GuildID:   state.GuildID,
		UserID:    state.UserID,
		SessionID: state.SessionID,
		Token:     state.Token,
	})
}

// SelectProtocol sends a SelectProtocol command (opcode 1).
func (g *Gateway) SelectProtocol(ctx context.Context, data SelectProtocolData) error {
	return g.SendCtx(ctx, &SelectProtocolCommand{
		Protocol: "udp",
		Data:     data,
	})
}

// Heartbeat sends a Heartbeat command (opcode 3) with a fresh nonce and
// records the nonce for matching the ack.
func (g *Gateway) Heartbeat(ctx context.Context) error {
	nonce := uint64(time.Now().UnixNano())
	g.nonce.Set(int64(nonce))

	return g.SendCtx(ctx, HeartbeatCommand(nonce))
}

// Speaking sends a Speaking command (opcode 5) with the session's SSRC.
func (g *Gateway) Speaking(ctx context.Context, flag SpeakingFlag) error {
	g.mutex.RLock()
	ssrc := g.ready.SSRC
	g.mutex.RUnlock()

	return g.SendCtx(ctx, &SpeakingCommand{
		Speaking: flag,
		Delay:    0,
		SSRC:     ssrc,
	})
}

// sendResume sends a Resume command (opcode 7) built from the gateway state.
func (g *Gateway) sendResume(ctx context.Context) error {
	g.mutex.RLock()
	state := g.state
	g.mutex.RUnlock()

	if !state.GuildID.IsValid() || state.SessionID == "" || state.Token == "" {
		return ErrMissingForResume
	}

	return g.SendCtx(ctx, &ResumeCommand{
		GuildID:   state.GuildID,
		SessionID: state.SessionID,
		Token:     state.Token,
	})
}
