package voicegateway

import (
	"strconv"

	"github.com/ashvale/cadenza/discord"
	"github.com/ashvale/cadenza/utils/ws"
)

// ReadyEvent is the payload of opcode 2. It carries the UDP media address and
// the session's SSRC.
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-websocket-connection-example-voice-ready-payload
type ReadyEvent struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`

	// From Discord's API Docs:
	//
	// `heartbeat_interval` here is an erroneous field and should be ignored.
	// The correct `heartbeat_interval` value comes from the Hello payload.
}

func (*ReadyEvent) Op() ws.OpCode     { return ReadyOp }
func (*ReadyEvent) EventName() string { return "VoiceReady" }

// Addr returns the UDP media address in host:port form.
func (r *ReadyEvent) Addr() string {
	return r.IP + ":" + strconv.Itoa(r.Port)
}

// HasMode returns whether the server offers the given encryption mode.
func (r *ReadyEvent) HasMode(mode string) bool {
	for _, m := range r.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// SessionDescriptionEvent is the payload of opcode 4. It carries the secret
// key and echoes the chosen encryption mode.
//
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-udp-connection-example-session-description-payload
type SessionDescriptionEvent struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

func (*SessionDescriptionEvent) Op() ws.OpCode     { return SessionDescriptionOp }
func (*SessionDescriptionEvent) EventName() string { return "VoiceSessionDescription" }

// SpeakingEvent is the payload of opcode 5 in the receiving direction. The
// server resolves the SSRC to a user for us.
type SpeakingEvent struct {
	Speaking SpeakingFlag   `json:"speaking"`
	Delay    int            `json:"delay"`
	SSRC     uint32         `json:"ssrc"`
	UserID   discord.UserID `json:"user_id,omitempty"`
}

func (*SpeakingEvent) Op() ws.OpCode     { return SpeakingOp }
func (*SpeakingEvent) EventName() string { return "VoiceSpeaking" }

// HeartbeatAckEvent is the payload of opcode 6: the nonce of the heartbeat
// being acknowledged.
//
// https://discord.com/developers/docs/topics/voice-connections#heartbeating-example-heartbeat-ack-payload
type HeartbeatAckEvent uint64

func (HeartbeatAckEvent) Op() ws.OpCode     { return HeartbeatAckOp }
func (HeartbeatAckEvent) EventName() string { return "VoiceHeartbeatAck" }

// HelloEvent is the payload of opcode 8. Its heartbeat interval is the
// authoritative one.
//
// https://discord.com/developers/docs/topics/voice-connections#heartbeating-example-hello-payload-since-v3
type HelloEvent struct {
	Version           int                  `json:"v,omitempty"`
	HeartbeatInterval discord.Milliseconds `json:"heartbeat_interval"`
}

func (*HelloEvent) Op() ws.OpCode     { return HelloOp }
func (*HelloEvent) EventName() string { return "VoiceHello" }

// ResumedEvent is the payload of opcode 9. It carries no data.
//
// https://discord.com/developers/docs/topics/voice-connections#resuming-voice-connection-example-resumed-payload
type ResumedEvent struct{}

func (*ResumedEvent) Op() ws.OpCode     { return ResumedOp }
func (*ResumedEvent) EventName() string { return "VoiceResumed" }

// ClientConnectEvent is the payload of opcode 12: another client joined the
// channel. Undocumented.
type ClientConnectEvent struct {
	UserID    discord.UserID `json:"user_id"`
	AudioSSRC uint32         `json:"audio_ssrc"`
	VideoSSRC uint32         `json:"video_ssrc"`
}

func (*ClientConnectEvent) Op() ws.OpCode     { return ClientConnectOp }
func (*ClientConnectEvent) EventName() string { return "VoiceClientConnect" }

// ClientDisconnectEvent is the payload of opcode 13: a client left the
// channel. Undocumented; its existence is mentioned in
// https://github.com/discord/discord-api-docs/issues/510.
type ClientDisconnectEvent struct {
	UserID discord.UserID `json:"user_id"`
}

func (*ClientDisconnectEvent) Op() ws.OpCode     { return ClientDisconnectOp }
func (*ClientDisconnectEvent) EventName() string { return "VoiceClientDisconnect" }
