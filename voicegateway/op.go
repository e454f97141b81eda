// Package voicegateway implements the Discord voice gateway: the websocket
// protocol that negotiates a voice session and carries its control traffic.
//
// https://discord.com/developers/docs/topics/voice-connections
package voicegateway

import (
	"github.com/ashvale/cadenza/utils/ws"
)

// Version is the voice gateway version this package speaks.
const Version = "4"

const (
	IdentifyOp           ws.OpCode = 0  // send
	SelectProtocolOp     ws.OpCode = 1  // send
	ReadyOp              ws.OpCode = 2  // receive
	HeartbeatOp          ws.OpCode = 3  // send
	SessionDescriptionOp ws.OpCode = 4  // receive
	SpeakingOp           ws.OpCode = 5  // send/receive
	HeartbeatAckOp       ws.OpCode = 6  // receive
	ResumeOp             ws.OpCode = 7  // send
	HelloOp              ws.OpCode = 8  // receive
	ResumedOp            ws.OpCode = 9  // receive
	ClientConnectOp      ws.OpCode = 12 // receive
	ClientDisconnectOp   ws.OpCode = 13 // receive
)

// OpUnmarshalers contains the constructors for every payload the server can
// send us.
var OpUnmarshalers = ws.NewOpUnmarshalers(
	func() ws.Event { return new(ReadyEvent) },
	func() ws.Event { return new(SessionDescriptionEvent) },
	func() ws.Event { return new(SpeakingEvent) },
	func() ws.Event { return new(HeartbeatAckEvent) },
	func() ws.Event { return new(HelloEvent) },
	func() ws.Event { return new(ResumedEvent) },
	func() ws.Event { return new(ClientConnectEvent) },
	func() ws.Event { return new(ClientDisconnectEvent) },
)
