package voicegateway

import "fmt"

// CloseCode is a voice gateway websocket close code.
//
// https://discord.com/developers/docs/topics/opcodes-and-status-codes#voice-voice-close-event-codes
type CloseCode int

const (
	CloseUnknownOpcode        CloseCode = 4001
	CloseFailedToDecode       CloseCode = 4002
	CloseNotAuthenticated     CloseCode = 4003
	CloseAuthenticationFailed CloseCode = 4004
	CloseAlreadyAuthenticated CloseCode = 4005
	CloseSessionNoLongerValid CloseCode = 4006
	CloseSessionTimeout       CloseCode = 4009
	CloseServerNotFound       CloseCode = 4011
	CloseUnknownProtocol      CloseCode = 4012
	CloseDisconnected         CloseCode = 4014
	CloseServerCrashed        CloseCode = 4015
	CloseUnknownEncryption    CloseCode = 4016
)

var closeReasons = map[CloseCode]string{
	CloseUnknownOpcode:        "unknown opcode",
	CloseFailedToDecode:       "failed to decode payload",
	CloseNotAuthenticated:     "not authenticated",
	CloseAuthenticationFailed: "authentication failed",
	CloseAlreadyAuthenticated: "already authenticated",
	CloseSessionNoLongerValid: "session is no longer valid",
	CloseSessionTimeout:       "session timed out",
	CloseServerNotFound:       "voice server not found",
	CloseUnknownProtocol:      "unknown protocol",
	CloseDisconnected:         "disconnected from channel",
	CloseServerCrashed:        "voice server crashed",
	CloseUnknownEncryption:    "unknown encryption mode",
}

func (c CloseCode) String() string {
	if reason, ok := closeReasons[c]; ok {
		return fmt.Sprintf("%d %s", int(c), reason)
	}
	return fmt.Sprintf("close code %d", int(c))
}

// ShouldResume reports whether the session may survive the close, making a
// Resume worth attempting. Plain transport failures (no close frame, normal
// closures) and a crashed voice server keep the session alive.
func (c CloseCode) ShouldResume() bool {
	return c < 4000 || c == CloseServerCrashed
}

// IsFatal reports whether reconnecting with the same session info cannot
// succeed: bad credentials, a missing server, or a dropped channel. A fatal
// close tears the connection down for good.
func (c CloseCode) IsFatal() bool {
	switch c {
	case CloseAuthenticationFailed,
		CloseServerNotFound,
		CloseDisconnected,
		CloseUnknownEncryption:

		return true
	}
	return false
}
