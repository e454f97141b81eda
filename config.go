package cadenza

import (
	"time"

	"github.com/ashvale/cadenza/udp"
)

// DefaultBitrate is the Opus bitrate the mixer starts with and falls back to
// when a requested bitrate is rejected by the encoder.
const DefaultBitrate = 128000

// DecodeMode selects how much work the receive path performs per inbound
// voice packet.
type DecodeMode uint8

const (
	// DecodeModeDecode decrypts and Opus-decodes every voice packet, filling
	// VoicePacket.Audio. Only this mode tracks remote speaking edges.
	DecodeModeDecode DecodeMode = iota

	// DecodeModeDecrypt decrypts but skips the Opus decode; VoicePacket
	// events carry a nil Audio field.
	DecodeModeDecrypt

	// DecodeModePass hands packets over as received, still encrypted.
	DecodeModePass
)

// Config holds a driver's tunables. The zero value of any field falls back to
// its DefaultConfig value.
type Config struct {
	// Mode is the encryption flavor requested during the handshake. A change
	// applies to the next Connect.
	Mode udp.Mode

	// Bitrate is the Opus encoder bitrate in bits per second.
	Bitrate int

	// DecodeMode is the inbound decode policy.
	DecodeMode DecodeMode

	// UDPKeepalive is the gap between the keepalive datagrams that hold the
	// media socket's NAT mapping open.
	UDPKeepalive time.Duration

	// Timeout bounds each handshake step and each gateway write.
	Timeout time.Duration

	// MaxReconnects bounds consecutive failed reconnect attempts before the
	// driver gives up with a terminal error.
	MaxReconnects int
}

// DefaultConfig returns the configuration a driver starts from.
func DefaultConfig() Config {
	return Config{
		Mode:          udp.Normal,
		Bitrate:       DefaultBitrate,
		DecodeMode:    DecodeModeDecode,
		UDPKeepalive:  udp.KeepaliveInterval,
		Timeout:       25 * time.Second,
		MaxReconnects: 5,
	}
}

// withDefaults fills zero-valued fields from DefaultConfig. Mode and
// DecodeMode keep their zero values; those are meaningful defaults already.
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.Bitrate == 0 {
		c.Bitrate = def.Bitrate
	}
	if c.UDPKeepalive == 0 {
		c.UDPKeepalive = def.UDPKeepalive
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = def.MaxReconnects
	}

	return c
}
