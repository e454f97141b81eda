package udp

import "encoding/binary"

const (
	// HeaderLen is the byte length of an RTP header without CSRCs.
	HeaderLen = 12
	// RTCPHeaderLen is the RTCP header prefix that doubles as the Normal-mode
	// nonce for RTCP packets.
	RTCPHeaderLen = 8

	// VersionFlags is the first header byte of every packet we send:
	// version 2, no padding, no extension, no CSRCs.
	VersionFlags = 0x80
	// PayloadType is the RTP payload type Discord uses for Opus voice.
	PayloadType = 0x78
)

// SilentFrame is the Opus frame that carries pure silence. Discord expects
// five of them before a sender goes quiet.
var SilentFrame = []byte{0xF8, 0xFF, 0xFE}

// Kind classifies a received datagram.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRTP
	KindRTCP
)

// Classify peeks at a datagram and decides how to treat it. RTCP packet types
// 200-204 occupy the byte that RTP uses for marker+payload type, which is how
// the two are told apart on a shared socket.
func Classify(b []byte) Kind {
	if len(b) < RTCPHeaderLen || b[0]>>6 != 2 {
		return KindUnknown
	}

	if b[1] >= 0xC8 && b[1] <= 0xCC {
		return KindRTCP
	}

	if len(b) >= HeaderLen && b[1]&0x7F == PayloadType {
		return KindRTP
	}

	return KindUnknown
}

// Header is a parsed view of the 12-byte RTP header.
type Header struct {
	Flags     byte
	Type      byte
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
}

// ParseHeader reads the fixed RTP header from the start of a datagram.
func ParseHeader(b []byte) (Header, bool) {
	if len(b) < HeaderLen {
		return Header{}, false
	}

	return Header{
		Flags:     b[0],
		Type:      b[1],
		Sequence:  binary.BigEndian.Uint16(b[2:4]),
		Timestamp: binary.BigEndian.Uint32(b[4:8]),
		SSRC:      binary.BigEndian.Uint32(b[8:12]),
	}, true
}

// HasExtension reports whether the extension bit is set. Discord puts the
// extension inside the encrypted region, so it is skipped after decryption.
func (h Header) HasExtension() bool { return h.Flags&0x10 != 0 }

// Marker reports whether the marker bit is set.
func (h Header) Marker() bool { return h.Type&0x80 != 0 }

// ExtensionSkip returns the length of the single RTP header extension at the
// start of a decrypted body, or 0 if the body is too short to hold one.
//
// https://tools.ietf.org/html/rfc3550#section-5.3.1
func ExtensionSkip(body []byte) int {
	if len(body) < 4 {
		return 0
	}

	extLen := binary.BigEndian.Uint16(body[2:4])
	shift := 4 + 4*int(extLen)

	if len(body) <= shift {
		return 0
	}

	return shift
}
