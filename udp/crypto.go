// Package udp implements the voice media socket: IP discovery, RTP/RTCP
// classification, and the XSalsa20-Poly1305 packet crypto.
package udp

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecryptionFailed is returned from Open if a received packet fails to
// decrypt.
var ErrDecryptionFailed = errors.New("decryption failed")

// Overhead is the byte size of the Poly1305 tag that prefixes every sealed
// body.
const Overhead = secretbox.Overhead

// Mode is an XSalsa20-Poly1305 nonce flavor negotiated in SelectProtocol.
type Mode uint8

const (
	// Normal derives the nonce from the packet header, padded to 24 bytes.
	Normal Mode = iota
	// Suffix appends 24 fresh random nonce bytes to every packet.
	Suffix
	// Lite appends a 4-byte counter, seeded randomly per connection.
	Lite
)

var modeStrings = map[Mode]string{
	Normal: "xsalsa20_poly1305",
	Suffix: "xsalsa20_poly1305_suffix",
	Lite:   "xsalsa20_poly1305_lite",
}

// String returns the wire name of the mode.
func (m Mode) String() string {
	if s, ok := modeStrings[m]; ok {
		return s
	}
	return "unknown"
}

// ModeFromString resolves a wire name into a Mode.
func ModeFromString(s string) (Mode, bool) {
	for m, name := range modeStrings {
		if name == s {
			return m, true
		}
	}
	return 0, false
}

// TrailerSize returns the number of nonce bytes the mode appends after the
// ciphertext.
func (m Mode) TrailerSize() int {
	switch m {
	case Suffix:
		return 24
	case Lite:
		return 4
	}
	return 0
}

// TxNonce is the outbound nonce state of one connection. Only Lite mode
// carries state: an incrementing counter starting at a random value.
// It must only be used by a single goroutine.
type TxNonce struct {
	lite uint32
}

// NewTxNonce seeds a fresh outbound nonce state. Counters are never reused
// across connections.
func NewTxNonce() TxNonce {
	// rand.Reader does not fail on any supported platform.
	var seed [4]byte
	io.ReadFull(rand.Reader, seed[:])

	return TxNonce{lite: binary.BigEndian.Uint32(seed[:])}
}

func (n *TxNonce) next() uint32 {
	v := n.lite
	n.lite++
	return v
}

// Cipher seals and opens voice packets. It is immutable after creation and
// may be shared freely across goroutines.
type Cipher struct {
	secret [32]byte
	mode   Mode
}

// NewCipher creates a cipher from the session description's secret key.
func NewCipher(secret [32]byte, mode Mode) Cipher {
	return Cipher{secret: secret, mode: mode}
}

// Mode returns the cipher's nonce mode.
func (c Cipher) Mode() Mode { return c.mode }

// Seal encrypts body into the packet whose first headerLen bytes hold the
// header, appending the tag, the ciphertext and any nonce trailer. It returns
// the complete datagram, which aliases packet's backing array when capacity
// allows. body must not overlap packet.
func (c Cipher) Seal(packet []byte, headerLen int, body []byte, tx *TxNonce) []byte {
	var nonce [24]byte

	switch c.mode {
	case Suffix:
		// rand.Reader does not fail on any supported platform.
		io.ReadFull(rand.Reader, nonce[:])

		sealed := secretbox.Seal(packet[:headerLen], body, &nonce, &c.secret)
		return append(sealed, nonce[:]...)

	case Lite:
		binary.BigEndian.PutUint32(nonce[0:4], tx.next())

		sealed := secretbox.Seal(packet[:headerLen], body, &nonce, &c.secret)
		return append(sealed, nonce[0:4]...)

	default: // Normal
		copy(nonce[:], packet[:headerLen])
		return secretbox.Seal(packet[:headerLen], body, &nonce, &c.secret)
	}
}

// Open decrypts a received datagram whose header occupies the first headerLen
// bytes, returning the decrypted body with the tag and any nonce trailer
// stripped. The result is appended to dst, which may be nil.
func (c Cipher) Open(dst, packet []byte, headerLen int) ([]byte, error) {
	if len(packet) < headerLen {
		return nil, ErrDecryptionFailed
	}

	var nonce [24]byte
	data := packet[headerLen:]

	switch c.mode {
	case Suffix:
		if len(data) < 24 {
			return nil, ErrDecryptionFailed
		}
		copy(nonce[:], data[len(data)-24:])
		data = data[:len(data)-24]

	case Lite:
		if len(data) < 4 {
			return nil, ErrDecryptionFailed
		}
		copy(nonce[0:4], data[len(data)-4:])
		data = data[:len(data)-4]

	default: // Normal
		copy(nonce[:], packet[:headerLen])
	}

	body, ok := secretbox.Open(dst[:0], data, &nonce, &c.secret)
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return body, nil
}
