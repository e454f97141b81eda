package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func testHeader(seq uint16, ts, ssrc uint32) []byte {
	b := make([]byte, HeaderLen)
	b[0] = VersionFlags
	b[1] = PayloadType
	binary.BigEndian.PutUint16(b[2:4], seq)
	binary.BigEndian.PutUint32(b[4:8], ts)
	binary.BigEndian.PutUint32(b[8:12], ssrc)
	return b
}

func TestCipherRoundTrip(t *testing.T) {
	secret := [32]byte{1: 0x10, 7: 0x42, 31: 0xFF}
	body := []byte("not really opus, but sealed all the same")

	for _, mode := range []Mode{Normal, Suffix, Lite} {
		t.Run(mode.String(), func(t *testing.T) {
			c := NewCipher(secret, mode)
			tx := NewTxNonce()

			packet := make([]byte, HeaderLen, HeaderLen+Overhead+len(body)+mode.TrailerSize())
			copy(packet, testHeader(55, 960, 0x11223344))

			sealed := c.Seal(packet, HeaderLen, body, &tx)

			wantLen := HeaderLen + Overhead + len(body) + mode.TrailerSize()
			if len(sealed) != wantLen {
				t.Fatal("Unexpected sealed length (got/want):", len(sealed), wantLen)
			}

			if Classify(sealed) != KindRTP {
				t.Fatal("Sealed packet did not classify as RTP")
			}

			opened, err := c.Open(nil, sealed, HeaderLen)
			if err != nil {
				t.Fatal("Failed to open sealed packet:", err)
			}
			if !bytes.Equal(opened, body) {
				t.Fatal("Opened body mismatch:", opened)
			}

			// Flipping any ciphertext byte must break authentication.
			sealed[HeaderLen+3] ^= 0x01
			if _, err := c.Open(nil, sealed, HeaderLen); !errors.Is(err, ErrDecryptionFailed) {
				t.Fatal("Tampered packet opened without error:", err)
			}
		})
	}
}

func TestLiteNonceCounter(t *testing.T) {
	c := NewCipher([32]byte{}, Lite)
	tx := NewTxNonce()

	seal := func() uint32 {
		packet := make([]byte, HeaderLen, 256)
		copy(packet, testHeader(1, 960, 1))

		sealed := c.Seal(packet, HeaderLen, []byte("x"), &tx)
		return binary.BigEndian.Uint32(sealed[len(sealed)-4:])
	}

	first := seal()
	second := seal()

	if second != first+1 {
		t.Fatal("Lite counter did not increment (first/second):", first, second)
	}
}

func TestRTCPRoundTrip(t *testing.T) {
	c := NewCipher([32]byte{9: 9}, Normal)
	tx := NewTxNonce()

	// Receiver report, packet type 201.
	header := make([]byte, RTCPHeaderLen)
	header[0] = VersionFlags
	header[1] = 0xC9
	binary.BigEndian.PutUint16(header[2:4], 1)
	binary.BigEndian.PutUint32(header[4:8], 0x11223344)

	body := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	packet := make([]byte, RTCPHeaderLen, 256)
	copy(packet, header)

	sealed := c.Seal(packet, RTCPHeaderLen, body, &tx)

	if Classify(sealed) != KindRTCP {
		t.Fatal("Sealed report did not classify as RTCP")
	}

	opened, err := c.Open(nil, sealed, RTCPHeaderLen)
	if err != nil {
		t.Fatal("Failed to open report:", err)
	}
	if !bytes.Equal(opened, body) {
		t.Fatal("Opened report mismatch:", opened)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
		want Kind
	}{
		{"empty", nil, KindUnknown},
		{"short", []byte{0x80, 0x78}, KindUnknown},
		{"bad version", testHeaderWithFirstByte(0x40), KindUnknown},
		{"wrong payload type", testHeaderWithSecondByte(0x11), KindUnknown},
		{"rtp", testHeader(1, 2, 3), KindRTP},
		{"rtp with marker", testHeaderWithSecondByte(0x80 | PayloadType), KindRTP},
		{"rtcp sender report", testHeaderWithSecondByte(0xC8), KindRTCP},
		{"rtcp bye", testHeaderWithSecondByte(0xCB), KindRTCP},
	}

	for _, tt := range tests {
		if got := Classify(tt.b); got != tt.want {
			t.Errorf("Classify(%s) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func testHeaderWithFirstByte(b0 byte) []byte {
	h := testHeader(1, 2, 3)
	h[0] = b0
	return h
}

func testHeaderWithSecondByte(b1 byte) []byte {
	h := testHeader(1, 2, 3)
	h[1] = b1
	return h
}

func TestExtensionSkip(t *testing.T) {
	// One extension of a single 32-bit word: 4 header bytes + 4 data bytes.
	body := []byte{
		0xBE, 0xDE, 0x00, 0x01,
		0xAA, 0xBB, 0xCC, 0xDD,
		0xF8, 0xFF, 0xFE,
	}

	if skip := ExtensionSkip(body); skip != 8 {
		t.Fatal("Unexpected extension skip:", skip)
	}
	if !bytes.Equal(body[ExtensionSkip(body):], SilentFrame) {
		t.Fatal("Extension skip did not land on payload")
	}

	if skip := ExtensionSkip([]byte{0xBE, 0xDE}); skip != 0 {
		t.Fatal("Short body produced a skip:", skip)
	}

	// A skip that would swallow the whole body is refused.
	if skip := ExtensionSkip([]byte{0xBE, 0xDE, 0x00, 0x01, 1, 2, 3, 4}); skip != 0 {
		t.Fatal("Whole-body extension produced a skip:", skip)
	}
}

// discoveryResponder answers one IP discovery request with the given address
// and port, then exits, leaving the socket free for other readers.
func discoveryResponder(t *testing.T, address string, port uint16, mangle func([]byte)) net.PacketConn {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("Failed to listen:", err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 256)

		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}

		if n != 74 || binary.BigEndian.Uint16(buf[0:2]) != 1 {
			t.Error("Responder got a malformed discovery request")
			return
		}

		var resp [74]byte
		binary.BigEndian.PutUint16(resp[0:2], 2)
		binary.BigEndian.PutUint16(resp[2:4], 70)
		copy(resp[4:8], buf[4:8]) // echo SSRC
		copy(resp[8:72], address)
		binary.LittleEndian.PutUint16(resp[72:74], port)

		if mangle != nil {
			mangle(resp[:])
		}

		pc.WriteTo(resp[:], addr)
	}()

	return pc
}

func TestDiscovery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pc := discoveryResponder(t, "203.0.113.7", 50000, nil)

	conn, err := DialConnection(ctx, pc.LocalAddr().String(), 0x12345678)
	if err != nil {
		t.Fatal("Failed to dial:", err)
	}
	defer conn.Close()

	if conn.Address != "203.0.113.7" {
		t.Fatal("Unexpected discovered address:", conn.Address)
	}
	if conn.Port != 50000 {
		t.Fatal("Unexpected discovered port:", conn.Port)
	}
	if conn.SSRC() != 0x12345678 {
		t.Fatal("Unexpected SSRC:", conn.SSRC())
	}
}

func TestDiscoveryMalformed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("wrong type", func(t *testing.T) {
		pc := discoveryResponder(t, "203.0.113.7", 50000, func(b []byte) {
			binary.BigEndian.PutUint16(b[0:2], 1)
		})

		_, err := DialConnection(ctx, pc.LocalAddr().String(), 1)
		if !errors.Is(err, ErrIllegalDiscoveryResponse) {
			t.Fatal("Expected ErrIllegalDiscoveryResponse, got:", err)
		}
	})

	t.Run("no address", func(t *testing.T) {
		pc := discoveryResponder(t, "", 50000, nil)

		_, err := DialConnection(ctx, pc.LocalAddr().String(), 1)
		if !errors.Is(err, ErrIllegalIP) {
			t.Fatal("Expected ErrIllegalIP, got:", err)
		}
	})
}

func TestKeepalive(t *testing.T) {
	pc := discoveryResponder(t, "198.51.100.1", 4000, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := DialConnection(ctx, pc.LocalAddr().String(), 7)
	if err != nil {
		t.Fatal("Failed to dial:", err)
	}
	defer conn.Close()

	// The responder goroutine consumed the discovery request and exited, so
	// this reader sees only what comes after the handshake.
	got := make(chan []byte, 2)
	go func() {
		for {
			buf := make([]byte, 64)
			n, _, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			got <- buf[:n]
		}
	}()

	for i := uint64(0); i < 2; i++ {
		if err := conn.Keepalive(); err != nil {
			t.Fatal("Failed to send keepalive:", err)
		}

		select {
		case b := <-got:
			if len(b) != 8 || binary.LittleEndian.Uint64(b) != i {
				t.Fatal("Unexpected keepalive payload:", b)
			}
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for keepalive", i)
		}
	}
}
