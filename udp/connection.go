package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrIllegalDiscoveryResponse is returned when the IP discovery response
	// is not a well-formed type-2 packet.
	ErrIllegalDiscoveryResponse = errors.New("malformed IP discovery response")

	// ErrIllegalIP is returned when the discovery response carries no usable
	// address.
	ErrIllegalIP = errors.New("IP discovery response contains no address")
)

// KeepaliveInterval is the default gap between keepalive datagrams that hold
// the NAT mapping open.
const KeepaliveInterval = 5 * time.Second

// defaultDialer is the dialer that this package uses for all its dialing.
var defaultDialer = net.Dialer{
	Timeout: 10 * time.Second,
}

// Connection is the voice media socket, bound and connected to the server's
// address, with this side's public address discovered. The read and write
// halves may each be owned by one goroutine.
type Connection struct {
	conn net.Conn
	ssrc uint32

	// Address and Port are the publicly visible address of this socket, from
	// the discovery response.
	Address string
	Port    uint16

	keepalive uint64
}

// DialConnection dials the media address and performs IP discovery for the
// given SSRC.
func DialConnection(ctx context.Context, addr string, ssrc uint32) (*Connection, error) {
	return DialConnectionCustom(ctx, &defaultDialer, addr, ssrc)
}

// DialConnectionCustom dials the media address with a custom dialer.
func DialConnectionCustom(
	ctx context.Context, dialer *net.Dialer, addr string, ssrc uint32) (*Connection, error) {

	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial host")
	}

	address, port, err := discover(ctx, conn, ssrc)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Connection{
		conn:    conn,
		ssrc:    ssrc,
		Address: address,
		Port:    port,
	}, nil
}

// discover performs Discord IP discovery: a 74-byte request carrying the
// SSRC, answered by a 74-byte response carrying our public address and port.
//
// https://discord.com/developers/docs/topics/voice-connections#ip-discovery
func discover(ctx context.Context, conn net.Conn, ssrc uint32) (string, uint16, error) {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	var request [74]byte
	binary.BigEndian.PutUint16(request[0:2], 1)  // type: request
	binary.BigEndian.PutUint16(request[2:4], 70) // length
	binary.BigEndian.PutUint32(request[4:8], ssrc)

	if _, err := conn.Write(request[:]); err != nil {
		return "", 0, errors.Wrap(err, "failed to write discovery request")
	}

	var response [74]byte
	if _, err := io.ReadFull(conn, response[:]); err != nil {
		return "", 0, errors.Wrap(err, "failed to read discovery response")
	}

	if binary.BigEndian.Uint16(response[0:2]) != 2 ||
		binary.BigEndian.Uint16(response[2:4]) != 70 {

		return "", 0, ErrIllegalDiscoveryResponse
	}

	// The address is 64 bytes of null-terminated ASCII; the padding beyond
	// the terminator is ignored.
	body := response[8:72]

	nullPos := bytes.IndexByte(body, 0)
	if nullPos <= 0 {
		return "", 0, ErrIllegalIP
	}

	address := string(body[:nullPos])
	port := binary.LittleEndian.Uint16(response[72:74])

	return address, port, nil
}

// SSRC returns the synchronization source this connection sends with.
func (c *Connection) SSRC() uint32 { return c.ssrc }

// Write sends one complete datagram.
func (c *Connection) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Read receives one datagram into b.
func (c *Connection) Read(b []byte) (int, error) {
	return c.conn.Read(b)
}

// SetReadDeadline bounds the next Read.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Keepalive sends the next keepalive datagram: an 8-byte little-endian
// counter. It must be called from the same goroutine as Write.
func (c *Connection) Keepalive() error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], c.keepalive)
	c.keepalive++

	_, err := c.conn.Write(b[:])
	return errors.Wrap(err, "failed to send keepalive")
}

// Close closes the socket. Pending reads and writes unblock with errors.
func (c *Connection) Close() error {
	return c.conn.Close()
}
