package cadenza

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ashvale/cadenza/internal/lazytime"
	"github.com/ashvale/cadenza/udp"
	"github.com/ashvale/cadenza/utils/ws"
)

// udpSender is the single writer of the media socket. It trickles the
// mixer's sealed datagrams out and keeps the NAT mapping warm in between.
type udpSender struct {
	gen  int
	conn *udp.Connection
	core chan<- coreMessage

	send    <-chan []byte
	recycle chan<- []byte

	interval   time.Duration
	intervalCh <-chan time.Duration

	stop <-chan struct{}
}

func (s *udpSender) run() error {
	var keepalive lazytime.Ticker
	keepalive.Reset(s.interval)
	defer keepalive.Stop()

	for {
		select {
		case <-s.stop:
			return nil

		case packet := <-s.send:
			_, err := s.conn.Write(packet)
			if err != nil {
				return s.fail(errors.Wrap(err, "failed to send voice packet"))
			}

			select {
			case s.recycle <- packet:
			default:
			}

		case interval := <-s.intervalCh:
			keepalive.Reset(interval)

		case <-keepalive.C:
			if err := s.conn.Keepalive(); err != nil {
				return s.fail(errors.Wrap(err, "failed to send UDP keepalive"))
			}
		}
	}
}

// fail reports the death of this generation's media path, unless the
// connection is being torn down anyway.
func (s *udpSender) fail(err error) error {
	select {
	case <-s.stop:
		return nil
	default:
	}

	ws.WSError(err)

	select {
	case s.core <- coreConnFailed{gen: s.gen}:
	case <-s.stop:
	}
	return err
}
