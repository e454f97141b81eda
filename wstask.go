package cadenza

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ashvale/cadenza/event"
	"github.com/ashvale/cadenza/internal/lazytime"
	"github.com/ashvale/cadenza/utils/ws"
	"github.com/ashvale/cadenza/voicegateway"
)

// wsRunner keeps one websocket generation alive: it heartbeats on the
// server's cadence, forwards the mixer's speaking edges, and fans inbound
// control payloads out as events. When the socket dies it reports once and
// exits; deciding between resume and reconnect is the core's job.
type wsRunner struct {
	gen      int
	gateway  *voicegateway.Gateway
	ops      <-chan ws.Op
	speaking <-chan bool
	core     chan<- coreMessage
	ic       *interconnect
	icCh     <-chan *interconnect
	stop     <-chan struct{}
}

func (w *wsRunner) run(ctx context.Context) error {
	var heartbeat lazytime.Ticker
	if interval := w.gateway.HeartbeatInterval(); interval > 0 {
		heartbeat.Reset(interval)
	}
	defer heartbeat.Stop()

	for {
		select {
		case <-w.stop:
			return nil

		case ic := <-w.icCh:
			w.ic = ic

		case <-heartbeat.C:
			// A write failure here is only worth a log line: if the
			// socket is truly gone, the read side reports the close.
			wctx, cancel := context.WithTimeout(ctx, w.gateway.WSTimeout)
			err := w.gateway.Heartbeat(wctx)
			cancel()
			if err != nil {
				ws.WSError(errors.Wrap(err, "failed to send heartbeat"))
			}

		case speaking := <-w.speaking:
			flag := voicegateway.NotSpeaking
			if speaking {
				flag = voicegateway.Microphone
			}

			wctx, cancel := context.WithTimeout(ctx, w.gateway.WSTimeout)
			err := w.gateway.Speaking(wctx, flag)
			cancel()
			if err != nil {
				ws.WSError(errors.Wrap(err, "failed to send speaking state"))
			}

		case op, ok := <-w.ops:
			if !ok {
				w.closed(-1, ws.ErrWebsocketClosed)
				return nil
			}
			if w.dispatch(op, &heartbeat) {
				return nil
			}
		}
	}
}

// dispatch handles one inbound op, reporting true when the socket is gone.
func (w *wsRunner) dispatch(op ws.Op, heartbeat *lazytime.Ticker) bool {
	switch data := op.Data.(type) {
	case *ws.CloseEvent:
		w.closed(data.Code, data.Err)
		return true

	case *ws.BackgroundErrorEvent:
		ws.WSError(data.Err)

	case *voicegateway.HelloEvent:
		// A mid-session Hello renews the heartbeat cadence.
		heartbeat.Reset(data.HeartbeatInterval.Duration())

	case *voicegateway.HeartbeatAckEvent:
		if !w.gateway.AckHeartbeat(*data) {
			ws.WSDebug("Voice: heartbeat ack nonce mismatch")
		}

	case *voicegateway.SpeakingEvent:
		w.emit(event.CoreData{Kind: event.CoreSpeakingState, Speaking: data})

	case *voicegateway.ClientConnectEvent:
		w.emit(event.CoreData{Kind: event.CoreClientConnect, ClientConnect: data})

	case *voicegateway.ClientDisconnectEvent:
		w.emit(event.CoreData{Kind: event.CoreClientDisconnect, ClientDisconnect: data})

	default:
		ws.WSDebug("Voice: unhandled op", op.Data.EventName())
	}

	return false
}

// closed reports the socket's death, unless this generation is being torn
// down deliberately.
func (w *wsRunner) closed(code int, err error) {
	select {
	case <-w.stop:
		return
	default:
	}

	select {
	case w.core <- coreWsClosed{gen: w.gen, code: code, err: err}:
	case <-w.stop:
	}
}

func (w *wsRunner) emit(data event.CoreData) {
	if !w.ic.send(evCore{at: time.Now(), data: data}) {
		ws.WSDebug("Voice: scheduler busy, dropping a gateway event")
	}
}
