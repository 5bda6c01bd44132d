package http

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/immxrtalbeast/guest_signaling/internal/domain"
	"github.com/immxrtalbeast/guest_signaling/lib/logger/sl"
)

var (
	errTransportClosed = errors.New("transport closed")
	errSendBufferFull  = errors.New("send buffer full")
)

const (
	writeWait = 10 * time.Second
	pongWait  = 90 * time.Second
)

// wsTransport owns the write side of one WebSocket. Events are queued and
// written by a single pump goroutine, which also sends protocol pings.
type wsTransport struct {
	conn      *websocket.Conn
	send      chan domain.Event
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
	log       *slog.Logger
}

func newWSTransport(conn *websocket.Conn, buffer int, log *slog.Logger) *wsTransport {
	if buffer <= 0 {
		buffer = 64
	}
	t := &wsTransport{
		conn: conn,
		send: make(chan domain.Event, buffer),
		done: make(chan struct{}),
		log:  log,
	}
	t.connected.Store(true)
	return t
}

// Send queues an event without blocking. A full queue is reported as an
// error rather than stalling the caller.
func (t *wsTransport) Send(event domain.Event) error {
	if !t.connected.Load() {
		return errTransportClosed
	}
	select {
	case <-t.done:
		return errTransportClosed
	case t.send <- event:
		return nil
	default:
		return errSendBufferFull
	}
}

func (t *wsTransport) Connected() bool {
	return t.connected.Load()
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.done)
	})
	return nil
}

// markDisconnected is called once the read side has failed.
func (t *wsTransport) markDisconnected() {
	t.connected.Store(false)
}

func (t *wsTransport) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
	}()

	for {
		select {
		case event := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteJSON(event); err != nil {
				t.log.Debug("websocket write failed", slog.String("event", string(event.Name)), sl.Err(err))
				_ = t.Close()
				return
			}
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				t.log.Debug("websocket ping failed", sl.Err(err))
				_ = t.Close()
				return
			}
		case <-t.done:
			t.flush()
			_ = t.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}

// flush writes whatever is still queued when the transport closes.
func (t *wsTransport) flush() {
	for {
		select {
		case event := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteJSON(event); err != nil {
				return
			}
		default:
			return
		}
	}
}
