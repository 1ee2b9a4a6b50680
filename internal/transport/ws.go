// Package transport owns the realtime channel: one WebSocket per
// participant, JSON envelopes in both directions. Inbound frames are decoded
// into typed intents and handed to the dispatcher; outbound events are
// serialized writes on the same socket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/stumn/Chatment-sub000/internal/event"
	"github.com/stumn/Chatment-sub000/internal/hub"
	"github.com/stumn/Chatment-sub000/internal/util"
)

// Dispatcher processes decoded intents and connection teardown.
type Dispatcher interface {
	Dispatch(ctx context.Context, conn hub.Conn, intent event.Intent)
	Disconnect(connID string)
}

// WSServer upgrades HTTP requests and runs one read loop per connection.
type WSServer struct {
	dispatcher Dispatcher
}

func NewWSServer(dispatcher Dispatcher) *WSServer {
	return &WSServer{dispatcher: dispatcher}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("transport: upgrade failed: %v", err)
		return
	}
	conn := newWSConn(netConn)
	go s.readLoop(conn)
}

// wsConn adapts one socket to hub.Conn. Writes are serialized by a mutex;
// broadcasts arrive from many goroutines.
type wsConn struct {
	id      string
	netConn net.Conn

	writeMu sync.Mutex
	closed  bool
}

func newWSConn(netConn net.Conn) *wsConn {
	return &wsConn{
		id:      util.NewConnectionID(),
		netConn: netConn,
	}
}

func (c *wsConn) ID() string { return c.id }

// Send marshals and writes one event. A write failure closes the socket;
// the read loop notices and runs the disconnect cleanup.
func (c *wsConn) Send(ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("transport: marshal %s: %v", ev.Kind, err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	if err := wsutil.WriteServerText(c.netConn, data); err != nil {
		log.Printf("transport: write to %s: %v", c.id, err)
		c.closed = true
		_ = c.netConn.Close()
	}
}

func (c *wsConn) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.netConn.Close()
}

// readLoop pulls frames until the socket dies, dispatching each intent to
// completion before reading the next. Cleanup runs unconditionally on exit.
func (s *WSServer) readLoop(conn *wsConn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.dispatcher.Disconnect(conn.ID())
		conn.close()
	}()

	for {
		data, err := wsutil.ReadClientText(conn.netConn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				var closedErr wsutil.ClosedError
				if !errors.As(err, &closedErr) {
					log.Printf("transport: read from %s: %v", conn.ID(), err)
				}
			}
			return
		}

		env, err := event.ParseEnvelope(data)
		if err != nil {
			conn.Send(protocolError("", err))
			continue
		}
		intent, err := event.DecodeIntent(env)
		if err != nil {
			conn.Send(protocolError(env.Kind, err))
			continue
		}
		s.dispatcher.Dispatch(ctx, conn, intent)
	}
}

func protocolError(operation string, err error) event.Event {
	return event.Event{Kind: event.KindDomainError, Payload: event.DomainError{
		Operation: operation,
		Code:      "PROTOCOL_ERROR",
		Message:   err.Error(),
	}}
}
