package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/liveballot/pkg/session"
)

// wsConn adapts a WebSocket connection to session.Conn.
//
// Outbound frames go through a bounded queue drained by WriteLoop, so Send
// never waits on a slow peer. The read side is driven by Server.readLoop.
type wsConn struct {
	conn   *websocket.Conn
	config *SessionConfig
	logger *slog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// writeDone is closed when WriteLoop has closed the socket.
	writeDone chan struct{}
}

func newWSConn(conn *websocket.Conn, config *SessionConfig, logger *slog.Logger) *wsConn {
	return &wsConn{
		conn:      conn,
		config:    config,
		logger:    logger,
		out:       make(chan []byte, config.SendQueueSize),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}
}

// Send queues msg. It returns session.ErrSendQueueFull when the queue is
// full and session.ErrConnClosed after Close.
func (c *wsConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return session.ErrConnClosed
	default:
	}

	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return session.ErrConnClosed
	default:
		return session.ErrSendQueueFull
	}
}

// Close stops the write loop, which sends a close frame and closes the
// socket. It is safe to call more than once.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// Closed reports whether Close was called.
func (c *wsConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// WriteLoop writes queued frames and heartbeat pings until Close is called
// or a write fails. It always closes the socket before returning.
func (c *wsConn) WriteLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case msg := <-c.out:
			if err := c.write(msg); err != nil {
				c.logger.Debug("write error", "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("heartbeat failed", "error", err)
				c.Close()
				return
			}

		case <-c.done:
			c.flush()
			deadline := time.Now().Add(c.config.WriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

func (c *wsConn) write(msg []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// flush writes whatever is still queued, without waiting for more.
func (c *wsConn) flush() {
	for {
		select {
		case msg := <-c.out:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
