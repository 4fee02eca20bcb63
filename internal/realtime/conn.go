package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/coedit/pkg/logger"
	"github.com/charlesng35/coedit/pkg/metrics"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 1 << 20 // 1 MiB
	defaultBufferSize     = 64
)

// ConnOptions tune a websocket peer.
type ConnOptions struct {
	SendBuffer     int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultBufferSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	return o
}

// Conn is a Peer backed by a gorilla websocket. Outbound messages go through a
// buffered queue drained by a single writer goroutine.
type Conn struct {
	id     string
	userID string
	socket *websocket.Conn
	opts   ConnOptions
	log    *zap.Logger

	mu     sync.Mutex
	closed bool
	send   chan Message
	done   chan struct{}
}

// NewConn wraps an upgraded websocket for userID.
func NewConn(socket *websocket.Conn, userID string, opts ConnOptions) *Conn {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Conn{
		id:     id,
		userID: userID,
		socket: socket,
		opts:   opts,
		log:    logger.WithModule("realtime").With(zap.String("peer_id", id), zap.String("user_id", userID)),
		send:   make(chan Message, opts.SendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// Send queues msg for the writer goroutine without blocking.
func (c *Conn) Send(msg Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrPeerClosed
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.log.Warn("dropping backpressured connection", zap.String("event", msg.Event))
		c.Close()
		return ErrBackpressure
	}
}

// Close stops accepting messages; already queued messages are still flushed by the writer.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

// Done is closed once the writer has exited and the socket is released.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Run starts the writer and blocks reading frames, handing each payload to handle
// in arrival order. It returns when the connection ends.
func (c *Conn) Run(handle func(payload []byte)) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	go c.writeLoop()
	c.readLoop(handle)
	c.Close()
	<-c.done
}

func (c *Conn) readLoop(handle func(payload []byte)) {
	c.socket.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Info("unexpected close", zap.Error(err))
			}
			return
		}
		// any inbound frame counts as liveness
		_ = c.socket.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		if len(payload) == 0 {
			continue
		}
		handle(payload)
	}
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	defer c.socket.Close()

	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.socket.WriteJSON(msg); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.Close()
				c.drain()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				c.drain()
				return
			}
		}
	}
}

// drain discards queued messages after a write failure.
func (c *Conn) drain() {
	for range c.send {
	}
}
