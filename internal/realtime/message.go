package realtime

import "errors"

// Message is the JSON frame exchanged with realtime clients.
type Message struct {
	Event      string `json:"event"`
	DocumentID string `json:"documentId,omitempty"`
	Data       any    `json:"data,omitempty"`
}

var (
	// ErrPeerClosed is returned when delivering to a connection that already closed.
	ErrPeerClosed = errors.New("realtime: peer closed")
	// ErrBackpressure is returned when a connection's send queue is full.
	ErrBackpressure = errors.New("realtime: send queue full")
)

// Peer is one client connection as seen by the hub.
type Peer interface {
	ID() string
	UserID() string
	// Send queues msg for delivery without blocking. Messages queued by one
	// goroutine are written in the order they were queued.
	Send(msg Message) error
	Close()
}
