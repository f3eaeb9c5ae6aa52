package session

import (
	"context"
	"errors"
)

// ErrConnClosed is returned by Conn.ReadChunk when the peer closed normally
var ErrConnClosed = errors.New("connection closed")

// Conn is one client's bidirectional stream. ReadChunk is only called from one
// goroutine and WriteNotification only from another; Close may be called from any.
type Conn interface {
	// ReadChunk blocks until the next binary audio chunk arrives
	ReadChunk(ctx context.Context) ([]byte, error)
	// WriteNotification serializes n to the peer
	WriteNotification(ctx context.Context, n Notification) error
	// Close releases the connection and unblocks a pending ReadChunk
	Close() error
	// RemoteAddr identifies the peer in logs
	RemoteAddr() string
}
