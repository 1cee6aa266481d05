package chat

import (
	"errors"
	"fmt"
	"io"

	"github.com/ledzpl/smallchat/internal/poll"
)

// DefaultReadSize is the largest chunk a Connection reads per readiness event.
const DefaultReadSize = 1024

// ErrConnectionClosed reports an orderly shutdown by the peer.
var ErrConnectionClosed = errors.New("chat: connection closed by peer")

// Conn is the non-blocking byte stream under a Connection. Read and Write
// return poll.ErrWouldBlock instead of waiting, and Read reports an orderly
// shutdown as io.EOF or a zero-length read.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Connection is one peer of the relay: its socket, its framer holding partial
// inbound lines and its queue of outbound bytes. It is owned by the loop
// goroutine and is not safe for concurrent use.
type Connection struct {
	id      int
	conn    Conn
	framer  Framer
	out     outbox
	readBuf []byte
	closing bool
}

// NewConnection wraps conn. A readSize of zero or less uses DefaultReadSize.
func NewConnection(id int, conn Conn, framer Framer, readSize int) *Connection {
	if framer == nil {
		framer = NewLineFramer()
	}
	if readSize <= 0 {
		readSize = DefaultReadSize
	}
	return &Connection{
		id:      id,
		conn:    conn,
		framer:  framer,
		readBuf: make([]byte, readSize),
	}
}

// ID returns the identity of the connection.
func (c *Connection) ID() int {
	return c.id
}

// Read performs one read. It returns ErrConnectionClosed when the peer shut
// down, nil data and nil error on a spurious wake-up, and the wrapped
// transport error on any other failure. The returned slice is only valid
// until the next Read.
func (c *Connection) Read() ([]byte, error) {
	n, err := c.conn.Read(c.readBuf)
	switch {
	case errors.Is(err, poll.ErrWouldBlock):
		return nil, nil
	case errors.Is(err, io.EOF):
		return nil, ErrConnectionClosed
	case err != nil:
		return nil, fmt.Errorf("chat: read from fd %d: %w", c.id, err)
	case n == 0:
		return nil, ErrConnectionClosed
	}
	return c.readBuf[:n], nil
}

// Decode feeds data to the connection's framer and returns the completed lines.
func (c *Connection) Decode(data []byte) [][]byte {
	return c.framer.Decode(data)
}

// Encode frames msg with the connection's framer without queueing it.
func (c *Connection) Encode(msg []byte) ([]byte, error) {
	return c.framer.Encode(msg)
}

// Queue appends already framed bytes to the outbound buffer. It never performs I/O.
func (c *Connection) Queue(p []byte) {
	c.out.Append(p)
}

// Send frames msg and queues it.
func (c *Connection) Send(msg []byte) error {
	frame, err := c.framer.Encode(msg)
	if err != nil {
		return err
	}
	c.Queue(frame)
	return nil
}

// Pending reports how many queued bytes have not been written yet.
func (c *Connection) Pending() int {
	return c.out.Len()
}

// Flush makes one write attempt of the queued bytes and drops exactly the
// prefix the transport accepted. It reports whether the queue is now empty.
func (c *Connection) Flush() (bool, error) {
	if c.out.Len() == 0 {
		return true, nil
	}

	n, err := c.conn.Write(c.out.Bytes())
	if n > 0 {
		c.out.Consume(n)
	}
	if err != nil && !errors.Is(err, poll.ErrWouldBlock) {
		return false, fmt.Errorf("chat: write to fd %d: %w", c.id, err)
	}
	return c.out.Len() == 0, nil
}

// Closing reports whether the connection is marked for teardown.
func (c *Connection) Closing() bool {
	return c.closing
}

func (c *Connection) markClosing() {
	c.closing = true
}

// Close releases the transport.
func (c *Connection) Close() error {
	return c.conn.Close()
}
