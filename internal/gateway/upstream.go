// Package gateway lets clients that do not speak raw TCP lines join the relay.
// Every gateway session opens its own upstream connection, so the relay sees
// an ordinary peer and applies the usual welcome, nickname and fan-out rules.
package gateway

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ledzpl/smallchat/internal/chat"
)

// Upstream is a line-framed client connection to the relay. ReadLine must be
// called from a single goroutine; WriteLine may be called concurrently.
type Upstream struct {
	conn    net.Conn
	framer  *chat.LineFramer
	buf     []byte
	pending [][]byte

	wmu sync.Mutex
}

// Dial connects to the relay at addr.
func Dial(ctx context.Context, addr string) (*Upstream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial relay %q: %w", addr, err)
	}
	return &Upstream{
		conn:   conn,
		framer: chat.NewLineFramer(),
		buf:    make([]byte, chat.DefaultReadSize),
	}, nil
}

// ReadLine returns the next line sent by the relay, without its delimiter.
func (u *Upstream) ReadLine() ([]byte, error) {
	for len(u.pending) == 0 {
		n, err := u.conn.Read(u.buf)
		if n > 0 {
			u.pending = append(u.pending, u.framer.Decode(u.buf[:n])...)
		}
		if err != nil && len(u.pending) == 0 {
			return nil, err
		}
	}

	line := u.pending[0]
	u.pending = u.pending[1:]
	return line, nil
}

// WriteLine frames line and sends it. It fails with chat.ErrFraming when line
// embeds the delimiter.
func (u *Upstream) WriteLine(line []byte) error {
	frame, err := u.framer.Encode(line)
	if err != nil {
		return err
	}

	u.wmu.Lock()
	defer u.wmu.Unlock()
	if _, err := u.conn.Write(frame); err != nil {
		return fmt.Errorf("gateway: write to relay: %w", err)
	}
	return nil
}

// SetNick asks the relay to rename this connection.
func (u *Upstream) SetNick(nick string) error {
	return u.WriteLine([]byte(chat.NickCommand + nick))
}

// Close closes the relay connection and unblocks ReadLine.
func (u *Upstream) Close() error {
	return u.conn.Close()
}
