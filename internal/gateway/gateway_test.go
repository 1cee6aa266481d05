package gateway

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledzpl/smallchat/internal/chat"
	"github.com/ledzpl/smallchat/internal/poll"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startRelay runs a relay loop on a loopback port for the duration of the test.
func startRelay(t *testing.T) string {
	t.Helper()

	ln, err := poll.Listen("127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- chat.NewLoop(chat.WithLogger(discardLogger())).Serve(ctx, ln)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Error("relay did not stop")
		}
	})
	return addr
}

type peer struct {
	conn net.Conn
	r    *bufio.Reader
}

// joinRelay connects a plain TCP client and consumes its welcome banner.
func joinRelay(t *testing.T, addr string) *peer {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	p := &peer{conn: conn, r: bufio.NewReader(conn)}
	require.Equal(t, chat.Welcome+"\n", p.readLine(t))
	return p
}

func (p *peer) readLine(t *testing.T) string {
	t.Helper()

	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := p.r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func (p *peer) write(t *testing.T, s string) {
	t.Helper()

	_, err := p.conn.Write([]byte(s))
	require.NoError(t, err)
}

func TestUpstreamReadAndWriteLines(t *testing.T) {
	relay := startRelay(t)
	other := joinRelay(t, relay)

	up, err := Dial(context.Background(), relay)
	require.NoError(t, err)
	t.Cleanup(func() { _ = up.Close() })

	line, err := up.ReadLine()
	require.NoError(t, err)
	require.Equal(t, chat.Welcome, string(line))

	require.NoError(t, up.SetNick("bridge"))
	require.NoError(t, up.WriteLine([]byte("one")))
	require.Equal(t, "bridge> one\n", other.readLine(t))

	other.write(t, "two\nthree\n")
	first, err := up.ReadLine()
	require.NoError(t, err)
	second, err := up.ReadLine()
	require.NoError(t, err)
	require.Regexp(t, `^user:\d+> two$`, string(first))
	require.Regexp(t, `^user:\d+> three$`, string(second))
}

func TestUpstreamRejectsEmbeddedDelimiter(t *testing.T) {
	relay := startRelay(t)

	up, err := Dial(context.Background(), relay)
	require.NoError(t, err)
	t.Cleanup(func() { _ = up.Close() })

	require.ErrorIs(t, up.WriteLine([]byte("a\nb")), chat.ErrFraming)
}

func TestDialFailsWithoutRelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), addr)
	require.Error(t, err)
}
