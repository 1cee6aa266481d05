package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledzpl/smallchat/internal/poll"
)

const welcomeLine = Welcome + "\n"

var bigMessageBody = "Hi, it's " + strings.Repeat("me", 1000) + "."

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startLoop serves a loop on a loopback port and returns its address and a
// function that stops it and returns the Serve error.
func startLoop(t *testing.T, opts ...Option) (string, func() error) {
	t.Helper()

	ln, err := poll.Listen("127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop(append([]Option{WithLogger(discardLogger())}, opts...)...)

	done := make(chan error, 1)
	go func() {
		done <- loop.Serve(ctx, ln)
	}()

	var (
		once    sync.Once
		stopErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-done:
			case <-time.After(5 * time.Second):
				t.Error("loop did not stop")
			}
		})
		return stopErr
	}
	t.Cleanup(func() { _ = stop() })

	return addr, stop
}

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

// join connects and consumes the welcome banner, which also proves the relay
// has registered the connection.
func join(t *testing.T, addr string) *testClient {
	t.Helper()

	c := dialClient(t, addr)
	require.Equal(t, welcomeLine, c.readLine(t))
	return c
}

func (c *testClient) write(t *testing.T, s string) {
	t.Helper()

	_, err := c.conn.Write([]byte(s))
	require.NoError(t, err)
}

func (c *testClient) readLine(t *testing.T) string {
	t.Helper()

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func (c *testClient) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(d)))
	b, err := c.r.ReadByte()
	require.Error(t, err, "unexpected byte %q", b)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
}

func TestLoopMinimal(t *testing.T) {
	addr, _ := startLoop(t)

	first := join(t, addr)
	second := join(t, addr)

	first.write(t, "/nick test-me\n")
	first.write(t, "Hi!\n")

	require.Equal(t, "test-me> Hi!\n", second.readLine(t))
	first.expectSilence(t, 100*time.Millisecond)
}

func TestLoopPeerDisconnectedBeforeMessage(t *testing.T) {
	addr, _ := startLoop(t)

	first := join(t, addr)
	second := join(t, addr)
	third := join(t, addr)
	require.NoError(t, third.conn.Close())

	first.write(t, "/nick test-me\n")
	first.write(t, "Hi!\n")
	require.Equal(t, "test-me> Hi!\n", second.readLine(t))

	first.write(t, "still here\n")
	require.Equal(t, "test-me> still here\n", second.readLine(t))
}

func TestLoopVeryLongMessage(t *testing.T) {
	addr, _ := startLoop(t)

	first := join(t, addr)
	second := join(t, addr)

	body := strings.Repeat("x", 20000)
	go func() {
		_, _ = first.conn.Write([]byte("/nick test-me\n" + body + "\n"))
	}()

	require.Equal(t, "test-me> "+body+"\n", second.readLine(t))
}

func TestLoopManyConsecutiveMessages(t *testing.T) {
	addr, _ := startLoop(t)

	first := join(t, addr)
	second := join(t, addr)
	first.write(t, "/nick test-me\n")

	const count = 100
	go func() {
		for i := 0; i < count; i++ {
			if _, err := first.conn.Write([]byte(bigMessageBody + "\n")); err != nil {
				return
			}
		}
	}()

	for i := 0; i < count; i++ {
		require.Equal(t, "test-me> "+bigMessageBody+"\n", second.readLine(t), "message %d", i)
	}
	first.expectSilence(t, 100*time.Millisecond)
}

func TestLoopManyContemporaryClients(t *testing.T) {
	addr, _ := startLoop(t)

	const count = 50
	sender := join(t, addr)
	sender.write(t, "/nick test-me\n")

	receivers := make([]*testClient, count)
	for i := range receivers {
		receivers[i] = join(t, addr)
	}

	sender.write(t, "Hi all!\n")
	for i, c := range receivers {
		require.Equal(t, "test-me> Hi all!\n", c.readLine(t), "receiver %d", i)
	}
}

func TestLoopLineSplitAcrossWrites(t *testing.T) {
	addr, _ := startLoop(t)

	first := join(t, addr)
	second := join(t, addr)

	first.write(t, "/nick sp")
	time.Sleep(20 * time.Millisecond)
	first.write(t, "lit\nHel")
	time.Sleep(20 * time.Millisecond)
	first.write(t, "lo\n")

	require.Equal(t, "split> Hello\n", second.readLine(t))
}

func TestLoopSlowReaderKeepsEveryByte(t *testing.T) {
	addr, _ := startLoop(t)

	first := join(t, addr)
	slow := join(t, addr)
	fast := join(t, addr)
	first.write(t, "/nick bulk\n")

	const count = 200
	body := strings.Repeat("0123456789", 1000)
	go func() {
		for i := 0; i < count; i++ {
			if _, err := first.conn.Write([]byte(body + "\n")); err != nil {
				return
			}
		}
	}()

	for i := 0; i < count; i++ {
		require.Equal(t, "bulk> "+body+"\n", fast.readLine(t), "fast reader message %d", i)
	}

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < count; i++ {
		require.Equal(t, "bulk> "+body+"\n", slow.readLine(t), "slow reader message %d", i)
	}
}

func TestLoopShutdownClosesClients(t *testing.T) {
	addr, stop := startLoop(t)

	c := join(t, addr)
	require.ErrorIs(t, stop(), context.Canceled)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadByte()
	require.ErrorIs(t, err, io.EOF)

	_, err = net.DialTimeout("tcp", addr, time.Second)
	require.Error(t, err)
}

func TestLoopWithLengthPrefixFramer(t *testing.T) {
	addr, _ := startLoop(t, WithFramer(func() Framer { return NewLengthPrefixFramer() }))

	frame := func(msg string) []byte {
		out := make([]byte, 4, 4+len(msg))
		binary.BigEndian.PutUint32(out, uint32(len(msg)))
		return append(out, msg...)
	}
	readFrame := func(c *testClient) string {
		require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var header [4]byte
		_, err := io.ReadFull(c.r, header[:])
		require.NoError(t, err)
		msg := make([]byte, binary.BigEndian.Uint32(header[:]))
		_, err = io.ReadFull(c.r, msg)
		require.NoError(t, err)
		return string(msg)
	}

	first := dialClient(t, addr)
	require.Equal(t, Welcome, readFrame(first))
	second := dialClient(t, addr)
	require.Equal(t, Welcome, readFrame(second))

	var out bytes.Buffer
	out.Write(frame("/nick framed"))
	out.Write(frame("multi\nline"))
	first.write(t, out.String())

	require.Equal(t, "framed> multi\nline", readFrame(second))
}
