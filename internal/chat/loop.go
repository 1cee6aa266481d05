package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ledzpl/smallchat/internal/poll"
)

// Welcome is sent to every peer right after it connects.
const Welcome = "Welcome to Simple Chat! Use /nick <nick> to set your nick."

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for connection events.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithFramer sets the constructor of per-connection framers.
func WithFramer(newFramer func() Framer) Option {
	return func(l *Loop) {
		if newFramer != nil {
			l.newFramer = newFramer
		}
	}
}

// WithReadSize sets the largest chunk read per readiness event.
func WithReadSize(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.readSize = n
		}
	}
}

// Loop multiplexes the listening socket and every peer on one goroutine.
// All relay state is owned by that goroutine.
type Loop struct {
	registry  *Registry
	newFramer func() Framer
	readSize  int
	logger    *slog.Logger

	set     poll.Set
	closing []*Connection
}

// NewLoop constructs a loop with an empty registry.
func NewLoop(opts ...Option) *Loop {
	l := &Loop{
		registry:  NewRegistry(),
		newFramer: func() Framer { return NewLineFramer() },
		readSize:  DefaultReadSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "relay"))
	return l
}

// Serve runs the loop on ln until ctx is cancelled or the readiness wait
// fails. It takes ownership of ln and closes every connection before
// returning. Failures of individual peers never stop the loop.
func (l *Loop) Serve(ctx context.Context, ln *poll.Listener) error {
	defer ln.Close()

	waker, err := poll.NewWaker()
	if err != nil {
		return err
	}
	defer waker.Close()

	stop := context.AfterFunc(ctx, waker.Wake)
	defer stop()

	l.logger.Info("relay listening", slog.Any("addr", ln.Addr()))

	for {
		l.watch(ln.FD(), waker.FD())

		if _, err := l.set.Wait(-1); err != nil {
			l.shutdown()
			return err
		}
		if err := ctx.Err(); err != nil {
			l.shutdown()
			l.logger.Info("relay stopped")
			return err
		}

		l.pass(ln, waker, l.set.Ready())
	}
}

// watch rebuilds the readiness set. Peers are write-watched only while they
// have queued output.
func (l *Loop) watch(listenFD, wakeFD int) {
	l.set.Reset()
	l.set.Add(wakeFD, poll.Readable)
	l.set.Add(listenFD, poll.Readable)
	for _, id := range l.registry.IDs() {
		conn, _, _ := l.registry.Get(id)
		interest := poll.Readable
		if conn.Pending() > 0 {
			interest |= poll.Writable
		}
		l.set.Add(id, interest)
	}
}

// pass handles one readiness result: accepts and reads first, then a write
// phase, then teardown of connections marked during the pass. Descriptors are
// only closed in the teardown step, so no identity is reused within a pass.
func (l *Loop) pass(ln *poll.Listener, waker *poll.Waker, events []poll.Event) {
	for _, ev := range events {
		switch {
		case ev.FD == waker.FD():
			waker.Drain()
		case ev.FD == ln.FD():
			if ev.Readable {
				l.acceptAll(ln)
			}
		case ev.Readable:
			l.handleReadable(ev.FD)
		}
	}

	l.flushPending()
	l.reap()
}

func (l *Loop) acceptAll(ln *poll.Listener) {
	for {
		sock, err := ln.Accept()
		if errors.Is(err, poll.ErrWouldBlock) {
			return
		}
		if err != nil {
			l.logger.Warn("accept failed", slog.Any("err", err))
			return
		}
		l.admit(sock)
	}
}

func (l *Loop) admit(sock *poll.Socket) {
	id := sock.FD()
	conn := NewConnection(id, sock, l.newFramer(), l.readSize)
	session := NewSession(id, l.registry)

	if err := l.registry.Add(id, conn, session); err != nil {
		l.logger.Error("register connection", slog.Int("fd", id), slog.Any("err", err))
		_ = sock.Close()
		return
	}
	if err := conn.Send([]byte(Welcome)); err != nil {
		l.logger.Error("queue welcome", slog.Int("fd", id), slog.Any("err", err))
	}

	l.logger.Info("client connected",
		slog.Int("fd", id),
		slog.String("nick", session.Nick()),
		slog.Int("clients", l.registry.Len()),
	)
}

func (l *Loop) handleReadable(id int) {
	conn, session, ok := l.registry.Get(id)
	if !ok || conn.Closing() {
		return
	}

	data, err := conn.Read()
	if err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			l.logger.Warn("read failed", slog.Int("fd", id), slog.Any("err", err))
		}
		l.markClosing(conn)
		return
	}

	for _, line := range conn.Decode(data) {
		if err := session.OnLine(line); err != nil {
			l.logger.Error("drop line", slog.Int("fd", id), slog.Any("err", err))
			continue
		}
		l.logger.Debug("line relayed",
			slog.Int("fd", id),
			slog.String("nick", session.Nick()),
			slog.Int("bytes", len(line)),
		)
	}
}

// flushPending makes one write attempt on every live connection with queued
// output, including those that only received bytes during this pass.
func (l *Loop) flushPending() {
	for _, id := range l.registry.IDs() {
		conn, _, _ := l.registry.Get(id)
		if conn.Closing() || conn.Pending() == 0 {
			continue
		}
		if _, err := conn.Flush(); err != nil {
			l.logger.Warn("write failed", slog.Int("fd", id), slog.Any("err", err))
			l.markClosing(conn)
		}
	}
}

func (l *Loop) markClosing(conn *Connection) {
	if conn.Closing() {
		return
	}
	conn.markClosing()
	l.closing = append(l.closing, conn)
}

// reap tears down the connections marked during the pass. Each gets one last
// non-blocking flush; whatever the kernel does not take is dropped.
func (l *Loop) reap() {
	for _, conn := range l.closing {
		id := conn.ID()
		_, _ = conn.Flush()

		nick := ""
		if _, session, ok := l.registry.Get(id); ok {
			nick = session.Nick()
		}
		if err := l.registry.Remove(id); err != nil {
			l.logger.Error("unregister connection", slog.Int("fd", id), slog.Any("err", err))
		}
		if err := conn.Close(); err != nil {
			l.logger.Warn("close connection", slog.Int("fd", id), slog.Any("err", err))
		}

		l.logger.Info("client disconnected",
			slog.Int("fd", id),
			slog.String("nick", nick),
			slog.Int("clients", l.registry.Len()),
		)
	}
	l.closing = l.closing[:0]
}

func (l *Loop) shutdown() {
	for _, id := range l.registry.IDs() {
		conn, _, _ := l.registry.Get(id)
		l.markClosing(conn)
	}
	l.reap()
}
