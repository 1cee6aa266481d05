package sshserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/crypto/ssh"
)

// SessionHandler handles an accepted SSH "session" channel.
type SessionHandler func(conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request)

// Server wraps the SSH listener lifecycle.
type Server struct {
	Addr   string
	Config *ssh.ServerConfig

	logger *slog.Logger
}

// New creates a Server with the provided host signer. Clients are not
// authenticated; the SSH user name is only used as a display name.
func New(addr string, signer ssh.Signer, logger *slog.Logger) *Server {
	cfg := &ssh.ServerConfig{
		NoClientAuth: true,
	}
	cfg.AddHostKey(signer)

	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		Addr:   addr,
		Config: cfg,
		logger: logger.With(slog.String("component", "sshserver")),
	}
}

// ListenAndServe listens on s.Addr and serves until the context is cancelled or an error occurs.
func (s *Server) ListenAndServe(ctx context.Context, handler SessionHandler) error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("sshserver: listen %q: %w", s.Addr, err)
	}
	return s.Serve(ctx, listener, handler)
}

// Serve accepts SSH connections on listener until the context is cancelled.
// The listener is closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener, handler SessionHandler) error {
	if handler == nil {
		listener.Close()
		return errors.New("sshserver: session handler required")
	}
	defer listener.Close()

	shutdown := make(chan struct{})
	defer close(shutdown)

	go func() {
		select {
		case <-ctx.Done():
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("listener close error", slog.Any("err", err))
			}
		case <-shutdown:
		}
	}()

	s.logger.Info("listening", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("sshserver: accept: %w", err)
			}
			s.logger.Warn("accept error", slog.Any("err", err))
			continue
		}

		go s.handleConn(ctx, conn, handler)
	}
}

func (s *Server) handleConn(ctx context.Context, tcpConn net.Conn, handler SessionHandler) {
	defer tcpConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(tcpConn, s.Config)
	if err != nil {
		s.logger.Warn("handshake failed", slog.String("remote", tcpConn.RemoteAddr().String()), slog.Any("err", err))
		return
	}
	defer sshConn.Close()

	s.logger.Info("new connection",
		slog.String("remote", sshConn.RemoteAddr().String()),
		slog.String("user", sshConn.User()),
		slog.String("client", string(sshConn.ClientVersion())),
	)

	go ssh.DiscardRequests(reqs)

	for {
		select {
		case <-ctx.Done():
			return
		case newChannel, ok := <-chans:
			if !ok {
				return
			}
			if newChannel.ChannelType() != "session" {
				newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
				continue
			}

			channel, requests, err := newChannel.Accept()
			if err != nil {
				s.logger.Warn("channel accept failed", slog.Any("err", err))
				continue
			}

			go handler(sshConn, channel, requests)
		}
	}
}
