package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ledzpl/smallchat/internal/chat"
)

const (
	// WebSocketPath is the route browsers connect to.
	WebSocketPath = "/ws"

	maxWebSocketMessage = 1 << 20
	wsWriteWait         = 10 * time.Second
	shutdownGrace       = 5 * time.Second
)

// FramingErrorText is sent back when a client message spans several lines.
const FramingErrorText = "error: messages must be a single line"

// WebSocketServer bridges WebSocket clients to the relay. Each text or binary
// message is one chat line; each relay line is delivered as one text message.
type WebSocketServer struct {
	addr      string
	relayAddr string
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func NewWebSocketServer(addr, relayAddr string, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		addr:      addr,
		relayAddr: relayAddr,
		logger:    logger.With(slog.String("component", "ws-gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// No auth is performed, so there is nothing for an origin check to protect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes served by the gateway.
func (s *WebSocketServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, s.handleWebSocket)
	return mux
}

// ListenAndServe listens on the configured address and serves until ctx is cancelled.
func (s *WebSocketServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %q: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves WebSocket clients on ln until ctx is cancelled. Bridged
// sessions are tied to ctx and end with it.
func (s *WebSocketServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown error", slog.Any("err", err))
		}
	})
	defer stop()

	s.logger.Info("listening", slog.String("addr", ln.Addr().String()), slog.String("path", WebSocketPath))

	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.String("remote", r.RemoteAddr), slog.Any("err", err))
		return
	}
	defer conn.Close()

	logger := s.logger.With(slog.String("session", uuid.NewString()), slog.String("remote", r.RemoteAddr))

	upstream, err := Dial(r.Context(), s.relayAddr)
	if err != nil {
		logger.Warn("relay unavailable", slog.Any("err", err))
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		return
	}

	logger.Info("joined relay")
	newBridge(conn, upstream, logger).run(r.Context())
	logger.Info("left relay")
}

// bridge pumps lines between one WebSocket client and its relay connection.
type bridge struct {
	conn     *websocket.Conn
	upstream *Upstream
	logger   *slog.Logger

	wmu sync.Mutex
}

func newBridge(conn *websocket.Conn, upstream *Upstream, logger *slog.Logger) *bridge {
	conn.SetReadLimit(maxWebSocketMessage)
	return &bridge{conn: conn, upstream: upstream, logger: logger}
}

func (b *bridge) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing both ends unblocks whichever pump is still reading.
	stop := context.AfterFunc(ctx, func() {
		_ = b.upstream.Close()
		_ = b.conn.Close()
	})
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		b.relayToClient()
	}()

	b.clientToRelay()
	cancel()
	<-done
}

func (b *bridge) relayToClient() {
	for {
		line, err := b.upstream.ReadLine()
		if err != nil {
			if !isClosedConn(err) {
				b.logger.Debug("relay read ended", slog.Any("err", err))
			}
			return
		}
		if err := b.write(line); err != nil {
			return
		}
	}
}

func (b *bridge) clientToRelay() {
	for {
		kind, data, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !isClosedConn(err) {
				b.logger.Debug("client read ended", slog.Any("err", err))
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		// A single trailing newline is tolerated; clients often send one.
		data = bytes.TrimSuffix(data, []byte{chat.Delimiter})

		err = b.upstream.WriteLine(data)
		switch {
		case errors.Is(err, chat.ErrFraming):
			if err := b.write([]byte(FramingErrorText)); err != nil {
				return
			}
		case err != nil:
			b.logger.Warn("relay write failed", slog.Any("err", err))
			return
		}
	}
}

func (b *bridge) write(p []byte) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return b.conn.WriteMessage(websocket.TextMessage, p)
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
