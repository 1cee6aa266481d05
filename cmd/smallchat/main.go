package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ledzpl/smallchat/internal/chat"
	"github.com/ledzpl/smallchat/internal/config"
	"github.com/ledzpl/smallchat/internal/gateway"
	"github.com/ledzpl/smallchat/internal/logging"
	"github.com/ledzpl/smallchat/internal/poll"
	"github.com/ledzpl/smallchat/pkg/sshserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "smallchat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := logging.New(os.Stdout, "smallchat", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ln, err := poll.Listen(cfg.Addr)
	if err != nil {
		return err
	}
	relayAddr := dialable(ln.Addr().String())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var gateways sync.WaitGroup
	gatewayErrs := make(chan error, 2)

	// A failing gateway takes the whole process down with it.
	startGateway := func(name string, serve func(context.Context) error) {
		gateways.Add(1)
		go func() {
			defer gateways.Done()
			if err := serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("gateway stopped", slog.String("gateway", name), slog.Any("err", err))
				gatewayErrs <- fmt.Errorf("%s gateway: %w", name, err)
				cancel()
			}
		}()
	}

	if cfg.SSHAddr != "" {
		signer, err := sshserver.LoadOrGenerateSigner(cfg.HostKeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("prepare host key: %w", err)
		}
		server := sshserver.New(cfg.SSHAddr, signer, logger)
		handler := gateway.SSHHandler(relayAddr, logger)
		startGateway("ssh", func(ctx context.Context) error {
			return server.ListenAndServe(ctx, handler)
		})
	}

	if cfg.WSAddr != "" {
		server := gateway.NewWebSocketServer(cfg.WSAddr, relayAddr, logger)
		startGateway("websocket", server.ListenAndServe)
	}

	loop := chat.NewLoop(chat.WithLogger(logger), chat.WithReadSize(cfg.ReadSize))
	err = loop.Serve(ctx, ln)
	cancel()
	gateways.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("relay stopped: %w", err)
	}
	select {
	case err := <-gatewayErrs:
		return err
	default:
	}
	logger.Info("shutdown complete")
	return nil
}

// dialable turns a wildcard listen address into one gateways can dial.
func dialable(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return net.JoinHostPort("127.0.0.1", port)
	}
	return addr
}
