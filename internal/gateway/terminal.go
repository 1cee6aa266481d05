package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/crypto/ssh"

	"github.com/ledzpl/smallchat/internal/chat"
	"github.com/ledzpl/smallchat/pkg/sshserver"
)

const (
	ctrlC      = 0x03
	ctrlD      = 0x04
	ctrlW      = 0x17
	backspace  = '\b'
	deleteChar = 0x7f

	// maxInputRunes caps a typed line so a stuck key cannot grow it forever.
	maxInputRunes = 4096

	relayDialTimeout = 5 * time.Second
)

var errSessionTerminated = errors.New("session terminated")

var errShellNotRequested = errors.New("shell request not received before channel closed")

// SSHHandler returns a session handler that joins every SSH shell to the
// relay at relayAddr as its own peer. The SSH user name becomes the nickname.
func SSHHandler(relayAddr string, logger *slog.Logger) sshserver.SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "ssh-gateway"))
	colors := newHashColorPicker(defaultColorPalette)

	return func(conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request) {
		defer channel.Close()

		s := &terminalSession{
			relayAddr: relayAddr,
			nick:      conn.User(),
			channel:   channel,
			requests:  requests,
			buffer:    newLineBuffer(128, maxInputRunes),
			colors:    colors,
			logger:    logger.With(slog.String("user", conn.User()), slog.String("remote", conn.RemoteAddr().String())),
		}
		s.run()
	}
}

type terminalSession struct {
	relayAddr string

	nickMu sync.Mutex
	nick   string

	channel  ssh.Channel
	requests <-chan *ssh.Request

	upstream *Upstream
	buffer   *lineBuffer
	ui       *terminalUI
	colors   ColorPicker
	logger   *slog.Logger

	workers sync.WaitGroup
	cleanup sync.Once
}

func (s *terminalSession) run() {
	defer s.cleanupSession()

	if err := s.setup(); err != nil {
		if errors.Is(err, errShellNotRequested) {
			return
		}
		s.logger.Warn("session setup failed", slog.Any("err", err))
		s.printSystemError(err)
		return
	}
	s.logger.Info("joined relay", slog.String("relay", s.relayAddr))

	if err := s.readLoop(); err != nil {
		s.handleReadError(err)
	}
	s.logger.Info("left relay")
}

func (s *terminalSession) setup() error {
	s.ui = newTerminalUI(newTerminalWriter(s.channel))

	if err := s.awaitShell(); err != nil {
		return fmt.Errorf("await shell: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayDialTimeout)
	defer cancel()
	upstream, err := Dial(ctx, s.relayAddr)
	if err != nil {
		return err
	}
	s.upstream = upstream

	if nick := s.currentNick(); nick != "" {
		if err := s.upstream.SetNick(nick); err != nil {
			return err
		}
	}

	if err := s.ui.ClearScreen(); err != nil {
		return fmt.Errorf("prepare terminal: %w", err)
	}

	s.startInboundRelay()
	return nil
}

// awaitShell answers channel requests until the client asks for a shell.
func (s *terminalSession) awaitShell() error {
	for req := range s.requests {
		if !s.handleRequest(req) {
			continue
		}

		s.startRequestPump()
		return nil
	}
	return errShellNotRequested
}

func (s *terminalSession) handleRequest(req *ssh.Request) bool {
	switch req.Type {
	case "shell":
		req.Reply(true, nil)
		return true
	case "pty-req", "env", "window-change", "signal":
		req.Reply(true, nil)
	default:
		req.Reply(false, nil)
	}
	return false
}

func (s *terminalSession) startRequestPump() {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		for req := range s.requests {
			s.handleRequest(req)
		}
	}()
}

// startInboundRelay copies relay lines to the terminal. When the relay goes
// away the channel is closed, which ends the input loop as well.
func (s *terminalSession) startInboundRelay() {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		for {
			line, err := s.upstream.ReadLine()
			if err != nil {
				if !errors.Is(err, io.EOF) && !isClosedConn(err) {
					s.logger.Warn("relay read failed", slog.Any("err", err))
				}
				_ = s.printMessage("[system] disconnected from relay")
				_ = s.channel.Close()
				return
			}
			if err := s.printMessage(colorize(s.colors, string(line))); err != nil {
				return
			}
		}
	}()
}

func (s *terminalSession) readLoop() error {
	reader := bufio.NewReader(s.channel)

	for {
		r, _, err := reader.ReadRune()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return s.handleEOF()
			}
			return err
		}

		if err := s.processRune(reader, r); err != nil {
			return err
		}
	}
}

func (s *terminalSession) processRune(reader *bufio.Reader, r rune) error {
	switch r {
	case '\r', '\n':
		return s.handleNewline(reader, r)
	case ctrlC:
		if err := s.handleControl("^C"); err != nil {
			return err
		}
		return errSessionTerminated
	case ctrlD:
		if err := s.handleControl("^D"); err != nil {
			return err
		}
		return errSessionTerminated
	case ctrlW:
		s.buffer.TrimWord()
		return s.renderPrompt()
	case backspace, deleteChar:
		s.buffer.TrimLast()
		return s.renderPrompt()
	default:
		if unicode.IsPrint(r) && s.buffer.Append(r) {
			return s.renderPrompt()
		}
		return nil
	}
}

func (s *terminalSession) handleNewline(reader *bufio.Reader, r rune) error {
	if r == '\r' && reader.Buffered() > 0 {
		if next, _, err := reader.ReadRune(); err == nil {
			if next != '\n' {
				_ = reader.UnreadRune()
			}
		}
	}
	return s.submitLine(s.buffer.Drain())
}

func (s *terminalSession) handleEOF() error {
	return s.submitLine(s.buffer.Drain())
}

func (s *terminalSession) handleControl(label string) error {
	s.buffer.Reset()
	if err := s.ui.DisplayLine(label); err != nil {
		return err
	}
	return s.renderPrompt()
}

// submitLine sends text to the relay as typed. The relay does not echo a
// sender's own messages, so they are printed locally.
func (s *terminalSession) submitLine(text string) error {
	if strings.TrimSpace(text) == "" {
		return s.renderPrompt()
	}
	if err := s.upstream.WriteLine([]byte(text)); err != nil {
		return err
	}

	if nick, ok := strings.CutPrefix(text, chat.NickCommand); ok {
		s.setNick(nick)
		return s.printMessage("[system] you are now " + nick)
	}
	return s.printMessage(colorize(s.colors, s.displayNick()+"> "+text))
}

func (s *terminalSession) currentNick() string {
	s.nickMu.Lock()
	defer s.nickMu.Unlock()
	return s.nick
}

func (s *terminalSession) setNick(nick string) {
	s.nickMu.Lock()
	s.nick = nick
	s.nickMu.Unlock()
}

// displayNick is the nickname as peers see it. Without an SSH user name the
// relay keeps its own default, which this side cannot know.
func (s *terminalSession) displayNick() string {
	if nick := s.currentNick(); nick != "" {
		return nick
	}
	return "me"
}

func (s *terminalSession) renderPrompt() error {
	status := fmt.Sprintf("smallchat %s | %s", s.relayAddr, s.displayNick())
	return s.ui.UpdatePrompt(status, s.buffer.Snapshot())
}

func (s *terminalSession) printMessage(msg string) error {
	if err := s.ui.DisplayLine(msg); err != nil {
		return err
	}
	return s.renderPrompt()
}

func (s *terminalSession) cleanupSession() {
	s.cleanup.Do(func() {
		if s.upstream != nil {
			_ = s.upstream.Close()
		}
		if s.channel != nil {
			_ = s.channel.Close()
		}
		s.workers.Wait()
	})
}

func (s *terminalSession) handleReadError(err error) {
	switch {
	case errors.Is(err, errSessionTerminated):
		return
	case errors.Is(err, io.EOF):
		return
	default:
		s.printSystemError(fmt.Errorf("read error: %w", err))
	}
}

func (s *terminalSession) printSystemError(err error) {
	_ = s.printMessage(fmt.Sprintf("[system] %v", err))
}
