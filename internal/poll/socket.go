// Package poll is the thin layer over the operating system that the relay loop
// is built on: non-blocking TCP sockets and a readiness set.
package poll

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// listenBacklog matches the backlog used by the original smallchat server.
const listenBacklog = 511

// ErrWouldBlock is returned when a non-blocking operation has nothing to do yet.
var ErrWouldBlock = errors.New("poll: operation would block")

// Listener is a non-blocking TCP listening socket.
type Listener struct {
	fd int
}

// Listen creates a non-blocking TCP listener bound to addr ("host:port").
// An empty host binds every IPv4 interface.
func Listen(addr string) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("poll: resolve %q: %w", addr, err)
	}

	family, sa := sockaddr(tcpAddr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("poll: socket: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("poll: set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("poll: bind %q: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("poll: listen %q: %w", addr, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("poll: set non-blocking: %w", err)
	}

	return &Listener{fd: fd}, nil
}

func sockaddr(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 := addr.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa
}

// FD returns the listening descriptor.
func (l *Listener) FD() int {
	return l.fd
}

// Addr returns the bound address, or nil once the listener is closed.
func (l *Listener) Addr() net.Addr {
	if l.fd < 0 {
		return nil
	}
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return nil
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	}
	return nil
}

// Accept takes one pending connection off the backlog. It returns ErrWouldBlock
// when the backlog is empty.
func (l *Listener) Accept() (*Socket, error) {
	for {
		fd, _, err := unix.Accept(l.fd)
		switch {
		case err == nil:
		case err == unix.EINTR, err == unix.ECONNABORTED:
			continue
		case err == unix.EAGAIN:
			return nil, ErrWouldBlock
		default:
			return nil, fmt.Errorf("poll: accept: %w", err)
		}

		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("poll: set non-blocking on fd %d: %w", fd, err)
		}
		// Best effort, as in smallchat.c.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		return &Socket{fd: fd}, nil
	}
}

// Close releases the listening descriptor.
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	if err != nil {
		return fmt.Errorf("poll: close listener: %w", err)
	}
	return nil
}

// Socket is a connected, non-blocking stream socket.
type Socket struct {
	fd int
}

// FD returns the socket descriptor.
func (s *Socket) FD() int {
	return s.fd
}

// Read performs a single read. An orderly shutdown by the peer is reported as io.EOF.
func (s *Socket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("poll: read fd %d: %w", s.fd, err)
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write performs a single write and reports how many bytes the kernel accepted.
func (s *Socket) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("poll: write fd %d: %w", s.fd, err)
		}
		return n, nil
	}
}

// Close releases the descriptor. Closing twice is a no-op.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	if err != nil {
		return fmt.Errorf("poll: close socket: %w", err)
	}
	return nil
}
