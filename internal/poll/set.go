package poll

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Interest selects which readiness conditions a descriptor is watched for.
type Interest int16

const (
	Readable Interest = unix.POLLIN
	Writable Interest = unix.POLLOUT
)

// Event reports the readiness of one watched descriptor after Wait.
// Hang-up and error conditions are reported as Readable so that the next read
// observes them.
type Event struct {
	FD       int
	Readable bool
	Writable bool
}

// Set is a readiness set rebuilt by its owner before every Wait. It is not safe
// for concurrent use.
type Set struct {
	fds []unix.PollFd
}

// Reset empties the set, keeping its storage.
func (s *Set) Reset() {
	s.fds = s.fds[:0]
}

// Add watches fd for the given interest.
func (s *Set) Add(fd int, interest Interest) {
	s.fds = append(s.fds, unix.PollFd{Fd: int32(fd), Events: int16(interest)})
}

// Len reports how many descriptors are watched.
func (s *Set) Len() int {
	return len(s.fds)
}

// Wait blocks until at least one descriptor is ready or timeout milliseconds
// elapse. A negative timeout waits forever.
func (s *Set) Wait(timeout int) (int, error) {
	for {
		n, err := unix.Poll(s.fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("poll: wait on %d descriptors: %w", len(s.fds), err)
		}
		return n, nil
	}
}

// Ready returns the descriptors that reported readiness in the last Wait, in
// the order they were added.
func (s *Set) Ready() []Event {
	var events []Event
	for _, pfd := range s.fds {
		if pfd.Revents == 0 {
			continue
		}
		events = append(events, Event{
			FD:       int(pfd.Fd),
			Readable: pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0,
			Writable: pfd.Revents&unix.POLLOUT != 0,
		})
	}
	return events
}

// Waker lets another goroutine interrupt a Wait. Its FD is added to the set as
// Readable; Wake makes it ready.
type Waker struct {
	mu     sync.Mutex
	r, w   int
	closed bool
}

// NewWaker creates a waker backed by a socket pair.
func NewWaker() (*Waker, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("poll: waker socketpair: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("poll: waker set non-blocking: %w", err)
		}
	}
	return &Waker{r: fds[0], w: fds[1]}, nil
}

// FD returns the descriptor to watch.
func (w *Waker) FD() int {
	return w.r
}

// Wake makes FD readable. It is safe to call from any goroutine, any number of
// times, including after Close.
func (w *Waker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	// A full socket buffer already means a wake-up is pending.
	_, _ = unix.Write(w.w, []byte{1})
}

// Drain consumes pending wake-ups.
func (w *Waker) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return
		}
	}
}

// Close releases both ends of the pair.
func (w *Waker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	errR := unix.Close(w.r)
	errW := unix.Close(w.w)
	if errR != nil {
		return fmt.Errorf("poll: close waker: %w", errR)
	}
	if errW != nil {
		return fmt.Errorf("poll: close waker: %w", errW)
	}
	return nil
}
