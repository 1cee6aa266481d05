package chat

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

var (
	// ErrDuplicateMember is returned by Add when the identity is already registered.
	ErrDuplicateMember = errors.New("chat: identity already registered")
	// ErrUnknownMember is returned by Remove when the identity is not registered.
	ErrUnknownMember = errors.New("chat: identity not registered")
)

type member struct {
	conn    *Connection
	session *Session
}

// Registry is the set of connections eligible to receive broadcasts, keyed by
// identity. It belongs to a single Loop and is not safe for concurrent use.
type Registry struct {
	members map[int]member
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[int]member),
	}
}

// Add registers a newly accepted connection and its session.
func (r *Registry) Add(id int, conn *Connection, session *Session) error {
	if _, ok := r.members[id]; ok {
		return fmt.Errorf("%w: fd %d", ErrDuplicateMember, id)
	}
	r.members[id] = member{conn: conn, session: session}
	return nil
}

// Remove unregisters id.
func (r *Registry) Remove(id int) error {
	if _, ok := r.members[id]; !ok {
		return fmt.Errorf("%w: fd %d", ErrUnknownMember, id)
	}
	delete(r.members, id)
	return nil
}

// Get returns the connection and session registered under id.
func (r *Registry) Get(id int) (*Connection, *Session, bool) {
	m, ok := r.members[id]
	return m.conn, m.session, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.members)
}

// IDs returns a snapshot of the registered identities in ascending order.
func (r *Registry) IDs() []int {
	return slices.Sorted(maps.Keys(r.members))
}

// Broadcast queues payload on every member except sender and returns how many
// members it was queued on. Every frame is encoded before any is queued, so a
// framing error leaves all outbound buffers untouched.
func (r *Registry) Broadcast(sender int, payload []byte) (int, error) {
	ids := r.IDs()

	targets := make([]*Connection, 0, len(ids))
	frames := make([][]byte, 0, len(ids))
	for _, id := range ids {
		if id == sender {
			continue
		}
		conn := r.members[id].conn
		frame, err := conn.Encode(payload)
		if err != nil {
			return 0, fmt.Errorf("chat: broadcast from fd %d: %w", sender, err)
		}
		targets = append(targets, conn)
		frames = append(frames, frame)
	}

	for i, conn := range targets {
		conn.Queue(frames[i])
	}
	return len(targets), nil
}
