package chat

import (
	"bytes"
	"strconv"
)

// NickCommand is the line prefix that changes the sender's nickname.
const NickCommand = "/nick "

// Session interprets the lines of one connection: either a nickname change or
// a chat message for everybody else.
type Session struct {
	id       int
	nick     string
	registry *Registry
}

// NewSession creates the session of connection id with the default nickname
// "user:<id>".
func NewSession(id int, registry *Registry) *Session {
	return &Session{
		id:       id,
		nick:     "user:" + strconv.Itoa(id),
		registry: registry,
	}
}

// ID returns the identity of the owning connection.
func (s *Session) ID() int {
	return s.id
}

// Nick returns the current nickname.
func (s *Session) Nick() string {
	return s.nick
}

// OnLine handles one decoded line. Nicknames are taken as sent: empty and
// duplicate nicknames are allowed.
func (s *Session) OnLine(line []byte) error {
	if nick, ok := bytes.CutPrefix(line, []byte(NickCommand)); ok {
		s.nick = string(nick)
		return nil
	}

	payload := make([]byte, 0, len(s.nick)+2+len(line))
	payload = append(payload, s.nick...)
	payload = append(payload, "> "...)
	payload = append(payload, line...)

	_, err := s.registry.Broadcast(s.id, payload)
	return err
}
