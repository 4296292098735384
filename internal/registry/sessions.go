package registry

import "fmt"

// Session records one connected client: where to reach it, who it claims to
// be, and the process identity used for forced termination.
type Session struct {
	ReplyChannel string
	Username     string
	PID          int
}

// Sessions is the bounded, insertion-ordered roster of connected clients.
type Sessions struct {
	list []Session
	max  int
}

// NewSessions constructs a roster bounded at max entries. A non-positive max
// falls back to the default session limit.
func NewSessions(max int) *Sessions {
	if max <= 0 {
		max = MaxSessions
	}
	return &Sessions{max: max}
}

// Add registers a session, enforcing the unique-username and capacity rules.
func (s *Sessions) Add(session Session) error {
	if session.Username == "" || len(session.Username) > MaxUsernameBytes {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, session.Username)
	}
	//1.- Uniqueness is checked before capacity so a duplicate name is reported
	// as such even when the roster happens to be full.
	for _, existing := range s.list {
		if existing.Username == session.Username {
			return fmt.Errorf("%w: %q", ErrDuplicateUsername, session.Username)
		}
	}
	if len(s.list) >= s.max {
		return fmt.Errorf("%w (%d)", ErrSessionLimit, s.max)
	}
	s.list = append(s.list, session)
	return nil
}

// Remove deletes the named session preserving the order of the remainder.
// The removed session is returned so callers can signal its process.
func (s *Sessions) Remove(username string) (Session, bool) {
	for i, session := range s.list {
		if session.Username == username {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return session, true
		}
	}
	return Session{}, false
}

// Lookup finds a session by username.
func (s *Sessions) Lookup(username string) (Session, bool) {
	for _, session := range s.list {
		if session.Username == username {
			return session, true
		}
	}
	return Session{}, false
}

// List returns a defensive copy of the roster in registration order.
func (s *Sessions) List() []Session {
	out := make([]Session, len(s.list))
	copy(out, s.list)
	return out
}

// Len reports the number of connected sessions.
func (s *Sessions) Len() int { return len(s.list) }
