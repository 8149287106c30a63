package session

import (
	"sync"

	"github.com/computersciencehouse/rankit/sse"
)

type State int

const (
	Unauthenticated State = iota
	Joined
	Left
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Joined:
		return "joined"
	case Left:
		return "left"
	}
	return "unknown"
}

// Identity is produced once, from verified claims, when a connection is
// admitted. Handlers receive it by value and never modify it.
type Identity struct {
	UserId string
	PollId string
	Name   string
}

// Session is one live connection bound to an identity.
type Session struct {
	Id       string
	Identity Identity

	client *sse.Client

	mu    sync.Mutex
	state State
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session from one state to another and reports
// whether it was in the expected state.
func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) Client() *sse.Client {
	return s.client
}

func (s *Session) Events() <-chan sse.NotificationEvent {
	return s.client.Events()
}
