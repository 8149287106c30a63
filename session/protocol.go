package session

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/computersciencehouse/rankit/database"
	"github.com/computersciencehouse/rankit/logging"
	"github.com/computersciencehouse/rankit/polls"
	"github.com/computersciencehouse/rankit/sse"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

const (
	CommandNominate          = "nominate"
	CommandRemoveNomination  = "remove_nomination"
	CommandRemoveParticipant = "remove_participant"
	CommandStartVote         = "start_vote"
	CommandSubmitRankings    = "submit_rankings"
	CommandClosePoll         = "close_poll"
	CommandCancelPoll        = "cancel_poll"
)

const maxNominationLength = 100

type Command struct {
	Name    string
	Payload []byte
}

type nominatePayload struct {
	Text string `json:"text"`
}

type idPayload struct {
	Id string `json:"id"`
}

type rankingsPayload struct {
	Rankings []string `json:"rankings"`
}

// Protocol sequences connection lifecycle events and commands into
// coordinator calls. Failures are reported to the originating connection
// only; successful mutations reach the room through the coordinator's
// publisher.
type Protocol struct {
	coordinator *polls.Coordinator
	broker      *sse.Broker

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewProtocol(coordinator *polls.Coordinator, broker *sse.Broker) *Protocol {
	return &Protocol{
		coordinator: coordinator,
		broker:      broker,
		sessions:    make(map[string]*Session),
	}
}

// Admit joins a verified identity to its poll's room and records it as a
// participant. A connection whose participant entry is already current
// receives the snapshot directly instead of a room broadcast.
func (p *Protocol) Admit(ctx context.Context, id Identity) (*Session, error) {
	log := logging.Logger.WithFields(logrus.Fields{"module": "session", "method": "Admit", "pollId": id.PollId, "userId": id.UserId})

	if id.UserId == "" || id.PollId == "" {
		return nil, polls.Unauthorized("missing identity")
	}

	client := p.broker.Join(id.PollId)
	if client == nil {
		return nil, &polls.Error{Kind: polls.KindUnknown, Message: "server is shutting down"}
	}
	s := &Session{Id: client.Id, Identity: id, client: client, state: Unauthenticated}
	p.broker.Send(client, EventConnected, Connected{ConnectionId: s.Id})

	// Registered before the participant is added so a concurrent Leave of
	// the same user sees this connection.
	p.register(s)

	_, changed, err := p.coordinator.AddParticipant(ctx, id.PollId, id.UserId, id.Name)
	if err == nil && !changed {
		err = p.coordinator.Snapshot(ctx, id.PollId, func(poll *database.Poll) {
			p.broker.Send(client, EventPollUpdated, poll)
		})
	}
	if err != nil {
		log.WithField("error", err).Warn("admission failed")
		p.unregister(s)
		p.broker.Leave(client)
		return nil, err
	}

	s.transition(Unauthenticated, Joined)

	log.WithField("connectionId", s.Id).Info("connection joined poll")
	return s, nil
}

// Leave terminates the session. The participant is removed unless the poll
// has started or the same user still has another live connection. The
// removal runs to completion even if ctx is cancelled.
func (p *Protocol) Leave(ctx context.Context, s *Session) {
	if !s.transition(Joined, Left) {
		return
	}
	log := logging.Logger.WithFields(logrus.Fields{"module": "session", "method": "Leave", "pollId": s.Identity.PollId, "userId": s.Identity.UserId, "connectionId": s.Id})

	p.unregister(s)
	p.broker.Leave(s.client)

	keep := func() bool {
		if p.connected(s.Identity) {
			log.Debug("user still connected elsewhere, keeping participant")
			return true
		}
		return false
	}
	_, changed, err := p.coordinator.RemoveParticipantUnless(context.WithoutCancel(ctx), s.Identity.PollId, s.Identity.UserId, keep)
	switch {
	case polls.KindOf(err) == polls.KindNotFound:
		log.Debug("poll is gone, nothing to remove")
	case err != nil:
		log.WithField("error", err).Error("failed to remove participant")
	default:
		log.WithField("removed", changed).Info("connection left poll")
	}
}

func (p *Protocol) register(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s.Id] = s
}

func (p *Protocol) unregister(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, s.Id)
}

func (p *Protocol) connected(id Identity) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, other := range p.sessions {
		if other.Identity.PollId == id.PollId && other.Identity.UserId == id.UserId {
			return true
		}
	}
	return false
}

// Lookup finds a registered session by connection id. Commands are refused
// until the session has joined.
func (p *Protocol) Lookup(connectionId string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[connectionId]
	return s, ok
}

// Handle runs one command for s. The returned poll is the refreshed
// snapshot; it is nil for cancel_poll.
func (p *Protocol) Handle(ctx context.Context, s *Session, cmd Command) (*database.Poll, error) {
	poll, err := p.dispatch(ctx, s, cmd)
	if err != nil {
		p.reject(s, cmd, err)
		return nil, err
	}
	return poll, nil
}

func (p *Protocol) dispatch(ctx context.Context, s *Session, cmd Command) (*database.Poll, error) {
	if s.State() != Joined {
		return nil, polls.Unauthorized("connection has not joined a poll")
	}
	id := s.Identity

	switch cmd.Name {
	case CommandNominate:
		var payload nominatePayload
		if err := decode(cmd.Payload, &payload); err != nil {
			return nil, err
		}
		text := strings.TrimSpace(payload.Text)
		if text == "" || utf8.RuneCountInString(text) > maxNominationLength {
			return nil, polls.BadRequest("nomination text must be 1 to %d characters", maxNominationLength)
		}
		return p.coordinator.AddNomination(ctx, id.PollId, id.UserId, text)

	case CommandRemoveNomination:
		var payload idPayload
		if err := decodeId(cmd.Payload, &payload); err != nil {
			return nil, err
		}
		if err := p.authorize(ctx, id); err != nil {
			return nil, err
		}
		poll, _, err := p.coordinator.RemoveNomination(ctx, id.PollId, payload.Id)
		return poll, err

	case CommandRemoveParticipant:
		var payload idPayload
		if err := decodeId(cmd.Payload, &payload); err != nil {
			return nil, err
		}
		if err := p.authorize(ctx, id); err != nil {
			return nil, err
		}
		poll, _, err := p.coordinator.RemoveParticipant(ctx, id.PollId, payload.Id)
		return poll, err

	case CommandStartVote:
		if err := p.authorize(ctx, id); err != nil {
			return nil, err
		}
		poll, _, err := p.coordinator.StartPoll(ctx, id.PollId)
		return poll, err

	case CommandSubmitRankings:
		var payload rankingsPayload
		if err := decode(cmd.Payload, &payload); err != nil {
			return nil, err
		}
		return p.coordinator.SubmitRankings(ctx, id.PollId, id.UserId, payload.Rankings)

	case CommandClosePoll:
		if err := p.authorize(ctx, id); err != nil {
			return nil, err
		}
		poll, _, err := p.coordinator.ComputeResults(ctx, id.PollId)
		return poll, err

	case CommandCancelPoll:
		if err := p.authorize(ctx, id); err != nil {
			return nil, err
		}
		return nil, p.coordinator.CancelPoll(ctx, id.PollId)
	}

	return nil, polls.BadRequest("unknown command %q", cmd.Name)
}

// authorize checks, against a fresh read of the poll, that the caller is
// its admin.
func (p *Protocol) authorize(ctx context.Context, id Identity) error {
	poll, err := p.coordinator.GetPoll(ctx, id.PollId)
	if err != nil {
		return err
	}
	if !polls.IsAdmin(poll, id.UserId) {
		logging.Logger.WithFields(logrus.Fields{"module": "session", "method": "authorize", "pollId": id.PollId, "userId": id.UserId}).Warn("admin privileges required")
		return polls.Unauthorized("admin privileges required")
	}
	return nil
}

func (p *Protocol) reject(s *Session, cmd Command, err error) {
	kind := polls.KindOf(err)
	log := logging.Logger.WithFields(logrus.Fields{"module": "session", "method": "Handle", "command": cmd.Name, "pollId": s.Identity.PollId, "userId": s.Identity.UserId, "connectionId": s.Id, "error": err})
	if kind == polls.KindUnknown {
		log.Error("command failed")
	} else {
		log.Info("command rejected")
	}
	p.broker.Send(s.client, EventException, Exception{Type: string(kind), Message: polls.Message(err)})
}

func decode(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return polls.BadRequest("malformed payload")
	}
	return nil
}

func decodeId(raw []byte, payload *idPayload) error {
	if err := decode(raw, payload); err != nil {
		return err
	}
	if payload.Id == "" {
		return polls.BadRequest("missing id")
	}
	return nil
}
