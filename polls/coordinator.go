package polls

import (
	"context"
	"errors"
	"time"

	"github.com/computersciencehouse/rankit/database"
	"github.com/computersciencehouse/rankit/logging"
	"github.com/sirupsen/logrus"
)

// Publisher receives the snapshot produced by every mutation that changed a
// poll. It is called while the poll's lane is held, so calls for one poll
// arrive in commit order.
type Publisher interface {
	PollUpdated(poll *database.Poll)
	PollCancelled(pollId string)
}

// Coordinator applies every state transition of a poll. Mutations of one
// poll are serialized through its lane; different polls run in parallel.
type Coordinator struct {
	store     database.Store
	publisher Publisher
	lifetime  time.Duration
	lanes     *lanes
	now       func() time.Time
}

func NewCoordinator(store database.Store, publisher Publisher, lifetime time.Duration) *Coordinator {
	return &Coordinator{
		store:     store,
		publisher: publisher,
		lifetime:  lifetime,
		lanes:     newLanes(),
		now:       time.Now,
	}
}

type CreatePollFields struct {
	Topic         string
	VotesPerVoter int
	AdminId       string
}

const maxIdAttempts = 3

func (c *Coordinator) CreatePoll(ctx context.Context, fields CreatePollFields) (*database.Poll, error) {
	if fields.VotesPerVoter < 1 {
		return nil, BadRequest("votesPerVoter must be positive")
	}
	if fields.AdminId == "" {
		return nil, BadRequest("missing admin id")
	}

	var err error
	for attempt := 0; attempt < maxIdAttempts; attempt++ {
		var id string
		if id, err = NewPollId(); err != nil {
			return nil, err
		}
		poll := database.NewPoll(id, fields.Topic, fields.VotesPerVoter, fields.AdminId, c.now().Add(c.lifetime))
		err = c.store.CreatePoll(ctx, poll)
		if errors.Is(err, database.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, err
		}

		logging.Logger.WithFields(logrus.Fields{"module": "polls", "method": "CreatePoll", "pollId": id, "adminId": fields.AdminId, "lifetime": c.lifetime}).Info("created poll")
		return c.store.GetPoll(ctx, id)
	}
	return nil, err
}

func (c *Coordinator) GetPoll(ctx context.Context, pollId string) (*database.Poll, error) {
	return c.store.GetPoll(ctx, pollId)
}

// Snapshot reads the poll inside its lane and hands it to deliver, so the
// delivery is ordered with the poll's published updates.
func (c *Coordinator) Snapshot(ctx context.Context, pollId string, deliver func(*database.Poll)) error {
	release, err := c.lanes.acquire(ctx, pollId)
	if err != nil {
		return err
	}
	defer release()

	poll, err := c.store.GetPoll(ctx, pollId)
	if err != nil {
		return err
	}
	deliver(poll)
	return nil
}

// mutate runs fn inside the poll's lane with the current snapshot. When fn
// reports a change the refreshed snapshot is read back and published.
func (c *Coordinator) mutate(ctx context.Context, pollId string, fn func(*database.Poll) (bool, error)) (*database.Poll, bool, error) {
	release, err := c.lanes.acquire(ctx, pollId)
	if err != nil {
		return nil, false, err
	}
	defer release()

	poll, err := c.store.GetPoll(ctx, pollId)
	if err != nil {
		return nil, false, err
	}

	changed, err := fn(poll)
	if errors.Is(err, database.ErrConditionFailed) {
		// Another writer moved the poll to a different phase; report what
		// is stored now.
		poll, err = c.store.GetPoll(ctx, pollId)
		return poll, false, err
	}
	if err != nil || !changed {
		return poll, false, err
	}

	updated, err := c.store.GetPoll(ctx, pollId)
	if err != nil {
		return nil, false, err
	}
	c.publisher.PollUpdated(updated)
	return updated, true, nil
}

// AddParticipant records userId under name. Before the vote starts this
// adds or renames the participant; afterwards only existing participants
// are accepted, unchanged.
func (c *Coordinator) AddParticipant(ctx context.Context, pollId, userId, name string) (*database.Poll, bool, error) {
	return c.mutate(ctx, pollId, func(poll *database.Poll) (bool, error) {
		current, member := poll.Participants[userId]
		if poll.HasStarted {
			if !member {
				return false, InvalidState("poll %s has already started", pollId)
			}
			return false, nil
		}
		if member && current == name {
			return false, nil
		}

		logging.Logger.WithFields(logrus.Fields{"module": "polls", "method": "AddParticipant", "pollId": pollId, "userId": userId}).Debug("adding participant")
		update := database.Set(database.FieldParticipants+"."+userId, name).When(database.GuardNotStarted)
		return true, c.store.UpdateField(ctx, pollId, update)
	})
}

// RemoveParticipant is a no-op once the poll has started.
func (c *Coordinator) RemoveParticipant(ctx context.Context, pollId, userId string) (*database.Poll, bool, error) {
	return c.RemoveParticipantUnless(ctx, pollId, userId, nil)
}

// RemoveParticipantUnless removes userId unless keep reports true. keep is
// evaluated inside the poll's lane, ordered with AddParticipant.
func (c *Coordinator) RemoveParticipantUnless(ctx context.Context, pollId, userId string, keep func() bool) (*database.Poll, bool, error) {
	return c.mutate(ctx, pollId, func(poll *database.Poll) (bool, error) {
		if _, member := poll.Participants[userId]; poll.HasStarted || !member {
			return false, nil
		}
		if keep != nil && keep() {
			return false, nil
		}

		logging.Logger.WithFields(logrus.Fields{"module": "polls", "method": "RemoveParticipant", "pollId": pollId, "userId": userId}).Debug("removing participant")
		update := database.Remove(database.FieldParticipants, userId).When(database.GuardNotStarted)
		return true, c.store.UpdateField(ctx, pollId, update)
	})
}

func (c *Coordinator) AddNomination(ctx context.Context, pollId, userId, text string) (*database.Poll, error) {
	poll, _, err := c.mutate(ctx, pollId, func(poll *database.Poll) (bool, error) {
		if poll.HasStarted {
			return false, InvalidState("nominations are closed for poll %s", pollId)
		}

		id, err := NewNominationId()
		if err != nil {
			return false, err
		}
		nomination := database.Nomination{UserId: userId, Text: text, CreatedAt: c.now().UnixNano()}

		logging.Logger.WithFields(logrus.Fields{"module": "polls", "method": "AddNomination", "pollId": pollId, "nominationId": id}).Debug("adding nomination")
		update := database.Set(database.FieldNominations+"."+id, nomination).When(database.GuardNotStarted)
		if err := c.store.UpdateField(ctx, pollId, update); err != nil {
			if errors.Is(err, database.ErrConditionFailed) {
				return false, InvalidState("nominations are closed for poll %s", pollId)
			}
			return false, err
		}
		return true, nil
	})
	return poll, err
}

// RemoveNomination is a no-op once the poll has started.
func (c *Coordinator) RemoveNomination(ctx context.Context, pollId, nominationId string) (*database.Poll, bool, error) {
	return c.mutate(ctx, pollId, func(poll *database.Poll) (bool, error) {
		if _, ok := poll.Nominations[nominationId]; poll.HasStarted || !ok {
			return false, nil
		}

		logging.Logger.WithFields(logrus.Fields{"module": "polls", "method": "RemoveNomination", "pollId": pollId, "nominationId": nominationId}).Debug("removing nomination")
		update := database.Remove(database.FieldNominations, nominationId).When(database.GuardNotStarted)
		return true, c.store.UpdateField(ctx, pollId, update)
	})
}

// StartPoll opens voting. Starting a started poll is a no-op; starting
// requires at least votesPerVoter nominations.
func (c *Coordinator) StartPoll(ctx context.Context, pollId string) (*database.Poll, bool, error) {
	return c.mutate(ctx, pollId, func(poll *database.Poll) (bool, error) {
		if poll.HasStarted {
			return false, nil
		}
		if !CanStartVote(poll) {
			return false, InvalidState("poll %s needs at least %d nominations to start", pollId, poll.VotesPerVoter)
		}

		logging.Logger.WithFields(logrus.Fields{"module": "polls", "method": "StartPoll", "pollId": pollId}).Info("starting poll")
		update := database.Set(database.FieldHasStarted, true).When(database.GuardNotStarted)
		return true, c.store.UpdateField(ctx, pollId, update)
	})
}

func (c *Coordinator) SubmitRankings(ctx context.Context, pollId, userId string, rankings []string) (*database.Poll, error) {
	poll, _, err := c.mutate(ctx, pollId, func(poll *database.Poll) (bool, error) {
		if !poll.HasStarted {
			return false, InvalidState("participants cannot rank until poll %s has started", pollId)
		}
		if HasResults(poll) {
			return false, InvalidState("poll %s is closed", pollId)
		}
		if err := validateRankings(poll, rankings); err != nil {
			return false, err
		}

		logging.Logger.WithFields(logrus.Fields{"module": "polls", "method": "SubmitRankings", "pollId": pollId, "userId": userId}).Debug("recording rankings")
		update := database.Set(database.FieldRankings+"."+userId, rankings).When(database.GuardStarted)
		return true, c.store.UpdateField(ctx, pollId, update)
	})
	return poll, err
}

func validateRankings(poll *database.Poll, rankings []string) error {
	if len(rankings) == 0 {
		return BadRequest("rankings must not be empty")
	}
	if len(rankings) > poll.VotesPerVoter {
		return BadRequest("at most %d rankings are allowed", poll.VotesPerVoter)
	}
	seen := make(map[string]bool, len(rankings))
	for _, id := range rankings {
		if _, ok := poll.Nominations[id]; !ok {
			return BadRequest("unknown nomination %q", id)
		}
		if seen[id] {
			return BadRequest("nomination %q ranked twice", id)
		}
		seen[id] = true
	}
	return nil
}

// ComputeResults tallies the rankings once. A poll that already has results
// keeps them; the call returns the stored snapshot.
func (c *Coordinator) ComputeResults(ctx context.Context, pollId string) (*database.Poll, bool, error) {
	return c.mutate(ctx, pollId, func(poll *database.Poll) (bool, error) {
		if !poll.HasStarted {
			return false, InvalidState("poll %s has not started", pollId)
		}
		if HasResults(poll) {
			return false, nil
		}

		results := Tally(poll.Nominations, poll.Rankings, poll.VotesPerVoter)
		logging.Logger.WithFields(logrus.Fields{"module": "polls", "method": "ComputeResults", "pollId": pollId, "voters": len(poll.Rankings)}).Info("computed results")
		update := database.Set(database.FieldResults, results).When(database.GuardStarted)
		return true, c.store.UpdateField(ctx, pollId, update)
	})
}

func (c *Coordinator) CancelPoll(ctx context.Context, pollId string) error {
	release, err := c.lanes.acquire(ctx, pollId)
	if err != nil {
		return err
	}
	defer release()

	if _, err := c.store.GetPoll(ctx, pollId); err != nil {
		return err
	}
	if err := c.store.DeletePoll(ctx, pollId); err != nil {
		return err
	}

	logging.Logger.WithFields(logrus.Fields{"module": "polls", "method": "CancelPoll", "pollId": pollId}).Info("cancelled poll")
	c.publisher.PollCancelled(pollId)
	return nil
}
