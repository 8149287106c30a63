package polls

import "github.com/computersciencehouse/rankit/database"

// Values that clients show alongside a poll. They are always recomputed from
// the snapshot and the caller's identity, never stored.

func IsAdmin(poll *database.Poll, userId string) bool {
	return poll != nil && userId != "" && poll.AdminId == userId
}

func ParticipantCount(poll *database.Poll) int {
	if poll == nil {
		return 0
	}
	return len(poll.Participants)
}

func NominationCount(poll *database.Poll) int {
	if poll == nil {
		return 0
	}
	return len(poll.Nominations)
}

// CanStartVote reports whether enough nominations exist to fill one ballot.
func CanStartVote(poll *database.Poll) bool {
	return poll != nil && !poll.HasStarted && NominationCount(poll) >= poll.VotesPerVoter
}

func HasVoted(poll *database.Poll, userId string) bool {
	if poll == nil {
		return false
	}
	_, ok := poll.Rankings[userId]
	return ok
}

func HasResults(poll *database.Poll) bool {
	return poll != nil && len(poll.Results) > 0
}
