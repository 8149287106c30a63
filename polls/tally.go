package polls

import (
	"sort"

	"github.com/computersciencehouse/rankit/database"
)

// Tally reduces rankings to an ordered result list. A ranking of length L
// gives L points to its first entry, L-1 to the second and 1 to the last.
// Every nomination appears in the output, unvoted ones with score 0. Ties go
// to the nomination created first.
//
// Rankings are capped at votesPerVoter entries; ids that are not nominations
// and repeated ids are dropped before a ranking is scored.
func Tally(nominations map[string]database.Nomination, rankings map[string][]string, votesPerVoter int) []database.Result {
	scores := make(map[string]int, len(nominations))
	for id := range nominations {
		scores[id] = 0
	}

	for _, ranking := range rankings {
		valid := make([]string, 0, len(ranking))
		seen := make(map[string]bool, len(ranking))
		for _, id := range ranking {
			if _, ok := nominations[id]; !ok || seen[id] {
				continue
			}
			seen[id] = true
			valid = append(valid, id)
		}
		if votesPerVoter > 0 && len(valid) > votesPerVoter {
			valid = valid[:votesPerVoter]
		}
		for pos, id := range valid {
			scores[id] += len(valid) - pos
		}
	}

	results := make([]database.Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, database.Result{
			NominationId:   id,
			NominationText: nominations[id].Text,
			Score:          score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ca, cb := nominations[a.NominationId].CreatedAt, nominations[b.NominationId].CreatedAt
		if ca != cb {
			return ca < cb
		}
		return a.NominationId < b.NominationId
	})

	return results
}
