package polls

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	pollIdAlphabet = "6789BCDFGHJKLMNPQRTW"
	pollIdLength   = 6
	// nanoid's default alphabet includes '-' and '_', both safe as map keys.
	nominationIdLength = 8
)

func NewPollId() (string, error) {
	return gonanoid.Generate(pollIdAlphabet, pollIdLength)
}

func NewNominationId() (string, error) {
	return gonanoid.New(nominationIdLength)
}

func NewUserId() string {
	return uuid.NewString()
}
