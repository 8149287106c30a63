package database

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Poll struct {
	Id            string                `bson:"_id" json:"id" dynamodbav:"PK"`
	Topic         string                `bson:"topic" json:"topic" dynamodbav:"topic"`
	VotesPerVoter int                   `bson:"votesPerVoter" json:"votesPerVoter" dynamodbav:"votesPerVoter"`
	Participants  map[string]string     `bson:"participants" json:"participants" dynamodbav:"participants"`
	Nominations   map[string]Nomination `bson:"nominations" json:"nominations" dynamodbav:"nominations"`
	Rankings      map[string][]string   `bson:"rankings" json:"rankings" dynamodbav:"rankings"`
	Results       []Result              `bson:"results,omitempty" json:"results,omitempty" dynamodbav:"results,omitempty"`
	AdminId       string                `bson:"adminId" json:"adminId" dynamodbav:"adminId"`
	HasStarted    bool                  `bson:"hasStarted" json:"hasStarted" dynamodbav:"hasStarted"`
	ExpiresAt     time.Time             `bson:"expiresAt" json:"-" dynamodbav:"-"`
}

type Nomination struct {
	UserId string `bson:"userId" json:"userId" dynamodbav:"userId"`
	Text   string `bson:"text" json:"text" dynamodbav:"text"`
	// CreatedAt is a UnixNano stamp; it orders nominations for tie-breaks.
	CreatedAt int64 `bson:"createdAt" json:"createdAt" dynamodbav:"createdAt"`
}

type Result struct {
	NominationId   string `bson:"nominationId" json:"nominationId" dynamodbav:"nominationId"`
	NominationText string `bson:"nominationText" json:"nominationText" dynamodbav:"nominationText"`
	Score          int    `bson:"score" json:"score" dynamodbav:"score"`
}

// Field names accepted as the first segment of a FieldUpdate path. The
// remaining top-level fields are fixed at creation.
const (
	FieldParticipants = "participants"
	FieldNominations  = "nominations"
	FieldRankings     = "rankings"
	FieldResults      = "results"
	FieldHasStarted   = "hasStarted"
)

var mutableFields = map[string]bool{
	FieldParticipants: true,
	FieldNominations:  true,
	FieldRankings:     true,
	FieldResults:      true,
	FieldHasStarted:   true,
}

type Guard int

const (
	GuardNone Guard = iota
	// GuardNotStarted applies the edit only while hasStarted is false.
	GuardNotStarted
	// GuardStarted applies the edit only once hasStarted is true.
	GuardStarted
)

// FieldUpdate is a single edit of a poll document. Value is merged at the
// dotted Path, or, when RemoveKey is set, RemoveKey is deleted from the map
// found at Path.
type FieldUpdate struct {
	Path      string
	Value     interface{}
	RemoveKey string
	Guard     Guard
}

// Set builds an update writing value at path.
func Set(path string, value interface{}) FieldUpdate {
	return FieldUpdate{Path: path, Value: value}
}

// Remove builds an update deleting key from the map at path.
func Remove(path, key string) FieldUpdate {
	return FieldUpdate{Path: path, RemoveKey: key}
}

// When returns a copy of the update guarded by g.
func (u FieldUpdate) When(g Guard) FieldUpdate {
	u.Guard = g
	return u
}

// segments splits the update into the full list of keys it touches.
func (u FieldUpdate) segments() ([]string, error) {
	parts := strings.Split(u.Path, ".")
	if u.RemoveKey != "" {
		parts = append(parts, u.RemoveKey)
	}
	if !mutableFields[parts[0]] {
		return nil, errors.Wrapf(ErrInvalidPath, "field %q is not mutable", parts[0])
	}
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, ".$") {
			return nil, errors.Wrapf(ErrInvalidPath, "bad segment %q in %q", p, u.Path)
		}
	}
	if len(parts) > 2 {
		return nil, errors.Wrapf(ErrInvalidPath, "path %q is too deep", u.Path)
	}
	return parts, nil
}

func (u FieldUpdate) holds(hasStarted bool) bool {
	switch u.Guard {
	case GuardNotStarted:
		return !hasStarted
	case GuardStarted:
		return hasStarted
	}
	return true
}

// Store is a keyed, expiring document store holding one Poll per poll id.
// A record past its ExpiresAt is reported as ErrNotFound even if the backend
// has not reclaimed it yet. Updates never touch ExpiresAt.
type Store interface {
	CreatePoll(ctx context.Context, poll *Poll) error
	GetPoll(ctx context.Context, id string) (*Poll, error)
	DeletePoll(ctx context.Context, id string) error
	UpdateField(ctx context.Context, id string, update FieldUpdate) error
	RemainingLifetime(ctx context.Context, id string) (time.Duration, error)
	Close(ctx context.Context) error
}

// NewPoll returns an empty poll with every map initialised, which the
// drivers rely on for map-entry edits.
func NewPoll(id, topic string, votesPerVoter int, adminId string, expiresAt time.Time) *Poll {
	return &Poll{
		Id:            id,
		Topic:         topic,
		VotesPerVoter: votesPerVoter,
		Participants:  map[string]string{},
		Nominations:   map[string]Nomination{},
		Rankings:      map[string][]string{},
		AdminId:       adminId,
		HasStarted:    false,
		ExpiresAt:     expiresAt,
	}
}

func (poll *Poll) normalize() {
	if poll.Participants == nil {
		poll.Participants = map[string]string{}
	}
	if poll.Nominations == nil {
		poll.Nominations = map[string]Nomination{}
	}
	if poll.Rankings == nil {
		poll.Rankings = map[string][]string{}
	}
}
