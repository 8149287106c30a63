package database

import (
	"context"
	"strings"
	"time"

	"github.com/computersciencehouse/rankit/logging"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps one document per poll. Expiry is enforced by a TTL index
// on expiresAt and, until the TTL monitor catches up, by every query.
type MongoStore struct {
	Client     *mongo.Client
	Collection *mongo.Collection
	now        func() time.Time
}

func NewMongoStore(ctx context.Context, client *mongo.Client, database, collection string) (*MongoStore, error) {
	s := &MongoStore{
		Client:     client,
		Collection: client.Database(database).Collection(collection),
		now:        time.Now,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := s.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "database", "method": "NewMongoStore"}).Error("error creating ttl index")
		return nil, unavailable(err, "create ttl index")
	}

	return s, nil
}

func (s *MongoStore) live(id string) bson.M {
	return bson.M{"_id": id, "expiresAt": bson.M{"$gt": s.now()}}
}

func (s *MongoStore) CreatePoll(ctx context.Context, poll *Poll) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poll.normalize()
	if _, err := s.Collection.InsertOne(ctx, poll); err != nil {
		if isDuplicateKey(err) {
			return ErrAlreadyExists
		}
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "database", "method": "CreatePoll", "pollId": poll.Id}).Error("error inserting poll")
		return unavailable(err, "insert poll %s", poll.Id)
	}
	return nil
}

func (s *MongoStore) GetPoll(ctx context.Context, id string) (*Poll, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var poll Poll
	if err := s.Collection.FindOne(ctx, s.live(id)).Decode(&poll); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "database", "method": "GetPoll", "pollId": id}).Error("error finding poll")
		return nil, unavailable(err, "find poll %s", id)
	}
	poll.normalize()
	return &poll, nil
}

func (s *MongoStore) DeletePoll(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := s.Collection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "database", "method": "DeletePoll", "pollId": id}).Error("error deleting poll")
		return unavailable(err, "delete poll %s", id)
	}
	return nil
}

// UpdateField applies the edit with a single $set or $unset on the addressed
// key, so concurrent edits to different keys of the same poll never clobber
// each other. expiresAt is never part of the update.
func (s *MongoStore) UpdateField(ctx context.Context, id string, update FieldUpdate) error {
	parts, err := update.segments()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	filter := s.live(id)
	switch update.Guard {
	case GuardNotStarted:
		filter[FieldHasStarted] = false
	case GuardStarted:
		filter[FieldHasStarted] = true
	}

	var change bson.M
	path := strings.Join(parts, ".")
	if update.RemoveKey != "" {
		change = bson.M{"$unset": bson.M{path: ""}}
	} else {
		change = bson.M{"$set": bson.M{path: update.Value}}
	}

	res, err := s.Collection.UpdateOne(ctx, filter, change)
	if err != nil {
		logging.Logger.WithFields(logrus.Fields{"error": err, "module": "database", "method": "UpdateField", "pollId": id, "path": path}).Error("error updating poll")
		return unavailable(err, "update poll %s at %s", id, path)
	}
	if res.MatchedCount == 0 {
		return s.miss(ctx, id)
	}
	return nil
}

// miss tells an absent poll apart from a guard that did not hold.
func (s *MongoStore) miss(ctx context.Context, id string) error {
	n, err := s.Collection.CountDocuments(ctx, s.live(id))
	if err != nil {
		return unavailable(err, "count poll %s", id)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConditionFailed
}

func (s *MongoStore) RemainingLifetime(ctx context.Context, id string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var doc struct {
		ExpiresAt time.Time `bson:"expiresAt"`
	}
	opts := options.FindOne().SetProjection(bson.M{"expiresAt": 1})
	if err := s.Collection.FindOne(ctx, s.live(id), opts).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, ErrNotFound
		}
		return 0, unavailable(err, "find lifetime of poll %s", id)
	}
	return doc.ExpiresAt.Sub(s.now()), nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return Disconnect(ctx, s.Client)
}

func isDuplicateKey(err error) bool {
	if we, ok := err.(mongo.WriteException); ok {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}
