package database

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/computersciencehouse/rankit/logging"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MemoryStore is a single-process Store. Documents are held as serialized
// JSON, mirroring what the external drivers persist, and every update is a
// patch applied under the store lock.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]*memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	doc       []byte
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memoryEntry), now: time.Now}
}

// WithClock replaces the time source; used to drive expiry in tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// entry returns the live entry for id, dropping it if it has expired.
// Callers hold s.mu.
func (s *MemoryStore) entry(id string) (*memoryEntry, error) {
	e, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.docs, id)
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) CreatePoll(ctx context.Context, poll *Poll) error {
	poll.normalize()
	doc, err := json.Marshal(poll)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.entry(poll.Id); err == nil {
		return ErrAlreadyExists
	}
	s.docs[poll.Id] = &memoryEntry{doc: doc, expiresAt: poll.ExpiresAt}
	return nil
}

func (s *MemoryStore) GetPoll(ctx context.Context, id string) (*Poll, error) {
	s.mu.Lock()
	e, err := s.entry(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	doc, expiresAt := e.doc, e.expiresAt
	s.mu.Unlock()

	var poll Poll
	if err := json.Unmarshal(doc, &poll); err != nil {
		return nil, errors.Wrapf(err, "decode poll %s", id)
	}
	poll.ExpiresAt = expiresAt
	poll.normalize()
	return &poll, nil
}

func (s *MemoryStore) DeletePoll(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) UpdateField(ctx context.Context, id string, update FieldUpdate) error {
	parts, err := update.segments()
	if err != nil {
		return err
	}

	var value interface{}
	if update.RemoveKey == "" {
		raw, err := json.Marshal(update.Value)
		if err != nil {
			return err
		}
		if err := decodeGeneric(raw, &value); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(id)
	if err != nil {
		return err
	}

	var doc map[string]interface{}
	if err := decodeGeneric(e.doc, &doc); err != nil {
		return errors.Wrapf(err, "decode poll %s", id)
	}

	started, _ := doc[FieldHasStarted].(bool)
	if !update.holds(started) {
		return ErrConditionFailed
	}

	parent := doc
	for _, p := range parts[:len(parts)-1] {
		child, ok := parent[p].(map[string]interface{})
		if !ok {
			child = map[string]interface{}{}
			parent[p] = child
		}
		parent = child
	}
	last := parts[len(parts)-1]
	if update.RemoveKey != "" {
		delete(parent, last)
	} else {
		parent[last] = value
	}

	patched, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	e.doc = patched
	return nil
}

func (s *MemoryStore) RemainingLifetime(ctx context.Context, id string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(id)
	if err != nil {
		return 0, err
	}
	return e.expiresAt.Sub(s.now()), nil
}

// Sweep drops every expired document and reports how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := s.now()
	for id, e := range s.docs {
		if !now.Before(e.expiresAt) {
			delete(s.docs, id)
			removed++
		}
	}
	return removed
}

// Run sweeps expired documents every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				logging.Logger.WithFields(logrus.Fields{"module": "database", "method": "Run", "removed": n}).Debug("swept expired polls")
			}
		}
	}
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// decodeGeneric keeps numbers as json.Number so int64 stamps survive a
// patch round trip.
func decodeGeneric(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
