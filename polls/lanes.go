package polls

import (
	"context"
	"sync"
)

// lanes hands out one exclusive slot per poll id. Slots are created on
// demand and dropped when nobody holds or waits for them.
type lanes struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newLanes() *lanes {
	return &lanes{slots: make(map[string]*slot)}
}

// acquire blocks until the lane for id is free or ctx is done. The returned
// func releases the lane.
func (l *lanes) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[id]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[id] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(id, s)
		return nil, ctx.Err()
	}

	return func() {
		<-s.ch
		l.drop(id, s)
	}, nil
}

func (l *lanes) drop(id string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, id)
	}
}

func (l *lanes) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
