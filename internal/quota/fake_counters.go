package quota

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// FakeCounterStore is an in-process CounterStore for tests. Setting Err
// makes every call fail, which drives the fallback and fail-open paths.
type FakeCounterStore struct {
	mu sync.Mutex

	Err   error
	usage map[snowflake.ID]*Usage
}

func NewFakeCounterStore() *FakeCounterStore {
	return &FakeCounterStore{usage: make(map[snowflake.ID]*Usage)}
}

func (s *FakeCounterStore) Usage(_ context.Context, userID snowflake.ID, _ time.Time) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return Usage{}, s.Err
	}
	if u, ok := s.usage[userID]; ok {
		return *u, nil
	}
	return Usage{}, nil
}

func (s *FakeCounterStore) IncrementUsage(_ context.Context, userID snowflake.ID, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	u := s.get(userID)
	u.Daily++
	u.Monthly++
	u.Concurrent++
	return nil
}

func (s *FakeCounterStore) DecrementConcurrent(_ context.Context, userID snowflake.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	u := s.get(userID)
	if u.Concurrent > 0 {
		u.Concurrent--
	}
	return nil
}

func (s *FakeCounterStore) Set(userID snowflake.ID, usage Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[userID] = &usage
}

func (s *FakeCounterStore) get(userID snowflake.ID) *Usage {
	if u, ok := s.usage[userID]; ok {
		return u
	}
	u := &Usage{}
	s.usage[userID] = u
	return u
}
