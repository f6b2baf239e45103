package storage

import (
	"context"
	"sync"
	"time"
)

// RateStateMemory is a single-process snapshot store. Non-durable: state is
// lost on restart, intended for local development and tests.
type RateStateMemory struct {
	mu   sync.Mutex
	snap *RateSnapshot
	lock sync.Mutex
}

// NewRateStateMemory constructs an empty in-memory snapshot store.
func NewRateStateMemory() *RateStateMemory {
	return &RateStateMemory{}
}

// GetSnapshot returns the held snapshot or ErrSnapshotNotFound.
func (s *RateStateMemory) GetSnapshot(ctx context.Context) (RateSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil || !s.snap.Valid() {
		return RateSnapshot{}, ErrSnapshotNotFound
	}
	return *s.snap, nil
}

// SetSnapshot overwrites the held snapshot.
func (s *RateStateMemory) SetSnapshot(ctx context.Context, snap RateSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = &snap
	return nil
}

// DeleteSnapshot clears the held snapshot.
func (s *RateStateMemory) DeleteSnapshot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
	return nil
}

// TryRunLock grabs the process-local run lock without blocking.
func (s *RateStateMemory) TryRunLock(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	if !s.lock.TryLock() {
		return nil, false, nil
	}
	return s.lock.Unlock, true, nil
}

// SubscriberMemory is a single-process subscriber store preserving insertion
// order. Non-durable, same caveats as RateStateMemory.
type SubscriberMemory struct {
	mu    sync.Mutex
	order []string
	byID  map[string]Subscriber
}

// NewSubscriberMemory constructs an empty in-memory subscriber store.
func NewSubscriberMemory() *SubscriberMemory {
	return &SubscriberMemory{byID: make(map[string]Subscriber)}
}

// ListSubscribers returns subscribers in insertion order.
func (s *SubscriberMemory) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]Subscriber, 0, len(s.order))
	for _, id := range s.order {
		subs = append(subs, s.byID[id])
	}
	return subs, nil
}

// UpsertSubscriber creates or updates a record, preserving the original
// subscription time and list position on update.
func (s *SubscriberMemory) UpsertSubscriber(ctx context.Context, sub Subscriber) (Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[sub.ID]; ok {
		sub.SubscribedAt = existing.SubscribedAt
		sub.LastNotifiedAt = existing.LastNotifiedAt
	} else {
		if sub.SubscribedAt.IsZero() {
			sub.SubscribedAt = time.Now().UTC()
		}
		s.order = append(s.order, sub.ID)
	}
	s.byID[sub.ID] = sub
	return sub, nil
}

// RemoveSubscriber deletes by id, reporting whether the record existed.
func (s *SubscriberMemory) RemoveSubscriber(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return false, nil
	}
	delete(s.byID, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// CountSubscribers counts stored subscribers.
func (s *SubscriberMemory) CountSubscribers(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.byID)), nil
}

var (
	_ RateStateStore  = (*RateStateMemory)(nil)
	_ RunLocker       = (*RateStateMemory)(nil)
	_ SubscriberStore = (*SubscriberMemory)(nil)
)
