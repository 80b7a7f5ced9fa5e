package repository

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"refill-service/internal/domain"
)

// MemorySessionFactory keeps slots in process memory. Stores handed out for the
// same session id share data, so a fresh engine sees what a previous one saved.
type MemorySessionFactory struct {
	mu      sync.Mutex
	slots   map[string][]byte
	applied map[string]time.Time
	ttl     time.Duration
	now     func() time.Time

	// Failure injection for tests.
	SaveErr    error
	ConsumeErr error
}

func NewMemorySessionFactory(ttl time.Duration) *MemorySessionFactory {
	return &MemorySessionFactory{
		slots:   make(map[string][]byte),
		applied: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock replaces the clock used for lazy expiry.
func (f *MemorySessionFactory) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

func (f *MemorySessionFactory) For(sessionID string) SessionStore {
	return &memorySessionStore{f: f, sessionID: sessionID}
}

type memorySessionStore struct {
	f         *MemorySessionFactory
	sessionID string
}

func (s *memorySessionStore) Save(ctx context.Context, rec *domain.PendingReconciliation) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if s.f.SaveErr != nil {
		return s.f.SaveErr
	}
	s.f.slots[s.sessionID] = data
	return nil
}

func (s *memorySessionStore) Load(ctx context.Context) (*domain.PendingReconciliation, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	data, ok := s.f.slots[s.sessionID]
	if !ok {
		return nil, nil
	}
	var rec domain.PendingReconciliation
	if err := json.Unmarshal(data, &rec); err != nil {
		delete(s.f.slots, s.sessionID)
		return nil, nil
	}
	if rec.Expired(s.f.now(), s.f.ttl) {
		delete(s.f.slots, s.sessionID)
		return &rec, ErrPendingExpired
	}
	return &rec, nil
}

func (s *memorySessionStore) Clear(ctx context.Context) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	delete(s.f.slots, s.sessionID)
	return nil
}

func (s *memorySessionStore) Consume(ctx context.Context, reference string) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if s.f.ConsumeErr != nil {
		return s.f.ConsumeErr
	}
	s.f.applied[reference] = s.f.now()
	if data, ok := s.f.slots[s.sessionID]; ok {
		var rec domain.PendingReconciliation
		if json.Unmarshal(data, &rec) == nil && rec.Reference == reference {
			delete(s.f.slots, s.sessionID)
		}
	}
	return nil
}

func (s *memorySessionStore) IsApplied(ctx context.Context, reference string) (bool, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	_, ok := s.f.applied[reference]
	return ok, nil
}
