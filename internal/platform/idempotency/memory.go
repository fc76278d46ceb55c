package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	fingerprint string
	done        bool
	response    Response
	expiresAt   time.Time
}

// MemoryStore keeps keys in process memory. Used by tests and local runs
// without Firestore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Claim(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	entry, ok := s.entries[id]
	if ok && !now.Before(entry.expiresAt) {
		ok = false
	}
	if !ok {
		s.entries[id] = memoryEntry{fingerprint: fingerprint, expiresAt: now.Add(ttl)}
		return Claim{State: ClaimAcquired}, nil
	}
	if entry.fingerprint != fingerprint {
		return Claim{}, ErrFingerprintMismatch
	}
	if !entry.done {
		return Claim{State: ClaimInFlight}, nil
	}
	return Claim{State: ClaimReplay, Response: entry.response}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := documentID(key)
	entry := s.entries[id]
	entry.done = true
	entry.response = Response{
		Status: resp.Status,
		Header: replayableHeaders(resp.Header),
		Body:   append([]byte(nil), resp.Body...),
	}
	entry.expiresAt = now.Add(ttl)
	s.entries[id] = entry
	return nil
}

func (s *MemoryStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, documentID(key))
	return nil
}
