package dedup

import (
	"context"
	"sync"
	"time"
)

// sweepEvery bounds how often Claim walks the map for expired markers.
const sweepEvery = time.Minute

type marker struct {
	owner   string
	expires time.Time
}

// MemoryStore keeps markers in process memory. It only deduplicates within one
// process and is meant for single-instance runs and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	m         map[string]marker
	limit     int
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryStore creates a store holding at most limit live markers (0 = unbounded).
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{
		m:     make(map[string]marker),
		limit: limit,
		now:   time.Now,
	}
}

// Claim is atomic under the write lock. Expired markers are swept at most once
// per sweepEvery, and always before refusing a claim at the limit.
func (s *MemoryStore) Claim(_ context.Context, key Key, owner string, ttl time.Duration) (bool, error) {
	k := key.String()
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= sweepEvery {
		s.sweepLocked(now)
	}
	if cur, ok := s.m[k]; ok && now.Before(cur.expires) {
		return cur.owner == owner, nil
	}
	if s.limit > 0 && len(s.m) >= s.limit {
		s.sweepLocked(now)
		if len(s.m) >= s.limit {
			// refusing is safer than dropping a live marker
			return false, ErrFull
		}
	}
	s.m[k] = marker{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// Len returns the number of markers held, expired ones included until swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for k, mk := range s.m {
		if !now.Before(mk.expires) {
			delete(s.m, k)
		}
	}
	s.lastSweep = now
}
