// Package memory is an in-process storage.Store. States are kept as JSON
// snapshots so callers never share memory with the store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dojocodes/sandbox/internal/schema"
	"github.com/dojocodes/sandbox/internal/storage"
)

type entry struct {
	data      []byte
	summary   storage.JobSummary
	expiresAt time.Time
}

// MemoryStore implements storage.Store in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
}

// New creates a store whose entries expire ttl after their last update.
// A zero ttl keeps entries forever.
func New(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, st *schema.JobState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshaling job state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	created := now
	if e, ok := s.entries[st.ID]; ok && !s.expired(e, now) {
		created = e.summary.CreatedAt
	}
	e := &entry{data: data, summary: storage.Summarize(st, created, now)}
	if s.ttl > 0 {
		e.expiresAt = now.Add(s.ttl)
	}
	s.entries[st.ID] = e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*schema.JobState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(id)
	if !ok {
		return nil, storage.NotFound(id)
	}
	var st schema.JobState
	if err := json.Unmarshal(e.data, &st); err != nil {
		return nil, fmt.Errorf("unmarshaling job state: %w", err)
	}
	return &st, nil
}

func (s *MemoryStore) List(_ context.Context, opts storage.ListOptions) ([]storage.JobSummary, error) {
	s.mu.RLock()
	now := s.now()
	var all []storage.JobSummary
	for _, e := range s.entries {
		if s.expired(e, now) {
			continue
		}
		if opts.Status != "" && e.summary.Status != opts.Status {
			continue
		}
		all = append(all, e.summary)
	}
	s.mu.RUnlock()

	slices.SortFunc(all, func(a, b storage.JobSummary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	if opts.Offset >= len(all) {
		return nil, nil
	}
	all = all[opts.Offset:]
	if limit := opts.EffectiveLimit(); len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(id); !ok {
		return storage.NotFound(id)
	}
	delete(s.entries, id)
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Resolve(_ context.Context, prefix string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.live(prefix); ok {
		return prefix, nil
	}
	var matches []string
	now := s.now()
	for key, e := range s.entries {
		if prefix != "" && strings.HasPrefix(key, prefix) && !s.expired(e, now) {
			matches = append(matches, key)
		}
	}
	switch len(matches) {
	case 0:
		return "", storage.NotFound(prefix)
	case 1:
		return matches[0], nil
	default:
		return "", storage.Ambiguous(prefix, len(matches))
	}
}

// live returns the unexpired entry stored under id. Callers hold the lock.
func (s *MemoryStore) live(id string) (*entry, bool) {
	e, ok := s.entries[id]
	if !ok || s.expired(e, s.now()) {
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) expired(e *entry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}
