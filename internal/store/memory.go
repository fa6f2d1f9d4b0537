package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It is meant for tests
// and single-run deployments; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	entries  map[string][]Entry
	seqs     map[string]int64
	settings map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]Profile),
		entries:  make(map[string][]Entry),
		seqs:     make(map[string]int64),
		settings: make(map[string]string),
	}
}

func (s *MemoryStore) GetProfile(_ context.Context, userID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) PutProfile(_ context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = *p
	return nil
}

func (s *MemoryStore) DeleteProfile(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, userID)
	return nil
}

func (s *MemoryStore) ListProfiles(_ context.Context) ([]Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) AppendEntry(_ context.Context, userID string, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[userID]++
	e.Seq = s.seqs[userID]
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.entries[userID] = append(s.entries[userID], copyEntry(*e))
	return nil
}

func (s *MemoryStore) ListEntries(_ context.Context, userID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.entries[userID]
	out := make([]Entry, len(src))
	for i, e := range src {
		out[i] = copyEntry(e)
	}
	return out, nil
}

func (s *MemoryStore) UpdateEntryContent(_ context.Context, userID string, seq int64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries[userID] {
		if s.entries[userID][i].Seq == seq {
			s.entries[userID][i].Content = content
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) DeleteEntries(_ context.Context, userID string, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	drop := make(map[int64]struct{}, len(seqs))
	for _, seq := range seqs {
		drop[seq] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[userID][:0]
	for _, e := range s.entries[userID] {
		if _, gone := drop[e.Seq]; !gone {
			kept = append(kept, e)
		}
	}
	s.entries[userID] = kept
	return nil
}

func (s *MemoryStore) DeleteAllEntries(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
	delete(s.seqs, userID)
	return nil
}

func (s *MemoryStore) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) PutSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func copyEntry(e Entry) Entry {
	if e.Images != nil {
		imgs := make([][]byte, len(e.Images))
		for i, img := range e.Images {
			imgs[i] = append([]byte(nil), img...)
		}
		e.Images = imgs
	}
	return e
}
