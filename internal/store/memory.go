package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	record    *Record
	expiresAt time.Time
}

type MemoryStore struct {
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	entries   map[string]entry
	unclaimed []Record
	closed    bool
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, mainly for expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(opts Options, memOpts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		opts:    opts.withDefaults(),
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range memOpts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Register(_ context.Context, key string) error {
	key, err := ValidateKey(key)
	if err != nil {
		return err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	// Live entries and tombstones are both left alone.
	if e, ok := s.entries[key]; ok && now.Before(s.opts.purgeAt(e.expiresAt)) {
		return nil
	}
	s.entries[key] = entry{expiresAt: now.Add(s.opts.TTL)}
	return nil
}

func (s *MemoryStore) Put(_ context.Context, key string, rec Record) error {
	return s.put(key, rec, s.opts.Duplicate == DuplicateOverwrite)
}

func (s *MemoryStore) Bind(_ context.Context, key string, rec Record) error {
	return s.put(key, rec, false)
}

func (s *MemoryStore) put(key string, rec Record, overwrite bool) error {
	key, err := ValidateKey(key)
	if err != nil {
		return err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e, ok := s.entries[key]; ok {
		switch {
		case now.Before(e.expiresAt):
			if e.record != nil && !overwrite {
				return ErrAlreadyExists
			}
		case now.Before(s.opts.purgeAt(e.expiresAt)):
			return ErrExpired
		}
	}
	stored := rec
	s.entries[key] = entry{record: &stored, expiresAt: now.Add(s.opts.TTL)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Lookup, error) {
	key, err := ValidateKey(key)
	if err != nil {
		return Lookup{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Lookup{}, ErrClosed
	}
	e, ok := s.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		return Lookup{Status: StatusNotFound}, nil
	}
	if e.record == nil {
		return Lookup{Status: StatusPending}, nil
	}
	return Lookup{Status: StatusFound, Record: *e.record}, nil
}

func (s *MemoryStore) Enqueue(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.unclaimed = append(s.unclaimed, rec)
	sort.SliceStable(s.unclaimed, func(i, j int) bool {
		return s.unclaimed[i].ReceivedAt.Before(s.unclaimed[j].ReceivedAt)
	})
	return nil
}

func (s *MemoryStore) ClaimLatest(_ context.Context, since time.Time) (Record, int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, 0, ErrClosed
	}

	best := -1
	inWindow := 0
	for i, rec := range s.unclaimed {
		if rec.ReceivedAt.Before(since) || s.poolExpired(rec, now) {
			continue
		}
		inWindow++
		best = i
	}
	if best < 0 {
		return Record{}, 0, ErrNotFound
	}
	rec := s.unclaimed[best]
	s.unclaimed = append(s.unclaimed[:best], s.unclaimed[best+1:]...)
	return rec, inWindow - 1, nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	removed := 0
	for key, e := range s.entries {
		if !now.Before(s.opts.purgeAt(e.expiresAt)) {
			delete(s.entries, key)
			removed++
		}
	}
	kept := s.unclaimed[:0]
	for _, rec := range s.unclaimed {
		if s.poolExpired(rec, now) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	s.unclaimed = kept
	return removed, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) poolExpired(rec Record, now time.Time) bool {
	return !now.Before(rec.ReceivedAt.Add(s.opts.TTL))
}
