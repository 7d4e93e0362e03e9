package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, policy DuplicatePolicy) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := NewMemoryStore(Options{TTL: 10 * time.Minute, Duplicate: policy}, WithClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestMemoryStore_GetUnknownKey(t *testing.T) {
	s, _ := newTestStore(t, DuplicateReject)

	got, err := s.Get(context.Background(), "session_1")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, got.Status)
}

func TestMemoryStore_RegisteredKeyIsPending(t *testing.T) {
	s, _ := newTestStore(t, DuplicateReject)
	ctx := context.Background()

	require.NoError(t, s.Register(ctx, "session_1"))
	require.NoError(t, s.Register(ctx, "session_1"))

	got, err := s.Get(ctx, "session_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestMemoryStore_PutThenGet(t *testing.T) {
	s, clock := newTestStore(t, DuplicateReject)
	ctx := context.Background()
	rec := NewRecord("Secure", "abc123", clock.Now())

	require.NoError(t, s.Put(ctx, "session_1", rec))

	got, err := s.Get(ctx, "session_1")
	require.NoError(t, err)
	require.True(t, got.Found())
	assert.Equal(t, rec, got.Record)
}

func TestMemoryStore_RepeatedGetIsIdempotent(t *testing.T) {
	s, clock := newTestStore(t, DuplicateReject)
	ctx := context.Background()
	rec := NewRecord("Anxious", "", clock.Now())
	require.NoError(t, s.Put(ctx, "k", rec))

	for i := 0; i < 5; i++ {
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, Lookup{Status: StatusFound, Record: rec}, got)
	}
}

func TestMemoryStore_PutUpgradesPendingMarker(t *testing.T) {
	s, clock := newTestStore(t, DuplicateReject)
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, "k"))

	rec := NewRecord("Secure", "", clock.Now())
	require.NoError(t, s.Put(ctx, "k", rec))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StatusFound, got.Status)
}

func TestMemoryStore_RegisterDoesNotClobberResult(t *testing.T) {
	s, clock := newTestStore(t, DuplicateReject)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", NewRecord("Secure", "", clock.Now())))

	require.NoError(t, s.Register(ctx, "k"))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StatusFound, got.Status)
}

func TestMemoryStore_DuplicatePut(t *testing.T) {
	tests := []struct {
		name    string
		policy  DuplicatePolicy
		wantErr error
		want    string
	}{
		{name: "reject keeps first", policy: DuplicateReject, wantErr: ErrAlreadyExists, want: "Secure"},
		{name: "overwrite keeps second", policy: DuplicateOverwrite, want: "Avoidant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clock := newTestStore(t, tt.policy)
			ctx := context.Background()

			require.NoError(t, s.Put(ctx, "k", NewRecord("Secure", "", clock.Now())))
			err := s.Put(ctx, "k", NewRecord("Avoidant", "", clock.Now()))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			got, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Record.ProfileType)
		})
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s, clock := newTestStore(t, DuplicateReject)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", NewRecord("Secure", "", clock.Now())))

	clock.Advance(10*time.Minute - time.Millisecond)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StatusFound, got.Status)

	clock.Advance(2 * time.Millisecond)
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, got.Status)
}

func TestMemoryStore_ExpiredKeyIsTerminal(t *testing.T) {
	tests := []struct {
		name   string
		policy DuplicatePolicy
		seed   func(ctx context.Context, s *MemoryStore, now time.Time) error
	}{
		{"expired result, reject", DuplicateReject, func(ctx context.Context, s *MemoryStore, now time.Time) error {
			return s.Put(ctx, "k", NewRecord("Secure", "", now))
		}},
		{"expired result, overwrite", DuplicateOverwrite, func(ctx context.Context, s *MemoryStore, now time.Time) error {
			return s.Put(ctx, "k", NewRecord("Secure", "", now))
		}},
		{"expired marker", DuplicateReject, func(ctx context.Context, s *MemoryStore, _ time.Time) error {
			return s.Register(ctx, "k")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clock := newTestStore(t, tt.policy)
			ctx := context.Background()
			require.NoError(t, tt.seed(ctx, s, clock.Now()))

			clock.Advance(11 * time.Minute)
			require.NoError(t, s.Register(ctx, "k"))
			got, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, StatusNotFound, got.Status)

			require.ErrorIs(t, s.Put(ctx, "k", NewRecord("Avoidant", "", clock.Now())), ErrExpired)
			require.ErrorIs(t, s.Bind(ctx, "k", NewRecord("Avoidant", "", clock.Now())), ErrExpired)

			got, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, StatusNotFound, got.Status)
		})
	}
}

func TestMemoryStore_PurgedKeyStartsFresh(t *testing.T) {
	s, clock := newTestStore(t, DuplicateReject)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", NewRecord("Secure", "", clock.Now())))

	clock.Advance(20 * time.Minute)
	require.NoError(t, s.Register(ctx, "k"))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestMemoryStore_BindIgnoresOverwritePolicy(t *testing.T) {
	s, clock := newTestStore(t, DuplicateOverwrite)
	ctx := context.Background()
	first := NewRecord("Secure", "", clock.Now())

	require.NoError(t, s.Register(ctx, "k"))
	require.NoError(t, s.Bind(ctx, "k", first))
	require.ErrorIs(t, s.Bind(ctx, "k", NewRecord("Avoidant", "", clock.Now())), ErrAlreadyExists)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, first, got.Record)
}

func TestMemoryStore_Sweep(t *testing.T) {
	s, clock := newTestStore(t, DuplicateReject)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "old", NewRecord("Secure", "", clock.Now())))
	require.NoError(t, s.Register(ctx, "old-marker"))
	require.NoError(t, s.Enqueue(ctx, NewRecord("Secure", "", clock.Now())))

	clock.Advance(6 * time.Minute)
	require.NoError(t, s.Put(ctx, "fresh", NewRecord("Secure", "", clock.Now())))

	// Expired entries stay as tombstones; only the pool record goes.
	clock.Advance(5 * time.Minute)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, s.entries, 3)
	assert.Empty(t, s.unclaimed)

	clock.Advance(10 * time.Minute)
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, s.entries, 1)

	got, err := s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, got.Status)
	require.ErrorIs(t, s.Put(ctx, "fresh", NewRecord("Secure", "", clock.Now())), ErrExpired)
}

func TestMemoryStore_ClaimLatest(t *testing.T) {
	s, clock := newTestStore(t, DuplicateReject)
	ctx := context.Background()

	first := NewRecord("Secure", "c1", clock.Now())
	require.NoError(t, s.Enqueue(ctx, first))
	clock.Advance(30 * time.Second)
	second := NewRecord("Anxious", "c2", clock.Now())
	require.NoError(t, s.Enqueue(ctx, second))

	got, remaining, err := s.ClaimLatest(ctx, clock.Now().Add(-2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, second, got)
	assert.Equal(t, 1, remaining)

	got, remaining, err = s.ClaimLatest(ctx, clock.Now().Add(-2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first, got)
	assert.Equal(t, 0, remaining)

	_, _, err = s.ClaimLatest(ctx, clock.Now().Add(-2*time.Minute))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ClaimLatestOutsideWindow(t *testing.T) {
	s, clock := newTestStore(t, DuplicateReject)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, NewRecord("Secure", "", clock.Now())))

	clock.Advance(3 * time.Minute)
	_, _, err := s.ClaimLatest(ctx, clock.Now().Add(-2*time.Minute))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_InvalidKey(t *testing.T) {
	s, clock := newTestStore(t, DuplicateReject)
	ctx := context.Background()

	_, err := s.Get(ctx, "   ")
	require.ErrorIs(t, err, ErrInvalidKey)
	require.ErrorIs(t, s.Put(ctx, "", NewRecord("Secure", "", clock.Now())), ErrInvalidKey)

	long := make([]byte, maxKeyLen+1)
	for i := range long {
		long[i] = 'a'
	}
	require.ErrorIs(t, s.Register(ctx, string(long)), ErrInvalidKey)
}

func TestMemoryStore_Closed(t *testing.T) {
	s, _ := newTestStore(t, DuplicateReject)
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Sweep(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStore_ConcurrentPutsOnDistinctKeys(t *testing.T) {
	s, clock := newTestStore(t, DuplicateReject)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("session_%d", i)
			assert.NoError(t, s.Put(ctx, key, NewRecord("Secure", "", clock.Now())))
			got, err := s.Get(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, StatusFound, got.Status)
		}(i)
	}
	wg.Wait()
	assert.Len(t, s.entries, 50)
}

func TestMemoryStore_ConcurrentPutsOnSameKey(t *testing.T) {
	s, clock := newTestStore(t, DuplicateReject)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Put(ctx, "k", NewRecord("Secure", "", clock.Now())); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestParseDuplicatePolicy(t *testing.T) {
	p, err := ParseDuplicatePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DuplicateReject, p)

	p, err = ParseDuplicatePolicy(" Overwrite ")
	require.NoError(t, err)
	assert.Equal(t, DuplicateOverwrite, p)

	_, err = ParseDuplicatePolicy("merge")
	require.Error(t, err)
}
