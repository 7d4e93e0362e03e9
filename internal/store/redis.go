package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "eqrelay:"
	maxWatchRetries    = 5
)

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// redisEntry is the JSON stored per key. Record is nil for a pending marker.
type redisEntry struct {
	Record    *Record   `json:"record,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisStore shares entries between replicas. Keys live for two TTLs natively
// so the second one serves as the tombstone; Sweep only trims the unclaimed
// pool.
type RedisStore struct {
	client *redis.Client
	opts   Options
	prefix string
	now    func() time.Time
	closed atomic.Bool
}

func NewRedisStore(ctx context.Context, addr, password string, opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStore(client, opts), nil
}

func newRedisStore(client *redis.Client, opts Options) *RedisStore {
	return &RedisStore{
		client: client,
		opts:   opts.withDefaults(),
		prefix: defaultRedisPrefix,
		now:    time.Now,
	}
}

func (s *RedisStore) entryKey(key string) string {
	return s.prefix + "entry:" + key
}

func (s *RedisStore) poolKey() string {
	return s.prefix + "unclaimed"
}

func (s *RedisStore) Register(ctx context.Context, key string) error {
	key, err := ValidateKey(key)
	if err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(redisEntry{ExpiresAt: s.now().UTC().Add(s.opts.TTL)})
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	if err := s.client.SetNX(ctx, s.entryKey(key), data, s.retention()).Err(); err != nil {
		return fmt.Errorf("register %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Put(ctx context.Context, key string, rec Record) error {
	return s.put(ctx, key, rec, s.opts.Duplicate == DuplicateOverwrite)
}

func (s *RedisStore) Bind(ctx context.Context, key string, rec Record) error {
	return s.put(ctx, key, rec, false)
}

func (s *RedisStore) put(ctx context.Context, key string, rec Record, overwrite bool) error {
	key, err := ValidateKey(key)
	if err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	now := s.now().UTC()
	stored := rec
	data, err := json.Marshal(redisEntry{Record: &stored, ExpiresAt: now.Add(s.opts.TTL)})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	k := s.entryKey(key)

	put := func(tx *redis.Tx) error {
		current, err := s.readEntry(ctx, tx, k)
		if err != nil {
			return err
		}
		if current != nil {
			if !now.Before(current.ExpiresAt) {
				return ErrExpired
			}
			if current.Record != nil && !overwrite {
				return ErrAlreadyExists
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, data, s.retention())
			return nil
		})
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, put, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, ErrAlreadyExists) && !errors.Is(err, ErrExpired) {
			return fmt.Errorf("put %q: %w", key, err)
		}
		return err
	}
	return fmt.Errorf("put %q: too much contention", key)
}

func (s *RedisStore) Get(ctx context.Context, key string) (Lookup, error) {
	key, err := ValidateKey(key)
	if err != nil {
		return Lookup{}, err
	}
	if s.closed.Load() {
		return Lookup{}, ErrClosed
	}
	e, err := s.readEntry(ctx, s.client, s.entryKey(key))
	if err != nil {
		return Lookup{}, fmt.Errorf("get %q: %w", key, err)
	}
	if e == nil || !s.now().Before(e.ExpiresAt) {
		return Lookup{Status: StatusNotFound}, nil
	}
	if e.Record == nil {
		return Lookup{Status: StatusPending}, nil
	}
	return Lookup{Status: StatusFound, Record: *e.Record}, nil
}

func (s *RedisStore) Enqueue(ctx context.Context, rec Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	member, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	err = s.client.ZAdd(ctx, s.poolKey(), redis.Z{
		Score:  float64(rec.ReceivedAt.UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (s *RedisStore) ClaimLatest(ctx context.Context, since time.Time) (Record, int, error) {
	if s.closed.Load() {
		return Record{}, 0, ErrClosed
	}
	floor := since
	if cutoff := s.now().Add(-s.opts.TTL); cutoff.After(floor) {
		floor = cutoff
	}
	window := &redis.ZRangeBy{
		Min: strconv.FormatInt(floor.UnixMilli(), 10),
		Max: "+inf",
	}

	candidates, err := s.client.ZRevRangeByScore(ctx, s.poolKey(), window).Result()
	if err != nil {
		return Record{}, 0, fmt.Errorf("claim: %w", err)
	}
	// ZREM decides the winner when two pollers race for the same member.
	for _, member := range candidates {
		removed, err := s.client.ZRem(ctx, s.poolKey(), member).Result()
		if err != nil {
			return Record{}, 0, fmt.Errorf("claim: %w", err)
		}
		if removed == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(member), &rec); err != nil {
			return Record{}, 0, fmt.Errorf("decode claimed record: %w", err)
		}
		remaining, err := s.client.ZCount(ctx, s.poolKey(), window.Min, window.Max).Result()
		if err != nil {
			return Record{}, 0, fmt.Errorf("count unclaimed: %w", err)
		}
		return rec, int(remaining), nil
	}
	return Record{}, 0, ErrNotFound
}

func (s *RedisStore) Sweep(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	cutoff := s.now().Add(-s.opts.TTL).UnixMilli()
	n, err := s.client.ZRemRangeByScore(ctx, s.poolKey(), "-inf", strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep unclaimed: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) readEntry(ctx context.Context, c stringGetter, k string) (*redisEntry, error) {
	raw, err := c.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if !s.now().Before(s.opts.purgeAt(e.ExpiresAt)) {
		return nil, nil
	}
	return &e, nil
}

// retention covers the live TTL plus the tombstone.
func (s *RedisStore) retention() time.Duration {
	return 2 * s.opts.TTL
}
