package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS relay_entries (
	key             TEXT PRIMARY KEY,
	record_id       UUID,
	profile_type    TEXT,
	conversation_id TEXT,
	received_at     TIMESTAMPTZ,
	expires_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS relay_entries_expires_at_idx ON relay_entries (expires_at);

CREATE TABLE IF NOT EXISTS relay_unclaimed (
	id              UUID PRIMARY KEY,
	profile_type    TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	received_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS relay_unclaimed_received_at_idx ON relay_unclaimed (received_at);
`

type PostgresStore struct {
	pool   *pgxpool.Pool
	opts   Options
	now    func() time.Time
	closed atomic.Bool
}

func NewPostgresStore(ctx context.Context, databaseURL string, opts Options) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool, opts: opts.withDefaults(), now: time.Now}, nil
}

// Migrate creates the tables if they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Register(ctx context.Context, key string) error {
	key, err := ValidateKey(key)
	if err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	now := s.now().UTC()

	// Replaces only a row past its tombstone horizon.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO relay_entries (key, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET
			record_id = NULL,
			profile_type = NULL,
			conversation_id = NULL,
			received_at = NULL,
			expires_at = EXCLUDED.expires_at
		WHERE relay_entries.expires_at <= $3`,
		key, now.Add(s.opts.TTL), now.Add(-s.opts.TTL),
	)
	if err != nil {
		return fmt.Errorf("register %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, rec Record) error {
	return s.put(ctx, key, rec, s.opts.Duplicate == DuplicateOverwrite)
}

func (s *PostgresStore) Bind(ctx context.Context, key string, rec Record) error {
	return s.put(ctx, key, rec, false)
}

func (s *PostgresStore) put(ctx context.Context, key string, rec Record, overwrite bool) error {
	key, err := ValidateKey(key)
	if err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	now := s.now().UTC()

	// Rows past the tombstone horizon are always replaced. Live rows are
	// replaced when they are markers, or always under overwrite. Tombstones
	// are never replaced.
	live := `relay_entries.expires_at > $7 AND relay_entries.record_id IS NULL`
	if overwrite {
		live = `relay_entries.expires_at > $7`
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO relay_entries (key, record_id, profile_type, conversation_id, received_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			record_id = EXCLUDED.record_id,
			profile_type = EXCLUDED.profile_type,
			conversation_id = EXCLUDED.conversation_id,
			received_at = EXCLUDED.received_at,
			expires_at = EXCLUDED.expires_at
		WHERE relay_entries.expires_at <= $8 OR (`+live+`)`,
		key, rec.ID, rec.ProfileType, rec.ConversationID, rec.ReceivedAt, now.Add(s.opts.TTL),
		now, now.Add(-s.opts.TTL),
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var expiresAt time.Time
	err = s.pool.QueryRow(ctx, `SELECT expires_at FROM relay_entries WHERE key = $1`, key).Scan(&expiresAt)
	if err != nil {
		return fmt.Errorf("put %q: read conflicting row: %w", key, err)
	}
	if !now.Before(expiresAt) {
		return ErrExpired
	}
	return ErrAlreadyExists
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Lookup, error) {
	key, err := ValidateKey(key)
	if err != nil {
		return Lookup{}, err
	}
	if s.closed.Load() {
		return Lookup{}, ErrClosed
	}

	var (
		id             pgtype.UUID
		profileType    pgtype.Text
		conversationID pgtype.Text
		receivedAt     pgtype.Timestamptz
	)
	err = s.pool.QueryRow(ctx, `
		SELECT record_id, profile_type, conversation_id, received_at
		FROM relay_entries
		WHERE key = $1 AND expires_at > $2`,
		key, s.now().UTC(),
	).Scan(&id, &profileType, &conversationID, &receivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Lookup{Status: StatusNotFound}, nil
	}
	if err != nil {
		return Lookup{}, fmt.Errorf("get %q: %w", key, err)
	}
	if !id.Valid {
		return Lookup{Status: StatusPending}, nil
	}
	return Lookup{
		Status: StatusFound,
		Record: Record{
			ID:             uuid.UUID(id.Bytes),
			ProfileType:    profileType.String,
			ConversationID: conversationID.String,
			ReceivedAt:     receivedAt.Time.UTC(),
		},
	}, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, rec Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_unclaimed (id, profile_type, conversation_id, received_at)
		VALUES ($1, $2, $3, $4)`,
		rec.ID, rec.ProfileType, rec.ConversationID, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimLatest(ctx context.Context, since time.Time) (Record, int, error) {
	if s.closed.Load() {
		return Record{}, 0, ErrClosed
	}
	cutoff := s.now().UTC().Add(-s.opts.TTL)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, 0, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	var rec Record
	err = tx.QueryRow(ctx, `
		DELETE FROM relay_unclaimed
		WHERE id = (
			SELECT id FROM relay_unclaimed
			WHERE received_at >= $1 AND received_at > $2
			ORDER BY received_at DESC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, profile_type, conversation_id, received_at`,
		since.UTC(), cutoff,
	).Scan(&rec.ID, &rec.ProfileType, &rec.ConversationID, &rec.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, 0, ErrNotFound
	}
	if err != nil {
		return Record{}, 0, fmt.Errorf("claim: %w", err)
	}

	var remaining int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM relay_unclaimed
		WHERE received_at >= $1 AND received_at > $2`,
		since.UTC(), cutoff,
	).Scan(&remaining)
	if err != nil {
		return Record{}, 0, fmt.Errorf("count unclaimed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, 0, fmt.Errorf("commit claim: %w", err)
	}
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	return rec, remaining, nil
}

func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	now := s.now().UTC()

	entries, err := s.pool.Exec(ctx, `DELETE FROM relay_entries WHERE expires_at <= $1`, now.Add(-s.opts.TTL))
	if err != nil {
		return 0, fmt.Errorf("sweep entries: %w", err)
	}
	pool, err := s.pool.Exec(ctx, `DELETE FROM relay_unclaimed WHERE received_at <= $1`, now.Add(-s.opts.TTL))
	if err != nil {
		return int(entries.RowsAffected()), fmt.Errorf("sweep unclaimed: %w", err)
	}
	return int(entries.RowsAffected() + pool.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pool.Close()
	return nil
}
