package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/eqrelay/internal/callevent"
	"github.com/MikeSquared-Agency/eqrelay/internal/store"
)

const (
	Explicit     = "explicit"
	Conversation = "conversation"
	Recency      = "recency"

	DefaultRecencyWindow = 2 * time.Minute

	conversationKeyPrefix = "conv:"
)

var (
	ErrUnknownStrategy  = errors.New("unknown correlation strategy")
	ErrNoSessionKey     = fmt.Errorf("%w: no session key", callevent.ErrMalformed)
	ErrNoConversationID = fmt.Errorf("%w: no conversation id", callevent.ErrMalformed)
)

// Poll identifies the caller of a poll request.
type Poll struct {
	SessionID      string
	ConversationID string
}

// Resolution is the answer to a poll.
type Resolution struct {
	Lookup store.Lookup
	// Claimed is true when this poll bound a record to its session key.
	Claimed bool
	// Ambiguous counts unclaimed records passed over by a recency claim.
	Ambiguous int
}

// Attachment reports where a delivery went. Key is empty when the record was
// queued for a later claim.
type Attachment struct {
	Key    string
	Record store.Record
}

type Strategy interface {
	Name() string
	Attach(ctx context.Context, d callevent.Delivery) (Attachment, error)
	Resolve(ctx context.Context, p Poll) (Resolution, error)
}

type Options struct {
	RecencyWindow time.Duration
	Now           func() time.Time
}

// New builds the named strategy over s.
func New(name string, s store.Store, opts Options, logger *slog.Logger) (Strategy, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RecencyWindow <= 0 {
		opts.RecencyWindow = DefaultRecencyWindow
	}
	base := base{store: s, now: opts.Now, logger: logger.With("strategy", name)}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case Explicit, "":
		return &explicitStrategy{base: base}, nil
	case Conversation:
		return &conversationStrategy{base: base}, nil
	case Recency:
		return &recencyStrategy{base: base, window: opts.RecencyWindow}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

type base struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

func (b base) record(d callevent.Delivery) store.Record {
	return store.NewRecord(d.ProfileType, d.ConversationID, b.now())
}

func (b base) lookup(ctx context.Context, key string) (Resolution, error) {
	l, err := b.store.Get(ctx, key)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Lookup: l}, nil
}

// put stores a delivery's record. The pre-read only feeds the duplicate log
// line; the store enforces the duplicate policy.
func (b base) put(ctx context.Context, key string, rec store.Record) (Attachment, error) {
	if prev, err := b.store.Get(ctx, key); err == nil && prev.Found() {
		b.logger.Warn("result already bound to key",
			"key", key,
			"existing_record_id", prev.Record.ID,
			"record_id", rec.ID,
		)
	}
	if err := b.store.Put(ctx, key, rec); err != nil {
		return Attachment{}, err
	}
	return Attachment{Key: key, Record: rec}, nil
}

// bind claims rec for a session key. A key that already holds a result, or has
// expired, is left untouched and reported as not claimed.
func (b base) bind(ctx context.Context, key string, rec store.Record) (bool, error) {
	err := b.store.Bind(ctx, key, rec)
	if errors.Is(err, store.ErrAlreadyExists) || errors.Is(err, store.ErrExpired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type explicitStrategy struct {
	base
}

func (s *explicitStrategy) Name() string { return Explicit }

func (s *explicitStrategy) Attach(ctx context.Context, d callevent.Delivery) (Attachment, error) {
	if d.SessionKey == "" {
		return Attachment{}, ErrNoSessionKey
	}
	return s.put(ctx, d.SessionKey, s.record(d))
}

func (s *explicitStrategy) Resolve(ctx context.Context, p Poll) (Resolution, error) {
	if p.SessionID == "" {
		return Resolution{}, ErrNoSessionKey
	}
	return s.lookup(ctx, p.SessionID)
}

type conversationStrategy struct {
	base
}

func (s *conversationStrategy) Name() string { return Conversation }

func (s *conversationStrategy) Attach(ctx context.Context, d callevent.Delivery) (Attachment, error) {
	if d.ConversationID == "" {
		return Attachment{}, ErrNoConversationID
	}
	return s.put(ctx, conversationKeyPrefix+d.ConversationID, s.record(d))
}

func (s *conversationStrategy) Resolve(ctx context.Context, p Poll) (Resolution, error) {
	if p.ConversationID == "" {
		if p.SessionID == "" {
			return Resolution{}, ErrNoSessionKey
		}
		return s.lookup(ctx, p.SessionID)
	}

	res, err := s.lookup(ctx, conversationKeyPrefix+p.ConversationID)
	if err != nil {
		return Resolution{}, err
	}
	if !res.Lookup.Found() {
		if p.SessionID == "" {
			return res, nil
		}
		return s.lookup(ctx, p.SessionID)
	}
	if p.SessionID != "" {
		res.Claimed, err = s.bind(ctx, p.SessionID, res.Lookup.Record)
		if err != nil {
			return Resolution{}, fmt.Errorf("bind session: %w", err)
		}
	}
	return res, nil
}

type recencyStrategy struct {
	base
	window time.Duration
}

func (s *recencyStrategy) Name() string { return Recency }

func (s *recencyStrategy) Attach(ctx context.Context, d callevent.Delivery) (Attachment, error) {
	rec := s.record(d)
	if err := s.store.Enqueue(ctx, rec); err != nil {
		return Attachment{}, err
	}
	return Attachment{Record: rec}, nil
}

func (s *recencyStrategy) Resolve(ctx context.Context, p Poll) (Resolution, error) {
	if p.SessionID == "" {
		return Resolution{}, ErrNoSessionKey
	}
	res, err := s.lookup(ctx, p.SessionID)
	if err != nil || res.Lookup.Found() {
		return res, err
	}

	rec, remaining, err := s.store.ClaimLatest(ctx, s.now().Add(-s.window))
	if errors.Is(err, store.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("claim: %w", err)
	}

	claimed, err := s.bind(ctx, p.SessionID, rec)
	if err != nil || !claimed {
		// The session was bound concurrently or has expired; hand the record back.
		if qerr := s.store.Enqueue(ctx, rec); qerr != nil {
			s.logger.Error("failed to return claimed record", "record_id", rec.ID, "error", qerr)
		}
		if err != nil {
			return Resolution{}, fmt.Errorf("bind session: %w", err)
		}
		return s.lookup(ctx, p.SessionID)
	}

	if remaining > 0 {
		s.logger.Warn("ambiguous recency match, most recent wins",
			"session_id", p.SessionID,
			"record_id", rec.ID,
			"passed_over", remaining,
		)
	}
	return Resolution{
		Lookup:    store.Lookup{Status: store.StatusFound, Record: rec},
		Claimed:   true,
		Ambiguous: remaining,
	}, nil
}
