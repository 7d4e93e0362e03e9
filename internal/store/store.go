package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("result already bound to key")
	ErrClosed        = errors.New("store is closed")
	ErrInvalidKey    = errors.New("invalid key")
	ErrExpired       = errors.New("key expired")
)

const maxKeyLen = 256

// DefaultTTL bounds how long markers and results stay observable.
const DefaultTTL = 10 * time.Minute

// Status is the polling state of a key.
type Status string

const (
	StatusFound    Status = "found"
	StatusPending  Status = "pending"
	StatusNotFound Status = "not_found"
)

// DuplicatePolicy decides what Put does when a result is already bound to the key.
type DuplicatePolicy string

const (
	DuplicateReject    DuplicatePolicy = "reject"
	DuplicateOverwrite DuplicatePolicy = "overwrite"
)

// ParseDuplicatePolicy maps a config value to a policy.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case DuplicateReject, "":
		return DuplicateReject, nil
	case DuplicateOverwrite:
		return DuplicateOverwrite, nil
	}
	return "", fmt.Errorf("unknown duplicate policy %q", s)
}

// Record is the outcome of one completed call. It is never mutated after creation.
type Record struct {
	ID             uuid.UUID `json:"id"`
	ProfileType    string    `json:"profile_type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// NewRecord stamps a fresh record.
func NewRecord(profileType, conversationID string, receivedAt time.Time) Record {
	return Record{
		ID:             uuid.New(),
		ProfileType:    profileType,
		ConversationID: conversationID,
		ReceivedAt:     receivedAt.UTC(),
	}
}

// Lookup is the answer to Get.
type Lookup struct {
	Status Status
	Record Record
}

func (l Lookup) Found() bool {
	return l.Status == StatusFound
}

// Store holds pending markers and resolved results with bounded lifetime.
//
// Entries at or past their expiry are reported as not found even before Sweep
// removes them. An expired key stays as a tombstone for one more TTL: Register
// leaves it alone and Put or Bind fail with ErrExpired. Sweep purges it after
// that, at which point the key is unknown again.
type Store interface {
	Register(ctx context.Context, key string) error
	// Put stores rec under key, honouring the duplicate policy.
	Put(ctx context.Context, key string, rec Record) error
	// Bind stores rec only when key holds no live result, whatever the
	// duplicate policy. Used by polls that claim a record for a session.
	Bind(ctx context.Context, key string, rec Record) error
	Get(ctx context.Context, key string) (Lookup, error)
	Enqueue(ctx context.Context, rec Record) error
	ClaimLatest(ctx context.Context, since time.Time) (Record, int, error)
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// Options are shared by every backend.
type Options struct {
	TTL       time.Duration
	Duplicate DuplicatePolicy
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Duplicate == "" {
		o.Duplicate = DuplicateReject
	}
	return o
}

// purgeAt is when an entry expiring at expiresAt stops being a tombstone.
func (o Options) purgeAt(expiresAt time.Time) time.Time {
	return expiresAt.Add(o.TTL)
}

// ValidateKey trims a key and rejects empty or oversized ones.
func ValidateKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: key is required", ErrInvalidKey)
	}
	if len(key) > maxKeyLen {
		return "", fmt.Errorf("%w: key longer than %d bytes", ErrInvalidKey, maxKeyLen)
	}
	return key, nil
}
