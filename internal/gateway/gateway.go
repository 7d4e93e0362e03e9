// Package gateway ties decoded call events to the correlator and store. It is
// the single entry point used by the HTTP server and the NATS subscriber.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeSquared-Agency/eqrelay/internal/callevent"
	"github.com/MikeSquared-Agency/eqrelay/internal/correlator"
	"github.com/MikeSquared-Agency/eqrelay/internal/hermes"
	"github.com/MikeSquared-Agency/eqrelay/internal/store"
)

// deliveryTimeout bounds deliveries that arrive over NATS, which carry no
// request context of their own.
const deliveryTimeout = 10 * time.Second

// ErrMalformedPayload is returned for deliveries that cannot be decoded or
// carry no usable key.
var ErrMalformedPayload = callevent.ErrMalformed

// Publisher is satisfied by *hermes.Client.
type Publisher interface {
	Publish(subject string, data any) error
}

type Config struct {
	Decode callevent.Options
	// RegisterOnPoll creates a pending entry for a session key the first time
	// it polls, so later polls answer pending instead of not_found.
	RegisterOnPoll bool
}

// Submission describes a delivery that was accepted.
type Submission struct {
	Key      string
	Record   store.Record
	Strategy string
}

type Service struct {
	store     store.Store
	strategy  correlator.Strategy
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
}

// New builds a Service. pub may be nil when NATS is not configured.
func New(s store.Store, strategy correlator.Strategy, pub Publisher, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:     s,
		strategy:  strategy,
		publisher: pub,
		cfg:       cfg,
		logger:    logger,
	}
}

func (s *Service) Strategy() string { return s.strategy.Name() }

// Submit decodes a call-ending delivery and attaches it via the configured
// strategy. Errors wrap ErrMalformedPayload for bad payloads,
// store.ErrAlreadyExists for rejected duplicates and store.ErrExpired for
// deliveries to a key whose lifetime has ended.
func (s *Service) Submit(ctx context.Context, body []byte) (Submission, error) {
	d, err := callevent.DecodeDelivery(body, s.cfg.Decode)
	if err != nil {
		s.logger.Warn("rejected malformed delivery", "error", err)
		return Submission{}, err
	}

	att, err := s.strategy.Attach(ctx, d)
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		s.logger.Warn("duplicate delivery rejected",
			"session_key", d.SessionKey,
			"conversation_id", d.ConversationID,
		)
		return Submission{}, err
	case errors.Is(err, store.ErrExpired):
		s.logger.Warn("late delivery for expired key rejected",
			"session_key", d.SessionKey,
			"conversation_id", d.ConversationID,
		)
		return Submission{}, err
	case errors.Is(err, callevent.ErrMalformed), errors.Is(err, store.ErrInvalidKey):
		s.logger.Warn("rejected delivery", "error", err)
		return Submission{}, err
	case err != nil:
		return Submission{}, fmt.Errorf("attach delivery: %w", err)
	}

	sub := Submission{Key: att.Key, Record: att.Record, Strategy: s.strategy.Name()}
	s.logger.Info("delivery stored",
		"key", sub.Key,
		"record_id", sub.Record.ID,
		"profile_type", sub.Record.ProfileType,
		"conversation_id", sub.Record.ConversationID,
	)
	s.publish(hermes.SubjectResultStored, s.event(sub.Key, sub.Record, 0))
	return sub, nil
}

// Register records a pending entry for a session key.
func (s *Service) Register(ctx context.Context, sessionID string) error {
	if err := s.store.Register(ctx, sessionID); err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	s.logger.Debug("session registered", "session_id", sessionID)
	return nil
}

// Poll answers a client poll. Repeated polls for a bound key return the same
// record.
func (s *Service) Poll(ctx context.Context, p correlator.Poll) (correlator.Resolution, error) {
	if s.cfg.RegisterOnPoll && p.SessionID != "" {
		if err := s.store.Register(ctx, p.SessionID); err != nil {
			return correlator.Resolution{}, fmt.Errorf("register session: %w", err)
		}
	}

	res, err := s.strategy.Resolve(ctx, p)
	if err != nil {
		return correlator.Resolution{}, err
	}
	if res.Claimed {
		s.logger.Info("result claimed",
			"session_id", p.SessionID,
			"record_id", res.Lookup.Record.ID,
			"ambiguous", res.Ambiguous,
		)
		s.publish(hermes.SubjectResultClaimed, s.event(p.SessionID, res.Lookup.Record, res.Ambiguous))
	}
	return res, nil
}

// HandleDelivery is the NATS handler for deliveries relayed over the bus.
func (s *Service) HandleDelivery(subject string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	sub, err := s.Submit(ctx, data)
	if err != nil {
		s.logger.Error("bus delivery failed", "subject", subject, "error", err)
		return
	}
	s.logger.Debug("bus delivery accepted", "subject", subject, "key", sub.Key)
}

func (s *Service) event(key string, rec store.Record, ambiguous int) hermes.ResultEvent {
	return hermes.ResultEvent{
		Key:            key,
		RecordID:       rec.ID.String(),
		ProfileType:    rec.ProfileType,
		ConversationID: rec.ConversationID,
		Strategy:       s.strategy.Name(),
		ReceivedAt:     rec.ReceivedAt,
		Ambiguous:      ambiguous,
	}
}

func (s *Service) publish(subject string, evt hermes.ResultEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(subject, evt); err != nil {
		s.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}
