package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectResultStored is published when a delivery is attached to a key
	// (or queued, for recency correlation).
	SubjectResultStored = "eqrelay.result.stored"
	// SubjectResultClaimed is published when a poll binds a record to its
	// session key.
	SubjectResultClaimed = "eqrelay.result.claimed"
	// SubjectRegistered announces the relay on startup.
	SubjectRegistered = "swarm.agent.eqrelay.registered"
)

// ResultEvent is the payload of both result subjects.
type ResultEvent struct {
	Key            string    `json:"key,omitempty"`
	RecordID       string    `json:"record_id"`
	ProfileType    string    `json:"profile_type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Strategy       string    `json:"strategy"`
	ReceivedAt     time.Time `json:"received_at"`
	Ambiguous      int       `json:"ambiguous,omitempty"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("eqrelay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
