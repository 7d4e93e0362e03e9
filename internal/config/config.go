package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Port      int
	LogLevel  string
	WebhookID string

	Strategy        string
	SessionVariable string
	ResultField     string
	RecencyWindow   time.Duration
	RegisterOnPoll  bool

	Store           string
	TTL             time.Duration
	SweepInterval   time.Duration
	DuplicatePolicy string
	DatabaseURL     string
	RedisAddr       string
	RedisPassword   string

	NatsURL           string
	NatsToken         string
	NatsSubmitSubject string

	WebhookSecret         string
	WebhookSecretParam    string
	SignatureTolerance    time.Duration
	InsecureSkipSignature bool
}

func Load() Config {
	return Config{
		Port:      envInt("EQRELAY_PORT", 8760),
		LogLevel:  envStr("LOG_LEVEL", "info"),
		WebhookID: envStr("EQRELAY_WEBHOOK_ID", ""),

		Strategy:        strings.ToLower(envStr("EQRELAY_STRATEGY", "explicit")),
		SessionVariable: envStr("EQRELAY_SESSION_VARIABLE", "session_id"),
		ResultField:     envStr("EQRELAY_RESULT_FIELD", "eq_analysis"),
		RecencyWindow:   envDuration("EQRELAY_RECENCY_WINDOW", 2*time.Minute),
		RegisterOnPoll:  envBool("EQRELAY_REGISTER_ON_POLL", true),

		Store:           strings.ToLower(envStr("EQRELAY_STORE", StoreMemory)),
		TTL:             envDuration("EQRELAY_TTL", 10*time.Minute),
		SweepInterval:   envDuration("EQRELAY_SWEEP_INTERVAL", time.Minute),
		DuplicatePolicy: strings.ToLower(envStr("EQRELAY_DUPLICATE_POLICY", "reject")),
		DatabaseURL:     envStr("DATABASE_URL", ""),
		RedisAddr:       envStr("REDIS_ADDR", ""),
		RedisPassword:   envStr("REDIS_PASSWORD", ""),

		NatsURL:           envStr("NATS_URL", ""),
		NatsToken:         envStr("NATS_TOKEN", ""),
		NatsSubmitSubject: envStr("EQRELAY_NATS_SUBMIT_SUBJECT", ""),

		WebhookSecret:         envStr("WEBHOOK_SECRET", ""),
		WebhookSecretParam:    envStr("WEBHOOK_SECRET_PARAM", ""),
		SignatureTolerance:    envDuration("EQRELAY_SIGNATURE_TOLERANCE", 30*time.Minute),
		InsecureSkipSignature: envBool("EQRELAY_INSECURE_SKIP_SIGNATURE", false),
	}
}

// Validate catches settings that would only fail later at request time.
func (c Config) Validate() error {
	var errs []error

	switch c.Strategy {
	case "explicit", "conversation", "recency":
	default:
		errs = append(errs, fmt.Errorf("EQRELAY_STRATEGY: unknown strategy %q", c.Strategy))
	}

	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("EQRELAY_STORE: unknown store %q", c.Store))
	}

	switch c.DuplicatePolicy {
	case "reject", "overwrite":
	default:
		errs = append(errs, fmt.Errorf("EQRELAY_DUPLICATE_POLICY: unknown policy %q", c.DuplicatePolicy))
	}

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("EQRELAY_PORT: %d out of range", c.Port))
	}
	if c.TTL <= 0 {
		errs = append(errs, errors.New("EQRELAY_TTL must be positive"))
	}
	if c.SessionVariable == "" || c.ResultField == "" {
		errs = append(errs, errors.New("session variable and result field names must be set"))
	}
	if c.NatsSubmitSubject != "" && c.NatsURL == "" {
		errs = append(errs, errors.New("EQRELAY_NATS_SUBMIT_SUBJECT requires NATS_URL"))
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("90s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
