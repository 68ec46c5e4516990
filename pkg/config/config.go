// Package config holds the validated runtime configuration shared by the
// authenticator, rate limiter and consensus evaluator.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Ceiling is a pair of per-minute and per-hour call budgets.
type Ceiling struct {
	PerMinute int64 `yaml:"per_minute" json:"per_minute"`
	PerHour   int64 `yaml:"per_hour" json:"per_hour"`
}

// AuthConfig configures signed-request verification.
type AuthConfig struct {
	// Skew is the maximum allowed |now - timestamp| for a signed request.
	Skew time.Duration `yaml:"skew" json:"skew"`
	// NonceBackend is "sql" or "redis".
	NonceBackend       string        `yaml:"nonce_backend" json:"nonce_backend"`
	NoncePurgeInterval time.Duration `yaml:"nonce_purge_interval" json:"nonce_purge_interval"`
	// NodeKeys maps node ID to shared secret. Secrets never leave the process.
	NodeKeys map[string]string `yaml:"node_keys" json:"-"`
}

// RateLimitConfig configures the durable rate limiter.
type RateLimitConfig struct {
	Backend     string        `yaml:"backend" json:"backend"` // "sql" | "redis"
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`
	Propose     Ceiling       `yaml:"propose" json:"propose"`
	Vote        Ceiling       `yaml:"vote" json:"vote"`
	Read        Ceiling       `yaml:"read" json:"read"`
}

// ConsensusConfig configures proposal resolution.
type ConsensusConfig struct {
	QuorumThreshold  float64       `yaml:"quorum_threshold" json:"quorum_threshold"`
	MinDecisiveVotes int           `yaml:"min_decisive_votes" json:"min_decisive_votes"`
	VotingPeriod     time.Duration `yaml:"voting_period" json:"voting_period"`
	EvalInterval     time.Duration `yaml:"eval_interval" json:"eval_interval"`
	ArchiveAfter     time.Duration `yaml:"archive_after" json:"archive_after"`
	WriteAttempts    int           `yaml:"write_attempts" json:"write_attempts"`
}

// StorageConfig selects the durable backends.
type StorageConfig struct {
	Driver        string `yaml:"driver" json:"driver"` // "sqlite" | "postgres"
	DSN           string `yaml:"dsn" json:"dsn"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"-"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
}

// ObservabilityConfig mirrors observability.Config for file/env loading.
type ObservabilityConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// Config holds the core configuration.
type Config struct {
	Environment   string              `yaml:"environment" json:"environment"`
	LogLevel      string              `yaml:"log_level" json:"log_level"`
	LogFormat     string              `yaml:"log_format" json:"log_format"`
	Auth          AuthConfig          `yaml:"auth" json:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Consensus     ConsensusConfig     `yaml:"consensus" json:"consensus"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Environment: "production",
		LogLevel:    "INFO",
		LogFormat:   "json",
		Auth: AuthConfig{
			Skew:               5 * time.Minute,
			NonceBackend:       "sql",
			NoncePurgeInterval: 10 * time.Minute,
			NodeKeys:           map[string]string{},
		},
		RateLimit: RateLimitConfig{
			Backend:     "sql",
			LockTimeout: 2 * time.Second,
			Propose:     Ceiling{PerMinute: 2, PerHour: 10},
			Vote:        Ceiling{PerMinute: 2, PerHour: 10},
			Read:        Ceiling{PerMinute: 50, PerHour: 500},
		},
		Consensus: ConsensusConfig{
			QuorumThreshold:  0.67,
			MinDecisiveVotes: 1,
			VotingPeriod:     72 * time.Hour,
			EvalInterval:     time.Minute,
			ArchiveAfter:     30 * 24 * time.Hour,
			WriteAttempts:    3,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "data/nexus.db",
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Load loads configuration from environment variables on top of Default.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	i64 := func(key string, dst *int64) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	integer := func(key string, dst *int) {
		var n int64 = int64(*dst)
		i64(key, &n)
		*dst = int(n)
	}
	float := func(key string, dst *float64) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}

	str("NEXUS_ENV", &c.Environment)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	dur("MAX_TIMESTAMP_DRIFT", &c.Auth.Skew)
	str("NONCE_BACKEND", &c.Auth.NonceBackend)
	dur("NONCE_PURGE_INTERVAL", &c.Auth.NoncePurgeInterval)
	if raw := os.Getenv("NEXUS_NODE_KEYS"); raw != "" {
		keys := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &keys); err != nil {
			errs = append(errs, fmt.Errorf("NEXUS_NODE_KEYS: %w", err))
		} else {
			c.Auth.NodeKeys = keys
		}
	}

	str("RATE_LIMIT_BACKEND", &c.RateLimit.Backend)
	dur("RATE_LIMIT_LOCK_TIMEOUT", &c.RateLimit.LockTimeout)
	i64("RATE_LIMIT_PROPOSAL_MINUTE", &c.RateLimit.Propose.PerMinute)
	i64("RATE_LIMIT_PROPOSAL_HOUR", &c.RateLimit.Propose.PerHour)
	i64("RATE_LIMIT_VOTE_MINUTE", &c.RateLimit.Vote.PerMinute)
	i64("RATE_LIMIT_VOTE_HOUR", &c.RateLimit.Vote.PerHour)
	i64("RATE_LIMIT_READ_MINUTE", &c.RateLimit.Read.PerMinute)
	i64("RATE_LIMIT_READ_HOUR", &c.RateLimit.Read.PerHour)

	float("QUORUM_PERCENTAGE", &c.Consensus.QuorumThreshold)
	integer("MIN_VOTES_FOR_QUORUM", &c.Consensus.MinDecisiveVotes)
	dur("DEFAULT_VOTING_PERIOD", &c.Consensus.VotingPeriod)
	dur("CONSENSUS_INTERVAL", &c.Consensus.EvalInterval)
	dur("ARCHIVE_AFTER", &c.Consensus.ArchiveAfter)
	integer("CONSENSUS_WRITE_ATTEMPTS", &c.Consensus.WriteAttempts)

	str("DATABASE_DRIVER", &c.Storage.Driver)
	str("DATABASE_PATH", &c.Storage.DSN)
	str("DATABASE_URL", &c.Storage.DSN)
	str("REDIS_ADDR", &c.Storage.RedisAddr)
	str("REDIS_PASSWORD", &c.Storage.RedisPassword)
	integer("REDIS_DB", &c.Storage.RedisDB)

	boolean("OTEL_ENABLED", &c.Observability.Enabled)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Observability.OTLPEndpoint)
	boolean("OTEL_INSECURE", &c.Observability.Insecure)
	float("OTEL_SAMPLE_RATE", &c.Observability.SampleRate)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("5m") and bare integers as seconds ("300").
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Auth.Skew <= 0 {
		errs = append(errs, errors.New("auth.skew must be positive"))
	}
	if !oneOf(c.Auth.NonceBackend, "sql", "redis") {
		errs = append(errs, fmt.Errorf("auth.nonce_backend %q must be sql or redis", c.Auth.NonceBackend))
	}
	if c.Auth.NoncePurgeInterval <= 0 {
		errs = append(errs, errors.New("auth.nonce_purge_interval must be positive"))
	}
	for id, secret := range c.Auth.NodeKeys {
		if id == "" || secret == "" {
			errs = append(errs, errors.New("auth.node_keys entries need a node id and a secret"))
			break
		}
	}

	if !oneOf(c.RateLimit.Backend, "sql", "redis") {
		errs = append(errs, fmt.Errorf("rate_limit.backend %q must be sql or redis", c.RateLimit.Backend))
	}
	if c.RateLimit.LockTimeout <= 0 {
		errs = append(errs, errors.New("rate_limit.lock_timeout must be positive"))
	}
	for name, ceil := range map[string]Ceiling{
		"propose": c.RateLimit.Propose,
		"vote":    c.RateLimit.Vote,
		"read":    c.RateLimit.Read,
	} {
		if ceil.PerMinute <= 0 || ceil.PerHour <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.%s ceilings must be positive", name))
		}
	}

	if c.Consensus.QuorumThreshold <= 0 || c.Consensus.QuorumThreshold > 1 {
		errs = append(errs, fmt.Errorf("consensus.quorum_threshold must be in (0, 1], got %v", c.Consensus.QuorumThreshold))
	}
	if c.Consensus.MinDecisiveVotes < 1 {
		errs = append(errs, errors.New("consensus.min_decisive_votes must be at least 1"))
	}
	if c.Consensus.VotingPeriod <= 0 {
		errs = append(errs, errors.New("consensus.voting_period must be positive"))
	}
	if c.Consensus.EvalInterval <= 0 {
		errs = append(errs, errors.New("consensus.eval_interval must be positive"))
	}
	if c.Consensus.ArchiveAfter <= 0 {
		errs = append(errs, errors.New("consensus.archive_after must be positive"))
	}
	if c.Consensus.WriteAttempts < 1 {
		errs = append(errs, errors.New("consensus.write_attempts must be at least 1"))
	}

	if !oneOf(c.Storage.Driver, "sqlite", "postgres") {
		errs = append(errs, fmt.Errorf("storage.driver %q must be sqlite or postgres", c.Storage.Driver))
	}
	if c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is not set"))
	}
	if (c.Auth.NonceBackend == "redis" || c.RateLimit.Backend == "redis") && c.Storage.RedisAddr == "" {
		errs = append(errs, errors.New("storage.redis_addr is required for redis backends"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// Summary returns a non-sensitive view for startup logging.
func (c *Config) Summary() map[string]any {
	nodes := make([]string, 0, len(c.Auth.NodeKeys))
	for id := range c.Auth.NodeKeys {
		nodes = append(nodes, id)
	}
	return map[string]any{
		"environment":        c.Environment,
		"storage_driver":     c.Storage.Driver,
		"nonce_backend":      c.Auth.NonceBackend,
		"rate_limit_backend": c.RateLimit.Backend,
		"skew":               c.Auth.Skew.String(),
		"quorum_threshold":   c.Consensus.QuorumThreshold,
		"min_decisive_votes": c.Consensus.MinDecisiveVotes,
		"voting_period":      c.Consensus.VotingPeriod.String(),
		"static_nodes":       nodes,
	}
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
