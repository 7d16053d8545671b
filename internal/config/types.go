package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	X402           X402Config           `yaml:"x402"`
	Networks       []NetworkConfig      `yaml:"networks"`
	Resources      []ResourceConfig     `yaml:"resources"`
	Submitter      SubmitterConfig      `yaml:"submitter"`
	Storage        StorageConfig        `yaml:"storage"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // optional prefix for all routes, e.g. "/facilitator"
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // optional API key protecting /metrics (empty disables protection)
}

// X402Config holds protocol-wide facilitator tuning.
type X402Config struct {
	ClockSkewSeconds            int64    `yaml:"clock_skew_seconds"`
	MinRemainingLifetimeSeconds int64    `yaml:"min_remaining_lifetime_seconds"`
	InclusionTimeout            Duration `yaml:"inclusion_timeout"`
	BroadcastTimeout            Duration `yaml:"broadcast_timeout"`
	QuoteLifetime               Duration `yaml:"quote_lifetime"`
	MaxInFlightSettlements      int      `yaml:"max_in_flight_settlements"`
	FacilitatorRecipient        string   `yaml:"facilitator_recipient"` // default payTo address for issued quotes
	DefaultNetwork              string   `yaml:"default_network"`       // network id used when a resource doesn't pin one
}

// ResourceConfig prices one Gate-protected resource, the facilitator's own
// catalog of what it charges for (separate from the PaymentRequirement,
// which is built per-request from this catalog).
type ResourceConfig struct {
	ID          string `yaml:"id"`
	AmountUSD   string `yaml:"amount_usd"`
	Description string `yaml:"description"`
	Network     string `yaml:"network"` // defaults to X402Config.DefaultNetwork when empty
}

// NetworkConfig describes one supported EVM network and the EIP-3009 token it settles.
type NetworkConfig struct {
	Network       string `yaml:"network"` // e.g. "base-sepolia"
	ChainID       int64  `yaml:"chain_id"`
	RPCURL        string `yaml:"rpc_url"`
	TokenContract string `yaml:"token_contract"` // checksummed hex address of the EIP-3009 token
	TokenDecimals uint8  `yaml:"token_decimals"`
	TokenName     string `yaml:"token_name"`    // EIP-712 domain name of the token contract
	TokenVersion  string `yaml:"token_version"` // EIP-712 domain version of the token contract
}

// SubmitterConfig holds the facilitator's own relaying wallet configuration.
type SubmitterConfig struct {
	PrivateKeyEnvVar string `yaml:"private_key_env_var"` // name of the env var holding the relayer's hex private key
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// StorageConfig holds storage backend configuration for payments and nonces.
type StorageConfig struct {
	Backend         string             `yaml:"backend"` // "memory", "postgres", or "mongodb"
	PostgresURL     string             `yaml:"postgres_url"`
	MongoDBURL      string             `yaml:"mongodb_url"`
	MongoDBDatabase string             `yaml:"mongodb_database"`
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`
	PaymentsTable   string             `yaml:"payments_table"`
	NoncesTable     string             `yaml:"nonces_table"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// RateLimitConfig holds rate limiting / backpressure configuration for the Gate.
type RateLimitConfig struct {
	PerWalletEnabled bool     `yaml:"per_wallet_enabled"`
	PerWalletLimit   int      `yaml:"per_wallet_limit"`
	PerWalletWindow  Duration `yaml:"per_wallet_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled bool                 `yaml:"enabled"`
	EVMRPC  BreakerServiceConfig `yaml:"evm_rpc"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}
