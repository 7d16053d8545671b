package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8402"
	}
	if c.X402.ClockSkewSeconds <= 0 {
		c.X402.ClockSkewSeconds = 5
	}
	if c.X402.MinRemainingLifetimeSeconds <= 0 {
		c.X402.MinRemainingLifetimeSeconds = 10
	}
	if c.X402.InclusionTimeout.Duration <= 0 {
		c.X402.InclusionTimeout = Duration{Duration: 30 * time.Second}
	}
	if c.X402.BroadcastTimeout.Duration <= 0 {
		c.X402.BroadcastTimeout = Duration{Duration: 15 * time.Second}
	}
	if c.X402.QuoteLifetime.Duration <= 0 {
		c.X402.QuoteLifetime = Duration{Duration: 5 * time.Minute}
	}
	if c.X402.MaxInFlightSettlements <= 0 {
		c.X402.MaxInFlightSettlements = 256
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.PaymentsTable == "" {
		c.Storage.PaymentsTable = "payments"
	}
	if c.Storage.NoncesTable == "" {
		c.Storage.NoncesTable = "nonces"
	}
	if c.Submitter.PrivateKeyEnvVar == "" {
		c.Submitter.PrivateKeyEnvVar = "X402FAC_SUBMITTER_PRIVATE_KEY"
	}

	for i := range c.Networks {
		n := &c.Networks[i]
		if n.TokenVersion == "" {
			n.TokenVersion = "2"
		}
		if n.TokenDecimals == 0 {
			n.TokenDecimals = 6
		}
	}

	for i := range c.Resources {
		res := &c.Resources[i]
		if res.Network == "" {
			res.Network = c.X402.DefaultNetwork
		}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if len(c.Networks) == 0 {
		errs = append(errs, "networks must define at least one supported network")
	}

	seen := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		if n.Network == "" {
			errs = append(errs, "networks entry missing network name")
			continue
		}
		if seen[n.Network] {
			errs = append(errs, fmt.Sprintf("networks: duplicate network %q", n.Network))
		}
		seen[n.Network] = true
		if n.ChainID <= 0 {
			errs = append(errs, fmt.Sprintf("networks[%s].chain_id must be positive", n.Network))
		}
		if n.TokenContract == "" {
			errs = append(errs, fmt.Sprintf("networks[%s].token_contract is required", n.Network))
		}
		if n.RPCURL == "" {
			errs = append(errs, fmt.Sprintf("networks[%s].rpc_url is required", n.Network))
		}
	}

	seenResources := make(map[string]bool, len(c.Resources))
	for _, res := range c.Resources {
		if res.ID == "" {
			errs = append(errs, "resources entry missing id")
			continue
		}
		if seenResources[res.ID] {
			errs = append(errs, fmt.Sprintf("resources: duplicate resource %q", res.ID))
		}
		seenResources[res.ID] = true
		if res.AmountUSD == "" {
			errs = append(errs, fmt.Sprintf("resources[%s].amount_usd is required", res.ID))
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when storage.backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (memory, postgres, mongodb)", c.Storage.Backend))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
