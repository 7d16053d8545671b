package config

import (
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the X402FAC_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "X402FAC_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "X402FAC_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "X402FAC_ADMIN_METRICS_API_KEY")

	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	setIfEnv(&c.Logging.Level, "X402FAC_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "X402FAC_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "X402FAC_LOG_ENVIRONMENT")

	setDurationIfEnv(&c.X402.InclusionTimeout, "X402FAC_INCLUSION_TIMEOUT")
	setDurationIfEnv(&c.X402.BroadcastTimeout, "X402FAC_BROADCAST_TIMEOUT")
	setDurationIfEnv(&c.X402.QuoteLifetime, "X402FAC_QUOTE_LIFETIME")
	setIfEnv(&c.X402.FacilitatorRecipient, "X402FAC_FACILITATOR_RECIPIENT")
	setIfEnv(&c.X402.DefaultNetwork, "X402FAC_DEFAULT_NETWORK")

	setIfEnv(&c.Submitter.PrivateKeyEnvVar, "X402FAC_SUBMITTER_PRIVATE_KEY_ENV_VAR")

	setIfEnv(&c.Storage.Backend, "X402FAC_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "X402FAC_STORAGE_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "X402FAC_STORAGE_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "X402FAC_STORAGE_MONGODB_DATABASE")

	// Per-network RPC URL overrides: X402FAC_RPC_URL_<NETWORK_NAME_UPPER_WITH_UNDERSCORES>.
	for i := range c.Networks {
		n := &c.Networks[i]
		envKey := "X402FAC_RPC_URL_" + strings.ToUpper(strings.ReplaceAll(n.Network, "-", "_"))
		setIfEnv(&n.RPCURL, envKey)
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
