package config

import (
	"os"
	"strings"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err == nil {
		t.Fatal("expected error when no networks are configured, got nil")
	}
	if cfg != nil {
		t.Fatal("expected nil config when validation fails")
	}
}

func TestLoadConfig_RequiresNetworks(t *testing.T) {
	clearEnv()
	defer clearEnv()

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "networks must define at least one") {
		t.Fatalf("expected networks validation error, got: %v", err)
	}
}

func TestLoadConfig_ValidMinimalFromFile(t *testing.T) {
	clearEnv()
	defer clearEnv()

	path := writeTempConfig(t, `
networks:
  - network: base-sepolia
    chain_id: 84532
    rpc_url: https://sepolia.base.org
    token_contract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
    token_name: USDC
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error with valid config, got: %v", err)
	}
	if cfg.Server.Address != ":8402" {
		t.Errorf("expected default address :8402, got %s", cfg.Server.Address)
	}
	if len(cfg.Networks) != 1 {
		t.Fatalf("expected 1 network, got %d", len(cfg.Networks))
	}
	if cfg.Networks[0].TokenVersion != "2" {
		t.Errorf("expected default token version 2, got %s", cfg.Networks[0].TokenVersion)
	}
}

func TestLoadConfig_StoragePostgresRequiresURL(t *testing.T) {
	clearEnv()
	defer clearEnv()

	path := writeTempConfig(t, `
networks:
  - network: base-sepolia
    chain_id: 84532
    rpc_url: https://sepolia.base.org
    token_contract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
storage:
  backend: postgres
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "storage.postgres_url") {
		t.Fatalf("expected storage.postgres_url validation error, got: %v", err)
	}
}

func TestLoadConfig_ResourceCatalogDefaultsNetwork(t *testing.T) {
	clearEnv()
	defer clearEnv()

	path := writeTempConfig(t, `
networks:
  - network: base-sepolia
    chain_id: 84532
    rpc_url: https://sepolia.base.org
    token_contract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
x402:
  default_network: base-sepolia
resources:
  - id: article-1
    amount_usd: "0.05"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(cfg.Resources) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(cfg.Resources))
	}
	if cfg.Resources[0].Network != "base-sepolia" {
		t.Errorf("expected resource to default to base-sepolia, got %s", cfg.Resources[0].Network)
	}
}

func TestLoadConfig_ResourceCatalogRejectsDuplicateIDs(t *testing.T) {
	clearEnv()
	defer clearEnv()

	path := writeTempConfig(t, `
networks:
  - network: base-sepolia
    chain_id: 84532
    rpc_url: https://sepolia.base.org
    token_contract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
resources:
  - id: article-1
    amount_usd: "0.05"
  - id: article-1
    amount_usd: "0.10"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "duplicate resource") {
		t.Fatalf("expected duplicate resource validation error, got: %v", err)
	}
}

func TestNormalizeRoutePrefix(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{"  /api/  ", "/api"},
		{"facilitator", "/facilitator"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := normalizeRoutePrefix(tt.input)
			if got != tt.want {
				t.Errorf("normalizeRoutePrefix(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func writeTempConfig(t *testing.T, yaml string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "x402fac-*.yaml")
	if err != nil {
		t.Fatalf("create temp config: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(yaml); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return f.Name()
}

func clearEnv() {
	envVars := []string{
		"X402FAC_SERVER_ADDRESS", "X402FAC_ROUTE_PREFIX", "X402FAC_ADMIN_METRICS_API_KEY",
		"X402FAC_LOG_LEVEL", "X402FAC_LOG_FORMAT", "X402FAC_LOG_ENVIRONMENT",
		"X402FAC_INCLUSION_TIMEOUT", "X402FAC_BROADCAST_TIMEOUT", "X402FAC_QUOTE_LIFETIME",
		"X402FAC_SUBMITTER_PRIVATE_KEY_ENV_VAR", "X402FAC_SUBMITTER_PRIVATE_KEY",
		"X402FAC_STORAGE_BACKEND", "X402FAC_STORAGE_POSTGRES_URL",
		"X402FAC_STORAGE_MONGODB_URL", "X402FAC_STORAGE_MONGODB_DATABASE",
	}
	for _, key := range envVars {
		os.Unsetenv(key)
	}
}
