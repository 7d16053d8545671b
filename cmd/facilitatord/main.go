// Command facilitatord runs the x402 V2 facilitator's HTTP RPC surface and
// its Gate-protected demonstration resource behind one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/x402evm/facilitator/internal/circuitbreaker"
	"github.com/x402evm/facilitator/internal/config"
	"github.com/x402evm/facilitator/internal/dbpool"
	"github.com/x402evm/facilitator/internal/facilitator"
	"github.com/x402evm/facilitator/internal/gate"
	"github.com/x402evm/facilitator/internal/httpserver"
	"github.com/x402evm/facilitator/internal/idempotency"
	"github.com/x402evm/facilitator/internal/lifecycle"
	"github.com/x402evm/facilitator/internal/logger"
	"github.com/x402evm/facilitator/internal/metrics"
	"github.com/x402evm/facilitator/internal/storage"
	"github.com/x402evm/facilitator/internal/submitter"
	"github.com/x402evm/facilitator/pkg/x402evm"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("facilitatord.fatal")
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is fine; operators may set the environment directly.
	_ = godotenv.Load()

	configPath := os.Getenv("X402FAC_CONFIG_FILE")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "x402-facilitator",
		Environment: cfg.Logging.Environment,
	})
	log.Logger = appLogger

	resources := lifecycle.NewManager()
	defer resources.Close()

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)
	breaker := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	registry, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build domain registry: %w", err)
	}

	storeCfg := storage.StoreConfig{
		Backend:         cfg.Storage.Backend,
		PostgresURL:     cfg.Storage.PostgresURL,
		MongoDBURL:      cfg.Storage.MongoDBURL,
		MongoDBDatabase: cfg.Storage.MongoDBDatabase,
		PostgresPool:    cfg.Storage.PostgresPool,
		PaymentsTable:   cfg.Storage.PaymentsTable,
		NoncesTable:     cfg.Storage.NoncesTable,
	}

	var store storage.Store
	if cfg.Storage.Backend == "postgres" {
		// Share one pool across the store rather than letting NewStore open
		// its own, so a future second postgres-backed repository in this
		// process (the reconciler, an admin tool) can reuse the same
		// connections instead of exhausting the database's connection limit.
		pool, poolErr := dbpool.NewSharedPool(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
		if poolErr != nil {
			return fmt.Errorf("init postgres pool: %w", poolErr)
		}
		resources.Register("postgres-pool", pool)

		store, err = storage.NewStoreWithDB(storeCfg, pool.DB())
	} else {
		store, err = storage.NewStore(storeCfg)
	}
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	resources.Register("storage", store)

	verifier := x402evm.NewVerifier(registry, store, x402evm.VerifierConfig{
		ClockSkew:            time.Duration(cfg.X402.ClockSkewSeconds) * time.Second,
		MinRemainingLifetime: time.Duration(cfg.X402.MinRemainingLifetimeSeconds) * time.Second,
	}, nil)

	signer, err := buildSigner(cfg)
	if err != nil {
		return fmt.Errorf("build submitter signer: %w", err)
	}

	submitterCfg := submitter.DefaultConfig()
	submitterCfg.BroadcastTimeout = cfg.X402.BroadcastTimeout.Duration
	submitterCfg.InclusionTimeout = cfg.X402.InclusionTimeout.Duration

	sub, err := submitter.New(buildEndpoints(cfg), signer, breaker, metricsCollector, submitterCfg)
	if err != nil {
		return fmt.Errorf("init submitter: %w", err)
	}
	resources.Register("submitter", sub)

	facCfg := facilitator.DefaultConfig()
	facCfg.SettlementTimeout = cfg.X402.InclusionTimeout.Duration
	facCfg.MaxInFlightSettlements = cfg.X402.MaxInFlightSettlements

	fac := facilitator.New(store, verifier, sub, registry, metricsCollector, facCfg, nil)

	issuer := facilitator.NewRequirementIssuer(registry, facilitator.RequirementIssuerConfig{
		FacilitatorRecipient: cfg.X402.FacilitatorRecipient,
		QuoteLifetime:        cfg.X402.QuoteLifetime.Duration,
	}, nil)

	var g *gate.Gate
	if len(cfg.Resources) > 0 {
		g = gate.New(issuer, fac, gate.Config{MaxInFlightSettlements: int64(cfg.X402.MaxInFlightSettlements)})
	}

	idempotencyStore := idempotency.NewMemoryStore()
	resources.RegisterFunc("idempotency-store", func() error {
		idempotencyStore.Stop()
		return nil
	})

	server := httpserver.New(cfg, registry, fac, g, idempotencyStore, metricsCollector, appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info().Str("address", cfg.Server.Address).Msg("facilitatord.listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		appLogger.Info().Msg("facilitatord.shutting_down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	appLogger.Info().Msg("facilitatord.exited")
	return nil
}

func buildRegistry(cfg *config.Config) (*x402evm.DomainRegistry, error) {
	if len(cfg.Networks) == 0 {
		return x402evm.NewDomainRegistry(x402evm.DefaultNetworkDescriptors())
	}

	descriptors := make([]x402evm.NetworkDescriptor, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		descriptors = append(descriptors, x402evm.NetworkDescriptor{
			ID:            n.Network,
			ChainID:       uint64(n.ChainID),
			TokenContract: common.HexToAddress(n.TokenContract),
			TokenName:     n.TokenName,
			TokenVersion:  n.TokenVersion,
			USDCDecimals:  n.TokenDecimals,
		})
	}
	return x402evm.NewDomainRegistry(descriptors)
}

func buildEndpoints(cfg *config.Config) []submitter.NetworkEndpoint {
	endpoints := make([]submitter.NetworkEndpoint, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		endpoints = append(endpoints, submitter.NetworkEndpoint{
			NetworkID:     n.Network,
			ChainID:       n.ChainID,
			RPCURL:        n.RPCURL,
			TokenContract: common.HexToAddress(n.TokenContract),
		})
	}
	return endpoints
}

// buildSigner loads the relayer's private key from the environment variable
// named by config, falling back to an ephemeral key with a loud warning so
// local development never needs a funded wallet to boot the process.
func buildSigner(cfg *config.Config) (submitter.Signer, error) {
	envVar := cfg.Submitter.PrivateKeyEnvVar
	keyHex := os.Getenv(envVar)
	if keyHex == "" {
		log.Warn().Str("env_var", envVar).Msg("facilitatord.no_relayer_key_configured_using_ephemeral_signer")
		return submitter.NewMockSigner()
	}
	return submitter.NewPrivateKeySigner(keyHex)
}
