package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/x402evm/facilitator/internal/config"
	"github.com/x402evm/facilitator/internal/facilitator"
	"github.com/x402evm/facilitator/internal/gate"
	"github.com/x402evm/facilitator/internal/idempotency"
	"github.com/x402evm/facilitator/internal/logger"
	"github.com/x402evm/facilitator/internal/metrics"
	"github.com/x402evm/facilitator/internal/ratelimit"
	"github.com/x402evm/facilitator/pkg/x402evm"
)

var serverStartTime = time.Now()

// Facilitator is the subset of facilitator.Facilitator the RPC surface calls.
type Facilitator interface {
	Verify(ctx context.Context, payload x402evm.PaymentPayload, requirement x402evm.PaymentRequirement) (x402evm.VerifyOutcome, error)
	VerifyAndSettle(ctx context.Context, payload x402evm.PaymentPayload, requirement x402evm.PaymentRequirement) (facilitator.Outcome, error)
}

// Server wires handlers, middleware, and dependencies into a running chi
// server exposing the facilitator RPC surface and hosting the Gate-protected
// demonstration resource.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg         *config.Config
	registry    *x402evm.DomainRegistry
	facilitator Facilitator
	gate        *gate.Gate
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// New builds the HTTP server with a configured router.
func New(cfg *config.Config, registry *x402evm.DomainRegistry, fac Facilitator, g *gate.Gate, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:         cfg,
			registry:    registry,
			facilitator: fac,
			gate:        g,
			metrics:     metricsCollector,
			logger:      appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, registry, fac, g, idempotencyStore, metricsCollector, appLogger)

	return s
}

// ConfigureRouter attaches the facilitator's routes to an existing router,
// keeping route wiring testable without binding a listener.
func ConfigureRouter(router chi.Router, cfg *config.Config, registry *x402evm.DomainRegistry, fac Facilitator, g *gate.Gate, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	h := handlers{
		cfg:         cfg,
		registry:    registry,
		facilitator: fac,
		gate:        g,
		metrics:     metricsCollector,
		logger:      appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-PAYMENT-REQUIRED", "X-PAYMENT-RESPONSE", "X-PAYMENT-ERROR"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.Config{
		PerWalletEnabled: cfg.RateLimit.PerWalletEnabled,
		PerWalletLimit:   cfg.RateLimit.PerWalletLimit,
		PerWalletWindow:  cfg.RateLimit.PerWalletWindow.Duration,
		PerIPEnabled:     cfg.RateLimit.PerIPEnabled,
		PerIPLimit:       cfg.RateLimit.PerIPLimit,
		PerIPWindow:      cfg.RateLimit.PerIPWindow.Duration,
		Metrics:          metricsCollector,
	}
	router.Use(ratelimit.WalletLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints: health, network discovery, metrics.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/healthz", h.health)
		r.Get(prefix+"/supported", h.supported)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Facilitator RPC surface: blocking on chain I/O, given the full
	// broadcast+inclusion timeout budget.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		idempotencyMW := idempotency.Middleware(idempotencyStore, 24*time.Hour)
		r.Post(prefix+"/facilitator/verify", h.verify)
		r.With(idempotencyMW).Post(prefix+"/facilitator/settle", h.settle)
	})

	// The Gate-protected demonstration resource: exercises the whole
	// challenge-verify-settle pipeline behind one HTTP handler, the way a
	// resource server embeds the facilitator directly rather than calling
	// it over the RPC surface above.
	if g != nil {
		router.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.With(g.Middleware(resourceCatalogResolver(cfg))).Get(prefix+"/paywall/{resourceID}", h.paywalledResource)
		})
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
