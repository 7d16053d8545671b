package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/x402evm/facilitator/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	// Per-wallet rate limiting (identified by the payer address).
	PerWalletEnabled bool
	PerWalletLimit   int
	PerWalletWindow  time.Duration

	// Per-IP rate limiting (fallback when a wallet can't be identified).
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional).
	Metrics *metrics.Metrics
}

// rateLimitResponse is the JSON body returned when a limit is exceeded.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// DefaultConfig returns sensible default rate limits.
func DefaultConfig() Config {
	return Config{
		PerWalletEnabled: true,
		PerWalletLimit:   30,
		PerWalletWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  1 * time.Minute,
	}
}

// createRateLimitHandler builds a standardized rate limit response handler,
// shared by the wallet and IP limiters.
func createRateLimitHandler(
	limitType string,
	windowSeconds int,
	extractIdentifier func(*http.Request) string,
	metricsCollector *metrics.Metrics,
) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "unknown"
		if extractIdentifier != nil {
			if id := extractIdentifier(r); id != "" {
				identifier = id
			}
		}

		if metricsCollector != nil {
			metricsCollector.ObserveRateLimit(limitType, identifier)
		}

		var message string
		switch limitType {
		case "per_wallet":
			if identifier != "" && identifier != "unknown" {
				message = fmt.Sprintf("rate limit exceeded for wallet %s", identifier)
			} else {
				message = "rate limit exceeded"
			}
		case "per_ip":
			message = "rate limit exceeded for this address"
		default:
			message = "rate limit exceeded"
		}

		response := rateLimitResponse{
			Error:             "backpressure",
			Message:           message,
			RetryAfterSeconds: windowSeconds,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(response)
	}
}

// WalletLimiter creates a per-payer-address rate limiter middleware.
func WalletLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerWalletEnabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	limiter := httprate.Limit(
		cfg.PerWalletLimit,
		cfg.PerWalletWindow,
		httprate.WithKeyFuncs(walletKeyExtractor),
		httprate.WithLimitHandler(
			createRateLimitHandler(
				"per_wallet",
				int(cfg.PerWalletWindow.Seconds()),
				extractWalletFromRequest,
				cfg.Metrics,
			),
		),
	)

	return limiter
}

// IPLimiter creates a per-IP rate limiter middleware (fallback for requests
// that carry no identifiable payer address, e.g. /supported).
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			createRateLimitHandler(
				"per_ip",
				int(cfg.PerIPWindow.Seconds()),
				func(r *http.Request) string { return r.RemoteAddr },
				cfg.Metrics,
			),
		),
	)
}

// walletKeyExtractor is a httprate.KeyFunc that extracts the payer address
// from the request, falling back to IP-based limiting when absent.
func walletKeyExtractor(r *http.Request) (string, error) {
	wallet := extractWalletFromRequest(r)
	if wallet == "" {
		return httprate.KeyByIP(r)
	}
	return "wallet:" + wallet, nil
}

// extractWalletFromRequest attempts to find the EVM address making the
// request. The x402 payload itself (X-PAYMENT header) also carries a "from"
// address, but parsing it here would mean decoding the full payload twice
// per request; callers that already know the address (e.g. after payload
// decoding inside the gate) should set X-Wallet so this limiter can key on it.
func extractWalletFromRequest(r *http.Request) string {
	if wallet := r.Header.Get("X-Wallet"); wallet != "" {
		return wallet
	}
	if wallet := r.URL.Query().Get("wallet"); wallet != "" {
		return wallet
	}
	return ""
}
