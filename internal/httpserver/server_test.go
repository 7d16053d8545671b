package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/x402evm/facilitator/internal/config"
	"github.com/x402evm/facilitator/internal/facilitator"
	"github.com/x402evm/facilitator/internal/gate"
	"github.com/x402evm/facilitator/internal/idempotency"
	"github.com/x402evm/facilitator/internal/metrics"
	"github.com/x402evm/facilitator/pkg/x402evm"
)

// fakeFacilitator is a Facilitator test double letting each test script the
// outcome returned to the RPC surface and the Gate without dialing a chain.
type fakeFacilitator struct {
	verifyOutcome x402evm.VerifyOutcome
	verifyErr     error
	settleOutcome facilitator.Outcome
	settleErr     error
}

func (f *fakeFacilitator) Verify(ctx context.Context, payload x402evm.PaymentPayload, requirement x402evm.PaymentRequirement) (x402evm.VerifyOutcome, error) {
	return f.verifyOutcome, f.verifyErr
}

func (f *fakeFacilitator) VerifyAndSettle(ctx context.Context, payload x402evm.PaymentPayload, requirement x402evm.PaymentRequirement) (facilitator.Outcome, error) {
	return f.settleOutcome, f.settleErr
}

func testRegistry(t *testing.T) *x402evm.DomainRegistry {
	t.Helper()
	reg, err := x402evm.NewDomainRegistry(x402evm.DefaultNetworkDescriptors())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Address: ":0"},
		X402:   config.X402Config{DefaultNetwork: "base-sepolia"},
		Resources: []config.ResourceConfig{
			{ID: "article-1", AmountUSD: "0.05", Description: "premium article"},
		},
	}
}

func newTestRouter(t *testing.T, fac Facilitator, g *gate.Gate) chi.Router {
	t.Helper()
	router := chi.NewRouter()
	ConfigureRouter(router, testConfig(), testRegistry(t), fac, g, idempotency.NewMemoryStore(), metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	return router
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, &fakeFacilitator{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
}

func TestSupportedListsNetworks(t *testing.T) {
	router := newTestRouter(t, &fakeFacilitator{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/supported", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Kinds []map[string]any `json:"kinds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Kinds) != len(x402evm.DefaultNetworkDescriptors()) {
		t.Fatalf("kinds count = %d, want %d", len(body.Kinds), len(x402evm.DefaultNetworkDescriptors()))
	}
}

func TestVerifyReturnsOutcome(t *testing.T) {
	fac := &fakeFacilitator{verifyOutcome: x402evm.VerifyOutcome{Valid: false, Reason: "expired"}}
	router := newTestRouter(t, fac, nil)

	body := strings.NewReader(`{"paymentPayload":{},"paymentRequirements":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/facilitator/verify", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp["isValid"] != false || resp["invalidReason"] != "expired" {
		t.Fatalf("unexpected body: %v", resp)
	}
}

func TestVerifyRejectsMalformedBody(t *testing.T) {
	router := newTestRouter(t, &fakeFacilitator{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/facilitator/verify", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSettleSuccess(t *testing.T) {
	fac := &fakeFacilitator{settleOutcome: facilitator.Outcome{Kind: facilitator.KindSettled, TxHash: "0xabc", Payer: "0xpayer"}}
	router := newTestRouter(t, fac, nil)

	req := httptest.NewRequest(http.MethodPost, "/facilitator/settle", strings.NewReader(`{"paymentPayload":{},"paymentRequirements":{}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp["success"] != true || resp["txHash"] != "0xabc" {
		t.Fatalf("unexpected body: %v", resp)
	}
}

func TestSettleInProgressSetsRetryAfter(t *testing.T) {
	fac := &fakeFacilitator{settleOutcome: facilitator.Outcome{Kind: facilitator.KindInProgress, TxHash: "0xpending"}}
	router := newTestRouter(t, fac, nil)

	req := httptest.NewRequest(http.MethodPost, "/facilitator/settle", strings.NewReader(`{"paymentPayload":{},"paymentRequirements":{}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("Retry-After = %q, want 2", rec.Header().Get("Retry-After"))
	}
}

func TestSettleRejectedReturns402(t *testing.T) {
	fac := &fakeFacilitator{settleOutcome: facilitator.Outcome{Kind: facilitator.KindRejected, Reason: "signer_mismatch"}}
	router := newTestRouter(t, fac, nil)

	req := httptest.NewRequest(http.MethodPost, "/facilitator/settle", strings.NewReader(`{"paymentPayload":{},"paymentRequirements":{}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}

func TestSettlementFailedReturns502(t *testing.T) {
	fac := &fakeFacilitator{settleOutcome: facilitator.Outcome{Kind: facilitator.KindSettlementFailed, Reason: "settlement_reverted"}}
	router := newTestRouter(t, fac, nil)

	req := httptest.NewRequest(http.MethodPost, "/facilitator/settle", strings.NewReader(`{"paymentPayload":{},"paymentRequirements":{}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

// stubIssuer satisfies gate.RequirementIssuer without touching the real
// RequirementIssuer's money parsing, keeping this test focused on routing.
type stubIssuer struct{}

func (stubIssuer) Build(resource, amountUSD, description, network string) (x402evm.PaymentRequirement, error) {
	return x402evm.PaymentRequirement{Scheme: "exact", Network: network, Resource: resource}, nil
}

func TestPaywalledResourceRequiresPayment(t *testing.T) {
	fac := &fakeFacilitator{}
	g := gate.New(stubIssuer{}, fac, gate.DefaultConfig())
	router := newTestRouter(t, fac, g)

	req := httptest.NewRequest(http.MethodGet, "/paywall/article-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if rec.Header().Get("X-PAYMENT-REQUIRED") == "" {
		t.Fatalf("expected X-PAYMENT-REQUIRED header to be set")
	}
}

func TestPaywalledResourceUnknownResource(t *testing.T) {
	fac := &fakeFacilitator{}
	g := gate.New(stubIssuer{}, fac, gate.DefaultConfig())
	router := newTestRouter(t, fac, g)

	req := httptest.NewRequest(http.MethodGet, "/paywall/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpointRequiresAPIKey(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AdminMetricsAPIKey = "secret"
	router := chi.NewRouter()
	ConfigureRouter(router, cfg, testRegistry(t), &fakeFacilitator{}, nil, idempotency.NewMemoryStore(), metrics.New(prometheus.NewRegistry()), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req2.Header.Set("Authorization", "Bearer secret")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec2.Code)
	}
}
