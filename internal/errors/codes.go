package errors

// ErrorCode represents a machine-readable error identifier, matching the
// "reason" vocabulary surfaced to clients when a payment cannot be verified
// or settled.
type ErrorCode string

// Client errors: malformed or mismatched input, detected before any chain
// interaction is attempted.
const (
	ErrCodeVersionMismatch  ErrorCode = "version_mismatch"
	ErrCodeSchemeMismatch   ErrorCode = "scheme_mismatch"
	ErrCodeNetworkMismatch  ErrorCode = "network_mismatch"
	ErrCodeUnknownNetwork   ErrorCode = "unknown_network"
	ErrCodeMalformedPayload ErrorCode = "malformed_payload"
)

// Payment-rejected errors: the payload parsed fine but fails an x402/EIP-3009
// invariant. These are never retryable with the same payload.
const (
	ErrCodeRecipientMismatch  ErrorCode = "recipient_mismatch"
	ErrCodeInsufficientAmount ErrorCode = "insufficient_amount"
	ErrCodeAmountOutOfRange   ErrorCode = "amount_out_of_range"
	ErrCodeNotYetValid        ErrorCode = "not_yet_valid"
	ErrCodeExpired            ErrorCode = "expired"
	ErrCodeMalleableSignature ErrorCode = "malleable_signature"
	ErrCodeInvalidSignature   ErrorCode = "invalid_signature"
	ErrCodeSignerMismatch     ErrorCode = "signer_mismatch"
	ErrCodeNonceReused        ErrorCode = "nonce_reused"
)

// Transient errors: the caller may retry, typically after a delay.
const (
	ErrCodeInProgress        ErrorCode = "in_progress"
	ErrCodeBackpressure      ErrorCode = "backpressure"
	ErrCodeChainUnreachable  ErrorCode = "chain_unreachable"
	ErrCodeStoreUnavailable  ErrorCode = "store_unavailable"
	ErrCodeSettlementTimeout ErrorCode = "settlement_timeout"
)

// Fatal errors: the authorization was broadcast but the chain rejected it;
// retrying with the same payload will not help.
const (
	ErrCodeSettlementReverted ErrorCode = "settlement_reverted"
)

// Internal/system errors not part of the x402 reason vocabulary but still
// surfaced on the facilitator's own RPC surface (config, storage wiring, ...).
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
)

// IsRetryable returns whether an error code represents a transient condition
// the caller may retry without changing the payload.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeInProgress,
		ErrCodeBackpressure,
		ErrCodeChainUnreachable,
		ErrCodeStoreUnavailable,
		ErrCodeSettlementTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeVersionMismatch,
		ErrCodeSchemeMismatch,
		ErrCodeNetworkMismatch,
		ErrCodeUnknownNetwork,
		ErrCodeMalformedPayload:
		return 400

	case ErrCodeRecipientMismatch,
		ErrCodeInsufficientAmount,
		ErrCodeAmountOutOfRange,
		ErrCodeNotYetValid,
		ErrCodeExpired,
		ErrCodeMalleableSignature,
		ErrCodeInvalidSignature,
		ErrCodeSignerMismatch,
		ErrCodeNonceReused:
		return 402

	case ErrCodeInProgress:
		return 409

	case ErrCodeBackpressure:
		return 429

	case ErrCodeChainUnreachable, ErrCodeStoreUnavailable, ErrCodeSettlementTimeout:
		return 503

	case ErrCodeSettlementReverted:
		return 502

	default:
		return 500
	}
}
