package x402evm

import (
	stderrors "errors"
	"fmt"

	"github.com/x402evm/facilitator/internal/errors"
)

// VerificationError wraps a verification failure with a machine-readable
// code alongside the underlying cause, so callers can branch on Code without
// string-matching Error().
type VerificationError struct {
	Code errors.ErrorCode
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// NewVerificationError builds a VerificationError for code, wrapping err for
// diagnostics. err may be nil when the code itself is self-explanatory.
func NewVerificationError(code errors.ErrorCode, err error) *VerificationError {
	return &VerificationError{Code: code, Err: err}
}

// AsVerificationError extracts a *VerificationError from err, if present.
func AsVerificationError(err error) (*VerificationError, bool) {
	var verr *VerificationError
	if stderrors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
