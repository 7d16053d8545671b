package x402evm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ErrBadEncoding is returned when the base64url envelope itself is malformed.
var ErrBadEncoding = fmt.Errorf("x402evm: bad encoding")

// ErrBadShape is returned when the decoded JSON is missing required fields.
var ErrBadShape = fmt.Errorf("x402evm: bad shape")

// EncodeRequired canonically encodes a PaymentRequired envelope as base64url
// without padding. Struct field declaration order gives canonical JSON field
// ordering for free.
func EncodeRequired(envelope PaymentRequired) (string, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("x402evm: encode payment required: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeRequired decodes a base64url PaymentRequired envelope.
func DecodeRequired(encoded string) (PaymentRequired, error) {
	var envelope PaymentRequired
	data, err := decodeBase64URL(encoded)
	if err != nil {
		return envelope, err
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return envelope, fmt.Errorf("%w: %v", ErrBadShape, err)
	}
	if len(envelope.Accepts) == 0 {
		return envelope, fmt.Errorf("%w: accepts must have at least one requirement", ErrBadShape)
	}
	return envelope, nil
}

// EncodePayload encodes a PaymentPayload for the X-PAYMENT request header.
func EncodePayload(payload PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("x402evm: encode payment payload: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodePayload decodes the X-PAYMENT header into a PaymentPayload. Unknown
// fields are ignored; a missing authorization from or nonce produces
// ErrBadShape. Other fields are not checked here.
func DecodePayload(encoded string) (PaymentPayload, error) {
	var payload PaymentPayload
	data, err := decodeBase64URL(encoded)
	if err != nil {
		return payload, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrBadShape, err)
	}
	if payload.Payload.Authorization.From == "" || payload.Payload.Authorization.Nonce == "" {
		return payload, fmt.Errorf("%w: missing authorization", ErrBadShape)
	}
	return payload, nil
}

// EncodeResponse encodes a PaymentResponse for the X-PAYMENT-RESPONSE header.
func EncodeResponse(resp PaymentResponse) (string, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("x402evm: encode payment response: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeResponse decodes an X-PAYMENT-RESPONSE header value.
func DecodeResponse(encoded string) (PaymentResponse, error) {
	var resp PaymentResponse
	data, err := decodeBase64URL(encoded)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrBadShape, err)
	}
	return resp, nil
}

// decodeBase64URL accepts both padded and unpadded base64url, since some
// clients pad even though producers on this protocol must not.
func decodeBase64URL(encoded string) ([]byte, error) {
	if data, err := base64.RawURLEncoding.DecodeString(encoded); err == nil {
		return data, nil
	}
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	return data, nil
}
