package x402evm

import "testing"

func TestCodecRoundTrip_PaymentRequired(t *testing.T) {
	envelope := PaymentRequired{
		X402Version: 2,
		Accepts: []PaymentRequirement{
			{
				Scheme:            "exact",
				Network:           "base-sepolia",
				MaxAmountRequired: "1000000",
				Resource:          "/premium-article",
				Description:       "access to premium article",
				PayTo:             "0x0000000000000000000000000000000000beef",
				Asset:             "0x036cbd53842c5426634e7929541ec2318f3dcf7e",
				Extra:             RequirementExtra{ExpiresAt: 1999999999, Name: "USD Coin", Version: "2"},
			},
		},
	}

	encoded, err := EncodeRequired(envelope)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeRequired(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.X402Version != envelope.X402Version {
		t.Errorf("x402Version mismatch: got %d", decoded.X402Version)
	}
	if len(decoded.Accepts) != 1 || decoded.Accepts[0].Resource != envelope.Accepts[0].Resource {
		t.Errorf("accepts mismatch: got %+v", decoded.Accepts)
	}
}

func TestDecodeRequired_RejectsEmptyAccepts(t *testing.T) {
	encoded, err := EncodeRequired(PaymentRequired{X402Version: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeRequired(encoded); err == nil {
		t.Fatal("expected error for empty accepts")
	}
}

func TestCodecRoundTrip_PaymentPayload(t *testing.T) {
	payload := PaymentPayload{
		X402Version: 2,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload: PaymentPayloadData{
			Signature: "0x" + "11",
			Authorization: Authorization{
				From:        "0xabc0000000000000000000000000000000dead",
				To:          "0x0000000000000000000000000000000000beef",
				Value:       "1000000",
				ValidAfter:  0,
				ValidBefore: 9999999999,
				Nonce:       "0x" + "22",
			},
		},
	}

	encoded, err := EncodePayload(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodePayload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Payload.Authorization.From != payload.Payload.Authorization.From {
		t.Errorf("from mismatch: got %s", decoded.Payload.Authorization.From)
	}
}

func TestDecodePayload_RejectsMissingAuthorization(t *testing.T) {
	encoded, err := EncodePayload(PaymentPayload{X402Version: 2, Scheme: "exact", Network: "base-sepolia"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodePayload(encoded); err == nil {
		t.Fatal("expected error for missing authorization")
	}
}

func TestDecodeBase64URL_RejectsGarbage(t *testing.T) {
	if _, err := DecodeRequired("not-valid-base64!!!"); err == nil {
		t.Fatal("expected decoding error")
	}
}

func TestCodecRoundTrip_PaymentResponse(t *testing.T) {
	resp := PaymentResponse{Success: true, TxHash: "0xdeadbeef", Payer: "0xabc", Network: "base-sepolia"}
	encoded, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeResponse(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != resp {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, resp)
	}
}
