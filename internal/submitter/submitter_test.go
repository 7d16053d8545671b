package submitter

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestNewPrivateKeySigner_RoundTrips(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	signer, err := NewPrivateKeySigner(hexKey)
	if err != nil {
		t.Fatalf("NewPrivateKeySigner: %v", err)
	}

	want := crypto.PubkeyToAddress(key.PublicKey)
	if signer.Address() != want {
		t.Errorf("address mismatch: got %s want %s", signer.Address(), want)
	}
}

func TestNewPrivateKeySigner_AcceptsHexPrefix(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))

	if _, err := NewPrivateKeySigner(hexKey); err != nil {
		t.Fatalf("NewPrivateKeySigner with 0x prefix: %v", err)
	}
}

func TestNewPrivateKeySigner_RejectsGarbage(t *testing.T) {
	if _, err := NewPrivateKeySigner("not-hex"); err == nil {
		t.Fatal("expected error for non-hex key")
	}
	if _, err := NewPrivateKeySigner("deadbeef"); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestMockSigner_GeneratesUsableKey(t *testing.T) {
	signer, err := NewMockSigner()
	if err != nil {
		t.Fatalf("NewMockSigner: %v", err)
	}
	if signer.Address() == (common.Address{}) {
		t.Fatal("mock signer produced zero address")
	}
}

func TestSplitSignature_NormalizesLowV(t *testing.T) {
	sig := make([]byte, 65)
	sig[64] = 0 // raw recovery id, should normalize to 27

	_, _, v, err := splitSignature(sig)
	if err != nil {
		t.Fatalf("splitSignature: %v", err)
	}
	if v != 27 {
		t.Errorf("expected v=27, got %d", v)
	}
}

func TestSplitSignature_PassesThroughAlreadyNormalizedV(t *testing.T) {
	sig := make([]byte, 65)
	sig[64] = 28

	_, _, v, err := splitSignature(sig)
	if err != nil {
		t.Fatalf("splitSignature: %v", err)
	}
	if v != 28 {
		t.Errorf("expected v=28, got %d", v)
	}
}

func TestSplitSignature_RejectsWrongLength(t *testing.T) {
	if _, _, _, err := splitSignature(make([]byte, 64)); err == nil {
		t.Fatal("expected error for short signature")
	}
	if _, _, _, err := splitSignature(make([]byte, 66)); err == nil {
		t.Fatal("expected error for long signature")
	}
}

func TestHexToBytes32_RoundTrips(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	hexNonce := "0x" + common.Bytes2Hex(raw)

	got, err := hexToBytes32(hexNonce)
	if err != nil {
		t.Fatalf("hexToBytes32: %v", err)
	}
	for i := range raw {
		if got[i] != raw[i] {
			t.Fatalf("byte %d mismatch: got %x want %x", i, got[i], raw[i])
		}
	}
}

func TestHexToBytes32_RejectsWrongLength(t *testing.T) {
	if _, err := hexToBytes32("0x1234"); err == nil {
		t.Fatal("expected error for short nonce")
	}
}

func TestLoadTransferWithAuthorizationABI_HasExpectedMethod(t *testing.T) {
	contractABI, err := loadTransferWithAuthorizationABI()
	if err != nil {
		t.Fatalf("loadTransferWithAuthorizationABI: %v", err)
	}
	method, ok := contractABI.Methods["transferWithAuthorization"]
	if !ok {
		t.Fatal("expected transferWithAuthorization method in ABI")
	}
	if len(method.Inputs) != 9 {
		t.Errorf("expected 9 inputs, got %d", len(method.Inputs))
	}
}

func TestIsNonceUsedOnChain(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"execution reverted: authorization is used", true},
		{"execution reverted: AuthorizationState already used", true},
		{"nonce too low", false},
		{"", false},
	}
	for _, tc := range cases {
		var err error
		if tc.msg != "" {
			err = &stringError{tc.msg}
		}
		if got := isNonceUsedOnChain(err); got != tc.want {
			t.Errorf("isNonceUsedOnChain(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestIsReplaceableNonceError(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"nonce too low", true},
		{"already known", true},
		{"replacement transaction underpriced", true},
		{"execution reverted: insufficient balance", false},
	}
	for _, tc := range cases {
		err := &stringError{tc.msg}
		if got := isReplaceableNonceError(err); got != tc.want {
			t.Errorf("isReplaceableNonceError(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

type stringError struct{ s string }

func (e *stringError) Error() string { return e.s }

func TestNonceManager_SeedsOnceAndIncrements(t *testing.T) {
	src := &fakeNonceSource{pending: 5}
	mgr := NewNonceManager()

	first, err := mgr.Next(context.Background(), 1, common.Address{}, src)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first != 5 {
		t.Fatalf("expected first nonce 5, got %d", first)
	}

	second, err := mgr.Next(context.Background(), 1, common.Address{}, src)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if second != 6 {
		t.Fatalf("expected second nonce 6, got %d", second)
	}
	if src.calls != 1 {
		t.Fatalf("expected node to be queried once, got %d calls", src.calls)
	}
}

func TestNonceManager_ResetReseedsFromNode(t *testing.T) {
	src := &fakeNonceSource{pending: 5}
	mgr := NewNonceManager()

	if _, err := mgr.Next(context.Background(), 7, common.Address{}, src); err != nil {
		t.Fatalf("Next: %v", err)
	}

	mgr.Reset(7)
	src.pending = 9

	got, err := mgr.Next(context.Background(), 7, common.Address{}, src)
	if err != nil {
		t.Fatalf("Next after reset: %v", err)
	}
	if got != 9 {
		t.Fatalf("expected reseeded nonce 9, got %d", got)
	}
	if src.calls != 2 {
		t.Fatalf("expected two node queries, got %d", src.calls)
	}
}

func TestNonceManager_TracksChainsIndependently(t *testing.T) {
	src := &fakeNonceSource{pending: 100}
	mgr := NewNonceManager()

	a, err := mgr.Next(context.Background(), 1, common.Address{}, src)
	if err != nil {
		t.Fatalf("Next chain 1: %v", err)
	}
	b, err := mgr.Next(context.Background(), 2, common.Address{}, src)
	if err != nil {
		t.Fatalf("Next chain 2: %v", err)
	}
	if a != 100 || b != 100 {
		t.Fatalf("expected both chains to seed independently at 100, got %d and %d", a, b)
	}
}

type fakeNonceSource struct {
	pending uint64
	calls   int
}

func (f *fakeNonceSource) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.calls++
	return f.pending, nil
}
