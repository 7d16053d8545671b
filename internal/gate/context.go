package gate

import "context"

type contextKey string

const (
	contextKeyPayer  contextKey = "gate.payer"
	contextKeyTxHash contextKey = "gate.txHash"
)

// PayerFromContext retrieves the settled payment's payer address, set by the
// Gate after a successful settlement.
func PayerFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(contextKeyPayer).(string)
	return v, ok
}

// TxHashFromContext retrieves the settlement transaction hash, set by the
// Gate after a successful settlement.
func TxHashFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(contextKeyTxHash).(string)
	return v, ok
}
