package exact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402kit/facilitator/replay"
	"github.com/x402kit/facilitator/types"
)

func newTestVerifier(ledger *fakeLedger, nonces replay.Store) *Verifier {
	return NewVerifier(ledger, testRegistry(), nonces, ModeDirect, "", testLogger())
}

func TestVerifyDirectAuthValid(t *testing.T) {
	ledger := newFakeLedger()
	v := newTestVerifier(ledger, replay.NewMemoryStore())

	payload, payer := signedDirectAuth(t, "1000000", "1")
	ledger.setBalance(payer, 10_000_000)

	result := v.Verify(context.Background(), envelope(payload), testRequirements("1000000"))
	require.True(t, result.IsValid, result.InvalidReason)
	assert.Equal(t, payer, result.Payer)
}

func TestVerifyRejectsWrongScheme(t *testing.T) {
	v := newTestVerifier(newFakeLedger(), replay.NewMemoryStore())
	payload, _ := signedDirectAuth(t, "1000000", "1")

	req := testRequirements("1000000")
	req.Scheme = "upto"
	result := v.Verify(context.Background(), envelope(payload), req)
	assert.False(t, result.IsValid)
	assert.Equal(t, types.ReasonInvalidScheme, result.InvalidReason)
}

func TestVerifyRejectsUnknownNetwork(t *testing.T) {
	v := newTestVerifier(newFakeLedger(), replay.NewMemoryStore())
	payload, _ := signedDirectAuth(t, "1000000", "1")

	req := testRequirements("1000000")
	req.Network = "eip155:1"
	env := envelope(payload)
	env.Network = "eip155:1"
	result := v.Verify(context.Background(), env, req)
	assert.False(t, result.IsValid)
	assert.Equal(t, types.ReasonInvalidNetwork, result.InvalidReason)
}

func TestVerifyRejectsUnwhitelistedToken(t *testing.T) {
	v := newTestVerifier(newFakeLedger(), replay.NewMemoryStore())
	payload, _ := signedDirectAuth(t, "1000000", "1")

	req := testRequirements("1000000")
	req.Asset = "0x1111111111111111111111111111111111111111"
	result := v.Verify(context.Background(), envelope(payload), req)
	assert.False(t, result.IsValid)
	assert.Equal(t, types.ReasonTokenNotWhitelisted, result.InvalidReason)
}

func TestVerifyRejectsForgedFrom(t *testing.T) {
	ledger := newFakeLedger()
	v := newTestVerifier(ledger, replay.NewMemoryStore())

	payload, payer := signedDirectAuth(t, "1000000", "1")
	ledger.setBalance(payer, 10_000_000)

	// declare a different from than the actual signer
	auth := payload["authorization"].(map[string]interface{})
	auth["from"] = "0x1111111111111111111111111111111111111111"

	result := v.Verify(context.Background(), envelope(payload), testRequirements("1000000"))
	assert.False(t, result.IsValid)
	assert.Equal(t, types.ReasonInvalidSignatureAddress, result.InvalidReason)
}

func TestVerifyRejectsTamperedValue(t *testing.T) {
	ledger := newFakeLedger()
	v := newTestVerifier(ledger, replay.NewMemoryStore())

	payload, payer := signedDirectAuth(t, "1000000", "1")
	ledger.setBalance(payer, 10_000_000)

	auth := payload["authorization"].(map[string]interface{})
	auth["value"] = "2000000"

	result := v.Verify(context.Background(), envelope(payload), testRequirements("1000000"))
	assert.False(t, result.IsValid)
	// the signature no longer matches the declared from
	assert.Equal(t, types.ReasonInvalidSignatureAddress, result.InvalidReason)
}

func TestCheckWindow(t *testing.T) {
	v := newTestVerifier(newFakeLedger(), replay.NewMemoryStore())

	tests := []struct {
		name       string
		validAfter string
		validBefore string
		deadline   string
		want       string
	}{
		{"valid window", "0", farFuture, "", ""},
		{"not yet valid", farFuture, farFuture, "", types.ReasonInvalidValidAfter},
		{"expired", "0", "1", "", types.ReasonInvalidValidBefore},
		{"deadline passed", "0", farFuture, "1", types.ReasonInvalidValidBefore},
		{"deadline ok", "0", farFuture, farFuture, ""},
		{"garbage validAfter", "x", farFuture, "", types.ReasonInvalidValidAfter},
		{"garbage validBefore", "0", "x", "", types.ReasonInvalidValidBefore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.checkWindow(tt.validAfter, tt.validBefore, tt.deadline))
		})
	}
}

func TestVerifyAmountTooLow(t *testing.T) {
	ledger := newFakeLedger()
	v := newTestVerifier(ledger, replay.NewMemoryStore())

	payload, payer := signedDirectAuth(t, "500", "1")
	ledger.setBalance(payer, 10_000_000)

	result := v.Verify(context.Background(), envelope(payload), testRequirements("1000000"))
	assert.False(t, result.IsValid)
	assert.Equal(t, types.ReasonValueTooLow, result.InvalidReason)
}

func TestVerifyReplayedNonce(t *testing.T) {
	ledger := newFakeLedger()
	nonces := replay.NewMemoryStore()
	v := newTestVerifier(ledger, nonces)

	payload, payer := signedDirectAuth(t, "1000000", "7")
	ledger.setBalance(payer, 10_000_000)

	require.NoError(t, nonces.MarkUsed(context.Background(), payer, "7", testToken, "0xprev"))

	result := v.Verify(context.Background(), envelope(payload), testRequirements("1000000"))
	assert.False(t, result.IsValid)
	assert.Equal(t, types.ReasonNonceAlreadyUsed, result.InvalidReason)
}

func TestVerifyInsufficientBalance(t *testing.T) {
	ledger := newFakeLedger()
	v := newTestVerifier(ledger, replay.NewMemoryStore())

	payload, payer := signedDirectAuth(t, "1000000", "1")
	ledger.setBalance(payer, 10)

	result := v.Verify(context.Background(), envelope(payload), testRequirements("1000000"))
	assert.False(t, result.IsValid)
	assert.Equal(t, types.ReasonInsufficientFunds, result.InvalidReason)
}

func TestVerifyWitnessSpendAllowanceRequired(t *testing.T) {
	ledger := newFakeLedger()
	v := newTestVerifier(ledger, replay.NewMemoryStore())

	payload, payer := signedWitnessSpend(t, ledger.Address(), testReceiver, "1000000", "1")
	ledger.setBalance(payer, 10_000_000)
	// no outer allowance granted to the protocol contract

	result := v.Verify(context.Background(), envelope(payload), testRequirements("1000000"))
	assert.False(t, result.IsValid)
	assert.Equal(t, types.ReasonOuterAllowanceRequired, result.InvalidReason)
}

func TestVerifyWitnessSpendValid(t *testing.T) {
	ledger := newFakeLedger()
	v := newTestVerifier(ledger, replay.NewMemoryStore())

	payload, payer := signedWitnessSpend(t, ledger.Address(), testReceiver, "1000000", "1")
	ledger.setBalance(payer, 10_000_000)
	ledger.setAllowance(payer, 100_000_000)

	result := v.Verify(context.Background(), envelope(payload), testRequirements("1000000"))
	require.True(t, result.IsValid, result.InvalidReason)
	assert.Equal(t, payer, result.Payer)
}

func TestVerifyWitnessSpendWrongSpender(t *testing.T) {
	ledger := newFakeLedger()
	v := newTestVerifier(ledger, replay.NewMemoryStore())

	payload, payer := signedWitnessSpend(t, "0x2222222222222222222222222222222222222222", testReceiver, "1000000", "1")
	ledger.setBalance(payer, 10_000_000)
	ledger.setAllowance(payer, 100_000_000)

	result := v.Verify(context.Background(), envelope(payload), testRequirements("1000000"))
	assert.False(t, result.IsValid)
	assert.Equal(t, types.ReasonInvalidTypedData, result.InvalidReason)
}

func TestVerifyQuickSkipsFunds(t *testing.T) {
	ledger := newFakeLedger()
	v := newTestVerifier(ledger, replay.NewMemoryStore())

	// zero balance, but quick mode never reads it
	payload, _ := signedDirectAuth(t, "1000000", "1")
	result := v.VerifyQuick(context.Background(), envelope(payload), testRequirements("1000000"))
	assert.True(t, result.IsValid, result.InvalidReason)
}

func TestVerifyIsPure(t *testing.T) {
	ledger := newFakeLedger()
	v := newTestVerifier(ledger, replay.NewMemoryStore())

	payload, payer := signedDirectAuth(t, "1000000", "1")
	ledger.setBalance(payer, 10_000_000)

	a := v.Verify(context.Background(), envelope(payload), testRequirements("1000000"))
	b := v.Verify(context.Background(), envelope(payload), testRequirements("1000000"))
	assert.Equal(t, a, b)
}

func TestVerifyMalformedPayload(t *testing.T) {
	v := newTestVerifier(newFakeLedger(), replay.NewMemoryStore())

	result := v.Verify(context.Background(),
		envelope(map[string]interface{}{"authorization": map[string]interface{}{"unexpected": "shape"}}),
		testRequirements("1000000"))
	assert.False(t, result.IsValid)
	assert.Equal(t, types.ReasonInvalidPayload, result.InvalidReason)
}
