package exact

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/x402kit/facilitator/audit"
	"github.com/x402kit/facilitator/eip712"
	"github.com/x402kit/facilitator/evmrpc"
	"github.com/x402kit/facilitator/token"
	"github.com/x402kit/facilitator/types"
)

const (
	testKeyHex    = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testToken     = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testReceiver  = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testNetwork   = "eip155:84532"
	testChainID   = 84532
	farFuture     = "99999999999"
)

func testRegistry() *token.Registry {
	return token.NewRegistry([]token.Record{
		{
			Address: testToken, Symbol: "USDC", Decimals: 6, FeeBps: 10,
			EIP712Name: "USDC", EIP712Version: "2",
		},
	})
}

// fakeLedger is an in-memory stand-in for the RPC signer.
type fakeLedger struct {
	mu sync.Mutex

	address    string
	balances   map[string]*big.Int
	allowances map[string]*big.Int

	simulateErr  error
	writeErrFor  map[string]error // per contract address (lowercased)
	spentAuths   map[string]bool
	writes       []writeCall
	receiptFail  bool
	waitErr      error
	pendingNonce uint64
	txCounter    int
}

type writeCall struct {
	contract string
	function string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		address:     "0xFaC1111111111111111111111111111111111111",
		balances:    make(map[string]*big.Int),
		allowances:  make(map[string]*big.Int),
		writeErrFor: make(map[string]error),
	}
}

func (f *fakeLedger) setBalance(holder string, amount int64) {
	f.balances[strings.ToLower(holder)] = big.NewInt(amount)
}

func (f *fakeLedger) setAllowance(owner string, amount int64) {
	f.allowances[strings.ToLower(owner)] = big.NewInt(amount)
}

func (f *fakeLedger) Address() string { return f.address }

func (f *fakeLedger) ReadContract(_ context.Context, _ string, _ []byte, _ string, _ ...interface{}) (interface{}, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeLedger) SimulateContract(_ context.Context, _ string, _ []byte, _ string, _ ...interface{}) error {
	return f.simulateErr
}

func (f *fakeLedger) WriteContract(_ context.Context, contract string, _ []byte, function string, _ *evmrpc.WriteOpts, args ...interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.writeErrFor[strings.ToLower(contract)]; ok && err != nil {
		return "", err
	}

	// The ledger enforces at-most-once spend of a signed authorization:
	// a second transferWithAuthorization with the same (from, nonce)
	// reverts, like the token contract would.
	if function == "transferWithAuthorization" && len(args) >= 6 {
		key := fmt.Sprint(args[0], args[5])
		if f.spentAuths == nil {
			f.spentAuths = make(map[string]bool)
		}
		if f.spentAuths[key] {
			return "", fmt.Errorf("execution reverted: authorization is used")
		}
		f.spentAuths[key] = true
	}

	f.writes = append(f.writes, writeCall{contract: strings.ToLower(contract), function: function})
	f.txCounter++
	return fmt.Sprintf("0xtx%04d", f.txCounter), nil
}

func (f *fakeLedger) WaitForReceipt(_ context.Context, txHash string, _ uint64) (*evmrpc.Receipt, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	status := uint64(1)
	if f.receiptFail {
		status = 0
	}
	return &evmrpc.Receipt{Status: status, BlockNumber: 123, TxHash: txHash}, nil
}

func (f *fakeLedger) GetBalance(_ context.Context, holder, _ string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[strings.ToLower(holder)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeLedger) GetAllowance(_ context.Context, _, owner, _ string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.allowances[strings.ToLower(owner)]; ok {
		return new(big.Int).Set(a), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeLedger) PendingNonce(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingNonce++
	return f.pendingNonce, nil
}

func (f *fakeLedger) writeCount(contract string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		if w.contract == strings.ToLower(contract) {
			n++
		}
	}
	return n
}

// sink records emitted settlement events.
type sink struct {
	mu     sync.Mutex
	events []string
}

func (s *sink) EmitSettlement(event string, _ audit.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *sink) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return ""
	}
	return s.events[len(s.events)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// signedDirectAuth builds a fully signed direct-auth payload for the
// test key.
func signedDirectAuth(t *testing.T, value, nonce string) (map[string]interface{}, string) {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	payer := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	auth := &types.DirectAuthorization{
		From:        payer,
		To:          testReceiver,
		Value:       value,
		ValidAfter:  "0",
		ValidBefore: farFuture,
		Nonce:       nonce,
	}
	digest, err := eip712.HashDirectAuth(auth, big.NewInt(testChainID), testToken, "USDC", "2")
	require.NoError(t, err)

	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27

	payload := map[string]interface{}{
		"signature": "0x" + hex.EncodeToString(sig),
		"authorization": map[string]interface{}{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
	return payload, payer
}

// signedWitnessSpend builds a fully signed witness-spend payload.
func signedWitnessSpend(t *testing.T, spender, receiver, amount, nonce string) (map[string]interface{}, string) {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	payer := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	auth := &types.WitnessSpendAuthorization{
		Permitted: types.TokenPermissions{Token: testToken, Amount: amount},
		Spender:   spender,
		Nonce:     nonce,
		Deadline:  farFuture,
		Witness: types.Witness{
			Receiver:    receiver,
			ValidAfter:  "0",
			ValidBefore: farFuture,
		},
	}
	digest, err := eip712.HashWitnessSpend(auth, big.NewInt(testChainID))
	require.NoError(t, err)

	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27

	payload := map[string]interface{}{
		"signature": "0x" + hex.EncodeToString(sig),
		"authorization": map[string]interface{}{
			"permitted": map[string]interface{}{
				"token":  auth.Permitted.Token,
				"amount": auth.Permitted.Amount,
			},
			"spender":  auth.Spender,
			"nonce":    auth.Nonce,
			"deadline": auth.Deadline,
			"witness": map[string]interface{}{
				"receiver":    auth.Witness.Receiver,
				"validAfter":  auth.Witness.ValidAfter,
				"validBefore": auth.Witness.ValidBefore,
			},
		},
	}
	return payload, payer
}

func testRequirements(amount string) types.PaymentRequirements {
	return types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           testNetwork,
		Asset:             testToken,
		MaxAmountRequired: amount,
		PayTo:             testReceiver,
	}
}

func envelope(payload map[string]interface{}) types.PaymentPayload {
	return types.PaymentPayload{
		X402Version: 2,
		Scheme:      types.SchemeExact,
		Network:     testNetwork,
		Payload:     payload,
	}
}
