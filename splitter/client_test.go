package splitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402kit/facilitator/evmrpc"
)

const contractAddr = "0x5011111111111111111111111111111111111150"

type fakeLedger struct {
	mu sync.Mutex

	nonce       uint64
	writeErrs   []error // consumed per attempt; nil means success
	writeOpts   []*evmrpc.WriteOpts
	receiptFail bool
}

func (f *fakeLedger) PendingNonce(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce++
	return f.nonce, nil
}

func (f *fakeLedger) WriteContract(_ context.Context, _ string, _ []byte, _ string, opts *evmrpc.WriteOpts, _ ...interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeOpts = append(f.writeOpts, opts)

	attempt := len(f.writeOpts)
	if attempt <= len(f.writeErrs) && f.writeErrs[attempt-1] != nil {
		return "", f.writeErrs[attempt-1]
	}
	return fmt.Sprintf("0xsplit%02d", attempt), nil
}

func (f *fakeLedger) WaitForReceipt(_ context.Context, txHash string, _ uint64) (*evmrpc.Receipt, error) {
	status := uint64(1)
	if f.receiptFail {
		status = 0
	}
	return &evmrpc.Receipt{Status: status, BlockNumber: 7, TxHash: txHash}, nil
}

func newTestClient(ledger *fakeLedger) *Client {
	c := NewClient(ledger, contractAddr, slog.New(slog.DiscardHandler))
	c.sleep = func(time.Duration) {} // no real backoff in tests
	return c
}

func TestSplitPaymentFirstAttemptSucceeds(t *testing.T) {
	ledger := &fakeLedger{}
	c := newTestClient(ledger)

	tx, err := c.SplitPayment(context.Background(),
		"0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		"0x9965507D1a55bcC2695C58ba16FB37d819B0A4dc",
		"0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		big.NewInt(2_000_000), 1)
	require.NoError(t, err)
	assert.Equal(t, "0xsplit01", tx)

	// first attempt pins the queried pending nonce and uses suggested
	// fees unmodified
	require.Len(t, ledger.writeOpts, 1)
	require.NotNil(t, ledger.writeOpts[0].Nonce)
	assert.Equal(t, uint64(1), *ledger.writeOpts[0].Nonce)
	assert.Zero(t, ledger.writeOpts[0].FeeCapMultiplierNum)
}

func TestSplitPaymentRetriesNonceConflict(t *testing.T) {
	ledger := &fakeLedger{writeErrs: []error{
		errors.New("replacement transaction underpriced"),
		errors.New("nonce too low"),
		nil,
	}}
	c := newTestClient(ledger)

	tx, err := c.SplitPayment(context.Background(),
		"0xToken", "0xPayer", "0xRecipient", big.NewInt(100), 1)
	require.NoError(t, err)
	assert.Equal(t, "0xsplit03", tx)
	require.Len(t, ledger.writeOpts, 3)

	// each retry re-queries the pending nonce
	assert.Equal(t, uint64(1), *ledger.writeOpts[0].Nonce)
	assert.Equal(t, uint64(2), *ledger.writeOpts[1].Nonce)
	assert.Equal(t, uint64(3), *ledger.writeOpts[2].Nonce)

	// fees bump 1.5x / 2x per attempt
	assert.Equal(t, int64(3), ledger.writeOpts[1].FeeCapMultiplierNum)
	assert.Equal(t, int64(2), ledger.writeOpts[1].FeeCapMultiplierDen)
	assert.Equal(t, int64(2), ledger.writeOpts[1].TipMultiplierNum)
	assert.Equal(t, int64(9), ledger.writeOpts[2].FeeCapMultiplierNum)
	assert.Equal(t, int64(4), ledger.writeOpts[2].FeeCapMultiplierDen)
	assert.Equal(t, int64(4), ledger.writeOpts[2].TipMultiplierNum)
}

func TestSplitPaymentGivesUpAfterMaxAttempts(t *testing.T) {
	ledger := &fakeLedger{writeErrs: []error{
		errors.New("already known"),
		errors.New("already known"),
		errors.New("already known"),
	}}
	c := newTestClient(ledger)

	_, err := c.SplitPayment(context.Background(),
		"0xToken", "0xPayer", "0xRecipient", big.NewInt(100), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Len(t, ledger.writeOpts, 3)
}

func TestSplitPaymentDoesNotRetryOtherErrors(t *testing.T) {
	ledger := &fakeLedger{writeErrs: []error{
		errors.New("execution reverted: NotAuthorizedFacilitator"),
	}}
	c := newTestClient(ledger)

	_, err := c.SplitPayment(context.Background(),
		"0xToken", "0xPayer", "0xRecipient", big.NewInt(100), 1)
	require.Error(t, err)
	assert.Len(t, ledger.writeOpts, 1, "contract reverts are not retried")
}

func TestSplitPaymentRevertedReceipt(t *testing.T) {
	ledger := &fakeLedger{receiptFail: true}
	c := newTestClient(ledger)

	tx, err := c.SplitPayment(context.Background(),
		"0xToken", "0xPayer", "0xRecipient", big.NewInt(100), 1)
	require.Error(t, err)
	assert.Equal(t, "0xsplit01", tx)
	assert.Contains(t, err.Error(), "reverted")
}

func TestIsNonceConflict(t *testing.T) {
	assert.True(t, isNonceConflict(errors.New("replacement transaction underpriced")))
	assert.True(t, isNonceConflict(errors.New("Nonce too low")))
	assert.True(t, isNonceConflict(errors.New("already known")))
	assert.False(t, isNonceConflict(errors.New("insufficient funds for gas")))
}
