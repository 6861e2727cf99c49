// Package splitter is the client side of the on-chain fee-splitter:
// after the authorization spend lands the gross amount in the splitter
// contract, splitPayment forwards net-to-recipient and fee-to-treasury
// in one call.
package splitter

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402kit/facilitator/chain"
	"github.com/x402kit/facilitator/evmrpc"
)

// maxAttempts bounds the nonce-conflict retry loop.
const maxAttempts = 3

// Ledger is the slice of the signer the splitter client needs.
type Ledger interface {
	PendingNonce(ctx context.Context) (uint64, error)
	WriteContract(ctx context.Context, contractAddress string, abiBytes []byte, functionName string, opts *evmrpc.WriteOpts, args ...interface{}) (string, error)
	WaitForReceipt(ctx context.Context, txHash string, confirmations uint64) (*evmrpc.Receipt, error)
}

// Client invokes splitPayment on the fee-splitter contract.
type Client struct {
	ledger  Ledger
	address string
	logger  *slog.Logger
	sleep   func(time.Duration)
}

// NewClient builds a splitter client for the contract at address.
func NewClient(ledger Ledger, address string, logger *slog.Logger) *Client {
	return &Client{
		ledger:  ledger,
		address: address,
		logger:  logger,
		sleep:   time.Sleep,
	}
}

// Address returns the splitter contract address.
func (c *Client) Address() string {
	return c.address
}

// SplitPayment calls splitPayment(token, payer, recipient, amount) and
// waits for its confirmation. The call retries on facilitator-nonce
// conflicts only: the spend of the user-signed authorization is never
// retried, but our own follow-up submission may collide with another
// transaction from the facilitator key and can safely be re-signed.
//
// Each retry queries the pending nonce explicitly, backs off
// 3s x attempt, and bumps maxFeePerGas by 1.5x and maxPriorityFeePerGas
// by 2x per attempt.
func (c *Client) SplitPayment(
	ctx context.Context,
	tokenAddress string,
	payer string,
	recipient string,
	amount *big.Int,
	confirmations uint64,
) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		nonce, err := c.ledger.PendingNonce(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to query pending nonce: %w", err)
		}

		opts := &evmrpc.WriteOpts{Nonce: &nonce}
		if attempt > 1 {
			opts.FeeCapMultiplierNum, opts.FeeCapMultiplierDen = pow(3, attempt-1), pow(2, attempt-1)
			opts.TipMultiplierNum, opts.TipMultiplierDen = pow(2, attempt-1), 1
		}

		txHash, err := c.ledger.WriteContract(ctx, c.address, chain.SplitPaymentABI,
			chain.FunctionSplitPayment, opts,
			common.HexToAddress(tokenAddress),
			common.HexToAddress(payer),
			common.HexToAddress(recipient),
			amount,
		)
		if err != nil {
			if !isNonceConflict(err) {
				return "", fmt.Errorf("splitPayment submission failed: %w", err)
			}
			lastErr = err
			c.logger.Warn("splitPayment nonce conflict, retrying",
				"attempt", attempt, "err", err)
			c.sleep(time.Duration(attempt) * 3 * time.Second)
			continue
		}

		receipt, err := c.ledger.WaitForReceipt(ctx, txHash, confirmations)
		if err != nil {
			return txHash, fmt.Errorf("splitPayment confirmation failed: %w", err)
		}
		if receipt.Status != chain.TxStatusSuccess {
			return txHash, fmt.Errorf("splitPayment reverted: %s", txHash)
		}
		return txHash, nil
	}

	return "", fmt.Errorf("splitPayment failed after %d attempts: %w", maxAttempts, lastErr)
}

// isNonceConflict matches the node error strings that mean another
// transaction from the same account is in the way. Anything else is not
// retried.
func isNonceConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "already known")
}

func pow(base int64, exp int) int64 {
	out := int64(1)
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
