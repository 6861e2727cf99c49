package exact

import (
	"context"
	"math/big"

	"github.com/x402kit/facilitator/evmrpc"
)

// Ledger is what the verifier and orchestrator need from the chain. The
// production implementation is *evmrpc.Signer; tests substitute fakes.
type Ledger interface {
	Address() string
	ReadContract(ctx context.Context, contractAddress string, abiBytes []byte, functionName string, args ...interface{}) (interface{}, error)
	SimulateContract(ctx context.Context, contractAddress string, abiBytes []byte, functionName string, args ...interface{}) error
	WriteContract(ctx context.Context, contractAddress string, abiBytes []byte, functionName string, opts *evmrpc.WriteOpts, args ...interface{}) (string, error)
	WaitForReceipt(ctx context.Context, txHash string, confirmations uint64) (*evmrpc.Receipt, error)
	GetBalance(ctx context.Context, holder, tokenAddress string) (*big.Int, error)
	GetAllowance(ctx context.Context, tokenAddress, owner, spender string) (*big.Int, error)
	PendingNonce(ctx context.Context) (uint64, error)
}
