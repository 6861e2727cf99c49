// Package evmrpc is the ledger adapter: ABI-driven reads and EIP-1559
// writes over a JSON-RPC client, signed with the facilitator key. All
// writes are expected to be serialized by the settlement queue; this
// package does not synchronize them itself.
package evmrpc

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/x402kit/facilitator/chain"
)

// Receipt is the subset of a transaction receipt the orchestrator needs.
type Receipt struct {
	Status      uint64
	BlockNumber uint64
	TxHash      string
}

// WriteOpts tune a single transaction submission. The zero value means
// "query the pending nonce, use suggested fees".
type WriteOpts struct {
	// Nonce pins the account nonce explicitly. Used by the retry loop,
	// which queries the pending nonce itself rather than trusting a
	// cached value.
	Nonce *uint64
	// FeeCapMultiplierNum/Den scale the computed maxFeePerGas, e.g.
	// 3/2 for a 1.5x bump.
	FeeCapMultiplierNum, FeeCapMultiplierDen int64
	// TipMultiplierNum/Den scale maxPriorityFeePerGas.
	TipMultiplierNum, TipMultiplierDen int64
}

// Signer owns the facilitator private key and the RPC connection for one
// chain.
type Signer struct {
	key         *ecdsa.PrivateKey
	address     common.Address
	client      *ethclient.Client
	chainID     *big.Int
	maxGasPrice *big.Int
}

// NewSigner dials the RPC endpoint and derives the facilitator address
// from the hex-encoded private key.
func NewSigner(privateKeyHex, rpcURL string, chainID *big.Int, maxGasPrice *big.Int) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}

	return &Signer{
		key:         key,
		address:     crypto.PubkeyToAddress(key.PublicKey),
		client:      client,
		chainID:     chainID,
		maxGasPrice: maxGasPrice,
	}, nil
}

// Address returns the facilitator's own address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// ChainID returns the chain this signer submits to.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// ReadContract executes a view call and unpacks the result.
func (s *Signer) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}

	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// GetBalance reads the payer's balance of an ERC-20 token.
func (s *Signer) GetBalance(ctx context.Context, holder, tokenAddress string) (*big.Int, error) {
	result, err := s.ReadContract(ctx, tokenAddress, chain.ERC20BalanceOfABI, "balanceOf",
		common.HexToAddress(holder))
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from balanceOf")
	}
	return balance, nil
}

// GetAllowance reads the ERC-20 allowance owner has granted spender.
func (s *Signer) GetAllowance(ctx context.Context, tokenAddress, owner, spender string) (*big.Int, error) {
	result, err := s.ReadContract(ctx, tokenAddress, chain.ERC20AllowanceABI, "allowance",
		common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	allowance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from allowance")
	}
	return allowance, nil
}

// PendingNonce queries the facilitator account's pending nonce from the
// node, bypassing any local cache.
func (s *Signer) PendingNonce(ctx context.Context) (uint64, error) {
	return s.client.PendingNonceAt(ctx, s.address)
}

// SimulateContract runs the call as eth_call from the facilitator
// address without submitting. A revert surfaces as an error.
func (s *Signer) SimulateContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) error {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return fmt.Errorf("failed to pack method call: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	_, err = s.client.CallContract(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &addr,
		Data: data,
	}, nil)
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}
	return nil
}

// WriteContract signs and submits an EIP-1559 transaction and returns
// its hash. The submission respects the configured gas price cap.
func (s *Signer) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	opts *WriteOpts,
	args ...interface{},
) (string, error) {
	if opts == nil {
		opts = &WriteOpts{}
	}

	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	var nonce uint64
	if opts.Nonce != nil {
		nonce = *opts.Nonce
	} else {
		nonce, err = s.client.PendingNonceAt(ctx, s.address)
		if err != nil {
			return "", fmt.Errorf("failed to get pending nonce: %w", err)
		}
	}

	tip, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to suggest tip cap: %w", err)
	}
	head, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get chain head: %w", err)
	}

	// feeCap = 2*baseFee + tip leaves headroom for base-fee growth
	// while the transaction is pending.
	feeCap := new(big.Int).Add(
		new(big.Int).Mul(head.BaseFee, big.NewInt(2)),
		tip,
	)

	tip = applyMultiplier(tip, opts.TipMultiplierNum, opts.TipMultiplierDen)
	feeCap = applyMultiplier(feeCap, opts.FeeCapMultiplierNum, opts.FeeCapMultiplierDen)

	if s.maxGasPrice != nil && s.maxGasPrice.Sign() > 0 && feeCap.Cmp(s.maxGasPrice) > 0 {
		return "", fmt.Errorf("fee cap %s exceeds configured max gas price %s", feeCap, s.maxGasPrice)
	}

	addr := common.HexToAddress(contractAddress)
	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:      s.address,
		To:        &addr,
		Data:      data,
		GasTipCap: tip,
		GasFeeCap: feeCap,
	})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &addr,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return signed.Hash().Hex(), nil
}

// WaitForReceipt polls for a receipt, then waits for the configured
// confirmation depth. The caller bounds the whole wait via ctx.
func (s *Signer) WaitForReceipt(ctx context.Context, txHash string, confirmations uint64) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var receipt *types.Receipt
	for receipt == nil {
		r, err := s.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			receipt = r
		case errors.Is(err, ethereum.NotFound):
			// still pending
		default:
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}

		if receipt == nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
		}
	}

	if confirmations > 1 {
		target := receipt.BlockNumber.Uint64() + confirmations - 1
		for {
			head, err := s.client.BlockNumber(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to get block number: %w", err)
			}
			if head >= target {
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
		}
	}

	return &Receipt{
		Status:      receipt.Status,
		BlockNumber: receipt.BlockNumber.Uint64(),
		TxHash:      txHash,
	}, nil
}

func applyMultiplier(v *big.Int, num, den int64) *big.Int {
	if num <= 0 || den <= 0 {
		return v
	}
	out := new(big.Int).Mul(v, big.NewInt(num))
	return out.Div(out, big.NewInt(den))
}
