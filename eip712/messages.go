package eip712

import (
	"fmt"
	"math/big"

	"github.com/x402kit/facilitator/chain"
	"github.com/x402kit/facilitator/types"
)

// HashWitnessSpend builds the PermitWitnessTransferFrom digest for a
// witness-spend authorization. The Permit2 domain is fixed per chain:
// name "Permit2", no version, verifying contract the canonical Permit2
// deployment.
func HashWitnessSpend(auth *types.WitnessSpendAuthorization, chainID *big.Int) ([]byte, error) {
	domain := TypedDataDomain{
		Name:              "Permit2",
		ChainID:           chainID,
		VerifyingContract: chain.Permit2Address,
	}

	amount, ok := new(big.Int).SetString(auth.Permitted.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid permitted amount: %s", auth.Permitted.Amount)
	}
	nonce, ok := new(big.Int).SetString(auth.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("invalid nonce: %s", auth.Nonce)
	}
	deadline, ok := new(big.Int).SetString(auth.Deadline, 10)
	if !ok {
		return nil, fmt.Errorf("invalid deadline: %s", auth.Deadline)
	}
	validAfter, ok := new(big.Int).SetString(auth.Witness.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.Witness.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.Witness.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.Witness.ValidBefore)
	}

	message := map[string]interface{}{
		"permitted": map[string]interface{}{
			"token":  checksum(auth.Permitted.Token),
			"amount": amount,
		},
		"spender":  checksum(auth.Spender),
		"nonce":    nonce,
		"deadline": deadline,
		"witness": map[string]interface{}{
			"receiver":    checksum(auth.Witness.Receiver),
			"validAfter":  validAfter,
			"validBefore": validBefore,
		},
	}

	return HashTypedData(domain, chain.WitnessSpendTypes, "PermitWitnessTransferFrom", message)
}

// HashDirectAuth builds the TransferWithAuthorization digest. The
// domain's name and version are token-specific (e.g. "USD Coin" / "2"),
// keyed by token address and chain; the verifying contract is the token
// itself.
func HashDirectAuth(
	auth *types.DirectAuthorization,
	chainID *big.Int,
	tokenAddress string,
	tokenName string,
	tokenVersion string,
) ([]byte, error) {
	domain := TypedDataDomain{
		Name:              tokenName,
		Version:           tokenVersion,
		ChainID:           chainID,
		VerifyingContract: tokenAddress,
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonce, err := NonceToBytes32(auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}

	message := map[string]interface{}{
		"from":        checksum(auth.From),
		"to":          checksum(auth.To),
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonce[:],
	}

	return HashTypedData(domain, chain.DirectAuthTypes, "TransferWithAuthorization", message)
}
