package eip712

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402kit/facilitator/types"
)

// witnessTypeHash is keccak256 of the X402TransferDetails struct type.
var witnessTypeHash = crypto.Keccak256([]byte("X402TransferDetails(address receiver,uint256 validAfter,uint256 validBefore)"))

// WitnessHash computes the EIP-712 struct hash of the witness, the
// bytes32 value passed to permitWitnessTransferFrom alongside the
// literal witness type string.
func WitnessHash(w types.Witness) ([32]byte, error) {
	var out [32]byte

	validAfter, ok := new(big.Int).SetString(w.ValidAfter, 10)
	if !ok {
		return out, fmt.Errorf("invalid validAfter: %s", w.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(w.ValidBefore, 10)
	if !ok {
		return out, fmt.Errorf("invalid validBefore: %s", w.ValidBefore)
	}

	encoded := make([]byte, 0, 4*32)
	encoded = append(encoded, witnessTypeHash...)
	encoded = append(encoded, common.LeftPadBytes(common.HexToAddress(w.Receiver).Bytes(), 32)...)
	encoded = append(encoded, common.LeftPadBytes(validAfter.Bytes(), 32)...)
	encoded = append(encoded, common.LeftPadBytes(validBefore.Bytes(), 32)...)

	copy(out[:], crypto.Keccak256(encoded))
	return out, nil
}
