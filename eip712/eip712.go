// Package eip712 is the signature engine: it builds the typed-data
// digests for both authorization protocols and recovers the signing
// address. Recovery is pure given its inputs; the recovered address,
// lowercased, is the authoritative payer identity.
package eip712

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/x402kit/facilitator/chain"
)

// TypedDataDomain represents the EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// HashTypedData computes the EIP-712 digest:
// keccak256("\x19\x01" + domainSeparator + structHash).
func HashTypedData(
	domain TypedDataDomain,
	fieldTypes map[string][]chain.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range fieldTypes {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{
				Name: field.Name,
				Type: field.Type,
			}
		}
		typedData.Types[typeName] = typedFields
	}

	// The domain type list depends on whether the domain carries a
	// version (token domains do, Permit2's does not).
	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		domainTypes := chain.TokenDomainTypes
		if domain.Version == "" {
			domainTypes = chain.Permit2DomainTypes
		}
		fields := make([]apitypes.Type, len(domainTypes))
		for i, field := range domainTypes {
			fields[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types["EIP712Domain"] = fields
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// RecoverSigner recovers the address that produced a 65-byte signature
// over the given digest. The returned address is lowercased.
func RecoverSigner(digest []byte, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Normalize v from Ethereum's 27/28 back to recovery id 0/1.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubkey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pubkey).Hex()), nil
}

// HexToBytes decodes a hex string with or without a 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex string: %w", err)
	}
	return b, nil
}

// NonceToBytes32 converts an ERC-3009 nonce to its 32-byte form. Hex
// nonces are decoded; decimal nonces are left-padded to 32 bytes.
func NonceToBytes32(nonce string) ([32]byte, error) {
	var out [32]byte

	if strings.HasPrefix(nonce, "0x") {
		b, err := HexToBytes(nonce)
		if err != nil {
			return out, err
		}
		if len(b) > 32 {
			return out, fmt.Errorf("nonce longer than 32 bytes")
		}
		copy(out[32-len(b):], b)
		return out, nil
	}

	v, ok := new(big.Int).SetString(nonce, 10)
	if !ok || v.Sign() < 0 {
		return out, fmt.Errorf("invalid nonce: %s", nonce)
	}
	b := v.Bytes()
	if len(b) > 32 {
		return out, fmt.Errorf("nonce longer than 32 bytes")
	}
	copy(out[32-len(b):], b)
	return out, nil
}

func checksum(addr string) string {
	return common.HexToAddress(addr).Hex()
}
