package types

import (
	"math/big"
)

// maxUint256 bounds every on-chain amount: 2^256 - 1.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ParseAmount parses a non-empty decimal integer amount and enforces the
// on-chain bounds: at least 1 and strictly below 2^256.
func ParseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, false
	}
	if v.Sign() < 1 {
		return nil, false
	}
	if v.Cmp(maxUint256) > 0 {
		return nil, false
	}
	return v, true
}

// ParseTimestamp parses a decimal unix timestamp field. Zero is a valid
// validAfter value.
func ParseTimestamp(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
