package token

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSeed() []Record {
	return []Record{
		{Address: "0xAAAA0000000000000000000000000000000000aa", Symbol: "USDX", Decimals: 6, FeeBps: 10},
		{Address: "0xBBBB0000000000000000000000000000000000bb", Symbol: "EXMPT", Decimals: 18, FeeBps: 25, FeeExempt: true},
		{Address: "0xCCCC0000000000000000000000000000000000cc", Symbol: "HIGH", Decimals: 6, FeeBps: 5000},
	}
}

func TestByAddressCaseInsensitive(t *testing.T) {
	r := NewRegistry(testSeed())

	rec, ok := r.ByAddress("0xaaaa0000000000000000000000000000000000AA")
	require.True(t, ok)
	assert.Equal(t, "USDX", rec.Symbol)

	_, ok = r.ByAddress("0xdddd0000000000000000000000000000000000dd")
	assert.False(t, ok)
}

func TestFeeBps(t *testing.T) {
	r := NewRegistry(testSeed())

	assert.Equal(t, 10, r.FeeBps("0xAAAA0000000000000000000000000000000000aa"))

	// feeExempt forces zero regardless of the configured bps
	assert.Equal(t, 0, r.FeeBps("0xBBBB0000000000000000000000000000000000bb"))

	// configured above the ceiling is clamped to 1000
	assert.Equal(t, 1000, r.FeeBps("0xCCCC0000000000000000000000000000000000cc"))

	// unknown tokens return the reject sentinel
	assert.Equal(t, FeeBpsUnknown, r.FeeBps("0xdddd0000000000000000000000000000000000dd"))
}

func TestNetAndFee(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		bps    int
		net    string
		fee    string
	}{
		{"basic 0.1%", "1000000", 10, "999000", "1000"},
		{"splitter example 0.25%", "2000000", 25, "1995000", "5000"},
		{"dust floors to zero", "99", 10, "99", "0"},
		{"zero bps", "1000000", 0, "1000000", "0"},
		{"cap applies", "10000", 5000, "9000", "1000"},
		{"amount one", "1", 1000, "1", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, ok := new(big.Int).SetString(tt.amount, 10)
			require.True(t, ok)

			net, fee := NetAndFee(amount, tt.bps)
			assert.Equal(t, tt.net, net.String())
			assert.Equal(t, tt.fee, fee.String())

			// net + fee must reconstruct the amount exactly
			assert.Equal(t, amount.String(), new(big.Int).Add(net, fee).String())
		})
	}
}

func TestNetAndFeeLargeAmount(t *testing.T) {
	// 2^256 - 1 with the max fee must not overflow or go negative
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	net, fee := NetAndFee(max, 1000)
	assert.Equal(t, max.String(), new(big.Int).Add(net, fee).String())
	assert.Equal(t, 1, net.Sign())
}

func TestPutReplaces(t *testing.T) {
	r := NewRegistry(testSeed())
	r.Put(Record{Address: "0xAAAA0000000000000000000000000000000000aa", Symbol: "USDX", FeeBps: 50})
	assert.Equal(t, 50, r.FeeBps("0xaaaa0000000000000000000000000000000000aa"))
}
