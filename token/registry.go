// Package token is the curated token registry and the fee arithmetic.
// Settlement math depends on this package only; pricing lives elsewhere
// and never feeds back into it.
package token

import (
	"math/big"
	"strings"
	"sync"
)

const (
	// MaxFeeBps is the ceiling on any configured fee: 1,000 basis
	// points, i.e. 10%.
	MaxFeeBps = 1000

	// BpsDivisor converts basis points to a fraction.
	BpsDivisor = 10000

	// FeeBpsUnknown is the sentinel returned for tokens outside the
	// whitelist. Callers MUST reject.
	FeeBpsUnknown = -1
)

// Record describes one whitelisted token. Address matching is
// case-insensitive. EIP712Name/EIP712Version parameterize the
// direct-auth signing domain for this token.
type Record struct {
	Address       string
	Symbol        string
	Decimals      int
	FeeBps        int
	FeeExempt     bool
	DiscountBps   int
	EIP712Name    string
	EIP712Version string
}

// Registry resolves address → fee policy deterministically. Read-mostly;
// admin mutations go through Put.
type Registry struct {
	mu       sync.RWMutex
	byAddr   map[string]*Record
	bySymbol map[string]*Record
}

// NewRegistry builds a registry from a curated seed list.
func NewRegistry(seed []Record) *Registry {
	r := &Registry{
		byAddr:   make(map[string]*Record),
		bySymbol: make(map[string]*Record),
	}
	for i := range seed {
		r.Put(seed[i])
	}
	return r
}

// Put inserts or replaces a token record.
func (r *Registry) Put(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := rec
	r.byAddr[strings.ToLower(rec.Address)] = &stored
	r.bySymbol[strings.ToUpper(rec.Symbol)] = &stored
}

// ByAddress returns the record for an address, case-insensitively.
func (r *Registry) ByAddress(addr string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byAddr[strings.ToLower(addr)]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// BySymbol returns the record for a symbol.
func (r *Registry) BySymbol(sym string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.bySymbol[strings.ToUpper(sym)]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// All returns a snapshot of every whitelisted token.
func (r *Registry) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.byAddr))
	for _, rec := range r.byAddr {
		out = append(out, *rec)
	}
	return out
}

// FeeBps resolves the effective fee for an address: 0 when the token is
// fee-exempt, the configured bps (clamped to MaxFeeBps) otherwise, or
// FeeBpsUnknown for tokens outside the whitelist.
func (r *Registry) FeeBps(addr string) int {
	rec, ok := r.ByAddress(addr)
	if !ok {
		return FeeBpsUnknown
	}
	if rec.FeeExempt {
		return 0
	}
	bps := rec.FeeBps
	if bps < 0 {
		bps = 0
	}
	if bps > MaxFeeBps {
		bps = MaxFeeBps
	}
	return bps
}

// NetAndFee splits an amount into net and fee with the same semantics as
// the on-chain splitter: fee = floor(amount * bps / 10000),
// net = amount - fee. amount must be non-negative and bps within
// [0, MaxFeeBps]; the 1000 bps cap and the 10000 divisor together make
// overflow impossible for any uint256 amount.
func NetAndFee(amount *big.Int, bps int) (net, fee *big.Int) {
	if bps < 0 {
		bps = 0
	}
	if bps > MaxFeeBps {
		bps = MaxFeeBps
	}
	fee = new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	fee.Div(fee, big.NewInt(BpsDivisor))
	net = new(big.Int).Sub(amount, fee)
	return net, fee
}

// DefaultSeed is the curated production token list.
func DefaultSeed() []Record {
	return []Record{
		{
			Address:       "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
			Symbol:        "USDC",
			Decimals:      6,
			FeeBps:        10,
			EIP712Name:    "USD Coin",
			EIP712Version: "2",
		},
		{
			Address:       "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
			Symbol:        "USDC.TEST",
			Decimals:      6,
			FeeBps:        10,
			EIP712Name:    "USDC",
			EIP712Version: "2",
		},
	}
}
