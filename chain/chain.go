// Package chain holds the network registry and the on-chain constants the
// facilitator interacts with: contract addresses, ABI fragments, and the
// EIP-712 type tables for both authorization protocols.
package chain

import (
	"fmt"
	"math/big"

	"github.com/x402kit/facilitator/types"
)

// Config describes one supported network.
type Config struct {
	ChainID *big.Int
	// Aliases are the vendor network names accepted alongside the
	// CAIP-2 identifier.
	Aliases []string
}

var (
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)
)

// networks maps every accepted network identifier (CAIP-2 and vendor
// alias) to its configuration. Unknown networks fail closed.
var networks = map[string]*Config{
	"eip155:8453":  {ChainID: ChainIDBase, Aliases: []string{"base"}},
	"base":         {ChainID: ChainIDBase, Aliases: []string{"base"}},
	"eip155:84532": {ChainID: ChainIDBaseSepolia, Aliases: []string{"base-sepolia"}},
	"base-sepolia": {ChainID: ChainIDBaseSepolia, Aliases: []string{"base-sepolia"}},
}

// Resolve maps a network identifier to its chain configuration. Only the
// eip155 namespace and its vendor aliases are known.
func Resolve(network types.Network) (*Config, error) {
	if cfg, ok := networks[string(network)]; ok {
		return cfg, nil
	}
	return nil, fmt.Errorf("unknown network: %s", network)
}

// Known reports whether a network identifier resolves.
func Known(network types.Network) bool {
	_, ok := networks[string(network)]
	return ok
}

// SupportedNetworks lists the CAIP-2 identifiers this facilitator serves.
func SupportedNetworks() []types.Network {
	return []types.Network{"eip155:8453", "eip155:84532"}
}
