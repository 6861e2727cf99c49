// Package replay guarantees at-most-once spend of an authorization
// nonce across process restarts.
//
// Lookup is three-valued: Used, Unused, or Unknown. Unknown means the
// durable store could not answer; the caller decides the policy rather
// than the driver silently lying. The verifier and orchestrator both
// treat Unknown as Used (fail closed).
package replay

import (
	"context"
	"strings"
)

// Answer is the outcome of a nonce lookup.
type Answer int

const (
	// Unused means the durable store answered and the nonce is free.
	Unused Answer = iota
	// Used means the nonce has been spent.
	Used
	// Unknown means the store could not answer. Callers MUST NOT treat
	// this as negative evidence.
	Unknown
)

// Store persists spent nonces keyed by (payer, nonce). Payer addresses
// are lowercased by Key; implementations store the composite key as-is.
type Store interface {
	// Lookup reports whether (payer, nonce) has been spent.
	Lookup(ctx context.Context, payer, nonce string) Answer

	// MarkUsed records a spent nonce. The write is idempotent:
	// re-marking an existing (payer, nonce) is not an error. A failure
	// here means replay protection is compromised and the caller must
	// fail the settlement loudly.
	MarkUsed(ctx context.Context, payer, nonce, tokenAddress, txID string) error

	// Durable reports whether the backing survives a process restart.
	// Production mode refuses non-durable stores.
	Durable() bool

	Close() error
}

// Key normalizes the composite nonce key. Payer matching is
// case-insensitive; nonces are opaque and kept verbatim.
func Key(payer, nonce string) string {
	return strings.ToLower(payer) + ":" + nonce
}
