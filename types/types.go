package types

import (
	"fmt"
	"strings"
)

// SchemeExact is the only payment scheme this facilitator implements.
const SchemeExact = "exact"

// AcceptedVersions are the protocol versions this facilitator accepts.
var AcceptedVersions = map[int]bool{1: true, 2: true}

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// PaymentRequirements defines what payment is acceptable for a resource.
// Amount is the v2 field; MaxAmountRequired is kept for v1 compatibility.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset,omitempty"`
	Token             string                 `json:"token,omitempty"` // alias accepted from older clients
	Amount            string                 `json:"amount,omitempty"`
	MaxAmountRequired string                 `json:"maxAmountRequired,omitempty"`
	Resource          string                 `json:"resource,omitempty"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// TokenAddress resolves the asset address regardless of which field the
// client used.
func (r PaymentRequirements) TokenAddress() string {
	if r.Asset != "" {
		return r.Asset
	}
	return r.Token
}

// RequiredAmount resolves the required amount regardless of protocol
// version.
func (r PaymentRequirements) RequiredAmount() string {
	if r.MaxAmountRequired != "" {
		return r.MaxAmountRequired
	}
	return r.Amount
}

// ActualRecipient returns extra.actualRecipient when present. Used when
// payTo is a splitter contract and the ultimate recipient differs.
func (r PaymentRequirements) ActualRecipient() string {
	if r.Extra == nil {
		return ""
	}
	if v, ok := r.Extra["actualRecipient"].(string); ok {
		return v
	}
	return ""
}

// PaymentPayload is the envelope carrying the signed authorization.
// V1 clients put scheme/network at the top level; v2 clients nest them
// under accepted. Normalize reconciles the two before verification.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme,omitempty"`
	Network     Network                `json:"network,omitempty"`
	Payload     map[string]interface{} `json:"payload"`
	Accepted    *PaymentRequirements   `json:"accepted,omitempty"`
}

// Normalize fills scheme and network into the payload when the client
// omitted them, taking them from accepted when present and from the
// requirements otherwise, and defaults a missing version to 2. This
// reconciles the two client version formats.
func (p *PaymentPayload) Normalize(requirements PaymentRequirements) {
	if p.Scheme == "" {
		if p.Accepted != nil && p.Accepted.Scheme != "" {
			p.Scheme = p.Accepted.Scheme
		} else {
			p.Scheme = requirements.Scheme
		}
	}
	if p.Network == "" {
		if p.Accepted != nil && p.Accepted.Network != "" {
			p.Network = p.Accepted.Network
		} else {
			p.Network = requirements.Network
		}
	}
	if p.X402Version == 0 {
		p.X402Version = 2
	}
}

// VerifyResult is the outcome of running the verifier.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResult is the outcome of a settlement attempt.
type SettleResult struct {
	Success       bool     `json:"success"`
	ErrorReason   string   `json:"errorReason,omitempty"`
	Payer         string   `json:"payer,omitempty"`
	Transaction   string   `json:"transaction,omitempty"`
	BlockNumber   uint64   `json:"blockNumber,omitempty"`
	Fee           string   `json:"fee,omitempty"`
	Network       Network  `json:"network"`
	Protocol      Protocol `json:"protocol,omitempty"`
	TransactionID string   `json:"transactionId,omitempty"`
}

