// Package exact implements the verify/settle state machine for the
// "exact" payment scheme: full semantic verification of both
// authorization protocols and atomic on-chain settlement through the
// facilitator key.
package exact

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/x402kit/facilitator/chain"
	"github.com/x402kit/facilitator/eip712"
	"github.com/x402kit/facilitator/replay"
	"github.com/x402kit/facilitator/token"
	"github.com/x402kit/facilitator/types"
)

// Mode selects which contract the facilitator designates as the
// witness-spend spender.
type Mode string

const (
	// ModeDirect spends authorizations straight to the receiver via
	// the protocol contract.
	ModeDirect Mode = "direct"
	// ModeSplitter routes settlements through the fee-splitter
	// contract.
	ModeSplitter Mode = "splitter"
)

// Verifier decides whether a payment would settle, without spending
// ledger resources. Verification never mutates state.
type Verifier struct {
	ledger   Ledger
	registry *token.Registry
	nonces   replay.Store
	mode     Mode
	// splitterAddr is the per-chain fee-splitter contract; empty when
	// disabled.
	splitterAddr string
	logger       *slog.Logger
	now          func() time.Time
}

// NewVerifier builds a verifier.
func NewVerifier(ledger Ledger, registry *token.Registry, nonces replay.Store, mode Mode, splitterAddr string, logger *slog.Logger) *Verifier {
	return &Verifier{
		ledger:       ledger,
		registry:     registry,
		nonces:       nonces,
		mode:         mode,
		splitterAddr: splitterAddr,
		logger:       logger,
		now:          time.Now,
	}
}

// Verify runs the full verification procedure including funds checks.
func (v *Verifier) Verify(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) types.VerifyResult {
	return v.verify(ctx, payload, requirements, false)
}

// VerifyQuick checks structure, signature, time window, whitelist and
// replay, skipping the ledger funds reads.
func (v *Verifier) VerifyQuick(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) types.VerifyResult {
	return v.verify(ctx, payload, requirements, true)
}

func invalid(reason string) types.VerifyResult {
	return types.VerifyResult{IsValid: false, InvalidReason: reason}
}

func (v *Verifier) verify(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements, quick bool) types.VerifyResult {
	// Structural checks come first so the most actionable error
	// surfaces before anything touches the ledger.
	if requirements.Scheme != types.SchemeExact {
		return invalid(types.ReasonInvalidScheme)
	}
	if requirements.PayTo == "" || requirements.TokenAddress() == "" || requirements.RequiredAmount() == "" {
		return invalid(types.ReasonInvalidRequirements)
	}

	payload.Normalize(requirements)

	if payload.Scheme != types.SchemeExact {
		return invalid(types.ReasonInvalidScheme)
	}
	if !types.AcceptedVersions[payload.X402Version] {
		return invalid(types.ReasonInvalidVersion)
	}
	if payload.Network != requirements.Network {
		return invalid(types.ReasonInvalidNetwork)
	}
	cfg, err := chain.Resolve(payload.Network)
	if err != nil {
		return invalid(types.ReasonInvalidNetwork)
	}

	auth, err := types.DetectVariant(payload.Payload)
	if err != nil {
		return invalid(types.ReasonInvalidPayload)
	}
	if auth.Signature == "" {
		return invalid(types.ReasonInvalidSignature)
	}

	switch auth.Protocol {
	case types.ProtocolWitnessSpend:
		return v.verifyWitnessSpend(ctx, auth, requirements, cfg, quick)
	default:
		return v.verifyDirectAuth(ctx, auth, requirements, cfg, quick)
	}
}

// spenderAllowed checks the signed spender against the designated
// on-chain spender for the current mode. The facilitator is the
// msg.sender of the Permit2 spend, so its own address is always valid;
// splitter mode additionally admits the splitter-proxy contract.
func (v *Verifier) spenderAllowed(spender string) bool {
	if strings.EqualFold(spender, v.ledger.Address()) {
		return true
	}
	if v.mode == ModeSplitter && v.splitterAddr != "" && strings.EqualFold(spender, v.splitterAddr) {
		return true
	}
	return false
}

func (v *Verifier) verifyWitnessSpend(ctx context.Context, auth *types.Authorization, requirements types.PaymentRequirements, cfg *chain.Config, quick bool) types.VerifyResult {
	ws := auth.WitnessSpend

	// Token whitelist fails closed; there is no allow-any mode.
	if _, ok := v.registry.ByAddress(ws.Permitted.Token); !ok {
		return invalid(types.ReasonTokenNotWhitelisted)
	}
	if !strings.EqualFold(ws.Permitted.Token, requirements.TokenAddress()) {
		return invalid(types.ReasonInvalidTypedData)
	}

	if !v.spenderAllowed(ws.Spender) {
		return invalid(types.ReasonInvalidTypedData)
	}

	digest, err := eip712.HashWitnessSpend(ws, cfg.ChainID)
	if err != nil {
		return invalid(types.ReasonInvalidTypedData)
	}
	signature, err := eip712.HexToBytes(auth.Signature)
	if err != nil {
		return invalid(types.ReasonInvalidSignature)
	}
	payer, err := eip712.RecoverSigner(digest, signature)
	if err != nil {
		return invalid(types.ReasonInvalidSignature)
	}

	if reason := v.checkWindow(ws.Witness.ValidAfter, ws.Witness.ValidBefore, ws.Deadline); reason != "" {
		return types.VerifyResult{IsValid: false, InvalidReason: reason, Payer: payer}
	}

	if !strings.EqualFold(ws.Witness.Receiver, requirements.PayTo) {
		return types.VerifyResult{IsValid: false, InvalidReason: types.ReasonInvalidTypedData, Payer: payer}
	}

	if reason := checkAmount(ws.Permitted.Amount, requirements.RequiredAmount()); reason != "" {
		return types.VerifyResult{IsValid: false, InvalidReason: reason, Payer: payer}
	}

	if answer := v.nonces.Lookup(ctx, payer, ws.Nonce); answer != replay.Unused {
		// Unknown fails closed: with the store unavailable we cannot
		// prove the nonce is fresh.
		return types.VerifyResult{IsValid: false, InvalidReason: types.ReasonNonceAlreadyUsed, Payer: payer}
	}

	if quick {
		return types.VerifyResult{IsValid: true, Payer: payer}
	}

	required, _ := types.ParseAmount(requirements.RequiredAmount())

	// Allowance before balance: a missing outer allowance needs a user
	// action and is the more actionable answer.
	allowance, err := v.ledger.GetAllowance(ctx, ws.Permitted.Token, payer, chain.Permit2Address)
	if err != nil {
		v.logger.Error("allowance read failed", "err", err)
		return types.VerifyResult{IsValid: false, InvalidReason: types.ReasonInternalError, Payer: payer}
	}
	if allowance.Cmp(required) < 0 {
		return types.VerifyResult{IsValid: false, InvalidReason: types.ReasonOuterAllowanceRequired, Payer: payer}
	}

	balance, err := v.ledger.GetBalance(ctx, payer, ws.Permitted.Token)
	if err != nil {
		v.logger.Error("balance read failed", "err", err)
		return types.VerifyResult{IsValid: false, InvalidReason: types.ReasonInternalError, Payer: payer}
	}
	if balance.Cmp(required) < 0 {
		return types.VerifyResult{IsValid: false, InvalidReason: types.ReasonInsufficientFunds, Payer: payer}
	}

	return types.VerifyResult{IsValid: true, Payer: payer}
}

func (v *Verifier) verifyDirectAuth(ctx context.Context, auth *types.Authorization, requirements types.PaymentRequirements, cfg *chain.Config, quick bool) types.VerifyResult {
	da := auth.DirectAuth
	tokenAddr := requirements.TokenAddress()

	rec, ok := v.registry.ByAddress(tokenAddr)
	if !ok {
		return invalid(types.ReasonTokenNotWhitelisted)
	}

	digest, err := eip712.HashDirectAuth(da, cfg.ChainID, tokenAddr, rec.EIP712Name, rec.EIP712Version)
	if err != nil {
		return invalid(types.ReasonInvalidTypedData)
	}
	signature, err := eip712.HexToBytes(auth.Signature)
	if err != nil {
		return invalid(types.ReasonInvalidSignature)
	}
	recovered, err := eip712.RecoverSigner(digest, signature)
	if err != nil {
		return invalid(types.ReasonInvalidSignature)
	}
	// The recovered signer must be the declared source of funds.
	if !strings.EqualFold(recovered, da.From) {
		return types.VerifyResult{IsValid: false, InvalidReason: types.ReasonInvalidSignatureAddress, Payer: recovered}
	}
	payer := recovered

	if reason := v.checkWindow(da.ValidAfter, da.ValidBefore, ""); reason != "" {
		return types.VerifyResult{IsValid: false, InvalidReason: reason, Payer: payer}
	}

	if !strings.EqualFold(da.To, requirements.PayTo) {
		return types.VerifyResult{IsValid: false, InvalidReason: types.ReasonInvalidTypedData, Payer: payer}
	}

	if reason := checkAmount(da.Value, requirements.RequiredAmount()); reason != "" {
		return types.VerifyResult{IsValid: false, InvalidReason: reason, Payer: payer}
	}

	if answer := v.nonces.Lookup(ctx, payer, da.Nonce); answer != replay.Unused {
		return types.VerifyResult{IsValid: false, InvalidReason: types.ReasonNonceAlreadyUsed, Payer: payer}
	}

	if quick {
		return types.VerifyResult{IsValid: true, Payer: payer}
	}

	required, _ := types.ParseAmount(requirements.RequiredAmount())
	balance, err := v.ledger.GetBalance(ctx, payer, tokenAddr)
	if err != nil {
		v.logger.Error("balance read failed", "err", err)
		return types.VerifyResult{IsValid: false, InvalidReason: types.ReasonInternalError, Payer: payer}
	}
	if balance.Cmp(required) < 0 {
		return types.VerifyResult{IsValid: false, InvalidReason: types.ReasonInsufficientFunds, Payer: payer}
	}

	return types.VerifyResult{IsValid: true, Payer: payer}
}

// checkWindow validates the authorization's validity window against the
// current time. deadline is the witness-spend permit bound; empty for
// direct-auth.
func (v *Verifier) checkWindow(validAfter, validBefore, deadline string) string {
	now := big.NewInt(v.now().Unix())

	after, ok := types.ParseTimestamp(validAfter)
	if !ok {
		return types.ReasonInvalidValidAfter
	}
	if now.Cmp(after) < 0 {
		return types.ReasonInvalidValidAfter
	}

	before, ok := types.ParseTimestamp(validBefore)
	if !ok {
		return types.ReasonInvalidValidBefore
	}
	if now.Cmp(before) >= 0 {
		return types.ReasonInvalidValidBefore
	}

	if deadline != "" {
		d, ok := types.ParseTimestamp(deadline)
		if !ok {
			return types.ReasonInvalidValidBefore
		}
		if now.Cmp(d) > 0 {
			return types.ReasonInvalidValidBefore
		}
	}
	return ""
}

// checkAmount validates both amounts against the uint256 bounds and
// compares them.
func checkAmount(signed, required string) string {
	signedAmount, ok := types.ParseAmount(signed)
	if !ok {
		return types.ReasonInvalidValue
	}
	requiredAmount, ok := types.ParseAmount(required)
	if !ok {
		return types.ReasonInvalidRequirements
	}
	if signedAmount.Cmp(requiredAmount) < 0 {
		return types.ReasonValueTooLow
	}
	return ""
}
