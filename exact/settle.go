package exact

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402kit/facilitator/audit"
	"github.com/x402kit/facilitator/chain"
	"github.com/x402kit/facilitator/eip712"
	"github.com/x402kit/facilitator/replay"
	"github.com/x402kit/facilitator/splitter"
	"github.com/x402kit/facilitator/token"
	"github.com/x402kit/facilitator/types"
)

// Event names carried to webhook subscribers.
const (
	EventSettlementSuccess = "settlement.success"
	EventSettlementFailed  = "settlement.failed"
)

// EventSink receives terminal settlement notifications. Delivery is
// fire-and-forget from the orchestrator's point of view.
type EventSink interface {
	EmitSettlement(event string, rec audit.Record)
}

// Orchestrator turns a verified authorization into an atomic on-chain
// outcome and a durable record of it.
type Orchestrator struct {
	verifier *Verifier
	ledger   Ledger
	registry *token.Registry
	nonces   replay.Store
	records  audit.Store
	queue    *SettleQueue
	events   EventSink

	// split is nil when no fee-splitter is configured for this chain.
	split *splitter.Client
	// treasury is the fallback recipient when payTo is the splitter
	// and the requirements carry no actualRecipient.
	treasury string

	confirmations uint64
	settleTimeout time.Duration
	// minUnit rejects settlements below the configured floor; zero
	// disables the check.
	minUnit *big.Int

	logger *slog.Logger
}

// OrchestratorConfig wires an orchestrator.
type OrchestratorConfig struct {
	Verifier      *Verifier
	Ledger        Ledger
	Registry      *token.Registry
	Nonces        replay.Store
	Records       audit.Store
	Queue         *SettleQueue
	Events        EventSink
	Splitter      *splitter.Client
	Treasury      string
	Confirmations uint64
	SettleTimeout time.Duration
	MinUnit       *big.Int
	Logger        *slog.Logger
}

// NewOrchestrator builds the settlement orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	return &Orchestrator{
		verifier:      cfg.Verifier,
		ledger:        cfg.Ledger,
		registry:      cfg.Registry,
		nonces:        cfg.Nonces,
		records:       cfg.Records,
		queue:         cfg.Queue,
		events:        cfg.Events,
		split:         cfg.Splitter,
		treasury:      cfg.Treasury,
		confirmations: cfg.Confirmations,
		settleTimeout: cfg.SettleTimeout,
		minUnit:       cfg.MinUnit,
		logger:        cfg.Logger,
	}
}

func failResult(reason, payer string, network types.Network, protocol types.Protocol) types.SettleResult {
	return types.SettleResult{
		Success:     false,
		ErrorReason: reason,
		Payer:       payer,
		Network:     network,
		Protocol:    protocol,
	}
}

// Settle executes the full settlement procedure. It is idempotent per
// (payer, nonce): once a settlement succeeds, every later call fails
// with nonce_already_used and causes no on-chain effect.
//
// Nonce policy for the splitter-stuck-funds case: the authorization's
// on-chain nonce is consumed by the spend transaction, so the nonce is
// recorded even when splitPayment fails afterwards; a retry of the same
// payload could only revert. Recovery happens from the audit record,
// whose error carries the spend transaction hash.
func (o *Orchestrator) Settle(ctx context.Context, payload types.PaymentPayload, requirements types.PaymentRequirements) types.SettleResult {
	payload.Normalize(requirements)
	network := payload.Network

	auth, err := types.DetectVariant(payload.Payload)
	if err != nil {
		return failResult(types.ReasonInvalidPayload, "", network, "")
	}

	// Defence in depth: the caller may have raced between verify and
	// settle, or skipped verify entirely.
	verdict := o.verifier.Verify(ctx, payload, requirements)
	if !verdict.IsValid {
		return failResult(verdict.InvalidReason, verdict.Payer, network, auth.Protocol)
	}
	payer := verdict.Payer

	amount, ok := types.ParseAmount(auth.Amount())
	if !ok {
		return failResult(types.ReasonInvalidValue, payer, network, auth.Protocol)
	}
	if o.minUnit != nil && o.minUnit.Sign() > 0 && amount.Cmp(o.minUnit) < 0 {
		return failResult(types.ReasonValueTooLow, payer, network, auth.Protocol)
	}

	tokenAddr := requirements.TokenAddress()
	rec, ok := o.registry.ByAddress(tokenAddr)
	if !ok {
		return failResult(types.ReasonTokenNotWhitelisted, payer, network, auth.Protocol)
	}
	feeBps := o.registry.FeeBps(tokenAddr)
	_, fee := token.NetAndFee(amount, feeBps)

	// The pending record must exist before any on-chain activity: a
	// settlement the audit log never saw is unrecoverable.
	record := audit.Record{
		Nonce:        auth.Nonce(),
		Payer:        payer,
		Receiver:     requirements.PayTo,
		TokenAddress: tokenAddr,
		TokenSymbol:  rec.Symbol,
		Amount:       amount.String(),
		Fee:          fee.String(),
		FeeBps:       feeBps,
		Network:      string(network),
		Status:       audit.StatusPending,
		Protocol:     string(auth.Protocol),
	}
	recordID, err := o.records.Create(ctx, record)
	if err != nil {
		o.logger.Error("audit store unavailable, refusing to settle", "err", err)
		return failResult(types.ReasonInternalError, payer, network, auth.Protocol)
	}
	record.ID = recordID

	var result types.SettleResult
	err = o.queue.Execute(ctx, func() {
		result = o.settleLocked(auth, requirements, record, amount, fee)
	})
	if err != nil {
		reason := types.ReasonInternalError
		o.failRecord(record, reason, "settlement queue rejected the job")
		return failResult(reason, payer, network, auth.Protocol)
	}
	result.TransactionID = recordID
	return result
}

// settleLocked runs on the settlement worker; it owns the facilitator
// key for its whole span. It uses a background-derived context so a
// client disconnect cannot abandon bookkeeping for a submitted spend.
func (o *Orchestrator) settleLocked(auth *types.Authorization, requirements types.PaymentRequirements, record audit.Record, amount, fee *big.Int) types.SettleResult {
	ctx, cancel := context.WithTimeout(context.Background(), o.settleTimeout)
	defer cancel()

	network := types.Network(record.Network)
	payer := record.Payer

	useSplitter := o.split != nil &&
		strings.EqualFold(requirements.PayTo, o.split.Address())

	// Simulate before spending gas. A revert here costs nothing and
	// has not consumed the authorization.
	if err := o.simulateSpend(ctx, auth, requirements, payer, amount); err != nil {
		o.logger.Warn("spend simulation failed",
			"payer", redact(payer), "err", err)
		o.failRecord(record, types.ReasonTransactionReverted, fmt.Sprintf("simulation failed: %v", err))
		return failResult(types.ReasonTransactionReverted, payer, network, auth.Protocol)
	}

	spendTx, err := o.submitSpend(ctx, auth, requirements, payer, amount)
	if err != nil {
		o.failRecord(record, types.ReasonTransactionReverted, fmt.Sprintf("spend submission failed: %v", err))
		return failResult(types.ReasonTransactionReverted, payer, network, auth.Protocol)
	}
	o.patchRecord(record.ID, audit.Patch{TxID: &spendTx})
	o.logger.Info("authorization spend submitted", "tx", spendTx, "payer", redact(payer))

	receipt, err := o.ledger.WaitForReceipt(ctx, spendTx, o.confirmations)
	if err != nil {
		// A timeout is a failure but does not mark the nonce used: the
		// transaction may yet land and a later retry must still be
		// able to observe that on-chain.
		o.failRecord(record, types.ReasonTransactionTimeout,
			fmt.Sprintf("confirmation wait failed for %s: %v", spendTx, err))
		return failResult(types.ReasonTransactionTimeout, payer, network, auth.Protocol)
	}
	if receipt.Status != chain.TxStatusSuccess {
		o.failRecord(record, types.ReasonTransactionReverted, fmt.Sprintf("spend reverted: %s", spendTx))
		return failResult(types.ReasonTransactionReverted, payer, network, auth.Protocol)
	}

	terminalTx := spendTx
	blockNumber := receipt.BlockNumber

	if useSplitter {
		recipient := requirements.ActualRecipient()
		if recipient == "" {
			recipient = o.treasury
		}
		splitTx, err := o.split.SplitPayment(ctx, record.TokenAddress, payer, recipient, amount, o.confirmations)
		if err != nil {
			// Funds sit in the splitter undistributed. The spend
			// already consumed the authorization nonce, so record it,
			// and leave the spend hash in the error for operators.
			o.markNonce(ctx, record, spendTx)
			o.failRecord(record, types.ReasonTransactionReverted,
				fmt.Sprintf("splitPayment failed, funds held in splitter, spend tx %s: %v", spendTx, err))
			return failResult(types.ReasonTransactionReverted, payer, network, auth.Protocol)
		}
		terminalTx = splitTx
	}

	// The nonce is recorded before the record goes terminal: a success
	// whose nonce mark failed would leave replay protection uncertain.
	if err := o.nonces.MarkUsed(ctx, payer, record.Nonce, record.TokenAddress, terminalTx); err != nil {
		o.logger.Error("nonce marking failed after successful settlement",
			"payer", redact(payer), "tx", terminalTx, "err", err)
		o.failRecord(record, types.ReasonInternalError,
			fmt.Sprintf("settled on-chain as %s but nonce marking failed; replay protection uncertain", terminalTx))
		return failResult(types.ReasonInternalError, payer, network, auth.Protocol)
	}

	now := time.Now().UTC()
	status := audit.StatusSuccess
	feeStr := fee.String()
	o.patchRecord(record.ID, audit.Patch{
		TxID:      &terminalTx,
		Status:    &status,
		Fee:       &feeStr,
		SettledAt: &now,
	})

	record.TxID = terminalTx
	record.Status = audit.StatusSuccess
	record.SettledAt = &now
	o.events.EmitSettlement(EventSettlementSuccess, record)

	o.logger.Info("settlement succeeded",
		"tx", terminalTx, "payer", redact(payer), "fee", feeStr)

	return types.SettleResult{
		Success:     true,
		Payer:       payer,
		Transaction: terminalTx,
		BlockNumber: blockNumber,
		Fee:         feeStr,
		Network:     network,
		Protocol:    auth.Protocol,
	}
}

func (o *Orchestrator) spendCall(auth *types.Authorization, requirements types.PaymentRequirements, payer string, amount *big.Int) (contract string, abiBytes []byte, fn string, args []interface{}, err error) {
	switch auth.Protocol {
	case types.ProtocolWitnessSpend:
		ws := auth.WitnessSpend

		permit := struct {
			Permitted struct {
				Token  common.Address
				Amount *big.Int
			}
			Nonce    *big.Int
			Deadline *big.Int
		}{}
		permit.Permitted.Token = common.HexToAddress(ws.Permitted.Token)
		permit.Permitted.Amount = amount

		var ok bool
		permit.Nonce, ok = new(big.Int).SetString(ws.Nonce, 10)
		if !ok {
			return "", nil, "", nil, fmt.Errorf("invalid nonce: %s", ws.Nonce)
		}
		permit.Deadline, ok = new(big.Int).SetString(ws.Deadline, 10)
		if !ok {
			return "", nil, "", nil, fmt.Errorf("invalid deadline: %s", ws.Deadline)
		}

		transferDetails := struct {
			To              common.Address
			RequestedAmount *big.Int
		}{
			To:              common.HexToAddress(ws.Witness.Receiver),
			RequestedAmount: amount,
		}

		witness, err := eip712.WitnessHash(ws.Witness)
		if err != nil {
			return "", nil, "", nil, err
		}
		signature, err := eip712.HexToBytes(auth.Signature)
		if err != nil {
			return "", nil, "", nil, err
		}

		args = []interface{}{
			permit,
			transferDetails,
			common.HexToAddress(payer),
			witness,
			chain.WitnessTypeString,
			signature,
		}
		return chain.Permit2Address, chain.PermitWitnessTransferFromABI, chain.FunctionPermitWitnessTransferFrom, args, nil

	default:
		da := auth.DirectAuth

		value, _ := new(big.Int).SetString(da.Value, 10)
		validAfter, _ := new(big.Int).SetString(da.ValidAfter, 10)
		validBefore, _ := new(big.Int).SetString(da.ValidBefore, 10)
		nonce, err := eip712.NonceToBytes32(da.Nonce)
		if err != nil {
			return "", nil, "", nil, err
		}
		signature, err := eip712.HexToBytes(auth.Signature)
		if err != nil {
			return "", nil, "", nil, err
		}
		if len(signature) != 65 {
			return "", nil, "", nil, fmt.Errorf("signature must be 65 bytes")
		}

		var r, s [32]byte
		copy(r[:], signature[0:32])
		copy(s[:], signature[32:64])
		v := signature[64]

		args = []interface{}{
			common.HexToAddress(da.From),
			common.HexToAddress(da.To),
			value,
			validAfter,
			validBefore,
			nonce,
			v,
			r,
			s,
		}
		return requirements.TokenAddress(), chain.TransferWithAuthorizationABI, chain.FunctionTransferWithAuthorization, args, nil
	}
}

func (o *Orchestrator) simulateSpend(ctx context.Context, auth *types.Authorization, requirements types.PaymentRequirements, payer string, amount *big.Int) error {
	contract, abiBytes, fn, args, err := o.spendCall(auth, requirements, payer, amount)
	if err != nil {
		return err
	}
	return o.ledger.SimulateContract(ctx, contract, abiBytes, fn, args...)
}

// submitSpend submits the authorization spend. This transaction is
// bound to the user-signed nonce and is never retried by us.
func (o *Orchestrator) submitSpend(ctx context.Context, auth *types.Authorization, requirements types.PaymentRequirements, payer string, amount *big.Int) (string, error) {
	contract, abiBytes, fn, args, err := o.spendCall(auth, requirements, payer, amount)
	if err != nil {
		return "", err
	}
	return o.ledger.WriteContract(ctx, contract, abiBytes, fn, nil, args...)
}

func (o *Orchestrator) markNonce(ctx context.Context, record audit.Record, txID string) {
	if err := o.nonces.MarkUsed(ctx, record.Payer, record.Nonce, record.TokenAddress, txID); err != nil {
		o.logger.Error("nonce marking failed", "payer", redact(record.Payer), "err", err)
	}
}

func (o *Orchestrator) failRecord(record audit.Record, reason, detail string) {
	status := audit.StatusFailed
	o.patchRecord(record.ID, audit.Patch{Status: &status, ErrorReason: &detail})

	record.Status = audit.StatusFailed
	record.ErrorReason = reason
	o.events.EmitSettlement(EventSettlementFailed, record)
}

// patchRecord applies a patch with a store-scoped context: audit writes
// must survive the request context.
func (o *Orchestrator) patchRecord(id string, patch audit.Patch) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.records.Update(ctx, id, patch); err != nil {
		o.logger.Error("audit record update failed", "id", id, "err", err)
	}
}

// redact shortens an address for logs: 0xAAAA…BBBB.
func redact(addr string) string {
	if len(addr) < 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
