package types

// Verification reason codes. These are stable over the wire; clients
// dispatch on them.
const (
	ReasonInvalidPayload          = "invalid_payload"
	ReasonInvalidRequirements     = "invalid_payment_requirements"
	ReasonInvalidScheme           = "invalid_scheme"
	ReasonInvalidNetwork          = "invalid_network"
	ReasonInvalidVersion          = "invalid_x402_version"
	ReasonInvalidValue            = "invalid_authorization_value"
	ReasonValueTooLow             = "invalid_authorization_value_too_low"
	ReasonInvalidValidAfter       = "invalid_authorization_valid_after"
	ReasonInvalidValidBefore      = "invalid_authorization_valid_before"
	ReasonInvalidTypedData        = "invalid_authorization_typed_data_message"
	ReasonInvalidSignature        = "invalid_signature"
	ReasonInvalidSignatureAddress = "invalid_signature_address"
	ReasonNonceAlreadyUsed        = "nonce_already_used"
	ReasonOuterAllowanceRequired  = "outer_allowance_required"
	ReasonTokenNotWhitelisted     = "token_not_whitelisted"
	ReasonInsufficientFunds       = "insufficient_funds"
	ReasonInternalError           = "internal_error"
)

// Settlement reason codes, on top of every verification reason.
const (
	ReasonTransactionReverted      = "transaction_reverted"
	ReasonTransactionTimeout       = "transaction_timeout"
	ReasonFacilitatorNotConfigured = "facilitator_not_configured"
)
