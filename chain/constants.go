package chain

const (
	// Permit2Address is the canonical Uniswap Permit2 contract address.
	// Same address on all EVM chains via CREATE2 deployment.
	Permit2Address = "0x000000000022D473030F116dDEE9F6B43aC78BA3"

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"

	// Permit2 function names
	FunctionPermitWitnessTransferFrom = "permitWitnessTransferFrom"

	// Splitter function names
	FunctionSplitPayment = "splitPayment"

	// WitnessTypeString is the witness struct type passed verbatim to
	// permitWitnessTransferFrom. It must match the signed EIP-712 types
	// byte for byte or the on-chain signature check fails.
	WitnessTypeString = "X402TransferDetails witness)TokenPermissions(address token,uint256 amount)X402TransferDetails(address receiver,uint256 validAfter,uint256 validBefore)"

	// Transaction receipt status
	TxStatusSuccess = 1
	TxStatusFailed  = 0
)

var (
	// TransferWithAuthorizationABI executes an EIP-3009 authorization
	// with a v,r,s EOA signature.
	TransferWithAuthorizationABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// AuthorizationStateABI checks whether an EIP-3009 nonce has been
	// consumed on the token contract itself.
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20AllowanceABI checks the outer allowance granted to Permit2.
	ERC20AllowanceABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"name": "allowance",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI checks a token balance.
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// PermitWitnessTransferFromABI spends a Permit2 witness authorization.
	// The ABI expects: permitWitnessTransferFrom(permit, transferDetails,
	// owner, witness, witnessTypeString, signature).
	PermitWitnessTransferFromABI = []byte(`[
		{
			"type": "function",
			"name": "permitWitnessTransferFrom",
			"inputs": [
				{
					"name": "permit",
					"type": "tuple",
					"components": [
						{
							"name": "permitted",
							"type": "tuple",
							"components": [
								{"name": "token", "type": "address"},
								{"name": "amount", "type": "uint256"}
							]
						},
						{"name": "nonce", "type": "uint256"},
						{"name": "deadline", "type": "uint256"}
					]
				},
				{
					"name": "transferDetails",
					"type": "tuple",
					"components": [
						{"name": "to", "type": "address"},
						{"name": "requestedAmount", "type": "uint256"}
					]
				},
				{"name": "owner", "type": "address"},
				{"name": "witness", "type": "bytes32"},
				{"name": "witnessTypeString", "type": "string"},
				{"name": "signature", "type": "bytes"}
			],
			"outputs": [],
			"stateMutability": "nonpayable"
		}
	]`)

	// SplitPaymentABI is the fee-splitter entry point. The splitter
	// forwards net to the recipient and fee to the treasury in one call.
	SplitPaymentABI = []byte(`[
		{
			"type": "function",
			"name": "splitPayment",
			"inputs": [
				{"name": "token", "type": "address"},
				{"name": "payer", "type": "address"},
				{"name": "recipient", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": [
				{"name": "netAmount", "type": "uint256"},
				{"name": "feeAmount", "type": "uint256"}
			],
			"stateMutability": "nonpayable"
		}
	]`)
)

// TypedDataField represents a field in EIP-712 typed data.
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

var (
	// Permit2DomainTypes is the EIP-712 domain type for Permit2.
	// Permit2 uses name + chainId + verifyingContract, no version field.
	Permit2DomainTypes = []TypedDataField{
		{Name: "name", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	// TokenDomainTypes is the full EIP-712 domain type used by EIP-3009
	// tokens (name, version, chainId, verifyingContract).
	TokenDomainTypes = []TypedDataField{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	// WitnessSpendTypes defines the EIP-712 types for the Permit2 witness
	// authorization. Field order MUST match the on-chain contract.
	WitnessSpendTypes = map[string][]TypedDataField{
		"PermitWitnessTransferFrom": {
			{Name: "permitted", Type: "TokenPermissions"},
			{Name: "spender", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "witness", Type: "X402TransferDetails"},
		},
		"TokenPermissions": {
			{Name: "token", Type: "address"},
			{Name: "amount", Type: "uint256"},
		},
		"X402TransferDetails": {
			{Name: "receiver", Type: "address"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
		},
	}

	// DirectAuthTypes defines the EIP-712 types for EIP-3009
	// transferWithAuthorization.
	DirectAuthTypes = map[string][]TypedDataField{
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
)
