package types

import (
	"fmt"
)

// Protocol identifies which authorization protocol a payload uses.
type Protocol string

const (
	// ProtocolWitnessSpend is the Permit2-style witness authorization.
	ProtocolWitnessSpend Protocol = "witness-spend"
	// ProtocolDirectAuth is the ERC-3009 transferWithAuthorization.
	ProtocolDirectAuth Protocol = "direct-auth"
)

// TokenPermissions is the permitted token and amount of a witness-spend
// authorization.
type TokenPermissions struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// Witness carries the application data bound into a witness-spend
// signature: the receiver of the funds and the validity window.
type Witness struct {
	Receiver    string `json:"receiver"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
}

// WitnessSpendAuthorization is the Permit2-style authorization. The
// signer is recovered from the signature; Spender is the contract that
// may pull the funds.
type WitnessSpendAuthorization struct {
	Permitted TokenPermissions `json:"permitted"`
	Spender   string           `json:"spender"`
	Nonce     string           `json:"nonce"`
	Deadline  string           `json:"deadline"`
	Witness   Witness          `json:"witness"`
}

// DirectAuthorization is the ERC-3009 transferWithAuthorization data.
// Nonce is a 32-byte opaque tag, hex or decimal.
type DirectAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Authorization is the tagged union over the two payload variants.
// Exactly one of WitnessSpend/DirectAuth is non-nil, matching Protocol.
// Downstream code switches on Protocol once and stays variant-specific.
type Authorization struct {
	Protocol     Protocol
	Signature    string
	WitnessSpend *WitnessSpendAuthorization
	DirectAuth   *DirectAuthorization
}

// Token returns the token address the authorization spends.
func (a *Authorization) Token() string {
	if a.Protocol == ProtocolWitnessSpend {
		return a.WitnessSpend.Permitted.Token
	}
	return "" // direct-auth binds the token via the verifying contract
}

// Amount returns the signed amount as a decimal string.
func (a *Authorization) Amount() string {
	if a.Protocol == ProtocolWitnessSpend {
		return a.WitnessSpend.Permitted.Amount
	}
	return a.DirectAuth.Value
}

// Receiver returns the signed destination address.
func (a *Authorization) Receiver() string {
	if a.Protocol == ProtocolWitnessSpend {
		return a.WitnessSpend.Witness.Receiver
	}
	return a.DirectAuth.To
}

// Nonce returns the authorization nonce in its wire form.
func (a *Authorization) Nonce() string {
	if a.Protocol == ProtocolWitnessSpend {
		return a.WitnessSpend.Nonce
	}
	return a.DirectAuth.Nonce
}

// DetectVariant inspects the raw payload map and constructs the tagged
// authorization. A payload with an inner "permitted" object is
// witness-spend; one with from/to/value and no "permitted" is
// direct-auth; anything else is malformed.
func DetectVariant(payload map[string]interface{}) (*Authorization, error) {
	if payload == nil {
		return nil, fmt.Errorf("missing payload")
	}

	signature, _ := payload["signature"].(string)

	// Witness-spend payloads nest the authorization under either
	// "authorization" or the older "permit2Authorization" key.
	auth := innerMap(payload, "authorization")
	if auth == nil {
		auth = innerMap(payload, "permit2Authorization")
	}
	if auth == nil {
		return nil, fmt.Errorf("missing authorization")
	}

	if permitted := innerMap(auth, "permitted"); permitted != nil {
		ws, err := witnessSpendFromMap(auth, permitted)
		if err != nil {
			return nil, err
		}
		return &Authorization{
			Protocol:     ProtocolWitnessSpend,
			Signature:    signature,
			WitnessSpend: ws,
		}, nil
	}

	if _, hasFrom := auth["from"]; hasFrom {
		da, err := directAuthFromMap(auth)
		if err != nil {
			return nil, err
		}
		return &Authorization{
			Protocol:   ProtocolDirectAuth,
			Signature:  signature,
			DirectAuth: da,
		}, nil
	}

	return nil, fmt.Errorf("unrecognized authorization shape")
}

func innerMap(m map[string]interface{}, key string) map[string]interface{} {
	v, ok := m[key].(map[string]interface{})
	if !ok {
		return nil
	}
	return v
}

func requireString(m map[string]interface{}, key string) (string, error) {
	v, ok := m[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing or invalid %s field", key)
	}
	return v, nil
}

func witnessSpendFromMap(auth, permitted map[string]interface{}) (*WitnessSpendAuthorization, error) {
	ws := &WitnessSpendAuthorization{}
	var err error

	if ws.Permitted.Token, err = requireString(permitted, "token"); err != nil {
		return nil, err
	}
	if ws.Permitted.Amount, err = requireString(permitted, "amount"); err != nil {
		return nil, err
	}
	if ws.Spender, err = requireString(auth, "spender"); err != nil {
		return nil, err
	}
	if ws.Nonce, err = requireString(auth, "nonce"); err != nil {
		return nil, err
	}
	if ws.Deadline, err = requireString(auth, "deadline"); err != nil {
		return nil, err
	}

	witness := innerMap(auth, "witness")
	if witness == nil {
		return nil, fmt.Errorf("missing or invalid witness field")
	}
	// "to" is the historical alias for receiver.
	if ws.Witness.Receiver, err = requireString(witness, "receiver"); err != nil {
		if ws.Witness.Receiver, err = requireString(witness, "to"); err != nil {
			return nil, fmt.Errorf("missing or invalid witness receiver field")
		}
	}
	if ws.Witness.ValidAfter, err = requireString(witness, "validAfter"); err != nil {
		return nil, err
	}
	if ws.Witness.ValidBefore, err = requireString(witness, "validBefore"); err != nil {
		return nil, err
	}
	return ws, nil
}

func directAuthFromMap(auth map[string]interface{}) (*DirectAuthorization, error) {
	da := &DirectAuthorization{}
	var err error

	if da.From, err = requireString(auth, "from"); err != nil {
		return nil, err
	}
	if da.To, err = requireString(auth, "to"); err != nil {
		return nil, err
	}
	if da.Value, err = requireString(auth, "value"); err != nil {
		return nil, err
	}
	if da.ValidAfter, err = requireString(auth, "validAfter"); err != nil {
		return nil, err
	}
	if da.ValidBefore, err = requireString(auth, "validBefore"); err != nil {
		return nil, err
	}
	if da.Nonce, err = requireString(auth, "nonce"); err != nil {
		return nil, err
	}
	return da, nil
}
