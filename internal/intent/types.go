// internal/intent/types.go
package intent

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the value of the "intent" discriminator field.
type Kind string

const (
	KindTokenDiff Kind = "token_diff"
	KindTransfer  Kind = "transfer"
)

var (
	ErrUnknownKind = errors.New("unknown intent kind")
	ErrEmptyBundle = errors.New("settlement has no intents")
)

// Intent is one of TokenDiff or Transfer.
type Intent interface {
	Kind() Kind
}

// TokenDiff declares the signed balance change the signer accepts:
// negative amounts leave the account, positive amounts arrive.
type TokenDiff struct {
	Diff     map[string]string
	Referral string
}

// Kind implements Intent.
func (TokenDiff) Kind() Kind { return KindTokenDiff }

// MarshalJSON puts the discriminator first.
func (d TokenDiff) MarshalJSON() ([]byte, error) {
	return encode(struct {
		Intent   Kind              `json:"intent"`
		Diff     map[string]string `json:"diff"`
		Referral string            `json:"referral,omitempty"`
	}{KindTokenDiff, d.Diff, d.Referral})
}

// Transfer moves tokens from the signer to ReceiverID.
type Transfer struct {
	ReceiverID string
	Tokens     map[string]string
	Memo       string
}

// Kind implements Intent.
func (Transfer) Kind() Kind { return KindTransfer }

// MarshalJSON puts the discriminator first.
func (t Transfer) MarshalJSON() ([]byte, error) {
	return encode(struct {
		Intent     Kind              `json:"intent"`
		ReceiverID string            `json:"receiver_id"`
		Tokens     map[string]string `json:"tokens"`
		Memo       string            `json:"memo,omitempty"`
	}{KindTransfer, t.ReceiverID, t.Tokens, t.Memo})
}

// Settlement is the record a signer commits to. Field order here is the
// canonical order of the signed payload.
type Settlement struct {
	SignerID          string   `json:"signer_id"`
	Nonce             string   `json:"nonce"`
	VerifyingContract string   `json:"verifying_contract"`
	Deadline          string   `json:"deadline"`
	Intents           []Intent `json:"intents"`
}

// UnmarshalJSON decodes intents by their discriminator.
func (s *Settlement) UnmarshalJSON(data []byte) error {
	var raw struct {
		SignerID          string            `json:"signer_id"`
		Nonce             string            `json:"nonce"`
		VerifyingContract string            `json:"verifying_contract"`
		Deadline          string            `json:"deadline"`
		Intents           []json.RawMessage `json:"intents"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	intents := make([]Intent, 0, len(raw.Intents))
	for i, item := range raw.Intents {
		in, err := decodeIntent(item)
		if err != nil {
			return fmt.Errorf("intent %d: %w", i, err)
		}
		intents = append(intents, in)
	}

	*s = Settlement{
		SignerID:          raw.SignerID,
		Nonce:             raw.Nonce,
		VerifyingContract: raw.VerifyingContract,
		Deadline:          raw.Deadline,
		Intents:           intents,
	}
	return nil
}

func decodeIntent(data json.RawMessage) (Intent, error) {
	var wire struct {
		Intent     Kind              `json:"intent"`
		Diff       map[string]string `json:"diff"`
		Referral   string            `json:"referral"`
		ReceiverID string            `json:"receiver_id"`
		Tokens     map[string]string `json:"tokens"`
		Memo       string            `json:"memo"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}

	switch wire.Intent {
	case KindTokenDiff:
		return TokenDiff{Diff: wire.Diff, Referral: wire.Referral}, nil
	case KindTransfer:
		return Transfer{ReceiverID: wire.ReceiverID, Tokens: wire.Tokens, Memo: wire.Memo}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, wire.Intent)
	}
}
