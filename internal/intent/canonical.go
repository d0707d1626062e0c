// internal/intent/canonical.go
package intent

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical returns the exact bytes that are signed and verified.
//
// Encoding: compact JSON, struct fields in declaration order (signer_id,
// nonce, verifying_contract, deadline, intents; each intent starts with its
// "intent" discriminator), map keys sorted, no HTML escaping, no trailing
// newline.
func Canonical(s *Settlement) ([]byte, error) {
	if s == nil || len(s.Intents) == 0 {
		return nil, ErrEmptyBundle
	}
	b, err := encode(s)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding: %w", err)
	}
	return b, nil
}

// Parse decodes a canonical payload back into a settlement.
func Parse(payload []byte) (*Settlement, error) {
	var s Settlement
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("parse settlement: %w", err)
	}
	return &s, nil
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
