// internal/signing/signing.go
package signing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/allowance-bot/internal/intent"
	"github.com/rovshanmuradov/allowance-bot/internal/wallet"
)

// StandardRawEd25519 is the only signing standard produced here.
const StandardRawEd25519 = "raw_ed25519"

var (
	// ErrVerificationFailed означает, что только что созданная подпись не
	// проходит проверку. Расчёт прерывается до публикации.
	ErrVerificationFailed = errors.New("signature verification failed")

	ErrUnsupportedStandard = errors.New("unsupported signing standard")
	ErrMalformedSignature  = errors.New("malformed signature")
	ErrMissingPrefix       = errors.New("missing " + wallet.KeyPrefix + " prefix")
	ErrNoSigner            = errors.New("signer context is required")
)

// Commitment is a signed canonical settlement payload.
type Commitment struct {
	Standard  string `json:"standard"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

// Service signs settlements on behalf of one signer.
type Service struct {
	signer *wallet.SignerContext
	logger *zap.Logger

	// sign is swapped in tests to exercise the self-check.
	sign func(solana.PrivateKey, []byte) (solana.Signature, error)
}

// NewService создает сервис подписи для заданного подписанта
func NewService(signer *wallet.SignerContext, logger *zap.Logger) (*Service, error) {
	if signer == nil {
		return nil, ErrNoSigner
	}
	return &Service{
		signer: signer,
		logger: logger.Named("signing"),
		sign: func(k solana.PrivateKey, msg []byte) (solana.Signature, error) {
			return k.Sign(msg)
		},
	}, nil
}

// Signer returns the signer context the service was built with.
func (s *Service) Signer() *wallet.SignerContext {
	return s.signer
}

// Sign canonicalizes the settlement, signs it and verifies the result
// against the same bytes before returning.
func (s *Service) Sign(settlement *intent.Settlement) (*Commitment, error) {
	payload, err := intent.Canonical(settlement)
	if err != nil {
		return nil, err
	}

	sig, err := s.sign(s.signer.PrivateKey, payload)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}

	c := &Commitment{
		Standard:  StandardRawEd25519,
		Payload:   string(payload),
		Signature: wallet.KeyPrefix + base58.Encode(sig[:]),
		PublicKey: s.signer.PublicKeyString(),
	}

	if err := VerifyCommitment(c); err != nil {
		s.logger.Error("Self-verification failed, refusing to publish",
			zap.String("account_id", s.signer.AccountID),
			zap.String("public_key", c.PublicKey),
			zap.Error(err))
		return nil, err
	}

	s.logger.Debug("Settlement signed",
		zap.String("account_id", s.signer.AccountID),
		zap.Int("payload_bytes", len(payload)))
	return c, nil
}

// Verify reports whether the commitment's signature is valid.
func Verify(c *Commitment) bool {
	return VerifyCommitment(c) == nil
}

// VerifyCommitment checks the signature of c over its exact payload bytes.
func VerifyCommitment(c *Commitment) error {
	if c == nil {
		return ErrVerificationFailed
	}
	if c.Standard != StandardRawEd25519 {
		return fmt.Errorf("%w: %q", ErrUnsupportedStandard, c.Standard)
	}

	// В коммитменте ключ и подпись всегда "ed25519:" + base58
	if !strings.HasPrefix(c.PublicKey, wallet.KeyPrefix) || !strings.HasPrefix(c.Signature, wallet.KeyPrefix) {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, ErrMissingPrefix)
	}

	pub, err := wallet.ParsePublicKey(c.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}

	raw, err := wallet.DecodePrefixed(c.Signature)
	if err != nil || len(raw) != len(solana.Signature{}) {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, ErrMalformedSignature)
	}
	var sig solana.Signature
	copy(sig[:], raw)

	if !sig.Verify(pub, []byte(c.Payload)) {
		return ErrVerificationFailed
	}
	return nil
}
