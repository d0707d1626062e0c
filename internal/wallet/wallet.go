// internal/wallet/wallet.go
package wallet

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// KeyPrefix помечает ключи и подписи ed25519 в формате NEAR.
const KeyPrefix = "ed25519:"

const (
	privateKeySize = 64
	publicKeySize  = 32
)

var (
	ErrInvalidKey      = errors.New("invalid ed25519 key")
	ErrKeyMismatch     = errors.New("private key does not match public key")
	ErrMissingAccount  = errors.New("account id is required")
	ErrUnknownAccount  = errors.New("account not found")
	errInconsistentKey = errors.New("key halves are inconsistent")
)

var probe = []byte("allowance-bot key probe")

// SignerContext связывает NEAR аккаунт с ключевой парой ed25519.
// Передаётся явно во все операции подписи.
type SignerContext struct {
	AccountID  string
	PrivateKey solana.PrivateKey
	PublicKey  solana.PublicKey
}

// NewSignerContext создаёт контекст подписанта из приватного ключа в формате
// "ed25519:<base58>" (префикс необязателен). Если expectedPublicKey не пуст,
// он должен совпадать с публичной частью ключа.
func NewSignerContext(accountID, privateKey, expectedPublicKey string) (*SignerContext, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, ErrMissingAccount
	}

	raw, err := decodeKey(privateKey, privateKeySize)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	priv := solana.PrivateKey(raw)
	pub := priv.PublicKey()

	if expectedPublicKey != "" {
		expected, err := ParsePublicKey(expectedPublicKey)
		if err != nil {
			return nil, fmt.Errorf("public key: %w", err)
		}
		if !expected.Equals(pub) {
			return nil, fmt.Errorf("%w: have %s, configured %s", ErrKeyMismatch, FormatPublicKey(pub), expectedPublicKey)
		}
	}

	sc := &SignerContext{
		AccountID:  strings.TrimSpace(accountID),
		PrivateKey: priv,
		PublicKey:  pub,
	}
	if err := sc.check(); err != nil {
		return nil, err
	}
	return sc, nil
}

// Generate создаёт новую случайную ключевую пару для аккаунта.
func Generate(accountID string) (*SignerContext, error) {
	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &SignerContext{
		AccountID:  accountID,
		PrivateKey: priv,
		PublicKey:  priv.PublicKey(),
	}, nil
}

// check подписывает пробное сообщение и проверяет подпись, чтобы отсеять
// ключи, у которых seed и публичная половина не соответствуют друг другу.
func (s *SignerContext) check() error {
	sig, err := s.PrivateKey.Sign(probe)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if !sig.Verify(s.PublicKey, probe) {
		return fmt.Errorf("%w: %w", ErrInvalidKey, errInconsistentKey)
	}
	return nil
}

// PublicKeyString возвращает публичный ключ в формате "ed25519:<base58>".
func (s *SignerContext) PublicKeyString() string {
	return FormatPublicKey(s.PublicKey)
}

// PrivateKeyString возвращает приватный ключ в формате "ed25519:<base58>".
func (s *SignerContext) PrivateKeyString() string {
	return KeyPrefix + base58.Encode(s.PrivateKey)
}

// String возвращает аккаунт и публичный ключ.
func (s *SignerContext) String() string {
	return s.AccountID + " (" + s.PublicKeyString() + ")"
}

// FormatPublicKey кодирует публичный ключ с префиксом.
func FormatPublicKey(pub solana.PublicKey) string {
	return KeyPrefix + base58.Encode(pub[:])
}

// ParsePublicKey разбирает "ed25519:<base58>" публичный ключ.
func ParsePublicKey(s string) (solana.PublicKey, error) {
	raw, err := decodeKey(s, publicKeySize)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}

// DecodePrefixed снимает префикс "ed25519:" и декодирует base58.
func DecodePrefixed(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	b, err := base58.Decode(strings.TrimPrefix(s, KeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return b, nil
}

func decodeKey(s string, size int) ([]byte, error) {
	b, err := DecodePrefixed(s)
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, size, len(b))
	}
	return b, nil
}

// LoadSigners загружает подписантов из CSV-файла с колонками:
// [AccountID, PrivateKey]. Строки с неверными ключами пропускаются.
func LoadSigners(path string) (map[string]*SignerContext, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("CSV file is empty or missing data")
	}

	signers := make(map[string]*SignerContext)
	for _, record := range records[1:] {
		if len(record) != 2 {
			continue
		}
		sc, err := NewSignerContext(record[0], record[1], "")
		if err != nil {
			continue
		}
		signers[sc.AccountID] = sc
	}
	return signers, nil
}

// Select возвращает подписанта для аккаунта из загруженного набора.
func Select(signers map[string]*SignerContext, accountID string) (*SignerContext, error) {
	sc, ok := signers[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return sc, nil
}
