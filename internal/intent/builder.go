// internal/intent/builder.go
package intent

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/allowance-bot/internal/relay"
)

const (
	DefaultVerifyingContract = "intents.near"
	DefaultReferral          = "benevio-labs.near"
	DefaultWindow            = 2 * time.Minute
	ReferralMemo             = "referral_fee"

	// DeadlineLayout is millisecond-precision ISO-8601 in UTC.
	DeadlineLayout = "2006-01-02T15:04:05.000Z"

	nonceSize       = 32
	referralDivisor = 100
)

var (
	ErrInvalidAmount = errors.New("invalid integer amount")
	ErrNoLegs        = errors.New("no quotes to build from")
)

// Config holds the settlement-wide constants.
type Config struct {
	VerifyingContract string
	Referral          string
	Window            time.Duration
}

// Builder turns best quotes into settlement records.
type Builder struct {
	cfg     Config
	clock   func() time.Time
	entropy io.Reader
	logger  *zap.Logger
}

// NewBuilder создает сборщик интентов
func NewBuilder(cfg Config, logger *zap.Logger) *Builder {
	if cfg.VerifyingContract == "" {
		cfg.VerifyingContract = DefaultVerifyingContract
	}
	if cfg.Referral == "" {
		cfg.Referral = DefaultReferral
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Builder{
		cfg:     cfg,
		clock:   time.Now,
		entropy: rand.Reader,
		logger:  logger.Named("intent"),
	}
}

// WithClock overrides the time source.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// WithEntropy overrides the nonce source.
func (b *Builder) WithEntropy(r io.Reader) *Builder {
	b.entropy = r
	return b
}

// Referral returns the default referral account.
func (b *Builder) Referral() string {
	return b.cfg.Referral
}

// ReferralFee splits amountOut into the 1% fee (integer division) and the
// remainder the signer receives.
func ReferralFee(amountOut string) (fee, lessFee string, err error) {
	amount, err := decimal.NewFromString(amountOut)
	if err != nil || amount.IsNegative() || !amount.Equal(amount.Truncate(0)) {
		return "", "", fmt.Errorf("%w: amount_out %q", ErrInvalidAmount, amountOut)
	}
	q, _ := amount.QuoRem(decimal.NewFromInt(referralDivisor), 0)
	return q.String(), amount.Sub(q).String(), nil
}

// Build produces the settlement for a single best quote: a token diff
// intent followed by the referral fee transfer.
func (b *Builder) Build(best relay.Quote, signerID, referral string) (*Settlement, error) {
	return b.BuildBundle([]relay.Quote{best}, signerID, referral)
}

// BuildBundle produces one settlement covering every leg. Legs are ordered
// by token_in and share one nonce and deadline.
func (b *Builder) BuildBundle(legs []relay.Quote, signerID, referral string) (*Settlement, error) {
	if len(legs) == 0 {
		return nil, ErrNoLegs
	}
	if referral == "" {
		referral = b.cfg.Referral
	}

	ordered := make([]relay.Quote, len(legs))
	copy(ordered, legs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].AssetIn < ordered[j].AssetIn })

	intents := make([]Intent, 0, 2*len(ordered))
	for _, q := range ordered {
		pair, err := legIntents(q, referral)
		if err != nil {
			return nil, err
		}
		intents = append(intents, pair...)
	}

	nonce, err := b.nonce()
	if err != nil {
		return nil, err
	}

	s := &Settlement{
		SignerID:          signerID,
		Nonce:             nonce,
		VerifyingContract: b.cfg.VerifyingContract,
		Deadline:          b.clock().UTC().Add(b.cfg.Window).Format(DeadlineLayout),
		Intents:           intents,
	}

	b.logger.Debug("Settlement built",
		zap.String("signer_id", signerID),
		zap.Int("legs", len(ordered)),
		zap.String("deadline", s.Deadline))
	return s, nil
}

func legIntents(q relay.Quote, referral string) ([]Intent, error) {
	amountIn, err := decimal.NewFromString(q.AmountIn)
	if err != nil || !amountIn.IsPositive() || !amountIn.Equal(amountIn.Truncate(0)) {
		return nil, fmt.Errorf("%w: amount_in %q for %s", ErrInvalidAmount, q.AmountIn, q.AssetIn)
	}
	fee, lessFee, err := ReferralFee(q.AmountOut)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", q.AssetIn, err)
	}

	return []Intent{
		TokenDiff{
			Diff: map[string]string{
				q.AssetIn:  "-" + amountIn.String(),
				q.AssetOut: lessFee,
			},
			Referral: referral,
		},
		Transfer{
			ReceiverID: referral,
			Tokens:     map[string]string{q.AssetOut: fee},
			Memo:       ReferralMemo,
		},
	}, nil
}

func (b *Builder) nonce() (string, error) {
	buf := make([]byte, nonceSize)
	if _, err := io.ReadFull(b.entropy, buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
