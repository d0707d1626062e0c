// internal/settlement/types.go
package settlement

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rovshanmuradov/allowance-bot/internal/allocation"
	"github.com/rovshanmuradov/allowance-bot/internal/intent"
	"github.com/rovshanmuradov/allowance-bot/internal/quote"
	"github.com/rovshanmuradov/allowance-bot/internal/relay"
	"github.com/rovshanmuradov/allowance-bot/internal/signing"
)

// Stage is a pipeline state. Transitions only move forward.
type Stage string

const (
	StageDrafted   Stage = "drafted"
	StageQuoted    Stage = "quoted"
	StageBuilt     Stage = "built"
	StageSigned    Stage = "signed"
	StagePublished Stage = "published"
)

var (
	// ErrNoQuotes: ни одна нога не получила котировку
	ErrNoQuotes = errors.New("no quote leg succeeded")

	// ErrQuoteExpired: котировка истекла до публикации, нужен новый запрос
	// начиная со стадии котирования
	ErrQuoteExpired = errors.New("quote expired before publish")

	ErrInvalidRequest = errors.New("invalid settlement request")
	ErrNotConfigured  = errors.New("pipeline has no signer or publisher")
)

// StageError identifies the stage a settlement aborted at.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("settlement aborted at %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage recorded in err, if any.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// Request is one settlement request from the upstream caller.
type Request struct {
	// ID is generated when empty.
	ID             string
	Name           string
	TargetMicroUSD int64
	Stablecoin     quote.Stablecoin
	Balances       map[string]float64
	Prices         map[string]float64
	// Referral overrides the configured referral account.
	Referral string
}

func (r Request) validate() error {
	if r.TargetMicroUSD < 0 {
		return fmt.Errorf("%w: negative target %d", ErrInvalidRequest, r.TargetMicroUSD)
	}
	if len(r.Balances) == 0 {
		return fmt.Errorf("%w: no balances", ErrInvalidRequest)
	}
	for token, qty := range r.Balances {
		if qty < 0 {
			return fmt.Errorf("%w: negative balance for %s", ErrInvalidRequest, token)
		}
	}
	return nil
}

// PublishRequest is the single parameter of publish_intent.
type PublishRequest struct {
	SignedData  *signing.Commitment `json:"signed_data"`
	QuoteHashes []string            `json:"quote_hashes"`
}

// Result carries everything produced up to the last reached stage.
type Result struct {
	ID         string
	Stage      Stage
	Plan       allocation.Plan
	PlanUSD    float64
	Legs       []*quote.Leg
	Settlement *intent.Settlement
	Commitment *signing.Commitment
	Hashes     []string
	// Response is the relay reply, verbatim.
	Response json.RawMessage
	// Publish is the decoded Response when it parsed.
	Publish *relay.PublishResult
}

// BestQuotes returns the selected quote of every leg in token order.
func (r *Result) BestQuotes() []relay.Quote {
	out := make([]relay.Quote, 0, len(r.Legs))
	for _, leg := range r.Legs {
		out = append(out, leg.Best)
	}
	return out
}
