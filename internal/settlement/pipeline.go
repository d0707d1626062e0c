// internal/settlement/pipeline.go
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/allowance-bot/internal/allocation"
	"github.com/rovshanmuradov/allowance-bot/internal/events"
	"github.com/rovshanmuradov/allowance-bot/internal/intent"
	"github.com/rovshanmuradov/allowance-bot/internal/quote"
	"github.com/rovshanmuradov/allowance-bot/internal/relay"
	"github.com/rovshanmuradov/allowance-bot/internal/signing"
	logutil "github.com/rovshanmuradov/allowance-bot/internal/utils/logger"
	"github.com/rovshanmuradov/allowance-bot/internal/wallet"
)

// Planner produces a sell plan.
type Planner interface {
	SolveDetailed(balances, prices map[string]float64, targetMicroUSD int64) (allocation.Plan, error)
}

// Quoter quotes every leg of a plan.
type Quoter interface {
	Aggregate(ctx context.Context, plan allocation.Plan, coin quote.Stablecoin) (map[string]*quote.Leg, error)
}

// Signer signs settlements for one account.
type Signer interface {
	Sign(s *intent.Settlement) (*signing.Commitment, error)
	Signer() *wallet.SignerContext
}

// Publisher submits a signed intent to the relay exactly once.
type Publisher interface {
	PublishIntent(ctx context.Context, signed interface{}) (json.RawMessage, error)
}

// Deps are the stage implementations. Bus is optional.
type Deps struct {
	Planner   Planner
	Quoter    Quoter
	Builder   *intent.Builder
	Signer    Signer
	Publisher Publisher
	Bus       *events.Bus
}

// Pipeline runs Drafted → Quoted → Built → Signed → Published for one
// request at a time. It keeps no state between requests.
type Pipeline struct {
	deps    Deps
	logger  *zap.Logger
	now     func() time.Time
	defCoin quote.Stablecoin
}

// NewPipeline создает пайплайн расчёта
func NewPipeline(deps Deps, defaultCoin quote.Stablecoin, logger *zap.Logger) *Pipeline {
	if defaultCoin == "" {
		defaultCoin = quote.USDC
	}
	return &Pipeline{
		deps:    deps,
		logger:  logger.Named("settlement"),
		now:     time.Now,
		defCoin: defaultCoin,
	}
}

// WithClock overrides the time source of the stale-quote guard.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// run tracks one settlement through the stages.
type run struct {
	p       *Pipeline
	req     Request
	res     *Result
	account string
	logger  *zap.Logger
}

func (p *Pipeline) start(req Request) *run {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Stablecoin == "" {
		req.Stablecoin = p.defCoin
	}
	var account string
	if p.deps.Signer != nil {
		account = p.deps.Signer.Signer().AccountID
	}
	r := &run{
		p:       p,
		req:     req,
		res:     &Result{ID: req.ID},
		account: account,
		logger:  logutil.WithSettlement(p.logger, req.ID, account),
	}
	if p.deps.Bus != nil {
		_ = p.deps.Bus.Publish(events.StageEvent{
			BaseEvent:    events.BaseEvent{EventType: events.SettlementStarted, EventTime: time.Now()},
			SettlementID: req.ID,
			AccountID:    account,
		})
	}
	return r
}

// step runs fn as the transition into stage. On success the result
// advances to stage; on failure the error is wrapped in a StageError.
func (r *run) step(stage Stage, fn func() (int, error)) error {
	start := time.Now()
	legs, err := fn()
	d := time.Since(start)

	if r.p.deps.Bus != nil {
		_ = r.p.deps.Bus.Publish(events.NewStageEvent(r.req.ID, r.account, string(stage), legs, d, err))
	}
	if err != nil {
		r.logger.Warn("Settlement aborted",
			zap.String("stage", string(stage)),
			zap.Duration("duration", d),
			zap.Error(err))
		return &StageError{Stage: stage, Err: err}
	}

	r.res.Stage = stage
	r.logger.Debug("Stage completed",
		zap.String("stage", string(stage)),
		zap.Int("legs", legs),
		zap.Duration("duration", d))
	return nil
}

func (r *run) draft() error {
	return r.step(StageDrafted, func() (int, error) {
		if err := r.req.validate(); err != nil {
			return 0, err
		}
		plan, err := r.p.deps.Planner.SolveDetailed(r.req.Balances, r.req.Prices, r.req.TargetMicroUSD)
		if err != nil {
			return 0, err
		}
		r.res.Plan = plan
		r.res.PlanUSD = plan.ValueUSD(r.req.Prices)
		return len(plan), nil
	})
}

func (r *run) quote(ctx context.Context) error {
	return r.step(StageQuoted, func() (int, error) {
		legs, err := r.p.deps.Quoter.Aggregate(ctx, r.res.Plan, r.req.Stablecoin)
		if err != nil {
			return 0, err
		}
		if len(legs) == 0 {
			return 0, fmt.Errorf("%w: %d planned legs", ErrNoQuotes, len(r.res.Plan))
		}
		r.res.Legs = quote.SortedLegs(legs)
		r.res.Hashes = make([]string, 0, len(r.res.Legs))
		for _, leg := range r.res.Legs {
			r.res.Hashes = append(r.res.Hashes, leg.Best.QuoteHash)
		}
		return len(r.res.Legs), nil
	})
}

func (r *run) build() error {
	return r.step(StageBuilt, func() (int, error) {
		if r.p.deps.Signer == nil || r.p.deps.Publisher == nil {
			return 0, ErrNotConfigured
		}
		s, err := r.p.deps.Builder.BuildBundle(r.res.BestQuotes(), r.account, r.req.Referral)
		if err != nil {
			return 0, err
		}
		r.res.Settlement = s
		return len(r.res.Legs), nil
	})
}

func (r *run) sign() error {
	return r.step(StageSigned, func() (int, error) {
		c, err := r.p.deps.Signer.Sign(r.res.Settlement)
		if err != nil {
			return 0, err
		}
		r.res.Commitment = c
		return len(r.res.Legs), nil
	})
}

func (r *run) publish(ctx context.Context) error {
	return r.step(StagePublished, func() (int, error) {
		if err := CheckFresh(r.res.Legs, r.p.now()); err != nil {
			return 0, err
		}

		raw, err := r.p.deps.Publisher.PublishIntent(ctx, PublishRequest{
			SignedData:  r.res.Commitment,
			QuoteHashes: r.res.Hashes,
		})
		if err != nil {
			return 0, err
		}
		r.res.Response = raw

		decoded, err := relay.DecodePublishResult(raw)
		switch {
		case errors.Is(err, relay.ErrRPC):
			// Ответ сохранён, но интент не принят
			return 0, err
		case err != nil:
			r.logger.Warn("Relay returned an unexpected publish result", zap.Error(err))
			return len(r.res.Legs), nil
		}

		r.res.Publish = decoded
		if err := decoded.Err(); err != nil {
			return 0, err
		}
		r.logger.Info("Intent published",
			zap.String("status", decoded.Status),
			zap.String("intent_hash", decoded.IntentHash),
			zap.Strings("quote_hashes", r.res.Hashes))
		return len(r.res.Legs), nil
	})
}

// Plan runs the drafting stage only.
func (p *Pipeline) Plan(_ context.Context, req Request) (*Result, error) {
	r := p.start(req)
	if err := r.draft(); err != nil {
		return r.res, err
	}
	return r.res, nil
}

// Quote runs drafting and quoting.
func (p *Pipeline) Quote(ctx context.Context, req Request) (*Result, error) {
	r := p.start(req)
	if err := r.draft(); err != nil {
		return r.res, err
	}
	if err := r.quote(ctx); err != nil {
		return r.res, err
	}
	return r.res, nil
}

// Settle runs every stage. The returned Result is non-nil and holds the
// output of every completed stage even when err is non-nil.
func (p *Pipeline) Settle(ctx context.Context, req Request) (*Result, error) {
	r := p.start(req)
	if err := r.draft(); err != nil {
		return r.res, err
	}
	if err := r.quote(ctx); err != nil {
		return r.res, err
	}
	if err := r.build(); err != nil {
		return r.res, err
	}
	if err := r.sign(); err != nil {
		return r.res, err
	}
	if err := r.publish(ctx); err != nil {
		return r.res, err
	}
	return r.res, nil
}

// CheckFresh fails with ErrQuoteExpired when any selected quote expires at
// or before now, or has an unreadable expiration time.
func CheckFresh(legs []*quote.Leg, now time.Time) error {
	for _, leg := range legs {
		exp, err := leg.Best.ExpiresAt()
		if err != nil {
			return fmt.Errorf("%w: %s: unreadable expiration %q", ErrQuoteExpired, leg.TokenIn, leg.Best.ExpirationTime)
		}
		if !exp.After(now) {
			return fmt.Errorf("%w: %s quote %s expired at %s", ErrQuoteExpired, leg.TokenIn, leg.Best.QuoteHash, leg.Best.ExpirationTime)
		}
	}
	return nil
}
