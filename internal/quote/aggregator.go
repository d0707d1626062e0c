// internal/quote/aggregator.go
package quote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/allowance-bot/internal/allocation"
	"github.com/rovshanmuradov/allowance-bot/internal/relay"
)

const (
	DefaultWorkers      = 4
	DefaultRetries      = 2
	DefaultRetryInitial = 250 * time.Millisecond
)

var (
	// ErrLegFailed wraps every reason a single leg was dropped.
	ErrLegFailed = errors.New("quote leg failed")

	// ErrNoUsableQuote is returned when the relay answered without a positive offer.
	ErrNoUsableQuote = errors.New("no usable quote")
)

// Quoter is the relay surface the aggregator needs.
type Quoter interface {
	Quote(ctx context.Context, req relay.QuoteRequest) ([]relay.Quote, error)
}

// LegObserver receives the outcome of every leg. Optional.
type LegObserver interface {
	ObserveLeg(tokenIn string, err error, duration time.Duration)
}

// Config controls concurrency and retry of quote legs.
type Config struct {
	Workers       int
	MinDeadlineMS int64
	// Retries is the number of extra attempts after a retryable failure.
	Retries      uint
	RetryInitial time.Duration
}

// Leg is the quoting result for one planned token.
type Leg struct {
	TokenIn  string
	Quantity float64
	AmountIn string
	AssetOut string
	Best     relay.Quote
	Quotes   []relay.Quote
}

// Aggregator fans quote requests out over a bounded worker pool and keeps
// the best offer per leg.
type Aggregator struct {
	quoter   Quoter
	assets   *AssetTable
	cfg      Config
	logger   *zap.Logger
	observer LegObserver
}

// NewAggregator создает агрегатор котировок
func NewAggregator(quoter Quoter, assets *AssetTable, cfg Config, logger *zap.Logger) *Aggregator {
	if assets == nil {
		assets = DefaultAssetTable()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MinDeadlineMS <= 0 {
		cfg.MinDeadlineMS = relay.DefaultMinDeadlineMS
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = DefaultRetryInitial
	}
	return &Aggregator{
		quoter: quoter,
		assets: assets,
		cfg:    cfg,
		logger: logger.Named("quote"),
	}
}

// SetObserver registers a leg outcome observer.
func (a *Aggregator) SetObserver(o LegObserver) {
	a.observer = o
}

// Aggregate quotes every leg of the plan against the chain-specific form of
// coin. Failed legs are logged and omitted; the error is non-nil only when
// the request itself is invalid or ctx is done.
func (a *Aggregator) Aggregate(ctx context.Context, plan allocation.Plan, coin Stablecoin) (map[string]*Leg, error) {
	if _, err := a.assets.OutAsset("", coin); err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		legs = make(map[string]*Leg, len(plan))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)

	for _, token := range plan.Tokens() {
		qty := plan[token]
		g.Go(func() error {
			start := time.Now()
			leg, err := a.quoteLeg(gctx, token, qty, coin)
			if a.observer != nil {
				a.observer.ObserveLeg(token, err, time.Since(start))
			}
			if err != nil {
				a.logger.Warn("Quote leg omitted",
					zap.String("endpoint", endpointOf(a.quoter)),
					zap.String("token_in", token),
					zap.Float64("quantity", qty),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			legs[token] = leg
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return legs, err
	}

	a.logger.Info("Quotes aggregated",
		zap.Int("planned", len(plan)),
		zap.Int("quoted", len(legs)),
		zap.String("stablecoin", string(coin)))
	return legs, nil
}

func (a *Aggregator) quoteLeg(ctx context.Context, token string, qty float64, coin Stablecoin) (*Leg, error) {
	assetOut, err := a.assets.OutAsset(token, coin)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLegFailed, err)
	}
	amountIn, err := a.assets.ToSmallestUnit(token, qty)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLegFailed, err)
	}

	req := relay.QuoteRequest{
		AssetIn:       token,
		AssetOut:      assetOut,
		ExactAmountIn: amountIn,
		MinDeadlineMS: a.cfg.MinDeadlineMS,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.RetryInitial
	quotes, err := backoff.Retry(ctx, func() ([]relay.Quote, error) {
		quotes, err := a.quoter.Quote(ctx, req)
		if err != nil {
			if !relay.IsRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			a.logger.Debug("Retrying quote request",
				zap.String("token_in", token),
				zap.String("amount_in", amountIn),
				zap.Error(err))
			return nil, err
		}
		return quotes, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(a.cfg.Retries+1))
	if err != nil {
		return nil, fmt.Errorf("%w: amount %s: %w", ErrLegFailed, amountIn, err)
	}

	best, ok := SelectBest(quotes)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %d quotes for %s", ErrLegFailed, ErrNoUsableQuote, len(quotes), amountIn)
	}

	return &Leg{
		TokenIn:  token,
		Quantity: qty,
		AmountIn: amountIn,
		AssetOut: assetOut,
		Best:     best,
		Quotes:   quotes,
	}, nil
}

// SelectBest returns the quote with the greatest amount_out. Ties keep the
// first quote in response order; quotes with a non-positive or unparseable
// amount_out never win.
func SelectBest(quotes []relay.Quote) (relay.Quote, bool) {
	var (
		best    relay.Quote
		bestOut decimal.Decimal
		found   bool
	)
	for _, q := range quotes {
		out, err := decimal.NewFromString(q.AmountOut)
		if err != nil || !out.IsPositive() {
			continue
		}
		if !found || out.GreaterThan(bestOut) {
			best, bestOut, found = q, out, true
		}
	}
	return best, found
}

// SortedLegs returns legs ordered by token identifier.
func SortedLegs(legs map[string]*Leg) []*Leg {
	out := make([]*Leg, 0, len(legs))
	for _, leg := range legs {
		out = append(out, leg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenIn < out[j].TokenIn })
	return out
}

func endpointOf(q Quoter) string {
	if e, ok := q.(interface{ Endpoint() string }); ok {
		return e.Endpoint()
	}
	return ""
}
