// internal/allocation/solver.go
package allocation

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDiversityFactor = 0.33
	DefaultMaxAttempts     = 1000

	// Tolerance is the accepted relative distance between plan value and target.
	Tolerance = 0.0001

	microUSDPerUSD = 1_000_000
)

var (
	// ErrMissingPriceData возникает, когда для одного из токенов нет цены
	ErrMissingPriceData = errors.New("price data missing for held token")

	// ErrNoFeasibleAllocation возникает, когда ни одна попытка не попала в допуск
	ErrNoFeasibleAllocation = errors.New("no allocation meets target within tolerance")
)

// Plan maps a token identifier to the quantity to sell.
type Plan map[string]float64

// ValueUSD returns Σ quantity·price for the plan.
func (p Plan) ValueUSD(prices map[string]float64) float64 {
	var total float64
	for token, qty := range p {
		total += qty * prices[token]
	}
	return total
}

// Tokens returns plan keys in lexical order.
func (p Plan) Tokens() []string {
	tokens := make([]string, 0, len(p))
	for token := range p {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// Options controls the randomized search.
type Options struct {
	DiversityFactor float64
	MaxAttempts     int
	// Workers splits attempts across goroutines. For a fixed seed the result
	// is reproducible as long as Workers is unchanged.
	Workers int
}

// DefaultOptions returns the search parameters used when none are configured.
func DefaultOptions() Options {
	return Options{
		DiversityFactor: DefaultDiversityFactor,
		MaxAttempts:     DefaultMaxAttempts,
		Workers:         1,
	}
}

// Solver searches for sell plans that raise a target USD amount.
type Solver struct {
	logger *zap.Logger
	opts   Options

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSolver creates a solver. A nil rng seeds one from the runtime source;
// tests pass a seeded generator to make trials reproducible.
func NewSolver(logger *zap.Logger, opts Options, rng *rand.Rand) *Solver {
	if opts.DiversityFactor <= 0 {
		opts.DiversityFactor = DefaultDiversityFactor
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Solver{
		logger: logger.Named("allocation"),
		opts:   opts,
		rng:    rng,
	}
}

// Options returns the effective search parameters.
func (s *Solver) Options() Options {
	return s.opts
}

// Solve returns the best plan found, or an empty plan when the request is
// unsolvable. Missing prices and infeasible targets both yield an empty plan;
// use SolveDetailed to tell them apart.
func (s *Solver) Solve(balances, prices map[string]float64, targetMicroUSD int64) Plan {
	plan, _ := s.SolveDetailed(balances, prices, targetMicroUSD)
	return plan
}

// SolveDetailed is Solve with the reason for an empty plan.
func (s *Solver) SolveDetailed(balances, prices map[string]float64, targetMicroUSD int64) (Plan, error) {
	tokens := make([]string, 0, len(balances))
	var missing []string
	for token := range balances {
		if _, ok := prices[token]; !ok {
			missing = append(missing, token)
			continue
		}
		tokens = append(tokens, token)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		s.logger.Error("Exiting early: price info not found for some tokens",
			zap.Strings("missing", missing),
			zap.Int("priced", len(prices)))
		return Plan{}, ErrMissingPriceData
	}
	// Map order is random; the permutation must start from a stable order.
	sort.Strings(tokens)

	targetUSD := float64(targetMicroUSD) / microUSDPerUSD
	if targetUSD <= 0 {
		return Plan{}, ErrNoFeasibleAllocation
	}

	best := s.search(tokens, balances, prices, targetUSD)
	if best == nil {
		s.logger.Debug("No feasible allocation",
			zap.Float64("target_usd", targetUSD),
			zap.Int("attempts", s.opts.MaxAttempts))
		return Plan{}, ErrNoFeasibleAllocation
	}

	s.logger.Debug("Allocation found",
		zap.Float64("target_usd", targetUSD),
		zap.Float64("difference", best.difference),
		zap.Int("attempt", best.attempt),
		zap.Int("tokens", len(best.plan)))
	return best.plan, nil
}

type candidate struct {
	plan       Plan
	difference float64
	attempt    int
}

// better orders candidates by difference, then by attempt index, so the
// reduction is independent of goroutine scheduling.
func (c *candidate) better(other *candidate) bool {
	if other == nil {
		return true
	}
	if c.difference != other.difference {
		return c.difference < other.difference
	}
	return c.attempt < other.attempt
}

func (s *Solver) search(tokens []string, balances, prices map[string]float64, targetUSD float64) *candidate {
	workers := s.opts.Workers
	if workers > s.opts.MaxAttempts {
		workers = s.opts.MaxAttempts
	}

	s.mu.Lock()
	seeds := make([][2]uint64, workers)
	for i := range seeds {
		seeds[i] = [2]uint64{s.rng.Uint64(), s.rng.Uint64()}
	}
	s.mu.Unlock()

	var (
		mu   sync.Mutex
		best *candidate
		g    errgroup.Group
	)
	for w := 0; w < workers; w++ {
		r := rand.New(rand.NewPCG(seeds[w][0], seeds[w][1]))
		first := w
		g.Go(func() error {
			var local *candidate
			for attempt := first; attempt < s.opts.MaxAttempts; attempt += workers {
				plan, total := s.trial(r, tokens, balances, prices, targetUSD)
				difference := math.Abs(total - targetUSD)
				if difference/targetUSD >= Tolerance {
					continue
				}
				c := &candidate{plan: plan, difference: difference, attempt: attempt}
				if c.better(local) {
					local = c
				}
			}
			if local == nil {
				return nil
			}
			mu.Lock()
			if local.better(best) {
				best = local
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return best
}

// trial draws one random plan and returns it with its USD value.
func (s *Solver) trial(r *rand.Rand, tokens []string, balances, prices map[string]float64, targetUSD float64) (Plan, float64) {
	multi := len(balances) > 1
	plan := make(Plan)
	current := 0.0

	for _, i := range r.Perm(len(tokens)) {
		if current >= targetUSD {
			break
		}
		token := tokens[i]
		balance := balances[token]
		price := prices[token]

		limit := balance
		if multi {
			limit = balance * s.opts.DiversityFactor
		}
		if price <= 0 {
			continue
		}

		remaining := targetUSD - current
		qty := math.Min(math.Min(limit, remaining/price), balance)
		if multi {
			qty = r.Float64() * qty
		}
		if qty > 0 {
			plan[token] = qty
			current += qty * price
		}
	}
	return plan, current
}
