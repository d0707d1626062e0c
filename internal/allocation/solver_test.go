package allocation

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSolver(opts Options, seed uint64) *Solver {
	return NewSolver(zap.NewNop(), opts, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

func withinTolerance(t *testing.T, plan Plan, prices map[string]float64, targetUSD float64) {
	t.Helper()
	total := plan.ValueUSD(prices)
	assert.Less(t, math.Abs(total-targetUSD)/targetUSD, Tolerance, "plan value %f too far from %f", total, targetUSD)
}

func TestSolve_SingleTokenIsDeterministic(t *testing.T) {
	balances := map[string]float64{"X": 100.0}
	prices := map[string]float64{"X": 1.0}

	for seed := uint64(1); seed <= 5; seed++ {
		plan := newTestSolver(DefaultOptions(), seed).Solve(balances, prices, 1_000_000)
		require.Len(t, plan, 1)
		assert.InDelta(t, 1.0, plan["X"], 1.0*Tolerance)
	}
}

func TestSolve_SingleTokenIgnoresDiversityFactor(t *testing.T) {
	balances := map[string]float64{"0x1": 100.0}
	prices := map[string]float64{"0x1": 1.0}

	// Single-asset requests are capped by the balance only.
	plan := newTestSolver(Options{DiversityFactor: 0.001, MaxAttempts: 10}, 7).Solve(balances, prices, 50_000_000)
	require.NotEmpty(t, plan)
	assert.InDelta(t, 50.0, plan["0x1"], 50.0*Tolerance)

	// A factor above 1 is naturally capped by the balance.
	plan = newTestSolver(Options{DiversityFactor: 1.5, MaxAttempts: 10}, 7).Solve(balances, prices, 1_000_000)
	require.NotEmpty(t, plan)
	for _, qty := range plan {
		assert.LessOrEqual(t, qty, 100.0)
	}
}

func TestSolve_SingleAttemptSuffices(t *testing.T) {
	plan := newTestSolver(Options{MaxAttempts: 1}, 3).Solve(
		map[string]float64{"0x1": 100.0},
		map[string]float64{"0x1": 1.0},
		1_000_000,
	)
	assert.NotEmpty(t, plan)
}

func TestSolveDetailed_MissingPriceData(t *testing.T) {
	tests := []struct {
		name     string
		balances map[string]float64
		prices   map[string]float64
	}{
		{
			name:     "no prices at all",
			balances: map[string]float64{"0x1": 100.0},
			prices:   map[string]float64{},
		},
		{
			name:     "one of three missing",
			balances: map[string]float64{"0x1": 100.0, "0x2": 200.0, "0x3": 300.0},
			prices:   map[string]float64{"0x1": 1.0, "0x3": 3.0},
		},
		{
			name:     "only one priced among many",
			balances: map[string]float64{"0x1": 100.0, "0x2": 100.0, "0x3": 100.0, "0x4": 100.0},
			prices:   map[string]float64{"0x1": 1.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := newTestSolver(DefaultOptions(), 1).SolveDetailed(tt.balances, tt.prices, 1_000_000)
			assert.ErrorIs(t, err, ErrMissingPriceData)
			assert.Empty(t, plan)
		})
	}
}

func TestSolveDetailed_Infeasible(t *testing.T) {
	tests := []struct {
		name     string
		balances map[string]float64
		prices   map[string]float64
		target   int64
	}{
		{"empty balances", map[string]float64{}, map[string]float64{}, 1_000_000},
		{"price too small", map[string]float64{"0x1": 100.0}, map[string]float64{"0x1": 0.0000001}, 1_000_000},
		{"negative price", map[string]float64{"0x1": 100.0}, map[string]float64{"0x1": -1.0}, 1_000_000},
		{"zero price", map[string]float64{"0x1": 100.0}, map[string]float64{"0x1": 0.0}, 1_000_000},
		{"target above holdings", map[string]float64{"0x1": 100.0}, map[string]float64{"0x1": 1.0}, 1_000_000_000_000},
		{"zero target", map[string]float64{"0x1": 100.0}, map[string]float64{"0x1": 1.0}, 0},
		{
			"multi-token capped below target",
			map[string]float64{"A": 10, "B": 10},
			map[string]float64{"A": 1, "B": 1},
			// 0.33 of 20 units at $1 cannot reach $10.
			10_000_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := newTestSolver(DefaultOptions(), 11).SolveDetailed(tt.balances, tt.prices, tt.target)
			assert.ErrorIs(t, err, ErrNoFeasibleAllocation)
			assert.Empty(t, plan)
		})
	}
}

func TestSolve_VeryLowTarget(t *testing.T) {
	plan := newTestSolver(DefaultOptions(), 5).Solve(
		map[string]float64{"0x1": 100.0},
		map[string]float64{"0x1": 1.0},
		1,
	)
	total := plan.ValueUSD(map[string]float64{"0x1": 1.0})
	assert.Less(t, total, 0.000002)
}

func TestSolve_MultiTokenRespectsDiversity(t *testing.T) {
	balances := map[string]float64{"A": 113.559, "B": 214.667, "C": 343.584}
	prices := map[string]float64{"A": 1, "B": 2, "C": 3}

	for _, workers := range []int{1, 4} {
		opts := Options{DiversityFactor: 0.6, MaxAttempts: 20000, Workers: workers}
		plan := newTestSolver(opts, 42).Solve(balances, prices, 500_000_000)

		require.NotEmpty(t, plan, "workers=%d", workers)
		for token, qty := range plan {
			require.Contains(t, balances, token)
			assert.LessOrEqual(t, qty, balances[token]*0.6)
			assert.LessOrEqual(t, qty, balances[token])
		}
		withinTolerance(t, plan, prices, 500)
	}
}

func TestSolve_DiversityBoundHoldsForAnySeed(t *testing.T) {
	balances := map[string]float64{"A": 113.559, "B": 214.667, "C": 343.584}
	prices := map[string]float64{"A": 1, "B": 2, "C": 3}

	for seed := uint64(0); seed < 20; seed++ {
		plan := newTestSolver(Options{DiversityFactor: 0.7, MaxAttempts: 500}, seed).Solve(balances, prices, 500_000_000)
		for token, qty := range plan {
			assert.LessOrEqual(t, qty, balances[token]*0.7)
		}
	}
}

func TestSolve_ReproducibleForSeed(t *testing.T) {
	balances := map[string]float64{"A": 113.559, "B": 214.667, "C": 343.584}
	prices := map[string]float64{"A": 1, "B": 2, "C": 3}
	opts := Options{DiversityFactor: 0.6, MaxAttempts: 5000, Workers: 3}

	first := newTestSolver(opts, 99).Solve(balances, prices, 500_000_000)
	second := newTestSolver(opts, 99).Solve(balances, prices, 500_000_000)
	assert.Equal(t, first, second)
}

func TestPlan_Tokens(t *testing.T) {
	plan := Plan{"c": 1, "a": 2, "b": 3}
	assert.Equal(t, []string{"a", "b", "c"}, plan.Tokens())
}
