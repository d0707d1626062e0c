// internal/task/task.go
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rovshanmuradov/allowance-bot/internal/quote"
	"github.com/rovshanmuradov/allowance-bot/internal/settlement"
)

// MicroUSD is the number of target units per US dollar.
const MicroUSD = 1_000_000

var ErrNoBalanceSource = errors.New("near_balance requested but no balance oracle configured")

// Task is one settlement request as written in a tasks file.
type Task struct {
	ID             int
	TaskName       string
	TargetMicroUSD int64
	Stablecoin     quote.Stablecoin
	Referral       string
	Balances       map[string]float64
	Prices         map[string]float64
	// PriceSymbols maps token ids to oracle symbols for prices not given
	// inline.
	PriceSymbols map[string]string
	// NearBalance asks for the signer's native NEAR balance to be fetched
	// and held as wrapped NEAR.
	NearBalance bool
	CreatedAt   time.Time
}

// PriceSource resolves a USD price for a ticker symbol.
type PriceSource interface {
	PriceUSD(ctx context.Context, symbol string) (float64, error)
}

// BalanceSource resolves an account's native NEAR balance.
type BalanceSource interface {
	NearBalance(ctx context.Context, accountID string) (float64, error)
}

// Validate checks if the task has valid parameters
func (t *Task) Validate() error {
	if t.TaskName == "" {
		return fmt.Errorf("task name cannot be empty")
	}
	if t.TargetMicroUSD <= 0 {
		return fmt.Errorf("task %q: target must be positive", t.TaskName)
	}
	if len(t.Balances) == 0 && !t.NearBalance {
		return fmt.Errorf("task %q: no balances and near_balance is off", t.TaskName)
	}
	for token, qty := range t.Balances {
		if qty < 0 {
			return fmt.Errorf("task %q: negative balance for %s", t.TaskName, token)
		}
	}
	return nil
}

// Resolve fills prices from symbols and the NEAR balance from the oracle,
// then returns the pipeline request. Prices given inline win over oracle
// prices. Tokens whose symbol lookup fails are left without a price, which
// the solver reports as missing price data.
func (t *Task) Resolve(ctx context.Context, accountID string, prices PriceSource, balances BalanceSource) (settlement.Request, error) {
	req := settlement.Request{
		Name:           t.TaskName,
		TargetMicroUSD: t.TargetMicroUSD,
		Stablecoin:     t.Stablecoin,
		Referral:       t.Referral,
		Balances:       make(map[string]float64, len(t.Balances)+1),
		Prices:         make(map[string]float64, len(t.Prices)+len(t.PriceSymbols)),
	}
	for token, qty := range t.Balances {
		req.Balances[token] = qty
	}
	for token, p := range t.Prices {
		req.Prices[token] = p
	}

	if t.NearBalance {
		if balances == nil {
			return req, ErrNoBalanceSource
		}
		near, err := balances.NearBalance(ctx, accountID)
		if err != nil {
			return req, fmt.Errorf("task %q: near balance: %w", t.TaskName, err)
		}
		req.Balances[quote.WrappedNear] += near
	}

	if prices != nil {
		tokens := make([]string, 0, len(t.PriceSymbols))
		for token := range t.PriceSymbols {
			tokens = append(tokens, token)
		}
		sort.Strings(tokens)
		for _, token := range tokens {
			if _, ok := req.Prices[token]; ok {
				continue
			}
			p, err := prices.PriceUSD(ctx, t.PriceSymbols[token])
			if err != nil {
				if ctx.Err() != nil {
					return req, ctx.Err()
				}
				continue
			}
			req.Prices[token] = p
		}
	}
	return req, nil
}
