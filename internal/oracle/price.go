// internal/oracle/price.go
package oracle

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCoinbaseURL  = "https://api.coinbase.com"
	DefaultCoingeckoURL = "https://api.coingecko.com"
)

// coingeckoIDs maps ticker symbols to CoinGecko coin ids.
var coingeckoIDs = map[string]string{
	"NEAR": "near",
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"USDC": "usd-coin",
	"USDT": "tether",
}

// PriceOracle returns USD prices from Coinbase, falling back to CoinGecko.
type PriceOracle struct {
	coinbaseURL  string
	coingeckoURL string
	fetch        fetcher
	logger       *zap.Logger
}

// NewPriceOracle создает оракул цен. Пустые URL заменяются публичными API.
func NewPriceOracle(coinbaseURL, coingeckoURL string, timeout time.Duration, retries uint, logger *zap.Logger) *PriceOracle {
	if coinbaseURL == "" {
		coinbaseURL = DefaultCoinbaseURL
	}
	if coingeckoURL == "" {
		coingeckoURL = DefaultCoingeckoURL
	}
	return &PriceOracle{
		coinbaseURL:  strings.TrimRight(coinbaseURL, "/"),
		coingeckoURL: strings.TrimRight(coingeckoURL, "/"),
		fetch:        newFetcher(timeout, retries),
		logger:       logger.Named("price_oracle"),
	}
}

// PriceUSD returns the USD price of symbol.
func (o *PriceOracle) PriceUSD(ctx context.Context, symbol string) (float64, error) {
	symbol = normalizeSymbol(symbol)

	price, err := o.coinbase(ctx, symbol)
	if err == nil {
		return price, nil
	}
	o.logger.Warn("Coinbase price failed, trying CoinGecko",
		zap.String("symbol", symbol),
		zap.String("endpoint", o.coinbaseURL),
		zap.Error(err))

	price, gerr := o.coingecko(ctx, symbol)
	if gerr != nil {
		o.logger.Error("Price unavailable",
			zap.String("symbol", symbol),
			zap.String("endpoint", o.coingeckoURL),
			zap.Error(gerr))
		return 0, fmt.Errorf("%w: %s: coinbase: %v; coingecko: %v", ErrUnavailable, symbol, err, gerr)
	}
	return price, nil
}

// Prices looks up several symbols concurrently. Symbols that fail are
// absent from the result.
func (o *PriceOracle) Prices(ctx context.Context, symbols []string) map[string]float64 {
	var (
		mu  sync.Mutex
		out = make(map[string]float64, len(symbols))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, s := range symbols {
		s = normalizeSymbol(s)
		g.Go(func() error {
			p, err := o.PriceUSD(gctx, s)
			if err != nil {
				return nil
			}
			mu.Lock()
			out[s] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// SortedSymbols returns the keys of a price map in order.
func SortedSymbols(prices map[string]float64) []string {
	out := make([]string, 0, len(prices))
	for s := range prices {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (o *PriceOracle) coinbase(ctx context.Context, symbol string) (float64, error) {
	var resp struct {
		Data struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"data"`
	}
	u := fmt.Sprintf("%s/v2/prices/%s-USD/buy", o.coinbaseURL, url.PathEscape(symbol))
	if err := o.fetch.doJSON(ctx, u, nil, &resp); err != nil {
		return 0, err
	}
	return positive(resp.Data.Amount)
}

func (o *PriceOracle) coingecko(ctx context.Context, symbol string) (float64, error) {
	id, ok := coingeckoIDs[symbol]
	if !ok {
		id = strings.ToLower(symbol)
	}
	var resp map[string]map[string]decimal.Decimal
	u := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=usd", o.coingeckoURL, url.QueryEscape(id))
	if err := o.fetch.doJSON(ctx, u, nil, &resp); err != nil {
		return 0, err
	}
	price, ok := resp[id]["usd"]
	if !ok {
		return 0, fmt.Errorf("%w: no usd price for %s", ErrBadResponse, id)
	}
	return positive(price.String())
}

func positive(amount string) (float64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil || !d.IsPositive() {
		return 0, fmt.Errorf("%w: price %q", ErrBadResponse, amount)
	}
	return d.InexactFloat64(), nil
}
