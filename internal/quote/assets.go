// internal/quote/assets.go
package quote

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Stablecoin is the asset a settlement raises.
type Stablecoin string

const (
	USDC Stablecoin = "USDC"
	USDT Stablecoin = "USDT"
)

// Known defuse asset identifiers.
const (
	WrappedNear = "nep141:wrap.near"
	OmniETH     = "nep141:eth.omft.near"
	OmniSOL     = "nep141:sol.omft.near"

	NearUSDC = "nep141:17208628f84f5d6ad33f0da3bbbeb27ffcb398eac501a31bd6ad2011e36133a1"
	EthUSDC  = "nep141:eth-0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48.omft.near"
	NearUSDT = "nep141:usdt.tether-token.near"
	EthUSDT  = "nep141:eth-0xdac17f958d2ee523a2206206994597c13d831ec7.omft.near"
)

var (
	ErrUnknownStablecoin = errors.New("unknown stablecoin")
	ErrUnknownDecimals   = errors.New("token decimals unknown")
	ErrZeroAmount        = errors.New("amount rounds to zero")
)

// ParseStablecoin accepts "usdc"/"USDC" and "usdt"/"USDT".
func ParseStablecoin(s string) (Stablecoin, error) {
	switch coin := Stablecoin(strings.ToUpper(strings.TrimSpace(s))); coin {
	case USDC, USDT:
		return coin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStablecoin, s)
	}
}

// Asset describes a sellable token: its precision and the chain-specific
// stablecoin it is quoted against.
type Asset struct {
	TokenID  string
	Decimals int32
	Out      map[Stablecoin]string
}

// AssetTable resolves the out-asset for a token_in. Tokens not listed are
// quoted against the NEAR-native stablecoin.
type AssetTable struct {
	assets   map[string]Asset
	fallback map[Stablecoin]string
}

// DefaultAssetTable returns the built-in asset mapping.
func DefaultAssetTable() *AssetTable {
	bridged := map[Stablecoin]string{USDC: EthUSDC, USDT: EthUSDT}
	return &AssetTable{
		assets: map[string]Asset{
			WrappedNear: {TokenID: WrappedNear, Decimals: 24},
			OmniETH:     {TokenID: OmniETH, Decimals: 18, Out: bridged},
			OmniSOL:     {TokenID: OmniSOL, Decimals: 9, Out: bridged},
		},
		fallback: map[Stablecoin]string{USDC: NearUSDC, USDT: NearUSDT},
	}
}

// With returns a copy of the table with the given assets added or replaced.
func (t *AssetTable) With(assets ...Asset) *AssetTable {
	out := &AssetTable{
		assets:   make(map[string]Asset, len(t.assets)+len(assets)),
		fallback: t.fallback,
	}
	for id, a := range t.assets {
		out.assets[id] = a
	}
	for _, a := range assets {
		out.assets[a.TokenID] = a
	}
	return out
}

// OutAsset resolves the stablecoin identifier token_in is quoted against.
func (t *AssetTable) OutAsset(tokenIn string, coin Stablecoin) (string, error) {
	fallback, ok := t.fallback[coin]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStablecoin, coin)
	}
	if a, ok := t.assets[tokenIn]; ok {
		if out, ok := a.Out[coin]; ok && out != "" {
			return out, nil
		}
	}
	return fallback, nil
}

// Decimals returns the precision of a token, if known.
func (t *AssetTable) Decimals(tokenIn string) (int32, bool) {
	a, ok := t.assets[tokenIn]
	if !ok {
		return 0, false
	}
	return a.Decimals, true
}

// ToSmallestUnit converts a token quantity into an integer amount string in
// the token's smallest unit, truncating sub-unit dust.
func (t *AssetTable) ToSmallestUnit(tokenIn string, quantity float64) (string, error) {
	decimals, ok := t.Decimals(tokenIn)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownDecimals, tokenIn)
	}
	amount := decimal.NewFromFloat(quantity).Shift(decimals).Truncate(0)
	if !amount.IsPositive() {
		return "", fmt.Errorf("%w: %s quantity %g", ErrZeroAmount, tokenIn, quantity)
	}
	return amount.String(), nil
}
