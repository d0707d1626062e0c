// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rovshanmuradov/allowance-bot/internal/quote"
)

const EnvPrefix = "ALLOWANCE"

const (
	DefaultRelayURL           = "https://solver-relay-v2.chaindefuser.com/rpc"
	DefaultVerifyingContract  = "intents.near"
	DefaultReferralAccount    = "benevio-labs.near"
	DefaultStablecoin         = "USDC"
	DefaultDiversityFactor    = 0.33
	DefaultMaxAttempts        = 1000
	DefaultSolverWorkers      = 1
	DefaultQuoteWorkers       = 4
	DefaultQuoteMinDeadlineMS = 60_000
	DefaultQuoteRetries       = 2
	DefaultRequestTimeoutMS   = 10_000
	DefaultSettlementWindowMS = 120_000
	DefaultNearRPCURL         = "https://rpc.mainnet.fastnear.com"
	DefaultCoinbaseURL        = "https://api.coinbase.com"
	DefaultCoingeckoURL       = "https://api.coingecko.com"
	DefaultLogFile            = "allowance.log"
	DefaultRequestParallelism = 1
)

// AssetConfig adds or overrides one entry of the asset table.
type AssetConfig struct {
	TokenID  string `mapstructure:"token_id"`
	Decimals int32  `mapstructure:"decimals"`
	USDC     string `mapstructure:"usdc"`
	USDT     string `mapstructure:"usdt"`
}

type Config struct {
	RelayURL          string `mapstructure:"relay_url"`
	VerifyingContract string `mapstructure:"verifying_contract"`
	ReferralAccount   string `mapstructure:"referral_account"`

	AccountID   string `mapstructure:"account_id"`
	PrivateKey  string `mapstructure:"private_key"`
	PublicKey   string `mapstructure:"public_key"`
	SignersFile string `mapstructure:"signers_file"`

	Stablecoin      string  `mapstructure:"stablecoin"`
	DiversityFactor float64 `mapstructure:"diversity_factor"`
	MaxAttempts     int     `mapstructure:"max_attempts"`
	SolverWorkers   int     `mapstructure:"solver_workers"`

	QuoteWorkers       int   `mapstructure:"quote_workers"`
	QuoteMinDeadlineMS int64 `mapstructure:"quote_min_deadline_ms"`
	QuoteRetries       int   `mapstructure:"quote_retries"`
	RequestTimeoutMS   int   `mapstructure:"request_timeout_ms"`
	SettlementWindowMS int   `mapstructure:"settlement_window_ms"`
	// RequestWorkers is the number of task-file requests run at once.
	RequestWorkers int `mapstructure:"request_workers"`

	NearRPCURL   string `mapstructure:"near_rpc_url"`
	CoinbaseURL  string `mapstructure:"coinbase_url"`
	CoingeckoURL string `mapstructure:"coingecko_url"`

	DebugLogging bool   `mapstructure:"debug_logging"`
	LogFile      string `mapstructure:"log_file"`
	MetricsAddr  string `mapstructure:"metrics_addr"`

	Assets []AssetConfig `mapstructure:"assets"`
}

var defaults = map[string]interface{}{
	"relay_url":             DefaultRelayURL,
	"verifying_contract":    DefaultVerifyingContract,
	"referral_account":      DefaultReferralAccount,
	"stablecoin":            DefaultStablecoin,
	"diversity_factor":      DefaultDiversityFactor,
	"max_attempts":          DefaultMaxAttempts,
	"solver_workers":        DefaultSolverWorkers,
	"quote_workers":         DefaultQuoteWorkers,
	"quote_min_deadline_ms": DefaultQuoteMinDeadlineMS,
	"quote_retries":         DefaultQuoteRetries,
	"request_timeout_ms":    DefaultRequestTimeoutMS,
	"settlement_window_ms":  DefaultSettlementWindowMS,
	"request_workers":       DefaultRequestParallelism,
	"near_rpc_url":          DefaultNearRPCURL,
	"coinbase_url":          DefaultCoinbaseURL,
	"coingecko_url":         DefaultCoingeckoURL,
	"log_file":              DefaultLogFile,
	"debug_logging":         false,
}

// LoadConfig reads path (JSON or YAML; optional when empty), applies
// defaults and ALLOWANCE_* environment overrides, then validates.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about.
	for _, key := range []string{"account_id", "private_key", "public_key", "signers_file", "metrics_addr"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, raw := range map[string]string{
		"relay_url":     c.RelayURL,
		"near_rpc_url":  c.NearRPCURL,
		"coinbase_url":  c.CoinbaseURL,
		"coingecko_url": c.CoingeckoURL,
	} {
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.DiversityFactor <= 0 {
		return errors.New("diversity_factor must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("max_attempts must be positive")
	}
	if c.SolverWorkers <= 0 || c.QuoteWorkers <= 0 || c.RequestWorkers <= 0 {
		return errors.New("worker counts must be positive")
	}
	if c.QuoteRetries < 0 {
		return errors.New("invalid quote_retries")
	}
	if c.QuoteMinDeadlineMS <= 0 || c.RequestTimeoutMS <= 0 || c.SettlementWindowMS <= 0 {
		return errors.New("timeouts must be positive")
	}
	if _, err := quote.ParseStablecoin(c.Stablecoin); err != nil {
		return err
	}
	for _, a := range c.Assets {
		if a.TokenID == "" || a.Decimals < 0 {
			return fmt.Errorf("invalid asset entry %+v", a)
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("URL must use http or https")
	}
	if parsed.Host == "" {
		return errors.New("URL has no host")
	}
	return nil
}

// Coin returns the configured stablecoin.
func (c *Config) Coin() quote.Stablecoin {
	coin, _ := quote.ParseStablecoin(c.Stablecoin)
	return coin
}

// AssetTable returns the built-in table extended with configured assets.
func (c *Config) AssetTable() *quote.AssetTable {
	extra := make([]quote.Asset, 0, len(c.Assets))
	for _, a := range c.Assets {
		out := map[quote.Stablecoin]string{}
		if a.USDC != "" {
			out[quote.USDC] = a.USDC
		}
		if a.USDT != "" {
			out[quote.USDT] = a.USDT
		}
		extra = append(extra, quote.Asset{TokenID: a.TokenID, Decimals: a.Decimals, Out: out})
	}
	return quote.DefaultAssetTable().With(extra...)
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c *Config) SettlementWindow() time.Duration {
	return time.Duration(c.SettlementWindowMS) * time.Millisecond
}
