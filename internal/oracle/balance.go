// internal/oracle/balance.go
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultNearRPCURL = "https://rpc.mainnet.fastnear.com"

	// NearDecimals is the precision of yoctoNEAR.
	NearDecimals = 24
)

// NearRPC reads account state from a NEAR JSON-RPC node.
type NearRPC struct {
	url    string
	fetch  fetcher
	logger *zap.Logger
}

// NewNearRPC создает клиент NEAR RPC для чтения балансов
func NewNearRPC(rpcURL string, timeout time.Duration, retries uint, logger *zap.Logger) *NearRPC {
	if rpcURL == "" {
		rpcURL = DefaultNearRPCURL
	}
	return &NearRPC{
		url:    rpcURL,
		fetch:  newFetcher(timeout, retries),
		logger: logger.Named("near_rpc"),
	}
}

type rpcError struct {
	Name    string          `json:"name"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Cause   json.RawMessage `json:"cause"`
}

// AccountBalance returns the native balance of accountID in yoctoNEAR.
func (n *NearRPC) AccountBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      uuid.NewString(),
		"method":  "query",
		"params": map[string]string{
			"request_type": "view_account",
			"finality":     "final",
			"account_id":   accountID,
		},
	}
	var resp struct {
		Result *struct {
			Amount string `json:"amount"`
		} `json:"result"`
		Error *rpcError `json:"error"`
	}
	if err := n.fetch.doJSON(ctx, n.url, req, &resp); err != nil {
		n.logger.Error("view_account failed",
			zap.String("endpoint", n.url),
			zap.String("account_id", accountID),
			zap.Error(err))
		return decimal.Zero, err
	}
	if resp.Error != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %s", ErrBadResponse, accountID, resp.Error.Message)
	}
	if resp.Result == nil {
		return decimal.Zero, fmt.Errorf("%w: empty result for %s", ErrBadResponse, accountID)
	}

	amount, err := decimal.NewFromString(resp.Result.Amount)
	if err != nil || amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: amount %q", ErrBadResponse, resp.Result.Amount)
	}
	return amount, nil
}

// NearBalance returns the native balance of accountID in NEAR.
func (n *NearRPC) NearBalance(ctx context.Context, accountID string) (float64, error) {
	yocto, err := n.AccountBalance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return yocto.Shift(-NearDecimals).InexactFloat64(), nil
}
