// internal/relay/types.go
package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	MethodQuote         = "quote"
	MethodPublishIntent = "publish_intent"

	DefaultTimeout       = 10 * time.Second
	DefaultMinDeadlineMS = 60_000

	jsonRPCVersion = "2.0"

	// PublishStatusFailed is the status the relay reports for an intent it
	// refused to execute; Reason carries the cause.
	PublishStatusFailed = "FAILED"
)

// QuoteRequest asks solvers to price an exact input amount.
type QuoteRequest struct {
	AssetIn       string `json:"defuse_asset_identifier_in"`
	AssetOut      string `json:"defuse_asset_identifier_out"`
	ExactAmountIn string `json:"exact_amount_in"`
	MinDeadlineMS int64  `json:"min_deadline_ms"`
}

// Quote is a solver offer. Amounts are integer strings in the smallest unit
// of each asset. A quote is void after ExpirationTime.
type Quote struct {
	AssetIn        string `json:"defuse_asset_identifier_in"`
	AssetOut       string `json:"defuse_asset_identifier_out"`
	AmountIn       string `json:"amount_in"`
	AmountOut      string `json:"amount_out"`
	QuoteHash      string `json:"quote_hash"`
	ExpirationTime string `json:"expiration_time"`
}

// ExpiresAt parses ExpirationTime.
func (q Quote) ExpiresAt() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, q.ExpirationTime)
}

type request struct {
	ID      string        `json:"id"`
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type response struct {
	ID      json.RawMessage `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// PublishResult is the subset of the publish_intent result used for logging.
type PublishResult struct {
	Status     string `json:"status"`
	IntentHash string `json:"intent_hash"`
	Reason     string `json:"reason,omitempty"`
}

// Err returns ErrPublishRejected when the relay reported a failed intent.
func (r *PublishResult) Err() error {
	if !strings.EqualFold(r.Status, PublishStatusFailed) {
		return nil
	}
	if r.Reason == "" {
		return ErrPublishRejected
	}
	return fmt.Errorf("%w: %s", ErrPublishRejected, r.Reason)
}

// DecodePublishResult extracts the result object from a raw publish response.
func DecodePublishResult(raw json.RawMessage) (*PublishResult, error) {
	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var result PublishResult
	if len(resp.Result) == 0 {
		return &result, nil
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
