// internal/relay/client.go
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxErrorBody = 512

// Client выполняет JSON-RPC вызовы к solver relay
type Client struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewClient создает новый клиент релея
func NewClient(endpoint string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.Named("relay"),
	}
}

// Endpoint returns the relay URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Quote requests competing quotes for one asset pair. A relay that has no
// offers returns an empty slice and no error.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) ([]Quote, error) {
	body, err := c.do(ctx, MethodQuote, req)
	if err != nil {
		return nil, err
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewError(fmt.Errorf("%w: %v", ErrInvalidResponse, err), c.endpoint, MethodQuote, 0)
	}
	if resp.Error != nil {
		return nil, NewError(resp.Error, c.endpoint, MethodQuote, 0)
	}

	var quotes []Quote
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &quotes); err != nil {
			return nil, NewError(fmt.Errorf("%w: result is not a quote list: %v", ErrInvalidResponse, err), c.endpoint, MethodQuote, 0)
		}
	}

	c.logger.Debug("Quotes received",
		zap.String("asset_in", req.AssetIn),
		zap.String("asset_out", req.AssetOut),
		zap.String("amount_in", req.ExactAmountIn),
		zap.Int("count", len(quotes)))
	return quotes, nil
}

// PublishIntent submits a signed intent once and returns the relay's JSON
// response verbatim. Only transport and HTTP failures are returned as errors.
func (c *Client) PublishIntent(ctx context.Context, signed interface{}) (json.RawMessage, error) {
	body, err := c.do(ctx, MethodPublishIntent, signed)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// do выполняет POST запрос с JSON-RPC конвертом
func (c *Client) do(ctx context.Context, method string, param interface{}) ([]byte, error) {
	payload, err := json.Marshal(request{
		ID:      uuid.NewString(),
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  []interface{}{param},
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, NewError(fmt.Errorf("%w: %v", ErrTransport, err), c.endpoint, method, 0)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(fmt.Errorf("%w: read body: %v", ErrTransport, err), c.endpoint, method, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, NewError(fmt.Errorf("%w: %s", ErrHTTPStatus, string(body)), c.endpoint, method, resp.StatusCode)
	}

	c.logger.Debug("Relay call completed",
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))
	return body, nil
}
