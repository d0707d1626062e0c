// internal/oracle/http.go
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultRetries      = 2
	defaultRetryInitial = 200 * time.Millisecond
	maxErrorBody        = 256
)

var (
	ErrUnavailable = errors.New("oracle unavailable")
	ErrBadResponse = errors.New("unexpected oracle response")
)

// statusError несёт HTTP статус неуспешного ответа
type statusError struct {
	url    string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.url, e.status, e.body)
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return !errors.Is(err, ErrBadResponse)
}

// fetcher wraps an http.Client with bounded exponential retry.
type fetcher struct {
	client       *http.Client
	retries      uint
	retryInitial time.Duration
}

func newFetcher(timeout time.Duration, retries uint) fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return fetcher{
		client:       &http.Client{Timeout: timeout},
		retries:      retries,
		retryInitial: defaultRetryInitial,
	}
}

// doJSON sends the request (GET when body is nil, POST otherwise) and
// decodes a 2xx JSON reply into out.
func (f fetcher) doJSON(ctx context.Context, url string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.retryInitial
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := f.once(ctx, url, payload, out)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(f.retries+1))
	return err
}

func (f fetcher) once(ctx context.Context, url string, payload []byte, out interface{}) error {
	method := http.MethodGet
	var reader io.Reader
	if payload != nil {
		method = http.MethodPost
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrBadResponse, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return &statusError{url: url, status: resp.StatusCode, body: string(data)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}
