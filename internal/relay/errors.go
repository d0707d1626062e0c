// internal/relay/errors.go
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport возникает, когда запрос не дошёл до релея
	ErrTransport = errors.New("relay transport failure")

	// ErrHTTPStatus возникает при ответе с кодом, отличным от 2xx
	ErrHTTPStatus = errors.New("relay returned non-success status")

	// ErrRPC возникает, когда релей вернул JSON-RPC ошибку
	ErrRPC = errors.New("relay returned rpc error")

	// ErrInvalidResponse возникает при получении некорректного ответа
	ErrInvalidResponse = errors.New("invalid relay response")

	// ErrPublishRejected возникает, когда релей принял запрос, но отклонил интент
	ErrPublishRejected = errors.New("relay rejected intent")
)

// Error представляет ошибку вызова релея с дополнительным контекстом
type Error struct {
	Err        error
	Endpoint   string
	Method     string
	StatusCode int
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("relay error [%s] at %s (status %d): %v", e.Method, e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("relay error [%s] at %s: %v", e.Method, e.Endpoint, e.Err)
}

// Unwrap возвращает оригинальную ошибку
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError создает новую ошибку релея
func NewError(err error, endpoint, method string, status int) error {
	return &Error{
		Err:        err,
		Endpoint:   endpoint,
		Method:     method,
		StatusCode: status,
	}
}

// RPCError is the JSON-RPC error object returned by the relay.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%v: code %d: %s", ErrRPC, e.Code, e.Message)
}

func (e *RPCError) Unwrap() error {
	return ErrRPC
}

// IsRetryable reports whether a failed call may succeed if repeated:
// transport failures, throttling and server-side errors.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTransport) {
		return true
	}
	var relayErr *Error
	if errors.As(err, &relayErr) && relayErr.StatusCode != 0 {
		return relayErr.StatusCode == http.StatusTooManyRequests || relayErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}
