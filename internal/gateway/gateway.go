package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultTimeout bounds every outbound gateway call. Calls are never retried.
const DefaultTimeout = 10 * time.Second

// Error categories surfaced by every Charger.
var (
	ErrInvalidCredentials = errors.New("gateway rejected credentials")
	ErrValidation         = errors.New("gateway rejected request")
	ErrTimeout            = errors.New("gateway timed out")
	ErrConnection         = errors.New("gateway unreachable")
	ErrUnknown            = errors.New("gateway error")
)

// Error carries the provider's status and message behind one of the categories above.
type Error struct {
	Gateway    domain.Gateway
	Category   error
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (status %d): %s", e.Gateway, e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %v: %s", e.Gateway, e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Category
}

// ChargeRequest is what every gateway needs to start collecting a payment.
type ChargeRequest struct {
	Amount       decimal.Decimal
	Currency     string
	PhoneNumber  string
	Provider     domain.Provider
	Reference    string
	Description  string
	Email        string
	CustomerName string
	// Metadata is echoed back by the gateway on the webhook.
	Metadata json.RawMessage
}

// ChargeHandle is the gateway's acknowledgment of a charge.
type ChargeHandle struct {
	Reference   string
	ExternalID  string
	Status      string
	CheckoutURL string
}

//go:generate mockery --name Charger --output ./mocks --outpkg mocks

// Charger starts a payment with a third-party gateway.
type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeHandle, error)
}

// NewHTTPClient returns the client used by the gateway adapters.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func transportError(gw domain.Gateway, err error) error {
	category := ErrConnection
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		category = ErrTimeout
	}
	return &Error{Gateway: gw, Category: category, Message: err.Error()}
}

func statusError(gw domain.Gateway, code int, message string) error {
	category := ErrUnknown
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		category = ErrInvalidCredentials
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusNotFound:
		category = ErrValidation
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		category = ErrTimeout
	}
	return &Error{Gateway: gw, Category: category, StatusCode: code, Message: message}
}
