package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/shopspring/decimal"
)

var ErrMalformed = errors.New("malformed webhook payload")

// Paystack events the payments core acts on.
const (
	PaystackChargeSuccess = "charge.success"
	PaystackChargeFailed  = "charge.failed"
)

// IsPaystackSettlement reports whether event settles a charge we initiated.
func IsPaystackSettlement(event string) bool {
	return event == PaystackChargeSuccess || event == PaystackChargeFailed
}

// PaystackEvent is the subset of a Paystack event envelope the engine reads.
type PaystackEvent struct {
	Event string       `json:"event"`
	Data  PaystackData `json:"data"`
}

type PaystackData struct {
	ID        json.Number     `json:"id"`
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    *int64          `json:"amount"`
	Currency  string          `json:"currency"`
	Metadata  json.RawMessage `json:"metadata"`
}

// DecodePaystack parses and validates a Paystack event. Settlement events (charge.success and
// charge.failed) must carry an id, a status, an amount and our product metadata; other events,
// disputes included, only need a name.
func DecodePaystack(body []byte) (*PaystackEvent, domain.Product, error) {
	var ev PaystackEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, domain.Product{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Event == "" {
		return nil, domain.Product{}, fmt.Errorf("%w: event is required", ErrMalformed)
	}
	if !IsPaystackSettlement(ev.Event) {
		return &ev, domain.Product{}, nil
	}

	var missing []string
	if ev.Data.ID == "" {
		missing = append(missing, "data.id")
	}
	if ev.Data.Status == "" {
		missing = append(missing, "data.status")
	}
	if ev.Data.Amount == nil {
		missing = append(missing, "data.amount")
	}
	if len(ev.Data.Metadata) == 0 || string(ev.Data.Metadata) == "null" {
		missing = append(missing, "data.metadata")
	}
	if len(missing) > 0 {
		return nil, domain.Product{}, fmt.Errorf("%w: missing %s", ErrMalformed, strings.Join(missing, ", "))
	}
	if *ev.Data.Amount < 0 {
		return nil, domain.Product{}, fmt.Errorf("%w: negative amount", ErrMalformed)
	}

	product, err := domain.DecodeMetadata(ev.Data.Metadata)
	if err != nil {
		return nil, domain.Product{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &ev, product, nil
}

// Settled returns the reported amount in major units.
func (d PaystackData) Settled() decimal.Decimal {
	if d.Amount == nil {
		return decimal.Zero
	}
	return domain.FromMinorUnits(*d.Amount)
}

// HubtelCallback is the online checkout callback Hubtel posts to the primary callback URL.
type HubtelCallback struct {
	ResponseCode string     `json:"ResponseCode"`
	Status       string     `json:"Status"`
	Data         HubtelData `json:"Data"`
}

type HubtelData struct {
	CheckoutID          string           `json:"CheckoutId"`
	SalesInvoiceID      string           `json:"SalesInvoiceId"`
	ClientReference     string           `json:"ClientReference"`
	Status              string           `json:"Status"`
	Amount              *decimal.Decimal `json:"Amount"`
	CustomerPhoneNumber string           `json:"CustomerPhoneNumber"`
	Description         string           `json:"Description"`
}

// Hubtel statuses.
const (
	HubtelSuccess = "Success"
	HubtelPaid    = "Paid"
)

// DecodeHubtel parses and validates a Hubtel checkout callback.
func DecodeHubtel(body []byte) (*HubtelCallback, error) {
	var cb HubtelCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var missing []string
	if cb.Status == "" {
		missing = append(missing, "Status")
	}
	if cb.Data.ClientReference == "" {
		missing = append(missing, "Data.ClientReference")
	}
	if cb.Data.Amount == nil {
		missing = append(missing, "Data.Amount")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, strings.Join(missing, ", "))
	}
	if cb.Data.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount", ErrMalformed)
	}
	return &cb, nil
}

// Succeeded reports whether Hubtel considers the checkout paid.
func (cb HubtelCallback) Succeeded() bool {
	if cb.ResponseCode != "" && cb.ResponseCode != "0000" {
		return false
	}
	status := cb.Data.Status
	if status == "" {
		status = cb.Status
	}
	return strings.EqualFold(status, HubtelSuccess) || strings.EqualFold(status, HubtelPaid)
}

// Failed reports whether Hubtel reports a terminal failure. Statuses that are neither
// paid nor failed leave the payment pending.
func (cb HubtelCallback) Failed() bool {
	if cb.Succeeded() {
		return false
	}
	if cb.ResponseCode != "" && cb.ResponseCode != "0000" {
		return true
	}
	status := cb.Data.Status
	if status == "" {
		status = cb.Status
	}
	for _, s := range []string{"Failed", "Cancelled", "Expired", "Unpaid"} {
		if strings.EqualFold(status, s) {
			return true
		}
	}
	return false
}
