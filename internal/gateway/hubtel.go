package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/punchamoorthee/securevote/internal/domain"
)

const DefaultHubtelBaseURL = "https://api.hubtel.com"

// Hubtel starts an online checkout. The payer completes it on the returned checkout URL
// and Hubtel reports the outcome to the callback URL keyed by our client reference.
type Hubtel struct {
	baseURL     string
	authBase64  string
	callbackURL string
	client      *http.Client
}

func NewHubtel(baseURL, authBase64, callbackURL string, client *http.Client) *Hubtel {
	if baseURL == "" {
		baseURL = DefaultHubtelBaseURL
	}
	if client == nil {
		client = NewHTTPClient(DefaultTimeout)
	}
	return &Hubtel{
		baseURL:     strings.TrimRight(baseURL, "/"),
		authBase64:  authBase64,
		callbackURL: callbackURL,
		client:      client,
	}
}

type hubtelCheckoutBody struct {
	Amount             string `json:"amount"`
	CustomerName       string `json:"customerName"`
	CustomerMsisdn     string `json:"customerMsisdn"`
	CustomerEmail      string `json:"customerEmail,omitempty"`
	Channel            string `json:"channel"`
	PrimaryCallbackURL string `json:"primaryCallbackUrl"`
	Description        string `json:"description"`
	ClientReference    string `json:"clientReference"`
}

type hubtelCheckoutResponse struct {
	ResponseCode string `json:"responseCode"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	Data         struct {
		CheckoutURL     string `json:"checkoutUrl"`
		CheckoutID      string `json:"checkoutId"`
		ClientReference string `json:"clientReference"`
	} `json:"data"`
}

const hubtelSuccessCode = "0000"

func (h *Hubtel) Charge(ctx context.Context, req ChargeRequest) (*ChargeHandle, error) {
	body, err := json.Marshal(hubtelCheckoutBody{
		Amount:             req.Amount.StringFixed(2),
		CustomerName:       req.CustomerName,
		CustomerMsisdn:     req.PhoneNumber,
		CustomerEmail:      req.Email,
		Channel:            string(domain.MethodMobileMoney),
		PrimaryCallbackURL: h.callbackURL,
		Description:        req.Description,
		ClientReference:    req.Reference,
	})
	if err != nil {
		return nil, fmt.Errorf("encode hubtel checkout: %w", err)
	}

	url := h.baseURL + "/payment/v1/merchantaccount/onlinecheckout/initiate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build hubtel request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Basic "+h.authBase64)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, transportError(domain.GatewayHubtel, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, transportError(domain.GatewayHubtel, err)
	}

	var out hubtelCheckoutResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Message
		if decodeErr != nil || msg == "" {
			msg = string(raw)
		}
		return nil, statusError(domain.GatewayHubtel, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return nil, &Error{Gateway: domain.GatewayHubtel, Category: ErrUnknown, StatusCode: resp.StatusCode, Message: decodeErr.Error()}
	}
	if out.ResponseCode != hubtelSuccessCode {
		return nil, &Error{Gateway: domain.GatewayHubtel, Category: ErrValidation, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("response code %s: %s", out.ResponseCode, out.Message)}
	}

	return &ChargeHandle{
		Reference:   req.Reference,
		ExternalID:  out.Data.CheckoutID,
		Status:      out.Status,
		CheckoutURL: out.Data.CheckoutURL,
	}, nil
}
