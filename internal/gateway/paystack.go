package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/punchamoorthee/securevote/internal/domain"
)

const DefaultPaystackBaseURL = "https://api.paystack.co"

// Paystack mobile-money provider codes for Ghana.
var paystackProviders = map[domain.Provider]string{
	domain.ProviderMTN:     "mtn",
	domain.ProviderAirtel:  "atl",
	domain.ProviderTelecel: "vod",
}

// Paystack charges mobile-money wallets through the Paystack charge API.
type Paystack struct {
	baseURL     string
	secretKey   string
	emailDomain string
	client      *http.Client
}

func NewPaystack(baseURL, secretKey, emailDomain string, client *http.Client) *Paystack {
	if baseURL == "" {
		baseURL = DefaultPaystackBaseURL
	}
	if client == nil {
		client = NewHTTPClient(DefaultTimeout)
	}
	return &Paystack{
		baseURL:     strings.TrimRight(baseURL, "/"),
		secretKey:   secretKey,
		emailDomain: emailDomain,
		client:      client,
	}
}

type paystackMobileMoney struct {
	Phone    string `json:"phone"`
	Provider string `json:"provider"`
}

type paystackChargeBody struct {
	Email       string              `json:"email"`
	Amount      string              `json:"amount"`
	Currency    string              `json:"currency"`
	Reference   string              `json:"reference"`
	Metadata    json.RawMessage     `json:"metadata,omitempty"`
	MobileMoney paystackMobileMoney `json:"mobile_money"`
}

type paystackChargeResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID        json.Number `json:"id"`
		Reference string      `json:"reference"`
		Status    string      `json:"status"`
	} `json:"data"`
}

func (p *Paystack) Charge(ctx context.Context, req ChargeRequest) (*ChargeHandle, error) {
	provider, ok := paystackProviders[req.Provider]
	if !ok {
		return nil, &Error{Gateway: domain.GatewayPaystack, Category: ErrValidation, Message: fmt.Sprintf("unsupported provider %q", req.Provider)}
	}

	email := req.Email
	if email == "" {
		email = req.PhoneNumber + "@" + p.emailDomain
	}

	body, err := json.Marshal(paystackChargeBody{
		Email:       email,
		Amount:      strconv.FormatInt(domain.ToMinorUnits(req.Amount), 10),
		Currency:    req.Currency,
		Reference:   req.Reference,
		Metadata:    req.Metadata,
		MobileMoney: paystackMobileMoney{Phone: req.PhoneNumber, Provider: provider},
	})
	if err != nil {
		return nil, fmt.Errorf("encode paystack charge: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/charge", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build paystack request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError(domain.GatewayPaystack, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, transportError(domain.GatewayPaystack, err)
	}

	var out paystackChargeResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Message
		if decodeErr != nil || msg == "" {
			msg = string(raw)
		}
		return nil, statusError(domain.GatewayPaystack, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return nil, &Error{Gateway: domain.GatewayPaystack, Category: ErrUnknown, StatusCode: resp.StatusCode, Message: decodeErr.Error()}
	}
	if !out.Status {
		return nil, &Error{Gateway: domain.GatewayPaystack, Category: ErrValidation, StatusCode: resp.StatusCode, Message: out.Message}
	}

	handle := &ChargeHandle{
		Reference:  out.Data.Reference,
		ExternalID: out.Data.ID.String(),
		Status:     out.Data.Status,
	}
	if handle.Reference == "" {
		handle.Reference = req.Reference
	}
	return handle, nil
}
