package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

//go:generate mockery --name Notifier --output ./mocks --outpkg mocks

// Notifier delivers a short message to the given recipients and reports success.
type Notifier interface {
	Send(ctx context.Context, recipients []string, message string) bool
}

const DefaultArkeselURL = "https://sms.arkesel.com/api/v2/sms/send"

// Arkesel sends SMS through the Arkesel v2 API.
type Arkesel struct {
	url     string
	apiKey  string
	sender  string
	sandbox bool
	client  *http.Client
	logger  *slog.Logger
}

func NewArkesel(url, apiKey, sender string, sandbox bool, logger *slog.Logger) *Arkesel {
	if url == "" {
		url = DefaultArkeselURL
	}
	return &Arkesel{
		url:     url,
		apiKey:  apiKey,
		sender:  sender,
		sandbox: sandbox,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

type arkeselBody struct {
	Sender     string   `json:"sender"`
	Message    string   `json:"message"`
	Recipients []string `json:"recipients"`
	Sandbox    bool     `json:"sandbox"`
}

type arkeselResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (a *Arkesel) Send(ctx context.Context, recipients []string, message string) bool {
	body, err := json.Marshal(arkeselBody{Sender: a.sender, Message: message, Recipients: recipients, Sandbox: a.sandbox})
	if err != nil {
		a.logger.Error("encode sms", "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		a.logger.Error("build sms request", "error", err)
		return false
	}
	req.Header.Set("api-key", a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Error("send sms", "error", err)
		return false
	}
	defer resp.Body.Close()

	var out arkeselResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		a.logger.Error("decode sms response", "status", resp.StatusCode, "error", err)
		return false
	}
	if resp.StatusCode >= 300 || out.Status != "success" {
		a.logger.Warn("sms rejected", "status", resp.StatusCode, "message", out.Message)
		return false
	}
	return true
}

// Log writes messages to the logger instead of delivering them. Used in development.
// Log writes notifications to the logger with every run of digits masked.
type Log struct {
	Logger *slog.Logger
}

var digits = regexp.MustCompile(`[0-9]+`)

func (l Log) Send(_ context.Context, recipients []string, message string) bool {
	masked := digits.ReplaceAllStringFunc(message, func(d string) string { return strings.Repeat("*", len(d)) })
	l.Logger.Info("notification", "recipients", recipients, "message", masked)
	return true
}
