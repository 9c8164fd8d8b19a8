package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/punchamoorthee/securevote/internal/reconcile"
	"github.com/punchamoorthee/securevote/internal/service"
	"github.com/punchamoorthee/securevote/internal/store"
	"github.com/punchamoorthee/securevote/internal/webhook"
)

// maxBodyBytes caps request bodies, webhooks included.
const maxBodyBytes = 1 << 20

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "securevote_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "securevote_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"method", "endpoint"})
)

// envelope is the response shape of every endpoint.
type envelope struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type Handler struct {
	engine      *reconcile.Engine
	payments    *service.PaymentService
	withdrawals *service.WithdrawalService
	logger      *slog.Logger
}

func NewHandler(engine *reconcile.Engine, payments *service.PaymentService, withdrawals *service.WithdrawalService, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, payments: payments, withdrawals: withdrawals, logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, "ok", nil, r.Method, "/health")
}

func (h *Handler) PaystackWebhook(w http.ResponseWriter, r *http.Request) {
	h.handleWebhook(w, r, domain.GatewayPaystack)
}

func (h *Handler) HubtelWebhook(w http.ResponseWriter, r *http.Request) {
	h.handleWebhook(w, r, domain.GatewayHubtel)
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request, gw domain.Gateway) {
	endpoint := routeOf(r)
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Unreadable body", r.Method, endpoint)
		return
	}

	res, err := h.engine.HandleWebhook(r.Context(), gw, webhook.FromHTTP(r, body))
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, "Webhook processed", map[string]any{
			"outcome": res.Outcome,
			"log_id":  res.LogID,
		}, r.Method, endpoint)
	case errors.Is(err, reconcile.ErrUnauthenticated):
		respondError(w, http.StatusForbidden, "Webhook authentication failed", r.Method, endpoint)
	case errors.Is(err, reconcile.ErrMalformedPayload):
		respondError(w, http.StatusBadRequest, "Malformed webhook payload", r.Method, endpoint)
	case errors.Is(err, reconcile.ErrUnknownGateway):
		respondError(w, http.StatusNotFound, "Unknown gateway", r.Method, endpoint)
	default:
		h.logger.Error("webhook failed", "gateway", gw, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error", r.Method, endpoint)
	}
}

func (h *Handler) InitiateVote(w http.ResponseWriter, r *http.Request) {
	endpoint := routeOf(r)
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	var req domain.VoteRequest
	body, ok := h.decode(w, r, &req, endpoint)
	if !ok {
		return
	}
	idemKey, reqHash := idempotency(r, body)

	resp, replay, err := h.payments.InitiateVote(r.Context(), req, idemKey, reqHash)
	h.respondInitiation(w, r, endpoint, resp, replay, err)
}

func (h *Handler) InitiateTicket(w http.ResponseWriter, r *http.Request) {
	endpoint := routeOf(r)
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()

	var req domain.TicketRequest
	body, ok := h.decode(w, r, &req, endpoint)
	if !ok {
		return
	}
	idemKey, reqHash := idempotency(r, body)

	resp, replay, err := h.payments.InitiateTicket(r.Context(), req, idemKey, reqHash)
	h.respondInitiation(w, r, endpoint, resp, replay, err)
}

func (h *Handler) respondInitiation(w http.ResponseWriter, r *http.Request, endpoint string, resp *domain.PaymentInitiation, replay *domain.IdempotencyRecord, err error) {
	if err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}
	if replay != nil {
		w.Header().Set("Idempotent-Replayed", "true")
		if replay.Status == domain.IdempotencyFailed {
			respondError(w, replay.ResponseStatus, "Payment gateway unavailable", r.Method, endpoint)
			return
		}
		respondJSON(w, replay.ResponseStatus, "Payment initiated", json.RawMessage(replay.ResponseBody), r.Method, endpoint)
		return
	}
	respondJSON(w, http.StatusCreated, "Payment initiated", resp, r.Method, endpoint)
}

func (h *Handler) VoteTransactions(w http.ResponseWriter, r *http.Request) {
	endpoint := routeOf(r)
	userID, _ := UserIDFromContext(r.Context())

	votes, err := h.payments.VoteHistory(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}
	respondJSON(w, http.StatusOK, "Vote transactions", nonNil(votes), r.Method, endpoint)
}

func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	endpoint := routeOf(r)
	userID, _ := UserIDFromContext(r.Context())

	list, err := h.withdrawals.ListVerified(r.Context(), userID)
	if err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}
	respondJSON(w, http.StatusOK, "Withdrawals", nonNil(list), r.Method, endpoint)
}

func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	endpoint := routeOf(r)
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()
	userID, _ := UserIDFromContext(r.Context())

	var req domain.WithdrawalRequest
	if _, ok := h.decode(w, r, &req, endpoint); !ok {
		return
	}
	wd, err := h.withdrawals.RequestWithdrawal(r.Context(), userID, req)
	if err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}
	respondJSON(w, http.StatusCreated, "OTP sent", wd, r.Method, endpoint)
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	endpoint := routeOf(r)
	timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint))
	defer timer.ObserveDuration()
	userID, _ := UserIDFromContext(r.Context())

	var req domain.OTPConfirmation
	if _, ok := h.decode(w, r, &req, endpoint); !ok {
		return
	}
	wd, err := h.withdrawals.ConfirmWithdrawal(r.Context(), userID, req)
	if err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}
	respondJSON(w, http.StatusOK, "Withdrawal verified", wd, r.Method, endpoint)
}

func (h *Handler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	endpoint := routeOf(r)
	userID, _ := UserIDFromContext(r.Context())

	var req struct {
		ID uuid.UUID `json:"id"`
	}
	if _, ok := h.decode(w, r, &req, endpoint); !ok {
		return
	}
	if err := h.withdrawals.ResendOTP(r.Context(), userID, req.ID); err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}
	respondJSON(w, http.StatusOK, "OTP resent", nil, r.Method, endpoint)
}

func (h *Handler) WebhookLogs(w http.ResponseWriter, r *http.Request) {
	endpoint := routeOf(r)
	q := r.URL.Query()

	product := domain.ProductKind(q.Get("product"))
	switch product {
	case "", domain.ProductVote, domain.ProductTicket, domain.ProductUnknown:
	default:
		respondError(w, http.StatusBadRequest, "product must be vote, ticket or unknown", r.Method, endpoint)
		return
	}
	instanceID := q.Get("instance_id")
	if instanceID == "" {
		respondError(w, http.StatusBadRequest, "instance_id is required", r.Method, endpoint)
		return
	}

	userID, _ := UserIDFromContext(r.Context())
	logs, err := h.engine.Logs(r.Context(), userID, instanceID, product)
	if err != nil {
		h.respondServiceError(w, r, endpoint, err)
		return
	}
	respondJSON(w, http.StatusOK, "Webhook logs", nonNil(logs), r.Method, endpoint)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, endpoint string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Unreadable body", r.Method, endpoint)
		return nil, false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON", r.Method, endpoint)
		return nil, false
	}
	return body, true
}

func idempotency(r *http.Request, body []byte) (string, string) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return "", ""
	}
	hash := sha256.Sum256(body)
	return key, hex.EncodeToString(hash[:])
}

func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error(), r.Method, endpoint)
	case errors.Is(err, service.ErrNotFound), errors.Is(err, reconcile.ErrUnknownInstance):
		respondError(w, http.StatusNotFound, err.Error(), r.Method, endpoint)
	case errors.Is(err, service.ErrUnavailable):
		respondError(w, http.StatusUnprocessableEntity, err.Error(), r.Method, endpoint)
	case errors.Is(err, store.ErrIdempotencyConflict):
		respondError(w, http.StatusConflict, "Request in progress", r.Method, endpoint)
	case errors.Is(err, store.ErrIdempotencyMismatch):
		respondError(w, http.StatusUnprocessableEntity, "Key reuse mismatch", r.Method, endpoint)
	case errors.Is(err, store.ErrInsufficientFunds):
		respondError(w, http.StatusUnprocessableEntity, "Insufficient funds", r.Method, endpoint)
	case errors.Is(err, service.ErrInvalidOrExpiredOTP):
		respondError(w, http.StatusBadRequest, "Invalid or expired OTP", r.Method, endpoint)
	case errors.Is(err, service.ErrGatewayUnavailable):
		respondError(w, http.StatusBadGateway, "Payment gateway unavailable", r.Method, endpoint)
	case errors.Is(err, service.ErrDeliveryFailed):
		respondError(w, http.StatusBadGateway, "Could not deliver OTP", r.Method, endpoint)
	default:
		h.logger.Error("request failed", "method", r.Method, "endpoint", endpoint, "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error", r.Method, endpoint)
	}
}

// Helpers
func routeOf(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func respondJSON(w http.ResponseWriter, code int, msg string, payload any, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{Status: code < 400, Message: msg, Data: payload})
}

func respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	respondJSON(w, code, msg, nil, method, endpoint)
}
