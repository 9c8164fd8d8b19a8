package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every public and organizer endpoint.
func NewRouter(h *Handler, auth *Authenticator, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, NewStructuredLogger(logger))

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.Health).Methods("GET")

	protected := func(fn http.HandlerFunc) http.Handler { return auth.Middleware(fn) }

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/webhooks/paystack", h.PaystackWebhook).Methods("POST")
	apiV1.HandleFunc("/webhooks/hubtel", h.HubtelWebhook).Methods("POST")
	apiV1.Handle("/webhooks/logs", protected(h.WebhookLogs)).Methods("GET")

	apiV1.HandleFunc("/payments/vote", h.InitiateVote).Methods("POST")
	apiV1.HandleFunc("/payments/tickets", h.InitiateTicket).Methods("POST")
	apiV1.Handle("/payments/vote/transactions", protected(h.VoteTransactions)).Methods("GET")

	apiV1.Handle("/payments/withdrawals", protected(h.ListWithdrawals)).Methods("GET")
	apiV1.Handle("/payments/withdrawals", protected(h.RequestWithdrawal)).Methods("POST")
	apiV1.Handle("/payments/withdrawals/verify-otp", protected(h.VerifyOTP)).Methods("POST")
	apiV1.Handle("/payments/withdrawals/resend-otp", protected(h.ResendOTP)).Methods("POST")

	return r
}
