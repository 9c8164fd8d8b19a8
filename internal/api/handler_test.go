package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/punchamoorthee/securevote/internal/gateway"
	"github.com/punchamoorthee/securevote/internal/gateway/mocks"
	nmocks "github.com/punchamoorthee/securevote/internal/notify/mocks"
	"github.com/punchamoorthee/securevote/internal/otp"
	"github.com/punchamoorthee/securevote/internal/reconcile"
	"github.com/punchamoorthee/securevote/internal/service"
	"github.com/punchamoorthee/securevote/internal/store"
	"github.com/punchamoorthee/securevote/internal/webhook"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const paystackSecret = "sk_test_api"

type testServer struct {
	router    *mux.Router
	mem       *store.Memory
	paystack  *mocks.Charger
	notifier  *nmocks.Notifier
	auth      *Authenticator
	organizer domain.User
	candidate domain.Candidate
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := store.NewMemory()

	ts := &testServer{
		mem:       mem,
		paystack:  mocks.NewCharger(t),
		notifier:  nmocks.NewNotifier(t),
		auth:      NewAuthenticator("jwt-secret"),
		organizer: domain.User{ID: uuid.New(), Phone: "233240000009", Balance: decimal.NewFromInt(150)},
	}
	event := domain.Event{ID: uuid.New(), OrganizerID: ts.organizer.ID, Name: "Awards", AmountPerVote: decimal.RequireFromString("5.00"), IsActive: true}
	ts.candidate = domain.Candidate{ID: uuid.New(), EventID: event.ID, Name: "Ama"}
	mem.PutUser(ts.organizer)
	mem.PutEvent(event)
	mem.PutCandidate(ts.candidate)

	allow, err := webhook.NewIPAllowList([]string{"52.50.116.54"}, []string{"127.0.0.1"})
	require.NoError(t, err)
	engine := reconcile.NewEngine(mem, reconcile.Config{
		Paystack:          webhook.NewPaystackVerifier(paystackSecret),
		Hubtel:            allow,
		BlockUnderpayment: true,
	}, logger)
	payments := service.NewPaymentService(mem, ts.paystack, mocks.NewCharger(t), time.Second, logger)
	withdrawals := service.NewWithdrawalService(mem, otp.NewIssuer(bcrypt.MinCost), ts.notifier, time.Minute, logger)

	ts.router = NewRouter(NewHandler(engine, payments, withdrawals, logger), ts.auth, logger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, header http.Header) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)

	var env envelope
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	}
	return rr, env
}

func (ts *testServer) bearer(t *testing.T) http.Header {
	token, err := ts.auth.Issue(ts.organizer.ID, time.Hour)
	require.NoError(t, err)
	return http.Header{"Authorization": {"Bearer " + token}}
}

func (ts *testServer) initiateVote(t *testing.T) domain.PaymentInitiation {
	t.Helper()
	ts.paystack.On("Charge", mock.Anything, mock.Anything).
		Return(&gateway.ChargeHandle{ExternalID: "5001", Status: "send_otp"}, nil).Once()

	body := fmt.Sprintf(`{"candidate":%q,"vote_count":3,"phone_number":"0240000000","channel":"momo","provider":"mtn"}`, ts.candidate.ID)
	rr, env := ts.do(t, "POST", "/api/v1/payments/vote", []byte(body), nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.True(t, env.Status)

	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var resp domain.PaymentInitiation
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rr, env := ts.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, env.Status)
	assert.NotEmpty(t, rr.Header().Get("Content-Type"))
}

func TestVoteToWebhookFlow(t *testing.T) {
	ts := newTestServer(t)
	init := ts.initiateVote(t)
	assert.True(t, init.Amount.Equal(decimal.RequireFromString("15.00")))

	meta, err := init.Product.EncodeMetadata()
	require.NoError(t, err)
	payload := []byte(fmt.Sprintf(`{"event":"charge.success","data":{"id":5001,"reference":%q,"status":"success","amount":1500,"currency":"GHS","metadata":%s}}`, init.Reference, meta))
	signer := webhook.NewPaystackVerifier(paystackSecret)

	t.Run("BadSignature", func(t *testing.T) {
		rr, env := ts.do(t, "POST", "/api/v1/webhooks/paystack", payload, http.Header{"X-Paystack-Signature": {"00ff"}})
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.False(t, env.Status)
	})

	t.Run("Applied", func(t *testing.T) {
		rr, env := ts.do(t, "POST", "/api/v1/webhooks/paystack", payload, http.Header{"X-Paystack-Signature": {signer.Sign(payload)}})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, string(reconcile.OutcomeApplied), env.Data.(map[string]any)["outcome"])
	})

	t.Run("Redelivery", func(t *testing.T) {
		rr, env := ts.do(t, "POST", "/api/v1/webhooks/paystack", payload, http.Header{"X-Paystack-Signature": {signer.Sign(payload)}})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, string(reconcile.OutcomeDuplicate), env.Data.(map[string]any)["outcome"])
	})

	cand, err := ts.mem.GetCandidate(context.Background(), ts.candidate.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, cand.VoteCount)

	t.Run("Logs", func(t *testing.T) {
		path := fmt.Sprintf("/api/v1/webhooks/logs?instance_id=%s&product=vote", init.Product.InstanceID)
		rr, env := ts.do(t, "GET", path, nil, ts.bearer(t))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, env.Data, 2)
	})

	t.Run("LogsOfAnotherOrganizer", func(t *testing.T) {
		stranger := domain.User{ID: uuid.New(), Phone: "233240000010"}
		ts.mem.PutUser(stranger)
		token, err := ts.auth.Issue(stranger.ID, time.Hour)
		require.NoError(t, err)

		path := fmt.Sprintf("/api/v1/webhooks/logs?instance_id=%s&product=vote", init.Product.InstanceID)
		rr, env := ts.do(t, "GET", path, nil, http.Header{"Authorization": {"Bearer " + token}})
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Nil(t, env.Data)
	})

	t.Run("History", func(t *testing.T) {
		rr, env := ts.do(t, "GET", "/api/v1/payments/vote/transactions", nil, ts.bearer(t))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, env.Data, 1)
	})
}

func TestWebhook_Malformed(t *testing.T) {
	ts := newTestServer(t)
	payload := []byte(`{"event":"charge.success","data":{"id":1}}`)
	sig := webhook.NewPaystackVerifier(paystackSecret).Sign(payload)

	rr, _ := ts.do(t, "POST", "/api/v1/webhooks/paystack", payload, http.Header{"X-Paystack-Signature": {sig}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhook_HubtelBehindProxy(t *testing.T) {
	ts := newTestServer(t)
	payload := []byte(`{"ResponseCode":"0000","Status":"Success","Data":{"ClientReference":"unknown-ref","Status":"Success","Amount":10}}`)

	t.Run("AllowedClient", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/webhooks/hubtel", bytes.NewReader(payload))
		req.RemoteAddr = "127.0.0.1:41000"
		req.Header.Set("X-Forwarded-For", "52.50.116.54")
		rr := httptest.NewRecorder()
		ts.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("DisallowedClient", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/webhooks/hubtel", bytes.NewReader(payload))
		req.RemoteAddr = "198.51.100.7:41000"
		rr := httptest.NewRecorder()
		ts.router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestInitiateVote_Errors(t *testing.T) {
	ts := newTestServer(t)

	t.Run("InvalidJSON", func(t *testing.T) {
		rr, _ := ts.do(t, "POST", "/api/v1/payments/vote", []byte(`{`), nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Validation", func(t *testing.T) {
		body := fmt.Sprintf(`{"candidate":%q,"vote_count":0,"phone_number":"024","provider":"mtn"}`, ts.candidate.ID)
		rr, _ := ts.do(t, "POST", "/api/v1/payments/vote", []byte(body), nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("UnknownCandidate", func(t *testing.T) {
		body := fmt.Sprintf(`{"candidate":%q,"vote_count":1,"phone_number":"024","provider":"mtn"}`, uuid.New())
		rr, _ := ts.do(t, "POST", "/api/v1/payments/vote", []byte(body), nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("GatewayDown", func(t *testing.T) {
		ts.paystack.On("Charge", mock.Anything, mock.Anything).
			Return(nil, &gateway.Error{Gateway: domain.GatewayPaystack, Category: gateway.ErrTimeout, Message: "deadline"}).Once()
		body := fmt.Sprintf(`{"candidate":%q,"vote_count":1,"phone_number":"024","provider":"mtn"}`, ts.candidate.ID)
		rr, env := ts.do(t, "POST", "/api/v1/payments/vote", []byte(body), nil)
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.NotContains(t, env.Message, "deadline")
	})
}

func TestInitiateVote_IdempotentReplay(t *testing.T) {
	ts := newTestServer(t)
	ts.paystack.On("Charge", mock.Anything, mock.Anything).
		Return(&gateway.ChargeHandle{ExternalID: "6001"}, nil).Once()

	body := []byte(fmt.Sprintf(`{"candidate":%q,"vote_count":2,"phone_number":"0240000000","provider":"mtn"}`, ts.candidate.ID))
	key := http.Header{"Idempotency-Key": {"idem-1"}}

	first, _ := ts.do(t, "POST", "/api/v1/payments/vote", body, key)
	require.Equal(t, http.StatusCreated, first.Code)

	second, _ := ts.do(t, "POST", "/api/v1/payments/vote", body, key)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	other := []byte(fmt.Sprintf(`{"candidate":%q,"vote_count":9,"phone_number":"0240000000","provider":"mtn"}`, ts.candidate.ID))
	mismatch, _ := ts.do(t, "POST", "/api/v1/payments/vote", other, key)
	assert.Equal(t, http.StatusUnprocessableEntity, mismatch.Code)
}

func TestWithdrawalEndpoints(t *testing.T) {
	ts := newTestServer(t)
	auth := ts.bearer(t)

	var code string
	ts.notifier.On("Send", mock.Anything, []string{ts.organizer.Phone}, mock.Anything).
		Run(func(args mock.Arguments) {
			_, err := fmt.Sscanf(args.String(2), "Your SecureVote withdrawal code is %6s", &code)
			assert.NoError(t, err)
		}).Return(true)

	t.Run("Unauthenticated", func(t *testing.T) {
		rr, _ := ts.do(t, "GET", "/api/v1/payments/withdrawals", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		rr, _ := ts.do(t, "POST", "/api/v1/payments/withdrawals", []byte(`{"amount":"200","phone_number":"0240000000","provider":"mtn"}`), auth)
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})

	rr, env := ts.do(t, "POST", "/api/v1/payments/withdrawals", []byte(`{"amount":"100","phone_number":"0240000000","provider":"mtn"}`), auth)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	id := env.Data.(map[string]any)["id"].(string)
	require.Len(t, code, 6)

	bad, _ := ts.do(t, "POST", "/api/v1/payments/withdrawals/verify-otp", []byte(fmt.Sprintf(`{"id":%q,"code":"abc"}`, id)), auth)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	resend, _ := ts.do(t, "POST", "/api/v1/payments/withdrawals/resend-otp", []byte(fmt.Sprintf(`{"id":%q}`, id)), auth)
	require.Equal(t, http.StatusOK, resend.Code)

	ok, _ := ts.do(t, "POST", "/api/v1/payments/withdrawals/verify-otp", []byte(fmt.Sprintf(`{"id":%q,"code":%q}`, id, code)), auth)
	require.Equal(t, http.StatusOK, ok.Code, ok.Body.String())

	list, listEnv := ts.do(t, "GET", "/api/v1/payments/withdrawals", nil, auth)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Len(t, listEnv.Data, 1)

	user, err := ts.mem.GetUser(context.Background(), ts.organizer.ID)
	require.NoError(t, err)
	assert.True(t, user.Balance.Equal(decimal.NewFromInt(50)))
}

func TestAuthenticator_RejectsTampered(t *testing.T) {
	a := NewAuthenticator("one")
	token, err := NewAuthenticator("two").Issue(uuid.New(), time.Hour)
	require.NoError(t, err)

	_, err = a.parse("Bearer " + token)
	assert.Error(t, err)
	_, err = a.parse(token)
	assert.Error(t, err)

	expired, err := a.Issue(uuid.New(), -time.Minute)
	require.NoError(t, err)
	_, err = a.parse("Bearer " + expired)
	assert.Error(t, err)
}
