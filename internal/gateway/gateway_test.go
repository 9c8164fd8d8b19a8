package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func voteCharge() ChargeRequest {
	return ChargeRequest{
		Amount:      decimal.RequireFromString("15.00"),
		Currency:    "GHS",
		PhoneNumber: "0240000000",
		Provider:    domain.ProviderTelecel,
		Reference:   "ref-123",
		Description: "3 votes",
		Metadata:    json.RawMessage(`{"p":0,"id":"abc"}`),
	}
}

func TestPaystack_Charge(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var got map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/charge", r.URL.Path)
			assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
			body, _ := io.ReadAll(r.Body)
			assert.NoError(t, json.Unmarshal(body, &got))

			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":true,"message":"Charge attempted","data":{"id":302961,"reference":"ref-123","status":"pay_offline"}}`))
		}))
		defer srv.Close()

		p := NewPaystack(srv.URL, "sk_test", "voters.example.com", srv.Client())
		handle, err := p.Charge(context.Background(), voteCharge())
		require.NoError(t, err)

		assert.Equal(t, "302961", handle.ExternalID)
		assert.Equal(t, "ref-123", handle.Reference)
		assert.Equal(t, "pay_offline", handle.Status)

		assert.Equal(t, "1500", got["amount"])
		assert.Equal(t, "0240000000@voters.example.com", got["email"])
		assert.Equal(t, map[string]any{"phone": "0240000000", "provider": "vod"}, got["mobile_money"])
		assert.Equal(t, map[string]any{"p": float64(0), "id": "abc"}, got["metadata"])
	})

	t.Run("Categorized failures", func(t *testing.T) {
		cases := []struct {
			name   string
			status int
			body   string
			want   error
		}{
			{"Unauthorized", http.StatusUnauthorized, `{"status":false,"message":"Invalid key"}`, ErrInvalidCredentials},
			{"Bad request", http.StatusBadRequest, `{"status":false,"message":"Invalid phone"}`, ErrValidation},
			{"Server error", http.StatusInternalServerError, `oops`, ErrUnknown},
			{"Declined in body", http.StatusOK, `{"status":false,"message":"Declined"}`, ErrValidation},
			{"Garbage body", http.StatusOK, `<html>`, ErrUnknown},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(tc.status)
					w.Write([]byte(tc.body))
				}))
				defer srv.Close()

				_, err := NewPaystack(srv.URL, "sk", "x", srv.Client()).Charge(context.Background(), voteCharge())
				assert.ErrorIs(t, err, tc.want)

				var gwErr *Error
				require.ErrorAs(t, err, &gwErr)
				assert.Equal(t, domain.GatewayPaystack, gwErr.Gateway)
			})
		}
	})

	t.Run("Unsupported provider", func(t *testing.T) {
		req := voteCharge()
		req.Provider = "orange"
		_, err := NewPaystack("http://unused", "sk", "x", nil).Charge(context.Background(), req)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		_, err := NewPaystack(srv.URL, "sk", "x", NewHTTPClient(50*time.Millisecond)).Charge(context.Background(), voteCharge())
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("Connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		_, err := NewPaystack(url, "sk", "x", nil).Charge(context.Background(), voteCharge())
		assert.ErrorIs(t, err, ErrConnection)
	})
}

func TestHubtel_Charge(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		var got hubtelCheckoutBody
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/payment/v1/merchantaccount/onlinecheckout/initiate", r.URL.Path)
			assert.Equal(t, "Basic Y3JlZHM=", r.Header.Get("Authorization"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Write([]byte(`{"responseCode":"0000","status":"Success","data":{"checkoutUrl":"https://pay.hubtel.com/abc","checkoutId":"chk-1","clientReference":"ref-123"}}`))
		}))
		defer srv.Close()

		h := NewHubtel(srv.URL, "Y3JlZHM=", "https://votes.example.com/api/v1/webhooks/hubtel", srv.Client())
		req := voteCharge()
		req.CustomerName = "Kofi"
		handle, err := h.Charge(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, "chk-1", handle.ExternalID)
		assert.Equal(t, "https://pay.hubtel.com/abc", handle.CheckoutURL)
		assert.Equal(t, "15.00", got.Amount)
		assert.Equal(t, "ref-123", got.ClientReference)
		assert.Equal(t, "Kofi", got.CustomerName)
		assert.Equal(t, "https://votes.example.com/api/v1/webhooks/hubtel", got.PrimaryCallbackURL)
	})

	t.Run("Non-success response code", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"responseCode":"2001","status":"Error","message":"Invalid amount"}`))
		}))
		defer srv.Close()

		_, err := NewHubtel(srv.URL, "x", "cb", srv.Client()).Charge(context.Background(), voteCharge())
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("Forbidden", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		_, err := NewHubtel(srv.URL, "x", "cb", srv.Client()).Charge(context.Background(), voteCharge())
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}
