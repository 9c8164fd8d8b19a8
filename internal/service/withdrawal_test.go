package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/securevote/internal/domain"
	nmocks "github.com/punchamoorthee/securevote/internal/notify/mocks"
	"github.com/punchamoorthee/securevote/internal/otp"
	"github.com/punchamoorthee/securevote/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// sequenceIssuer hands out predictable codes and hashes them for real.
type sequenceIssuer struct {
	mu    sync.Mutex
	codes []string
	real  *otp.Issuer
}

func (s *sequenceIssuer) Issue() (string, string, error) {
	s.mu.Lock()
	code := s.codes[0]
	s.codes = s.codes[1:]
	s.mu.Unlock()
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.MinCost)
	return code, string(hash), err
}

func (s *sequenceIssuer) Verify(hash, code string) bool {
	return s.real.Verify(hash, code)
}

func newIssuer(codes ...string) *sequenceIssuer {
	return &sequenceIssuer{codes: codes, real: otp.NewIssuer(bcrypt.MinCost)}
}

func withdrawalRequest(amount string) domain.WithdrawalRequest {
	return domain.WithdrawalRequest{
		Amount:      decimal.RequireFromString(amount),
		PhoneNumber: "0240000000",
		Channel:     domain.MethodMobileMoney,
		Provider:    domain.ProviderMTN,
	}
}

func seedUser(mem *store.Memory, balance string) domain.User {
	u := domain.User{ID: uuid.New(), Email: "org@example.com", Phone: "233240000001", Balance: decimal.RequireFromString(balance)}
	mem.PutUser(u)
	return u
}

func TestRequestWithdrawal_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	user := seedUser(mem, "150.00")
	issuer := newIssuer("111111")
	svc := NewWithdrawalService(mem, issuer, nmocks.NewNotifier(t), time.Minute, discardLogger())

	_, err := svc.RequestWithdrawal(ctx, user.ID, withdrawalRequest("200.00"))
	require.ErrorIs(t, err, store.ErrInsufficientFunds)
	assert.Len(t, issuer.codes, 1, "no code is issued for an uncovered request")

	got, err := mem.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("150.00")))
	assert.True(t, got.Held.IsZero())

	expired, err := mem.ListExpiredWithdrawals(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestRequestWithdrawal_Validation(t *testing.T) {
	mem := store.NewMemory()
	user := seedUser(mem, "150.00")
	svc := NewWithdrawalService(mem, newIssuer(), nmocks.NewNotifier(t), time.Minute, discardLogger())

	for name, req := range map[string]domain.WithdrawalRequest{
		"Zero":      withdrawalRequest("0"),
		"Negative":  withdrawalRequest("-5"),
		"Precision": withdrawalRequest("10.001"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.RequestWithdrawal(context.Background(), user.ID, req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestWithdrawal_RequestAndConfirm(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	user := seedUser(mem, "150.00")
	notifier := nmocks.NewNotifier(t)
	svc := NewWithdrawalService(mem, newIssuer("123456"), notifier, time.Minute, discardLogger())

	notifier.On("Send", mock.Anything, []string{"233240000001"}, mock.MatchedBy(func(msg string) bool {
		return assert.Contains(t, msg, "123456")
	})).Return(true).Once()

	w, err := svc.RequestWithdrawal(ctx, user.ID, withdrawalRequest("100.00"))
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalOTPIssued, w.Status)

	held, err := mem.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, held.Balance.Equal(decimal.RequireFromString("150.00")))
	assert.True(t, held.Available().Equal(decimal.RequireFromString("50.00")))

	// a second request cannot spend the held funds
	_, err = svc.RequestWithdrawal(ctx, user.ID, withdrawalRequest("60.00"))
	require.ErrorIs(t, err, store.ErrInsufficientFunds)

	t.Run("WrongCode", func(t *testing.T) {
		_, err := svc.ConfirmWithdrawal(ctx, user.ID, domain.OTPConfirmation{WithdrawalID: w.ID, Code: "000000"})
		assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP)
	})

	t.Run("WrongOwner", func(t *testing.T) {
		_, err := svc.ConfirmWithdrawal(ctx, uuid.New(), domain.OTPConfirmation{WithdrawalID: w.ID, Code: "123456"})
		assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP)
	})

	t.Run("UnknownWithdrawal", func(t *testing.T) {
		_, err := svc.ConfirmWithdrawal(ctx, user.ID, domain.OTPConfirmation{WithdrawalID: uuid.New(), Code: "123456"})
		assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP)
	})

	confirmed, err := svc.ConfirmWithdrawal(ctx, user.ID, domain.OTPConfirmation{WithdrawalID: w.ID, Code: "123456"})
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalVerified, confirmed.Status)
	assert.True(t, confirmed.IsVerified)

	after, err := mem.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(decimal.RequireFromString("50.00")))
	assert.True(t, after.Held.IsZero())

	tx, err := mem.GetTransaction(ctx, w.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, tx.Status)
	assert.Equal(t, domain.TypeWithdrawal, tx.Type)

	// the code is single use
	_, err = svc.ConfirmWithdrawal(ctx, user.ID, domain.OTPConfirmation{WithdrawalID: w.ID, Code: "123456"})
	assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP)

	verified, err := svc.ListVerified(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, verified, 1)
	assert.Equal(t, w.ID, verified[0].ID)
}

func TestConfirmWithdrawal_Expired(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	user := seedUser(mem, "150.00")
	notifier := nmocks.NewNotifier(t)
	notifier.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(false)
	svc := NewWithdrawalService(mem, newIssuer("123456"), notifier, time.Minute, discardLogger())

	w, err := svc.RequestWithdrawal(ctx, user.ID, withdrawalRequest("100.00"))
	require.NoError(t, err, "delivery failure does not fail the request")

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = svc.ConfirmWithdrawal(ctx, user.ID, domain.OTPConfirmation{WithdrawalID: w.ID, Code: "123456"})
	require.ErrorIs(t, err, ErrInvalidOrExpiredOTP)

	got, err := mem.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("150.00")))
}

func TestConfirmWithdrawal_ConcurrentSingleDebit(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	user := seedUser(mem, "150.00")
	notifier := nmocks.NewNotifier(t)
	notifier.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(true)
	svc := NewWithdrawalService(mem, newIssuer("654321"), notifier, time.Minute, discardLogger())

	w, err := svc.RequestWithdrawal(ctx, user.ID, withdrawalRequest("100.00"))
	require.NoError(t, err)

	const n = 10
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ConfirmWithdrawal(ctx, user.ID, domain.OTPConfirmation{WithdrawalID: w.ID, Code: "654321"})
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP)
		}
	}
	assert.Equal(t, 1, ok)

	got, err := mem.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.RequireFromString("50.00")))
}

func TestResendOTP(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	user := seedUser(mem, "150.00")
	notifier := nmocks.NewNotifier(t)
	notifier.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(true)
	svc := NewWithdrawalService(mem, newIssuer("111111", "222222"), notifier, time.Minute, discardLogger())

	w, err := svc.RequestWithdrawal(ctx, user.ID, withdrawalRequest("20.00"))
	require.NoError(t, err)

	// resend after the first code lapsed resets the expiry
	svc.now = func() time.Time { return time.Now().Add(90 * time.Second) }
	require.NoError(t, svc.ResendOTP(ctx, user.ID, w.ID))

	_, err = svc.ConfirmWithdrawal(ctx, user.ID, domain.OTPConfirmation{WithdrawalID: w.ID, Code: "111111"})
	assert.ErrorIs(t, err, ErrInvalidOrExpiredOTP)

	_, err = svc.ConfirmWithdrawal(ctx, user.ID, domain.OTPConfirmation{WithdrawalID: w.ID, Code: "222222"})
	require.NoError(t, err)

	t.Run("NotAwaitingConfirmation", func(t *testing.T) {
		svc.codes = newIssuer("333333")
		err := svc.ResendOTP(ctx, user.ID, w.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
