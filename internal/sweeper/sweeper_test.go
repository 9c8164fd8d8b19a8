package sweeper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/punchamoorthee/securevote/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSweeper(mem *store.Memory, now time.Time) *Sweeper {
	s := New(mem, time.Minute, 24*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return now }
	return s
}

func seedWithdrawal(t *testing.T, mem *store.Memory, user domain.User, amount decimal.Decimal, expires time.Time) domain.WithdrawalTransaction {
	t.Helper()
	ctx := context.Background()
	tx := domain.Transaction{
		ID: uuid.New(), Amount: amount, Method: domain.MethodMobileMoney, Provider: domain.ProviderMTN,
		PhoneNumber: "0240000000", Gateway: domain.GatewayNone, Reference: "wd-" + uuid.NewString(),
		Currency: domain.DefaultCurrency, Status: domain.StatusPending, Type: domain.TypeWithdrawal,
	}
	w := domain.WithdrawalTransaction{ID: uuid.New(), UserID: user.ID, Amount: amount, PaymentID: tx.ID, OTPID: uuid.New(), Status: domain.WithdrawalOTPIssued}
	require.NoError(t, mem.WithUnitOfWork(ctx, func(uow store.UnitOfWork) error {
		if err := uow.HoldFunds(ctx, user.ID, amount); err != nil {
			return err
		}
		if err := uow.CreateTransaction(ctx, &tx); err != nil {
			return err
		}
		if err := uow.CreateOTP(ctx, &domain.OTPChallenge{ID: w.OTPID, RequestID: w.ID, CodeHash: "x", ExpiresAt: expires}); err != nil {
			return err
		}
		return uow.CreateWithdrawal(ctx, &w)
	}))
	return w
}

func TestSweepOnce_ExpiresWithdrawals(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	mem := store.NewMemory()
	user := domain.User{ID: uuid.New(), Balance: decimal.NewFromInt(100)}
	mem.PutUser(user)

	expired := seedWithdrawal(t, mem, user, decimal.NewFromInt(30), now.Add(-time.Minute))
	live := seedWithdrawal(t, mem, user, decimal.NewFromInt(20), now.Add(time.Minute))

	stats, err := newSweeper(mem, now).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ExpiredWithdrawals)

	got, err := mem.GetWithdrawal(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalExpired, got.Status)

	tx, err := mem.GetTransaction(ctx, expired.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, tx.Status)

	still, err := mem.GetWithdrawal(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalOTPIssued, still.Status)

	u, err := mem.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, u.Held.Equal(decimal.NewFromInt(20)), "only the live hold remains, got %s", u.Held)
	assert.True(t, u.Balance.Equal(decimal.NewFromInt(100)))

	// a second pass has nothing left to do
	stats, err = newSweeper(mem, now).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.ExpiredWithdrawals)
}

func TestSweepOnce_FailsStalePayments(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	created := time.Now()
	mem.SetClock(func() time.Time { return created })

	newPayment := func(ext *string) domain.Transaction {
		tx := domain.Transaction{
			ID: uuid.New(), Amount: decimal.NewFromInt(5), Method: domain.MethodMobileMoney, Provider: domain.ProviderMTN,
			PhoneNumber: "0240000000", Gateway: domain.GatewayPaystack, Reference: "vote-" + uuid.NewString(),
			ExternalPaymentID: ext, Currency: domain.DefaultCurrency, Status: domain.StatusPending, Type: domain.TypePayment,
		}
		require.NoError(t, mem.WithUnitOfWork(ctx, func(uow store.UnitOfWork) error { return uow.CreateTransaction(ctx, &tx) }))
		return tx
	}
	ext := "acknowledged"
	orphan := newPayment(nil)
	acked := newPayment(&ext)

	t.Run("WithinTTL", func(t *testing.T) {
		stats, err := newSweeper(mem, created.Add(time.Hour)).SweepOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.FailedPayments)
	})

	t.Run("PastTTL", func(t *testing.T) {
		stats, err := newSweeper(mem, created.Add(25*time.Hour)).SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.FailedPayments)

		got, err := mem.GetTransaction(ctx, orphan.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)

		kept, err := mem.GetTransaction(ctx, acked.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, kept.Status)
	})
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(store.NewMemory(), 10*time.Millisecond, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
