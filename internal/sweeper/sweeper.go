package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/punchamoorthee/securevote/internal/store"
)

var sweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "securevote_swept_total",
	Help: "Records closed by the sweeper",
}, []string{"kind"})

// Stats counts what one pass closed.
type Stats struct {
	ExpiredWithdrawals int
	FailedPayments     int
}

// Sweeper expires withdrawals whose code lapsed and fails payments the gateway never acknowledged.
type Sweeper struct {
	ledger     store.Ledger
	interval   time.Duration
	pendingTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func New(ledger store.Ledger, interval, pendingTTL time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if pendingTTL <= 0 {
		pendingTTL = 24 * time.Hour
	}
	return &Sweeper{ledger: ledger, interval: interval, pendingTTL: pendingTTL, logger: logger, now: time.Now}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single pass. Records that changed state concurrently are skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	now := s.now()

	withdrawals, err := s.ledger.ListExpiredWithdrawals(ctx, now)
	if err != nil {
		return stats, err
	}
	for _, w := range withdrawals {
		err := s.ledger.WithLockedWithdrawal(ctx, w.ID, func(uow store.UnitOfWork, locked *domain.WithdrawalTransaction) error {
			if locked.Status != domain.WithdrawalOTPIssued {
				return store.ErrAlreadyProcessed
			}
			challenge, err := uow.LockOTP(ctx, locked.OTPID)
			if err != nil {
				return err
			}
			// resent since listing
			if !challenge.Expired(now) {
				return store.ErrAlreadyProcessed
			}
			if err := uow.ReleaseHold(ctx, locked.UserID, locked.Amount); err != nil {
				return err
			}
			if err := uow.SetTransactionStatus(ctx, locked.PaymentID, domain.StatusPending, domain.StatusFailed); err != nil {
				return err
			}
			return uow.SetWithdrawalStatus(ctx, locked.ID, domain.WithdrawalOTPIssued, domain.WithdrawalExpired)
		})
		switch {
		case err == nil:
			stats.ExpiredWithdrawals++
			sweptTotal.WithLabelValues("withdrawal").Inc()
			s.logger.Info("withdrawal expired", "withdrawal_id", w.ID, "user_id", w.UserID, "amount", w.Amount.StringFixed(2))
		case errors.Is(err, store.ErrAlreadyProcessed):
		default:
			return stats, err
		}
	}

	payments, err := s.ledger.ListStalePayments(ctx, now.Add(-s.pendingTTL))
	if err != nil {
		return stats, err
	}
	for _, p := range payments {
		err := s.ledger.WithLockedTransaction(ctx, store.LockKey{Reference: p.Reference}, func(uow store.UnitOfWork, tx *domain.Transaction) error {
			if tx.ExternalPaymentID != nil {
				return store.ErrAlreadyProcessed
			}
			return uow.SetTransactionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusFailed)
		})
		switch {
		case err == nil:
			stats.FailedPayments++
			sweptTotal.WithLabelValues("payment").Inc()
			s.logger.Info("stale payment failed", "reference", p.Reference, "transaction_id", p.ID)
		case errors.Is(err, store.ErrAlreadyProcessed), errors.Is(err, store.ErrNotFound):
		default:
			return stats, err
		}
	}
	return stats, nil
}
