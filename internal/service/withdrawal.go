package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/punchamoorthee/securevote/internal/notify"
	"github.com/punchamoorthee/securevote/internal/store"
)

var (
	ErrInvalidOrExpiredOTP = errors.New("invalid or expired otp")
	ErrDeliveryFailed      = errors.New("otp delivery failed")
)

// DefaultOTPTTL is how long an issued or resent code stays redeemable.
const DefaultOTPTTL = 5 * time.Minute

// CodeIssuer creates one-time codes and checks them against their stored hash.
type CodeIssuer interface {
	Issue() (code, hash string, err error)
	Verify(hash, code string) bool
}

// WithdrawalService authorizes organizer payouts in two phases: a request that reserves
// the funds and issues a code, and a confirmation that redeems the code and debits the wallet.
type WithdrawalService struct {
	ledger   store.Ledger
	codes    CodeIssuer
	notifier notify.Notifier
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewWithdrawalService(ledger store.Ledger, codes CodeIssuer, notifier notify.Notifier, ttl time.Duration, logger *slog.Logger) *WithdrawalService {
	if ttl <= 0 {
		ttl = DefaultOTPTTL
	}
	return &WithdrawalService{
		ledger:   ledger,
		codes:    codes,
		notifier: notifier,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// RequestWithdrawal holds amount against the user's available balance and sends a code.
// Nothing is created when the balance does not cover the amount.
func (s *WithdrawalService) RequestWithdrawal(ctx context.Context, userID uuid.UUID, req domain.WithdrawalRequest) (*domain.WithdrawalTransaction, error) {
	if req.Channel == "" {
		req.Channel = domain.MethodMobileMoney
	}
	switch {
	case !req.Amount.IsPositive():
		return nil, validationError("amount must be positive")
	case !req.Amount.Equal(req.Amount.Round(2)):
		return nil, validationError("amount has more than two decimal places")
	case strings.TrimSpace(req.PhoneNumber) == "":
		return nil, validationError("phone_number is required")
	case !req.Channel.Valid():
		return nil, validationError("channel %q is not supported", req.Channel)
	case !req.Provider.Valid():
		return nil, validationError("provider %q is not supported", req.Provider)
	}

	user, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		return nil, notFound("user", err)
	}
	// HoldFunds re-checks under the unit of work; this only avoids issuing a code for a doomed request.
	if user.Available().LessThan(req.Amount) {
		return nil, store.ErrInsufficientFunds
	}

	code, hash, err := s.codes.Issue()
	if err != nil {
		return nil, fmt.Errorf("issue otp: %w", err)
	}

	now := s.now()
	tx := &domain.Transaction{
		ID:          uuid.New(),
		Amount:      req.Amount,
		Method:      req.Channel,
		Provider:    req.Provider,
		PhoneNumber: req.PhoneNumber,
		Gateway:     domain.GatewayNone,
		Reference:   newReference("wd"),
		Currency:    domain.DefaultCurrency,
		Status:      domain.StatusPending,
		Type:        domain.TypeWithdrawal,
		Description: "organizer withdrawal",
	}
	w := &domain.WithdrawalTransaction{
		ID:        uuid.New(),
		UserID:    user.ID,
		Amount:    req.Amount,
		PaymentID: tx.ID,
		OTPID:     uuid.New(),
		Status:    domain.WithdrawalOTPIssued,
	}
	challenge := &domain.OTPChallenge{
		ID:        w.OTPID,
		RequestID: w.ID,
		CodeHash:  hash,
		ExpiresAt: now.Add(s.ttl),
	}

	err = s.ledger.WithUnitOfWork(ctx, func(uow store.UnitOfWork) error {
		if err := uow.HoldFunds(ctx, user.ID, req.Amount); err != nil {
			return err
		}
		if err := uow.CreateTransaction(ctx, tx); err != nil {
			return err
		}
		if err := uow.CreateOTP(ctx, challenge); err != nil {
			return err
		}
		return uow.CreateWithdrawal(ctx, w)
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, err
		}
		return nil, fmt.Errorf("record withdrawal: %w", err)
	}

	s.logger.Info("withdrawal requested", "withdrawal_id", w.ID, "user_id", user.ID, "amount", req.Amount.StringFixed(2))
	if !s.deliver(ctx, user, req.PhoneNumber, code) {
		s.logger.Warn("otp delivery failed", "withdrawal_id", w.ID)
	}
	return w, nil
}

// ConfirmWithdrawal redeems the code for the user's withdrawal and debits the wallet.
// Every rejection, whatever its cause, is ErrInvalidOrExpiredOTP with nothing mutated.
func (s *WithdrawalService) ConfirmWithdrawal(ctx context.Context, userID uuid.UUID, conf domain.OTPConfirmation) (*domain.WithdrawalTransaction, error) {
	if conf.WithdrawalID == uuid.Nil || conf.Code == "" {
		return nil, ErrInvalidOrExpiredOTP
	}

	var confirmed domain.WithdrawalTransaction
	err := s.ledger.WithLockedWithdrawal(ctx, conf.WithdrawalID, func(uow store.UnitOfWork, w *domain.WithdrawalTransaction) error {
		if w.UserID != userID || w.Status != domain.WithdrawalOTPIssued {
			return ErrInvalidOrExpiredOTP
		}
		challenge, err := uow.LockOTP(ctx, w.OTPID)
		if err != nil {
			return err
		}
		if challenge.IsUsed || challenge.Expired(s.now()) || !s.codes.Verify(challenge.CodeHash, conf.Code) {
			return ErrInvalidOrExpiredOTP
		}

		if err := uow.DebitHeld(ctx, w.UserID, w.Amount); err != nil {
			return err
		}
		if err := uow.MarkOTPUsed(ctx, challenge.ID); err != nil {
			return err
		}
		if err := uow.SetWithdrawalStatus(ctx, w.ID, domain.WithdrawalOTPIssued, domain.WithdrawalVerified); err != nil {
			return err
		}
		if err := uow.SetTransactionStatus(ctx, w.PaymentID, domain.StatusPending, domain.StatusSuccess); err != nil {
			return err
		}

		confirmed = *w
		confirmed.Status = domain.WithdrawalVerified
		confirmed.IsVerified = true
		return nil
	})

	switch {
	case err == nil:
		s.logger.Info("withdrawal confirmed", "withdrawal_id", confirmed.ID, "user_id", userID, "amount", confirmed.Amount.StringFixed(2))
		return &confirmed, nil
	case errors.Is(err, ErrInvalidOrExpiredOTP), errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrAlreadyProcessed):
		s.logger.Warn("withdrawal confirmation rejected", "withdrawal_id", conf.WithdrawalID, "user_id", userID)
		return nil, ErrInvalidOrExpiredOTP
	default:
		return nil, fmt.Errorf("confirm withdrawal: %w", err)
	}
}

// ResendOTP replaces the code of a withdrawal still awaiting confirmation and delivers it again.
func (s *WithdrawalService) ResendOTP(ctx context.Context, userID, withdrawalID uuid.UUID) error {
	user, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		return notFound("user", err)
	}
	code, hash, err := s.codes.Issue()
	if err != nil {
		return fmt.Errorf("issue otp: %w", err)
	}

	var paymentID uuid.UUID
	err = s.ledger.WithLockedWithdrawal(ctx, withdrawalID, func(uow store.UnitOfWork, w *domain.WithdrawalTransaction) error {
		if w.UserID != userID || w.Status != domain.WithdrawalOTPIssued {
			return store.ErrNotFound
		}
		paymentID = w.PaymentID
		return uow.ReplaceOTP(ctx, w.OTPID, hash, s.now().Add(s.ttl))
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrAlreadyProcessed) {
			return fmt.Errorf("%w: withdrawal awaiting confirmation", ErrNotFound)
		}
		return fmt.Errorf("resend otp: %w", err)
	}

	var phone string
	if tx, err := s.ledger.GetTransaction(ctx, paymentID); err == nil {
		phone = tx.PhoneNumber
	}
	if !s.deliver(ctx, user, phone, code) {
		return ErrDeliveryFailed
	}
	s.logger.Info("otp resent", "withdrawal_id", withdrawalID, "user_id", userID)
	return nil
}

// ListVerified returns the user's confirmed withdrawals, newest first.
func (s *WithdrawalService) ListVerified(ctx context.Context, userID uuid.UUID) ([]domain.WithdrawalTransaction, error) {
	return s.ledger.ListWithdrawals(ctx, userID, domain.WithdrawalVerified)
}

func (s *WithdrawalService) deliver(ctx context.Context, user *domain.User, fallback, code string) bool {
	recipient := user.Phone
	if recipient == "" {
		recipient = fallback
	}
	if recipient == "" {
		return false
	}
	msg := fmt.Sprintf("Your SecureVote withdrawal code is %s. It expires in %d minutes.", code, int(s.ttl.Minutes()))
	return s.notifier.Send(ctx, []string{recipient}, msg)
}
