package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrAlreadyProcessed    = errors.New("record already processed")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
	ErrDuplicate           = errors.New("duplicate record")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

// LockKey selects the Transaction row to lock. A non-empty ExternalID matches on
// gateway and external payment id, otherwise Reference is used.
type LockKey struct {
	Gateway    domain.Gateway
	ExternalID string
	Reference  string
}

// Ledger owns every durable record of the payments core.
type Ledger interface {
	GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error)
	GetCandidate(ctx context.Context, id uuid.UUID) (*domain.Candidate, error)
	GetTicket(ctx context.Context, id uuid.UUID) (*domain.Ticket, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetVoteTransaction(ctx context.Context, paymentID uuid.UUID) (*domain.VoteTransaction, error)
	GetTicketSale(ctx context.Context, paymentID uuid.UUID) (*domain.TicketSale, error)
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.WithdrawalTransaction, error)

	// ListVoteTransactions returns votes cast for candidates of the organizer's events, newest first.
	ListVoteTransactions(ctx context.Context, organizerID uuid.UUID) ([]domain.VoteTransaction, error)
	// ListWithdrawals returns the user's withdrawals in the given status, newest first.
	ListWithdrawals(ctx context.Context, userID uuid.UUID, status domain.WithdrawalStatus) ([]domain.WithdrawalTransaction, error)
	// ListStalePayments returns pending payments created before cutoff that never got an external id.
	ListStalePayments(ctx context.Context, cutoff time.Time) ([]domain.Transaction, error)
	// ListExpiredWithdrawals returns withdrawals still awaiting an OTP whose challenge expired before cutoff.
	ListExpiredWithdrawals(ctx context.Context, cutoff time.Time) ([]domain.WithdrawalTransaction, error)

	InsertWebhookLog(ctx context.Context, log *domain.WebhookLog) error
	// MarkWebhookLogValid flips is_valid and records what the authenticated payload referred to.
	MarkWebhookLogValid(ctx context.Context, id uuid.UUID, event string, product domain.ProductKind, instanceID string) error
	AnnotateWebhookLog(ctx context.Context, id uuid.UUID, anomaly string) error
	ListWebhookLogs(ctx context.Context, instanceID string, product domain.ProductKind) ([]domain.WebhookLog, error)
	// InstanceOwner returns the organizer whose event the vote or ticket sale belongs to.
	InstanceOwner(ctx context.Context, product domain.ProductKind, instanceID uuid.UUID) (uuid.UUID, error)

	SetExternalPaymentID(ctx context.Context, txID uuid.UUID, externalID string) error
	FinishIdempotencyKey(ctx context.Context, rec *domain.IdempotencyRecord) error

	// WithUnitOfWork runs fn in one atomic unit. Any error from fn rolls everything back.
	WithUnitOfWork(ctx context.Context, fn func(UnitOfWork) error) error
	// WithLockedTransaction runs fn in one atomic unit holding an exclusive lock on the
	// Transaction selected by key. It returns ErrNotFound when no row matches.
	WithLockedTransaction(ctx context.Context, key LockKey, fn func(UnitOfWork, *domain.Transaction) error) error
	// WithLockedWithdrawal is WithLockedTransaction for withdrawal rows.
	WithLockedWithdrawal(ctx context.Context, id uuid.UUID, fn func(UnitOfWork, *domain.WithdrawalTransaction) error) error
}

// UnitOfWork is the set of writes allowed inside one atomic unit.
type UnitOfWork interface {
	// ReserveIdempotencyKey claims key for a new request. A finished key with the same hash
	// is returned for replay; a different hash yields ErrIdempotencyMismatch and an
	// unfinished one ErrIdempotencyConflict.
	ReserveIdempotencyKey(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error)

	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	CreateVoteTransaction(ctx context.Context, vt *domain.VoteTransaction) error
	CreateTicketSale(ctx context.Context, sale *domain.TicketSale) error
	CreateOTP(ctx context.Context, otp *domain.OTPChallenge) error
	CreateWithdrawal(ctx context.Context, w *domain.WithdrawalTransaction) error

	// SetTransactionStatus applies from->to only if the row is still in from,
	// otherwise ErrAlreadyProcessed.
	SetTransactionStatus(ctx context.Context, id uuid.UUID, from, to domain.TransactionStatus) error

	LockVoteTransaction(ctx context.Context, paymentID uuid.UUID) (*domain.VoteTransaction, error)
	// VerifyVoteTransaction flips is_verified and adds the votes to the candidate.
	VerifyVoteTransaction(ctx context.Context, vt *domain.VoteTransaction) error
	LockTicketSale(ctx context.Context, paymentID uuid.UUID) (*domain.TicketSale, error)
	// FulfillTicketSale flips is_fulfilled and adds the quantity to the ticket's sold count.
	FulfillTicketSale(ctx context.Context, sale *domain.TicketSale) error

	// HoldFunds reserves amount when balance - held covers it, otherwise ErrInsufficientFunds.
	HoldFunds(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error
	ReleaseHold(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error
	// DebitHeld removes a previously held amount from both balance and held.
	DebitHeld(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error

	LockOTP(ctx context.Context, id uuid.UUID) (*domain.OTPChallenge, error)
	MarkOTPUsed(ctx context.Context, id uuid.UUID) error
	ReplaceOTP(ctx context.Context, id uuid.UUID, codeHash string, expiresAt time.Time) error
	SetWithdrawalStatus(ctx context.Context, id uuid.UUID, from, to domain.WithdrawalStatus) error
}
