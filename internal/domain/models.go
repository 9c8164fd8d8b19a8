package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultCurrency is applied to every Transaction that does not name one.
const DefaultCurrency = "GHS"

type TransactionStatus string

const (
	StatusPending TransactionStatus = "pending"
	StatusSuccess TransactionStatus = "success"
	StatusFailed  TransactionStatus = "failed"
)

// IsValidTransition reports whether a Transaction may move from one status to another.
// Only pending records can change, and only to a terminal status.
func IsValidTransition(from, to TransactionStatus) bool {
	validTransitions := map[TransactionStatus][]TransactionStatus{
		StatusPending: {StatusSuccess, StatusFailed},
		StatusSuccess: {},
		StatusFailed:  {},
	}

	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type TransactionType string

const (
	TypePayment    TransactionType = "payment"
	TypeRefund     TransactionType = "refund"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeDeposit    TransactionType = "deposit"
	TypeTransfer   TransactionType = "transfer"
)

type PaymentMethod string

const (
	MethodMobileMoney PaymentMethod = "momo"
	MethodCard        PaymentMethod = "card"
	MethodBank        PaymentMethod = "bank"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodMobileMoney, MethodCard, MethodBank:
		return true
	}
	return false
}

// Provider identifies the telco carrying a mobile-money payment.
type Provider string

const (
	ProviderMTN     Provider = "mtn"
	ProviderAirtel  Provider = "airtel"
	ProviderTelecel Provider = "telecel"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderMTN, ProviderAirtel, ProviderTelecel:
		return true
	}
	return false
}

type Gateway string

const (
	GatewayPaystack Gateway = "paystack"
	GatewayHubtel   Gateway = "hubtel"
	GatewayNone     Gateway = "none"
)

// Transaction is the generic money-movement record the gateway settles.
type Transaction struct {
	ID                uuid.UUID         `json:"id"`
	Amount            decimal.Decimal   `json:"amount"`
	Method            PaymentMethod     `json:"channel"`
	Provider          Provider          `json:"provider"`
	PhoneNumber       string            `json:"phone_number"`
	Gateway           Gateway           `json:"gateway"`
	Reference         string            `json:"reference"`
	ExternalPaymentID *string           `json:"external_payment_id,omitempty"`
	Currency          string            `json:"currency"`
	Status            TransactionStatus `json:"status"`
	Type              TransactionType   `json:"type"`
	Product           Product           `json:"product"`
	Description       string            `json:"description"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// VoteTransaction is a paid vote purchase, one-to-one with a Transaction.
type VoteTransaction struct {
	ID          uuid.UUID `json:"id"`
	CandidateID uuid.UUID `json:"candidate_id"`
	VoteCount   int       `json:"vote_count"`
	PaymentID   uuid.UUID `json:"payment_id"`
	IsVerified  bool      `json:"is_verified"`
	CreatedAt   time.Time `json:"created_at"`
}

// TicketSale is a ticket purchase, one-to-one with a Transaction.
type TicketSale struct {
	ID               uuid.UUID `json:"id"`
	TicketID         uuid.UUID `json:"ticket_id"`
	PaymentID        uuid.UUID `json:"payment_id"`
	Quantity         int       `json:"quantity"`
	CustomerName     string    `json:"customer_name"`
	RecipientContact string    `json:"recipient_contact"`
	RecipientEmail   string    `json:"recipient_email,omitempty"`
	IsFulfilled      bool      `json:"is_fulfilled"`
	CreatedAt        time.Time `json:"created_at"`
}

type WithdrawalStatus string

const (
	WithdrawalOTPIssued WithdrawalStatus = "otp_issued"
	WithdrawalVerified  WithdrawalStatus = "verified"
	WithdrawalExpired   WithdrawalStatus = "expired"
)

// WithdrawalTransaction is an organizer payout awaiting OTP confirmation.
type WithdrawalTransaction struct {
	ID         uuid.UUID        `json:"id"`
	UserID     uuid.UUID        `json:"user_id"`
	Amount     decimal.Decimal  `json:"amount"`
	PaymentID  uuid.UUID        `json:"transaction_id"`
	OTPID      uuid.UUID        `json:"-"`
	Status     WithdrawalStatus `json:"status"`
	IsVerified bool             `json:"is_verified"`
	CreatedAt  time.Time        `json:"created_at"`
}

// OTPChallenge binds a hashed one-time code to a single withdrawal.
type OTPChallenge struct {
	ID        uuid.UUID
	RequestID uuid.UUID
	CodeHash  string
	ExpiresAt time.Time
	IsUsed    bool
	UpdatedAt time.Time
}

// Expired reports whether the challenge can no longer be redeemed at now.
func (o OTPChallenge) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// WebhookLog is the audit row written for every inbound gateway callback.
type WebhookLog struct {
	ID         uuid.UUID   `json:"id"`
	Gateway    Gateway     `json:"gateway"`
	Event      string      `json:"event"`
	Product    ProductKind `json:"product"`
	InstanceID string      `json:"instance_id"`
	Payload    string      `json:"payload"`
	IsValid    bool        `json:"is_valid"`
	Anomaly    string      `json:"anomaly,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

type Candidate struct {
	ID        uuid.UUID `json:"id"`
	EventID   uuid.UUID `json:"event_id"`
	Name      string    `json:"name"`
	VoteCount int64     `json:"vote_count"`
	IsBlocked bool      `json:"is_blocked"`
}

type Event struct {
	ID            uuid.UUID       `json:"id"`
	OrganizerID   uuid.UUID       `json:"organizer_id"`
	Name          string          `json:"name"`
	AmountPerVote decimal.Decimal `json:"amount_per_vote"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       time.Time       `json:"end_time"`
	IsActive      bool            `json:"is_active"`
	IsBlocked     bool            `json:"is_blocked"`
}

// VotingOpen reports whether votes may be bought for the event at now.
func (e Event) VotingOpen(now time.Time) bool {
	if !e.IsActive || e.IsBlocked {
		return false
	}
	if !e.StartTime.IsZero() && now.Before(e.StartTime) {
		return false
	}
	if !e.EndTime.IsZero() && now.After(e.EndTime) {
		return false
	}
	return true
}

type Ticket struct {
	ID       uuid.UUID       `json:"id"`
	EventID  uuid.UUID       `json:"event_id"`
	Type     string          `json:"type"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Sold     int             `json:"sold"`
	IsActive bool            `json:"is_active"`
}

func (t Ticket) Remaining() int {
	return t.Quantity - t.Sold
}

// User is an organizer wallet. Held is the part of Balance reserved by open withdrawals.
type User struct {
	ID               uuid.UUID       `json:"id"`
	Email            string          `json:"email"`
	Phone            string          `json:"phone"`
	OrganizationName string          `json:"organization_name"`
	Balance          decimal.Decimal `json:"balance"`
	Held             decimal.Decimal `json:"held"`
}

func (u User) Available() decimal.Decimal {
	return u.Balance.Sub(u.Held)
}

type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord stores the response state of an initiation for exactly-once replay.
type IdempotencyRecord struct {
	Key            string            `json:"key"`
	RequestHash    string            `json:"-"`
	Status         IdempotencyStatus `json:"status"`
	ResponseStatus int               `json:"response_status,omitempty"`
	ResponseBody   json.RawMessage   `json:"response_body,omitempty"`
	TransactionID  *uuid.UUID        `json:"transaction_id,omitempty"`
}
