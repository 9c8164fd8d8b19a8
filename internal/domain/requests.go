package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ToMinorUnits converts a major-unit amount (cedis) to pesewas.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits converts pesewas to a major-unit amount.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// VoteRequest is the DTO for a paid vote initiation.
type VoteRequest struct {
	CandidateID uuid.UUID     `json:"candidate"`
	VoteCount   int           `json:"vote_count"`
	PhoneNumber string        `json:"phone_number"`
	Channel     PaymentMethod `json:"channel"`
	Provider    Provider      `json:"provider"`
}

// TicketRequest is the DTO for a ticket purchase.
type TicketRequest struct {
	TicketID         uuid.UUID `json:"ticket"`
	Quantity         int       `json:"quantity"`
	PhoneNumber      string    `json:"phone_number"`
	Provider         Provider  `json:"provider"`
	CustomerName     string    `json:"customer_name"`
	RecipientContact string    `json:"recipient_contact"`
	RecipientEmail   string    `json:"recipient_email"`
}

// PaymentInitiation is returned to the payer once the gateway accepted the charge.
type PaymentInitiation struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	Reference     string            `json:"reference"`
	Status        string            `json:"status"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Product       Product           `json:"product"`
	CheckoutURL   string            `json:"checkout_url,omitempty"`
	PaymentStatus TransactionStatus `json:"payment_status"`
}

// WithdrawalRequest is the DTO for an organizer payout request.
type WithdrawalRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PhoneNumber string          `json:"phone_number"`
	Channel     PaymentMethod   `json:"channel"`
	Provider    Provider        `json:"provider"`
}

// OTPConfirmation carries the code that authorizes a withdrawal.
type OTPConfirmation struct {
	WithdrawalID uuid.UUID `json:"id"`
	Code         string    `json:"code"`
}
