package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/punchamoorthee/securevote/internal/gateway"
	"github.com/punchamoorthee/securevote/internal/store"
	"github.com/shopspring/decimal"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("resource not found")
	ErrUnavailable        = errors.New("resource not available")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// PaymentService creates pending payments and hands them to the gateways.
type PaymentService struct {
	ledger   store.Ledger
	paystack gateway.Charger
	hubtel   gateway.Charger
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewPaymentService(ledger store.Ledger, paystack, hubtel gateway.Charger, timeout time.Duration, logger *slog.Logger) *PaymentService {
	if timeout <= 0 {
		timeout = gateway.DefaultTimeout
	}
	return &PaymentService{
		ledger:   ledger,
		paystack: paystack,
		hubtel:   hubtel,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFound(what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	return fmt.Errorf("load %s: %w", what, err)
}

func newReference(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// InitiateVote prices and records a vote purchase, then starts a Paystack mobile-money charge.
// A non-nil record means the idempotency key was already finished and its response must be replayed.
func (s *PaymentService) InitiateVote(ctx context.Context, req domain.VoteRequest, idempotencyKey, reqHash string) (*domain.PaymentInitiation, *domain.IdempotencyRecord, error) {
	if req.Channel == "" {
		req.Channel = domain.MethodMobileMoney
	}
	switch {
	case req.CandidateID == uuid.Nil:
		return nil, nil, validationError("candidate is required")
	case req.VoteCount <= 0:
		return nil, nil, validationError("vote_count must be positive")
	case strings.TrimSpace(req.PhoneNumber) == "":
		return nil, nil, validationError("phone_number is required")
	case req.Channel != domain.MethodMobileMoney:
		return nil, nil, validationError("channel %q is not supported for votes", req.Channel)
	case !req.Provider.Valid():
		return nil, nil, validationError("provider %q is not supported", req.Provider)
	}

	candidate, err := s.ledger.GetCandidate(ctx, req.CandidateID)
	if err != nil {
		return nil, nil, notFound("candidate", err)
	}
	if candidate.IsBlocked {
		return nil, nil, fmt.Errorf("%w: candidate is blocked", ErrUnavailable)
	}
	event, err := s.ledger.GetEvent(ctx, candidate.EventID)
	if err != nil {
		return nil, nil, notFound("event", err)
	}
	if !event.VotingOpen(s.now()) {
		return nil, nil, fmt.Errorf("%w: voting is closed for this event", ErrUnavailable)
	}
	amount := event.AmountPerVote.Mul(decimal.NewFromInt(int64(req.VoteCount)))
	if !amount.IsPositive() {
		return nil, nil, fmt.Errorf("%w: event has no vote price", ErrUnavailable)
	}

	tx := &domain.Transaction{
		ID:          uuid.New(),
		Amount:      amount,
		Method:      req.Channel,
		Provider:    req.Provider,
		PhoneNumber: req.PhoneNumber,
		Gateway:     domain.GatewayPaystack,
		Reference:   newReference("vote"),
		Currency:    domain.DefaultCurrency,
		Status:      domain.StatusPending,
		Type:        domain.TypePayment,
		Description: fmt.Sprintf("%d vote(s) for %s", req.VoteCount, candidate.Name),
	}
	vote := &domain.VoteTransaction{
		ID:          uuid.New(),
		CandidateID: candidate.ID,
		VoteCount:   req.VoteCount,
		PaymentID:   tx.ID,
	}
	tx.Product = domain.VoteProduct(vote.ID)

	replay, err := s.record(ctx, idempotencyKey, reqHash, func(uow store.UnitOfWork) error {
		if err := uow.CreateTransaction(ctx, tx); err != nil {
			return err
		}
		return uow.CreateVoteTransaction(ctx, vote)
	})
	if err != nil || replay != nil {
		return nil, replay, err
	}

	metadata, err := tx.Product.EncodeMetadata()
	if err != nil {
		return nil, nil, err
	}
	return s.charge(ctx, s.paystack, tx, idempotencyKey, gateway.ChargeRequest{
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		PhoneNumber: tx.PhoneNumber,
		Provider:    tx.Provider,
		Reference:   tx.Reference,
		Description: tx.Description,
		Metadata:    metadata,
	})
}

// InitiateTicket records a ticket purchase and opens a Hubtel checkout for it.
func (s *PaymentService) InitiateTicket(ctx context.Context, req domain.TicketRequest, idempotencyKey, reqHash string) (*domain.PaymentInitiation, *domain.IdempotencyRecord, error) {
	switch {
	case req.TicketID == uuid.Nil:
		return nil, nil, validationError("ticket is required")
	case req.Quantity <= 0:
		return nil, nil, validationError("quantity must be positive")
	case strings.TrimSpace(req.PhoneNumber) == "":
		return nil, nil, validationError("phone_number is required")
	case !req.Provider.Valid():
		return nil, nil, validationError("provider %q is not supported", req.Provider)
	}

	ticket, err := s.ledger.GetTicket(ctx, req.TicketID)
	if err != nil {
		return nil, nil, notFound("ticket", err)
	}
	if !ticket.IsActive {
		return nil, nil, fmt.Errorf("%w: ticket is not on sale", ErrUnavailable)
	}
	if ticket.Remaining() < req.Quantity {
		return nil, nil, fmt.Errorf("%w: only %d ticket(s) left", ErrUnavailable, max(ticket.Remaining(), 0))
	}

	contact := req.RecipientContact
	if contact == "" {
		contact = req.PhoneNumber
	}
	tx := &domain.Transaction{
		ID:          uuid.New(),
		Amount:      ticket.Price.Mul(decimal.NewFromInt(int64(req.Quantity))),
		Method:      domain.MethodMobileMoney,
		Provider:    req.Provider,
		PhoneNumber: req.PhoneNumber,
		Gateway:     domain.GatewayHubtel,
		Reference:   newReference("tkt"),
		Currency:    domain.DefaultCurrency,
		Status:      domain.StatusPending,
		Type:        domain.TypePayment,
		Description: fmt.Sprintf("%d x %s ticket", req.Quantity, ticket.Type),
	}
	sale := &domain.TicketSale{
		ID:               uuid.New(),
		TicketID:         ticket.ID,
		PaymentID:        tx.ID,
		Quantity:         req.Quantity,
		CustomerName:     req.CustomerName,
		RecipientContact: contact,
		RecipientEmail:   req.RecipientEmail,
	}
	tx.Product = domain.TicketProduct(sale.ID)

	replay, err := s.record(ctx, idempotencyKey, reqHash, func(uow store.UnitOfWork) error {
		if err := uow.CreateTransaction(ctx, tx); err != nil {
			return err
		}
		return uow.CreateTicketSale(ctx, sale)
	})
	if err != nil || replay != nil {
		return nil, replay, err
	}

	return s.charge(ctx, s.hubtel, tx, idempotencyKey, gateway.ChargeRequest{
		Amount:       tx.Amount,
		Currency:     tx.Currency,
		PhoneNumber:  tx.PhoneNumber,
		Provider:     tx.Provider,
		Reference:    tx.Reference,
		Description:  tx.Description,
		Email:        req.RecipientEmail,
		CustomerName: req.CustomerName,
	})
}

// record commits the idempotency reservation and the pending records in one unit.
func (s *PaymentService) record(ctx context.Context, idempotencyKey, reqHash string, create func(store.UnitOfWork) error) (*domain.IdempotencyRecord, error) {
	var replay *domain.IdempotencyRecord
	err := s.ledger.WithUnitOfWork(ctx, func(uow store.UnitOfWork) error {
		if idempotencyKey != "" {
			rec, err := uow.ReserveIdempotencyKey(ctx, idempotencyKey, reqHash)
			if err != nil {
				return err
			}
			if rec != nil {
				replay = rec
				return nil
			}
		}
		return create(uow)
	})
	if err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}
	return replay, nil
}

// charge calls the gateway outside any unit of work and finalises the idempotency key.
func (s *PaymentService) charge(ctx context.Context, charger gateway.Charger, tx *domain.Transaction, idempotencyKey string, req gateway.ChargeRequest) (*domain.PaymentInitiation, *domain.IdempotencyRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	handle, err := charger.Charge(callCtx, req)
	cancel()
	if err != nil {
		s.logger.Error("gateway charge failed", "gateway", tx.Gateway, "reference", tx.Reference, "error", err)
		s.finish(ctx, &domain.IdempotencyRecord{
			Key:            idempotencyKey,
			Status:         domain.IdempotencyFailed,
			ResponseStatus: http.StatusBadGateway,
			TransactionID:  &tx.ID,
		})
		return nil, nil, ErrGatewayUnavailable
	}

	if handle.ExternalID != "" {
		if err := s.ledger.SetExternalPaymentID(ctx, tx.ID, handle.ExternalID); err != nil {
			// The webhook can still be matched on the reference.
			s.logger.Error("record external payment id", "reference", tx.Reference, "external_id", handle.ExternalID, "error", err)
		}
	}

	resp := &domain.PaymentInitiation{
		TransactionID: tx.ID,
		Reference:     tx.Reference,
		Status:        handle.Status,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Product:       tx.Product,
		CheckoutURL:   handle.CheckoutURL,
		PaymentStatus: domain.StatusPending,
	}
	s.logger.Info("payment initiated", "gateway", tx.Gateway, "reference", tx.Reference,
		"transaction_id", tx.ID, "product", tx.Product.Kind, "amount", tx.Amount.StringFixed(2))

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, nil, err
	}
	s.finish(ctx, &domain.IdempotencyRecord{
		Key:            idempotencyKey,
		Status:         domain.IdempotencyCompleted,
		ResponseStatus: http.StatusCreated,
		ResponseBody:   body,
		TransactionID:  &tx.ID,
	})
	return resp, nil, nil
}

func (s *PaymentService) finish(ctx context.Context, rec *domain.IdempotencyRecord) {
	if rec.Key == "" {
		return
	}
	if err := s.ledger.FinishIdempotencyKey(ctx, rec); err != nil {
		s.logger.Error("idempotency update failed", "key", rec.Key, "error", err)
	}
}

// VoteHistory lists votes bought for the organizer's events.
func (s *PaymentService) VoteHistory(ctx context.Context, organizerID uuid.UUID) ([]domain.VoteTransaction, error) {
	return s.ledger.ListVoteTransactions(ctx, organizerID)
}
