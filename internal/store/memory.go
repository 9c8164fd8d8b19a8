package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/shopspring/decimal"
)

// Memory is an in-process Ledger. A unit of work holds the store mutex for its whole
// duration and stages writes on a copy that replaces the live state on commit.
// Ledger methods must not be called from inside a unit of work.
type Memory struct {
	mu  sync.Mutex
	st  *memState
	now func() time.Time
}

type memState struct {
	users        map[uuid.UUID]domain.User
	events       map[uuid.UUID]domain.Event
	candidates   map[uuid.UUID]domain.Candidate
	tickets      map[uuid.UUID]domain.Ticket
	transactions map[uuid.UUID]domain.Transaction
	votes        map[uuid.UUID]domain.VoteTransaction
	sales        map[uuid.UUID]domain.TicketSale
	otps         map[uuid.UUID]domain.OTPChallenge
	withdrawals  map[uuid.UUID]domain.WithdrawalTransaction
	logs         map[uuid.UUID]domain.WebhookLog
	idempotency  map[string]domain.IdempotencyRecord
}

func NewMemory() *Memory {
	return &Memory{
		now: time.Now,
		st: &memState{
			users:        map[uuid.UUID]domain.User{},
			events:       map[uuid.UUID]domain.Event{},
			candidates:   map[uuid.UUID]domain.Candidate{},
			tickets:      map[uuid.UUID]domain.Ticket{},
			transactions: map[uuid.UUID]domain.Transaction{},
			votes:        map[uuid.UUID]domain.VoteTransaction{},
			sales:        map[uuid.UUID]domain.TicketSale{},
			otps:         map[uuid.UUID]domain.OTPChallenge{},
			withdrawals:  map[uuid.UUID]domain.WithdrawalTransaction{},
			logs:         map[uuid.UUID]domain.WebhookLog{},
			idempotency:  map[string]domain.IdempotencyRecord{},
		},
	}
}

func (s *memState) clone() *memState {
	return &memState{
		users:        maps.Clone(s.users),
		events:       maps.Clone(s.events),
		candidates:   maps.Clone(s.candidates),
		tickets:      maps.Clone(s.tickets),
		transactions: maps.Clone(s.transactions),
		votes:        maps.Clone(s.votes),
		sales:        maps.Clone(s.sales),
		otps:         maps.Clone(s.otps),
		withdrawals:  maps.Clone(s.withdrawals),
		logs:         maps.Clone(s.logs),
		idempotency:  maps.Clone(s.idempotency),
	}
}

// SetClock replaces the time source used for created/updated timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Seed helpers for catalog records owned outside the payments core.

func (m *Memory) PutUser(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.users[u.ID] = u
}

func (m *Memory) PutEvent(e domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.events[e.ID] = e
}

func (m *Memory) PutCandidate(c domain.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.candidates[c.ID] = c
}

func (m *Memory) PutTicket(t domain.Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.tickets[t.ID] = t
}

func lookup[K comparable, V any](m map[K]V, k K) (*V, error) {
	v, ok := m[k]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *Memory) GetUser(_ context.Context, id uuid.UUID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookup(m.st.users, id)
}

func (m *Memory) GetEvent(_ context.Context, id uuid.UUID) (*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookup(m.st.events, id)
}

func (m *Memory) GetCandidate(_ context.Context, id uuid.UUID) (*domain.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookup(m.st.candidates, id)
}

func (m *Memory) GetTicket(_ context.Context, id uuid.UUID) (*domain.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookup(m.st.tickets, id)
}

func (m *Memory) GetTransaction(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookup(m.st.transactions, id)
}

func (m *Memory) GetVoteTransaction(_ context.Context, paymentID uuid.UUID) (*domain.VoteTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.voteByPayment(paymentID)
}

func (m *Memory) GetTicketSale(_ context.Context, paymentID uuid.UUID) (*domain.TicketSale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saleByPayment(paymentID)
}

func (m *Memory) GetWithdrawal(_ context.Context, id uuid.UUID) (*domain.WithdrawalTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lookup(m.st.withdrawals, id)
}

func (m *Memory) ListVoteTransactions(_ context.Context, organizerID uuid.UUID) ([]domain.VoteTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.VoteTransaction
	for _, vt := range m.st.votes {
		c, ok := m.st.candidates[vt.CandidateID]
		if !ok {
			continue
		}
		if e, ok := m.st.events[c.EventID]; ok && e.OrganizerID == organizerID {
			out = append(out, vt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListWithdrawals(_ context.Context, userID uuid.UUID, status domain.WithdrawalStatus) ([]domain.WithdrawalTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.WithdrawalTransaction
	for _, w := range m.st.withdrawals {
		if w.UserID == userID && w.Status == status {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListStalePayments(_ context.Context, cutoff time.Time) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Transaction
	for _, tx := range m.st.transactions {
		if tx.Type == domain.TypePayment && tx.Status == domain.StatusPending &&
			tx.ExternalPaymentID == nil && tx.CreatedAt.Before(cutoff) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListExpiredWithdrawals(_ context.Context, cutoff time.Time) ([]domain.WithdrawalTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.WithdrawalTransaction
	for _, w := range m.st.withdrawals {
		if w.Status != domain.WithdrawalOTPIssued {
			continue
		}
		if otp, ok := m.st.otps[w.OTPID]; ok && otp.ExpiresAt.Before(cutoff) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *Memory) InsertWebhookLog(_ context.Context, log *domain.WebhookLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.ReceivedAt.IsZero() {
		log.ReceivedAt = m.now()
	}
	m.st.logs[log.ID] = *log
	return nil
}

func (m *Memory) MarkWebhookLogValid(_ context.Context, id uuid.UUID, event string, product domain.ProductKind, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.st.logs[id]
	if !ok {
		return ErrNotFound
	}
	l.IsValid = true
	l.Event = event
	l.Product = product
	l.InstanceID = instanceID
	m.st.logs[id] = l
	return nil
}

func (m *Memory) AnnotateWebhookLog(_ context.Context, id uuid.UUID, anomaly string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.st.logs[id]
	if !ok {
		return ErrNotFound
	}
	l.Anomaly = anomaly
	m.st.logs[id] = l
	return nil
}

func (m *Memory) ListWebhookLogs(_ context.Context, instanceID string, product domain.ProductKind) ([]domain.WebhookLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.WebhookLog
	for _, l := range m.st.logs {
		if instanceID != "" && l.InstanceID != instanceID {
			continue
		}
		if product != "" && l.Product != product {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

func (m *Memory) InstanceOwner(_ context.Context, product domain.ProductKind, instanceID uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var eventID uuid.UUID
	if vt, ok := m.st.votes[instanceID]; ok && product != domain.ProductTicket {
		c, ok := m.st.candidates[vt.CandidateID]
		if !ok {
			return uuid.Nil, ErrNotFound
		}
		eventID = c.EventID
	} else if sale, ok := m.st.sales[instanceID]; ok && product != domain.ProductVote {
		t, ok := m.st.tickets[sale.TicketID]
		if !ok {
			return uuid.Nil, ErrNotFound
		}
		eventID = t.EventID
	} else {
		return uuid.Nil, ErrNotFound
	}

	e, ok := m.st.events[eventID]
	if !ok {
		return uuid.Nil, ErrNotFound
	}
	return e.OrganizerID, nil
}

// WebhookLogs returns every stored log, for assertions in tests.
func (m *Memory) WebhookLogs() []domain.WebhookLog {
	logs, _ := m.ListWebhookLogs(context.Background(), "", "")
	return logs
}

func (m *Memory) SetExternalPaymentID(_ context.Context, txID uuid.UUID, externalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.st.transactions[txID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range m.st.transactions {
		if id != txID && other.ExternalPaymentID != nil && *other.ExternalPaymentID == externalID {
			return fmt.Errorf("external payment id %s: %w", externalID, ErrDuplicate)
		}
	}
	tx.ExternalPaymentID = &externalID
	tx.UpdatedAt = m.now()
	m.st.transactions[txID] = tx
	return nil
}

func (m *Memory) FinishIdempotencyKey(_ context.Context, rec *domain.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.st.idempotency[rec.Key]
	if !ok {
		return ErrNotFound
	}
	stored.Status = rec.Status
	stored.ResponseStatus = rec.ResponseStatus
	stored.ResponseBody = rec.ResponseBody
	stored.TransactionID = rec.TransactionID
	m.st.idempotency[rec.Key] = stored
	return nil
}

func (m *Memory) WithUnitOfWork(_ context.Context, fn func(UnitOfWork) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.st.clone()
	if err := fn(&memUnit{st: staged, now: m.now}); err != nil {
		return err
	}
	m.st = staged
	return nil
}

func (m *Memory) WithLockedTransaction(ctx context.Context, key LockKey, fn func(UnitOfWork, *domain.Transaction) error) error {
	return m.WithUnitOfWork(ctx, func(uow UnitOfWork) error {
		u := uow.(*memUnit)
		tx, err := u.st.transactionByKey(key)
		if err != nil {
			return err
		}
		return fn(u, tx)
	})
}

func (m *Memory) WithLockedWithdrawal(ctx context.Context, id uuid.UUID, fn func(UnitOfWork, *domain.WithdrawalTransaction) error) error {
	return m.WithUnitOfWork(ctx, func(uow UnitOfWork) error {
		u := uow.(*memUnit)
		w, err := lookup(u.st.withdrawals, id)
		if err != nil {
			return err
		}
		return fn(u, w)
	})
}

func (s *memState) transactionByKey(key LockKey) (*domain.Transaction, error) {
	for _, tx := range s.transactions {
		if key.Gateway != "" && tx.Gateway != key.Gateway {
			continue
		}
		if key.ExternalID != "" {
			if tx.ExternalPaymentID != nil && *tx.ExternalPaymentID == key.ExternalID {
				return &tx, nil
			}
			continue
		}
		if key.Reference != "" && tx.Reference == key.Reference {
			return &tx, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memState) voteByPayment(paymentID uuid.UUID) (*domain.VoteTransaction, error) {
	for _, vt := range s.votes {
		if vt.PaymentID == paymentID {
			return &vt, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memState) saleByPayment(paymentID uuid.UUID) (*domain.TicketSale, error) {
	for _, sale := range s.sales {
		if sale.PaymentID == paymentID {
			return &sale, nil
		}
	}
	return nil, ErrNotFound
}

type memUnit struct {
	st  *memState
	now func() time.Time
}

func (u *memUnit) ReserveIdempotencyKey(_ context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	if rec, ok := u.st.idempotency[key]; ok {
		if rec.RequestHash != requestHash {
			return nil, ErrIdempotencyMismatch
		}
		if rec.Status == domain.IdempotencyInProgress {
			return nil, ErrIdempotencyConflict
		}
		return &rec, nil
	}
	u.st.idempotency[key] = domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyInProgress,
	}
	return nil, nil
}

func (u *memUnit) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	for _, other := range u.st.transactions {
		if other.Reference == tx.Reference {
			return fmt.Errorf("reference %s: %w", tx.Reference, ErrDuplicate)
		}
		if tx.ExternalPaymentID != nil && other.ExternalPaymentID != nil && *other.ExternalPaymentID == *tx.ExternalPaymentID {
			return fmt.Errorf("external payment id %s: %w", *tx.ExternalPaymentID, ErrDuplicate)
		}
	}
	now := u.now()
	tx.CreatedAt, tx.UpdatedAt = now, now
	u.st.transactions[tx.ID] = *tx
	return nil
}

func (u *memUnit) CreateVoteTransaction(_ context.Context, vt *domain.VoteTransaction) error {
	if _, ok := u.st.transactions[vt.PaymentID]; !ok {
		return fmt.Errorf("payment %s: %w", vt.PaymentID, ErrNotFound)
	}
	vt.CreatedAt = u.now()
	u.st.votes[vt.ID] = *vt
	return nil
}

func (u *memUnit) CreateTicketSale(_ context.Context, sale *domain.TicketSale) error {
	if _, ok := u.st.transactions[sale.PaymentID]; !ok {
		return fmt.Errorf("payment %s: %w", sale.PaymentID, ErrNotFound)
	}
	sale.CreatedAt = u.now()
	u.st.sales[sale.ID] = *sale
	return nil
}

func (u *memUnit) CreateOTP(_ context.Context, otp *domain.OTPChallenge) error {
	otp.UpdatedAt = u.now()
	u.st.otps[otp.ID] = *otp
	return nil
}

func (u *memUnit) CreateWithdrawal(_ context.Context, w *domain.WithdrawalTransaction) error {
	w.CreatedAt = u.now()
	u.st.withdrawals[w.ID] = *w
	return nil
}

func (u *memUnit) SetTransactionStatus(_ context.Context, id uuid.UUID, from, to domain.TransactionStatus) error {
	if !domain.IsValidTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	tx, ok := u.st.transactions[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status != from {
		return ErrAlreadyProcessed
	}
	tx.Status = to
	tx.UpdatedAt = u.now()
	u.st.transactions[id] = tx
	return nil
}

func (u *memUnit) LockVoteTransaction(_ context.Context, paymentID uuid.UUID) (*domain.VoteTransaction, error) {
	return u.st.voteByPayment(paymentID)
}

func (u *memUnit) VerifyVoteTransaction(_ context.Context, vt *domain.VoteTransaction) error {
	stored, ok := u.st.votes[vt.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.IsVerified {
		return ErrAlreadyProcessed
	}
	c, ok := u.st.candidates[stored.CandidateID]
	if !ok {
		return fmt.Errorf("candidate %s: %w", stored.CandidateID, ErrNotFound)
	}
	stored.IsVerified = true
	c.VoteCount += int64(stored.VoteCount)
	u.st.votes[stored.ID] = stored
	u.st.candidates[c.ID] = c
	vt.IsVerified = true
	return nil
}

func (u *memUnit) LockTicketSale(_ context.Context, paymentID uuid.UUID) (*domain.TicketSale, error) {
	return u.st.saleByPayment(paymentID)
}

func (u *memUnit) FulfillTicketSale(_ context.Context, sale *domain.TicketSale) error {
	stored, ok := u.st.sales[sale.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.IsFulfilled {
		return ErrAlreadyProcessed
	}
	t, ok := u.st.tickets[stored.TicketID]
	if !ok {
		return fmt.Errorf("ticket %s: %w", stored.TicketID, ErrNotFound)
	}
	stored.IsFulfilled = true
	t.Sold += stored.Quantity
	u.st.sales[stored.ID] = stored
	u.st.tickets[t.ID] = t
	sale.IsFulfilled = true
	return nil
}

func (u *memUnit) HoldFunds(_ context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	usr, ok := u.st.users[userID]
	if !ok {
		return ErrNotFound
	}
	if usr.Available().LessThan(amount) {
		return ErrInsufficientFunds
	}
	usr.Held = usr.Held.Add(amount)
	u.st.users[userID] = usr
	return nil
}

func (u *memUnit) ReleaseHold(_ context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	usr, ok := u.st.users[userID]
	if !ok {
		return ErrNotFound
	}
	if usr.Held.LessThan(amount) {
		return fmt.Errorf("release %s of %s held: %w", amount, usr.Held, ErrInsufficientFunds)
	}
	usr.Held = usr.Held.Sub(amount)
	u.st.users[userID] = usr
	return nil
}

func (u *memUnit) DebitHeld(_ context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	usr, ok := u.st.users[userID]
	if !ok {
		return ErrNotFound
	}
	if usr.Held.LessThan(amount) || usr.Balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	usr.Held = usr.Held.Sub(amount)
	usr.Balance = usr.Balance.Sub(amount)
	u.st.users[userID] = usr
	return nil
}

func (u *memUnit) LockOTP(_ context.Context, id uuid.UUID) (*domain.OTPChallenge, error) {
	return lookup(u.st.otps, id)
}

func (u *memUnit) MarkOTPUsed(_ context.Context, id uuid.UUID) error {
	otp, ok := u.st.otps[id]
	if !ok {
		return ErrNotFound
	}
	if otp.IsUsed {
		return ErrAlreadyProcessed
	}
	otp.IsUsed = true
	otp.UpdatedAt = u.now()
	u.st.otps[id] = otp
	return nil
}

func (u *memUnit) ReplaceOTP(_ context.Context, id uuid.UUID, codeHash string, expiresAt time.Time) error {
	otp, ok := u.st.otps[id]
	if !ok {
		return ErrNotFound
	}
	if otp.IsUsed {
		return ErrAlreadyProcessed
	}
	otp.CodeHash = codeHash
	otp.ExpiresAt = expiresAt
	otp.UpdatedAt = u.now()
	u.st.otps[id] = otp
	return nil
}

func (u *memUnit) SetWithdrawalStatus(_ context.Context, id uuid.UUID, from, to domain.WithdrawalStatus) error {
	w, ok := u.st.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status != from {
		return ErrAlreadyProcessed
	}
	w.Status = to
	w.IsVerified = to == domain.WithdrawalVerified
	u.st.withdrawals[id] = w
	return nil
}
