package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

// Postgres is the production Ledger. Row locks are taken with SELECT ... FOR UPDATE
// inside the pgx transaction that applies the change.
type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Db: pool}
}

// Connect parses connString, opens a pool and pings it.
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const transactionColumns = `id, amount, method, provider, phone_number, gateway, reference,
	external_payment_id, currency, status, type, product_kind, product_id, description, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	var productID uuid.NullUUID
	err := row.Scan(&tx.ID, &tx.Amount, &tx.Method, &tx.Provider, &tx.PhoneNumber, &tx.Gateway, &tx.Reference,
		&tx.ExternalPaymentID, &tx.Currency, &tx.Status, &tx.Type, &tx.Product.Kind, &productID,
		&tx.Description, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if productID.Valid {
		tx.Product.InstanceID = productID.UUID
	}
	return &tx, nil
}

const withdrawalColumns = `id, user_id, amount, payment_id, otp_id, status, is_verified, created_at`

func scanWithdrawal(row pgx.Row) (*domain.WithdrawalTransaction, error) {
	var w domain.WithdrawalTransaction
	err := row.Scan(&w.ID, &w.UserID, &w.Amount, &w.PaymentID, &w.OTPID, &w.Status, &w.IsVerified, &w.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *Postgres) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := s.Db.QueryRow(ctx,
		"SELECT id, email, phone, organization_name, balance, held FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Email, &u.Phone, &u.OrganizationName, &u.Balance, &u.Held)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *Postgres) GetEvent(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	var e domain.Event
	var start, end *time.Time
	err := s.Db.QueryRow(ctx,
		"SELECT id, user_id, name, amount_per_vote, start_time, end_time, is_active, is_blocked FROM events WHERE id = $1", id,
	).Scan(&e.ID, &e.OrganizerID, &e.Name, &e.AmountPerVote, &start, &end, &e.IsActive, &e.IsBlocked)
	if err != nil {
		return nil, notFound(err)
	}
	if start != nil {
		e.StartTime = *start
	}
	if end != nil {
		e.EndTime = *end
	}
	return &e, nil
}

func (s *Postgres) GetCandidate(ctx context.Context, id uuid.UUID) (*domain.Candidate, error) {
	var c domain.Candidate
	err := s.Db.QueryRow(ctx,
		"SELECT id, event_id, name, vote_count, is_blocked FROM candidates WHERE id = $1", id,
	).Scan(&c.ID, &c.EventID, &c.Name, &c.VoteCount, &c.IsBlocked)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Postgres) GetTicket(ctx context.Context, id uuid.UUID) (*domain.Ticket, error) {
	var t domain.Ticket
	err := s.Db.QueryRow(ctx,
		"SELECT id, event_id, type, price, quantity, sold, is_active FROM tickets WHERE id = $1", id,
	).Scan(&t.ID, &t.EventID, &t.Type, &t.Price, &t.Quantity, &t.Sold, &t.IsActive)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *Postgres) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(s.Db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id))
}

const voteColumns = "id, candidate_id, vote_count, payment_id, is_verified, created_at"

func scanVote(row pgx.Row) (*domain.VoteTransaction, error) {
	var vt domain.VoteTransaction
	err := row.Scan(&vt.ID, &vt.CandidateID, &vt.VoteCount, &vt.PaymentID, &vt.IsVerified, &vt.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &vt, nil
}

const saleColumns = `id, ticket_id, payment_id, quantity, customer_name, recipient_contact, recipient_email,
	is_fulfilled, created_at`

func scanSale(row pgx.Row) (*domain.TicketSale, error) {
	var ts domain.TicketSale
	err := row.Scan(&ts.ID, &ts.TicketID, &ts.PaymentID, &ts.Quantity, &ts.CustomerName, &ts.RecipientContact,
		&ts.RecipientEmail, &ts.IsFulfilled, &ts.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &ts, nil
}

func (s *Postgres) GetVoteTransaction(ctx context.Context, paymentID uuid.UUID) (*domain.VoteTransaction, error) {
	return scanVote(s.Db.QueryRow(ctx, "SELECT "+voteColumns+" FROM vote_transactions WHERE payment_id = $1", paymentID))
}

func (s *Postgres) GetTicketSale(ctx context.Context, paymentID uuid.UUID) (*domain.TicketSale, error) {
	return scanSale(s.Db.QueryRow(ctx, "SELECT "+saleColumns+" FROM ticket_sales WHERE payment_id = $1", paymentID))
}

func (s *Postgres) GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.WithdrawalTransaction, error) {
	return scanWithdrawal(s.Db.QueryRow(ctx, "SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = $1", id))
}

func (s *Postgres) ListVoteTransactions(ctx context.Context, organizerID uuid.UUID) ([]domain.VoteTransaction, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT vt.id, vt.candidate_id, vt.vote_count, vt.payment_id, vt.is_verified, vt.created_at
		FROM vote_transactions vt
		JOIN candidates c ON c.id = vt.candidate_id
		JOIN events e ON e.id = c.event_id
		WHERE e.user_id = $1
		ORDER BY vt.created_at DESC`, organizerID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanVote)
}

func (s *Postgres) ListWithdrawals(ctx context.Context, userID uuid.UUID, status domain.WithdrawalStatus) ([]domain.WithdrawalTransaction, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+withdrawalColumns+" FROM withdrawals WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC",
		userID, status)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanWithdrawal)
}

func (s *Postgres) ListStalePayments(ctx context.Context, cutoff time.Time) ([]domain.Transaction, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+transactionColumns+` FROM transactions
		WHERE type = 'payment' AND status = 'pending' AND external_payment_id IS NULL AND created_at < $1
		ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanTransaction)
}

func (s *Postgres) ListExpiredWithdrawals(ctx context.Context, cutoff time.Time) ([]domain.WithdrawalTransaction, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT w.id, w.user_id, w.amount, w.payment_id, w.otp_id, w.status, w.is_verified, w.created_at
		FROM withdrawals w
		JOIN otp_challenges o ON o.id = w.otp_id
		WHERE w.status = 'otp_issued' AND o.expires_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanWithdrawal)
}

func (s *Postgres) InsertWebhookLog(ctx context.Context, log *domain.WebhookLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.ReceivedAt.IsZero() {
		log.ReceivedAt = time.Now()
	}
	_, err := s.Db.Exec(ctx, `
		INSERT INTO webhook_logs (id, gateway, event, product, instance_id, payload, is_valid, anomaly, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		log.ID, log.Gateway, log.Event, log.Product, log.InstanceID, log.Payload, log.IsValid, log.Anomaly, log.ReceivedAt)
	if err != nil {
		return fmt.Errorf("webhook log insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) MarkWebhookLogValid(ctx context.Context, id uuid.UUID, event string, product domain.ProductKind, instanceID string) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE webhook_logs SET is_valid = TRUE, event = $2, product = $3, instance_id = $4 WHERE id = $1",
		id, event, product, instanceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) AnnotateWebhookLog(ctx context.Context, id uuid.UUID, anomaly string) error {
	tag, err := s.Db.Exec(ctx, "UPDATE webhook_logs SET anomaly = $2 WHERE id = $1", id, anomaly)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListWebhookLogs(ctx context.Context, instanceID string, product domain.ProductKind) ([]domain.WebhookLog, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT id, gateway, event, product, instance_id, payload, is_valid, anomaly, received_at
		FROM webhook_logs
		WHERE ($1::text = '' OR instance_id = $1) AND ($2::text = '' OR product = $2)
		ORDER BY received_at DESC`, instanceID, string(product))
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row pgx.Row) (*domain.WebhookLog, error) {
		var l domain.WebhookLog
		err := row.Scan(&l.ID, &l.Gateway, &l.Event, &l.Product, &l.InstanceID, &l.Payload, &l.IsValid, &l.Anomaly, &l.ReceivedAt)
		return &l, err
	})
}

func (s *Postgres) InstanceOwner(ctx context.Context, product domain.ProductKind, instanceID uuid.UUID) (uuid.UUID, error) {
	var owner uuid.UUID
	err := s.Db.QueryRow(ctx, `
		SELECT e.user_id FROM vote_transactions vt
		JOIN candidates c ON c.id = vt.candidate_id
		JOIN events e ON e.id = c.event_id
		WHERE vt.id = $1 AND $2::text <> 'ticket'
		UNION ALL
		SELECT e.user_id FROM ticket_sales ts
		JOIN tickets t ON t.id = ts.ticket_id
		JOIN events e ON e.id = t.event_id
		WHERE ts.id = $1 AND $2::text <> 'vote'
		LIMIT 1`, instanceID, string(product)).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return owner, err
}

func (s *Postgres) SetExternalPaymentID(ctx context.Context, txID uuid.UUID, externalID string) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE transactions SET external_payment_id = $2, updated_at = now() WHERE id = $1", txID, externalID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("external payment id %s: %w", externalID, ErrDuplicate)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) FinishIdempotencyKey(ctx context.Context, rec *domain.IdempotencyRecord) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE idempotency_keys SET status = $2, transaction_id = $3, response_status = $4, response_body = $5 WHERE key = $1",
		rec.Key, rec.Status, rec.TransactionID, rec.ResponseStatus, []byte(rec.ResponseBody))
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) WithUnitOfWork(ctx context.Context, fn func(UnitOfWork) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgUnit{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *Postgres) WithLockedTransaction(ctx context.Context, key LockKey, fn func(UnitOfWork, *domain.Transaction) error) error {
	return s.WithUnitOfWork(ctx, func(uow UnitOfWork) error {
		u := uow.(*pgUnit)

		var row pgx.Row
		switch {
		case key.ExternalID != "":
			row = u.tx.QueryRow(ctx,
				"SELECT "+transactionColumns+" FROM transactions WHERE gateway = $1 AND external_payment_id = $2 FOR UPDATE",
				key.Gateway, key.ExternalID)
		case key.Gateway != "":
			row = u.tx.QueryRow(ctx,
				"SELECT "+transactionColumns+" FROM transactions WHERE gateway = $1 AND reference = $2 FOR UPDATE",
				key.Gateway, key.Reference)
		default:
			row = u.tx.QueryRow(ctx,
				"SELECT "+transactionColumns+" FROM transactions WHERE reference = $1 FOR UPDATE", key.Reference)
		}

		locked, err := scanTransaction(row)
		if err != nil {
			return err
		}
		return fn(u, locked)
	})
}

func (s *Postgres) WithLockedWithdrawal(ctx context.Context, id uuid.UUID, fn func(UnitOfWork, *domain.WithdrawalTransaction) error) error {
	return s.WithUnitOfWork(ctx, func(uow UnitOfWork) error {
		u := uow.(*pgUnit)
		w, err := scanWithdrawal(u.tx.QueryRow(ctx,
			"SELECT "+withdrawalColumns+" FROM withdrawals WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return err
		}
		return fn(u, w)
	})
}

type pgUnit struct {
	tx pgx.Tx
}

func (u *pgUnit) ReserveIdempotencyKey(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var status *int
	var body []byte
	err := u.tx.QueryRow(ctx,
		"SELECT key, request_hash, status, response_status, response_body, transaction_id FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&rec.Key, &rec.RequestHash, &rec.Status, &status, &body, &rec.TransactionID)

	if err == nil {
		if rec.RequestHash != requestHash {
			return nil, ErrIdempotencyMismatch
		}
		if rec.Status == domain.IdempotencyInProgress {
			return nil, ErrIdempotencyConflict
		}
		if status != nil {
			rec.ResponseStatus = *status
		}
		rec.ResponseBody = body
		return &rec, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	_, err = u.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, 'in_progress')",
		key, requestHash)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrIdempotencyConflict
		}
		return nil, fmt.Errorf("key reservation failed: %w", err)
	}
	return nil, nil
}

func (u *pgUnit) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	var productID uuid.NullUUID
	if tx.Product.InstanceID != uuid.Nil {
		productID = uuid.NullUUID{UUID: tx.Product.InstanceID, Valid: true}
	}
	err := u.tx.QueryRow(ctx, `
		INSERT INTO transactions (id, amount, method, provider, phone_number, gateway, reference,
			external_payment_id, currency, status, type, product_kind, product_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`,
		tx.ID, tx.Amount, tx.Method, tx.Provider, tx.PhoneNumber, tx.Gateway, tx.Reference,
		tx.ExternalPaymentID, tx.Currency, tx.Status, tx.Type, tx.Product.Kind, productID, tx.Description,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", tx.Reference, ErrDuplicate)
		}
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

func (u *pgUnit) CreateVoteTransaction(ctx context.Context, vt *domain.VoteTransaction) error {
	err := u.tx.QueryRow(ctx, `
		INSERT INTO vote_transactions (id, candidate_id, vote_count, payment_id, is_verified)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		vt.ID, vt.CandidateID, vt.VoteCount, vt.PaymentID, vt.IsVerified,
	).Scan(&vt.CreatedAt)
	if err != nil {
		return fmt.Errorf("vote transaction insert failed: %w", err)
	}
	return nil
}

func (u *pgUnit) CreateTicketSale(ctx context.Context, sale *domain.TicketSale) error {
	err := u.tx.QueryRow(ctx, `
		INSERT INTO ticket_sales (id, ticket_id, payment_id, quantity, customer_name, recipient_contact, recipient_email)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
		sale.ID, sale.TicketID, sale.PaymentID, sale.Quantity, sale.CustomerName, sale.RecipientContact, sale.RecipientEmail,
	).Scan(&sale.CreatedAt)
	if err != nil {
		return fmt.Errorf("ticket sale insert failed: %w", err)
	}
	return nil
}

func (u *pgUnit) CreateOTP(ctx context.Context, otp *domain.OTPChallenge) error {
	err := u.tx.QueryRow(ctx, `
		INSERT INTO otp_challenges (id, request_id, code_hash, expires_at) VALUES ($1, $2, $3, $4)
		RETURNING updated_at`,
		otp.ID, otp.RequestID, otp.CodeHash, otp.ExpiresAt,
	).Scan(&otp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("otp insert failed: %w", err)
	}
	return nil
}

func (u *pgUnit) CreateWithdrawal(ctx context.Context, w *domain.WithdrawalTransaction) error {
	err := u.tx.QueryRow(ctx, `
		INSERT INTO withdrawals (id, user_id, amount, payment_id, otp_id, status, is_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`,
		w.ID, w.UserID, w.Amount, w.PaymentID, w.OTPID, w.Status, w.IsVerified,
	).Scan(&w.CreatedAt)
	if err != nil {
		return fmt.Errorf("withdrawal insert failed: %w", err)
	}
	return nil
}

func (u *pgUnit) SetTransactionStatus(ctx context.Context, id uuid.UUID, from, to domain.TransactionStatus) error {
	if !domain.IsValidTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	tag, err := u.tx.Exec(ctx,
		"UPDATE transactions SET status = $3, updated_at = now() WHERE id = $1 AND status = $2", id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

func (u *pgUnit) LockVoteTransaction(ctx context.Context, paymentID uuid.UUID) (*domain.VoteTransaction, error) {
	return scanVote(u.tx.QueryRow(ctx,
		"SELECT "+voteColumns+" FROM vote_transactions WHERE payment_id = $1 FOR UPDATE", paymentID))
}

func (u *pgUnit) VerifyVoteTransaction(ctx context.Context, vt *domain.VoteTransaction) error {
	tag, err := u.tx.Exec(ctx,
		"UPDATE vote_transactions SET is_verified = TRUE WHERE id = $1 AND is_verified = FALSE", vt.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}

	tag, err = u.tx.Exec(ctx,
		"UPDATE candidates SET vote_count = vote_count + $1 WHERE id = $2", vt.VoteCount, vt.CandidateID)
	if err != nil {
		return fmt.Errorf("candidate increment failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("candidate %s: %w", vt.CandidateID, ErrNotFound)
	}
	vt.IsVerified = true
	return nil
}

func (u *pgUnit) LockTicketSale(ctx context.Context, paymentID uuid.UUID) (*domain.TicketSale, error) {
	return scanSale(u.tx.QueryRow(ctx,
		"SELECT "+saleColumns+" FROM ticket_sales WHERE payment_id = $1 FOR UPDATE", paymentID))
}

func (u *pgUnit) FulfillTicketSale(ctx context.Context, sale *domain.TicketSale) error {
	tag, err := u.tx.Exec(ctx,
		"UPDATE ticket_sales SET is_fulfilled = TRUE WHERE id = $1 AND is_fulfilled = FALSE", sale.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}

	tag, err = u.tx.Exec(ctx, "UPDATE tickets SET sold = sold + $1 WHERE id = $2", sale.Quantity, sale.TicketID)
	if err != nil {
		return fmt.Errorf("ticket increment failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ticket %s: %w", sale.TicketID, ErrNotFound)
	}
	sale.IsFulfilled = true
	return nil
}

func (u *pgUnit) HoldFunds(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	tag, err := u.tx.Exec(ctx,
		"UPDATE users SET held = held + $1 WHERE id = $2 AND balance - held >= $1", amount, userID)
	if err != nil {
		return fmt.Errorf("hold failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := u.tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInsufficientFunds
	}
	return nil
}

func (u *pgUnit) ReleaseHold(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	tag, err := u.tx.Exec(ctx,
		"UPDATE users SET held = held - $1 WHERE id = $2 AND held >= $1", amount, userID)
	if err != nil {
		return fmt.Errorf("release failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (u *pgUnit) DebitHeld(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) error {
	tag, err := u.tx.Exec(ctx,
		"UPDATE users SET balance = balance - $1, held = held - $1 WHERE id = $2 AND held >= $1 AND balance >= $1",
		amount, userID)
	if err != nil {
		return fmt.Errorf("debit failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (u *pgUnit) LockOTP(ctx context.Context, id uuid.UUID) (*domain.OTPChallenge, error) {
	var o domain.OTPChallenge
	err := u.tx.QueryRow(ctx,
		"SELECT id, request_id, code_hash, expires_at, is_used, updated_at FROM otp_challenges WHERE id = $1 FOR UPDATE", id,
	).Scan(&o.ID, &o.RequestID, &o.CodeHash, &o.ExpiresAt, &o.IsUsed, &o.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (u *pgUnit) MarkOTPUsed(ctx context.Context, id uuid.UUID) error {
	tag, err := u.tx.Exec(ctx,
		"UPDATE otp_challenges SET is_used = TRUE, updated_at = now() WHERE id = $1 AND is_used = FALSE", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

func (u *pgUnit) ReplaceOTP(ctx context.Context, id uuid.UUID, codeHash string, expiresAt time.Time) error {
	tag, err := u.tx.Exec(ctx,
		"UPDATE otp_challenges SET code_hash = $2, expires_at = $3, updated_at = now() WHERE id = $1 AND is_used = FALSE",
		id, codeHash, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

func (u *pgUnit) SetWithdrawalStatus(ctx context.Context, id uuid.UUID, from, to domain.WithdrawalStatus) error {
	tag, err := u.tx.Exec(ctx,
		"UPDATE withdrawals SET status = $3, is_verified = ($3 = 'verified') WHERE id = $1 AND status = $2",
		id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}
