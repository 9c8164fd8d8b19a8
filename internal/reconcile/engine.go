package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/punchamoorthee/securevote/internal/store"
	"github.com/punchamoorthee/securevote/internal/webhook"
	"github.com/shopspring/decimal"
)

var (
	ErrUnauthenticated  = errors.New("webhook authentication failed")
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrUnknownGateway   = errors.New("unknown gateway")
	ErrUnknownInstance  = errors.New("no such vote or ticket sale")
)

// Metrics
var (
	webhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "securevote_webhooks_total",
		Help: "Inbound webhooks by gateway and outcome",
	}, []string{"gateway", "outcome"})

	webhookAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "securevote_webhook_anomalies_total",
		Help: "Authenticated webhooks that disagreed with the local record",
	}, []string{"gateway", "kind"})
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnderpaid Outcome = "underpaid"
	OutcomeMismatch  Outcome = "product_mismatch"
	OutcomeCurrency  Outcome = "currency_mismatch"
	OutcomeRejected  Outcome = "rejected"
	OutcomeMalformed Outcome = "malformed"
)

// Result describes what a delivery did. Every outcome except rejected and
// malformed is an acknowledgment the gateway must not retry.
type Result struct {
	LogID         uuid.UUID
	Outcome       Outcome
	TransactionID uuid.UUID
	Anomaly       string
}

// Config injects the per-gateway verifiers and the underpayment policy.
type Config struct {
	Paystack webhook.Verifier
	Hubtel   webhook.Verifier
	// BlockUnderpayment fails a payment whose settled amount is below the expected amount.
	// When false the shortfall is only recorded.
	BlockUnderpayment bool
}

type source struct {
	verifier webhook.Verifier
	decode   func(body []byte) (*notification, error)
}

// notification is a decoded, gateway-neutral view of a delivery.
type notification struct {
	event      string
	ignored    bool
	key        store.LockKey
	fallback   *store.LockKey
	product    domain.Product
	instanceID string
	succeeded  bool
	failed     bool
	settled    decimal.Decimal
	// currency is empty when the gateway does not report one.
	currency string
}

// Engine turns authenticated gateway webhooks into exactly one state transition each.
type Engine struct {
	ledger            store.Ledger
	sources           map[domain.Gateway]source
	blockUnderpayment bool
	logger            *slog.Logger
}

func NewEngine(ledger store.Ledger, cfg Config, logger *slog.Logger) *Engine {
	e := &Engine{
		ledger:            ledger,
		sources:           map[domain.Gateway]source{},
		blockUnderpayment: cfg.BlockUnderpayment,
		logger:            logger,
	}
	if cfg.Paystack != nil {
		e.sources[domain.GatewayPaystack] = source{verifier: cfg.Paystack, decode: decodePaystack}
	}
	if cfg.Hubtel != nil {
		e.sources[domain.GatewayHubtel] = source{verifier: cfg.Hubtel, decode: decodeHubtel}
	}
	return e
}

// HandleWebhook records, authenticates and applies one delivery from gw.
// It returns ErrUnauthenticated or ErrMalformedPayload for deliveries that must be
// rejected; any other error is a local failure the gateway should retry.
func (e *Engine) HandleWebhook(ctx context.Context, gw domain.Gateway, req *webhook.Request) (*Result, error) {
	src, ok := e.sources[gw]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, gw)
	}

	entry := &domain.WebhookLog{
		Gateway: gw,
		Product: domain.ProductUnknown,
		Payload: sanitizePayload(req.Body),
	}
	if err := e.ledger.InsertWebhookLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("record webhook: %w", err)
	}
	res := &Result{LogID: entry.ID}

	if err := src.verifier.Verify(req); err != nil {
		e.logger.Warn("webhook rejected", "gateway", gw, "log_id", entry.ID, "remote_addr", req.RemoteAddr, "error", err)
		e.count(gw, res, OutcomeRejected)
		return res, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	n, err := src.decode(req.Body)
	if err != nil {
		e.logger.Warn("webhook payload invalid", "gateway", gw, "log_id", entry.ID, "error", err)
		if markErr := e.ledger.MarkWebhookLogValid(ctx, entry.ID, "", domain.ProductUnknown, ""); markErr != nil {
			return nil, fmt.Errorf("mark webhook log: %w", markErr)
		}
		e.annotate(ctx, gw, res, "malformed", err.Error())
		e.count(gw, res, OutcomeMalformed)
		return res, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	kind := n.product.Kind
	if kind == "" {
		kind = domain.ProductUnknown
	}
	if err := e.ledger.MarkWebhookLogValid(ctx, entry.ID, n.event, kind, n.instanceID); err != nil {
		return nil, fmt.Errorf("mark webhook log: %w", err)
	}

	if n.ignored {
		e.logger.Info("webhook event not handled", "gateway", gw, "event", n.event, "log_id", entry.ID)
		e.count(gw, res, OutcomeIgnored)
		return res, nil
	}

	located, err := e.apply(ctx, n, res)
	if err != nil {
		e.logger.Error("webhook processing failed", "gateway", gw, "log_id", entry.ID, "error", err)
		return nil, err
	}

	if n.product.IsZero() && !located.IsZero() {
		if err := e.ledger.MarkWebhookLogValid(ctx, entry.ID, n.event, located.Kind, located.InstanceID.String()); err != nil {
			e.logger.Error("mark webhook log", "log_id", entry.ID, "error", err)
		}
	}
	if res.Anomaly != "" {
		e.annotate(ctx, gw, res, string(res.Outcome), res.Anomaly)
	}

	e.logger.Info("webhook handled", "gateway", gw, "event", n.event, "outcome", res.Outcome,
		"transaction_id", res.TransactionID, "log_id", entry.ID)
	e.count(gw, res, res.Outcome)
	return res, nil
}

// errNoop aborts the unit of work without treating the delivery as a failure.
var errNoop = errors.New("no-op")

// apply runs the transition under the Transaction row lock and fills res.
func (e *Engine) apply(ctx context.Context, n *notification, res *Result) (domain.Product, error) {
	var located domain.Product

	fn := func(uow store.UnitOfWork, tx *domain.Transaction) error {
		res.TransactionID = tx.ID
		located = tx.Product

		if tx.Status != domain.StatusPending {
			return store.ErrAlreadyProcessed
		}
		if !n.product.IsZero() && n.product != tx.Product {
			res.Outcome = OutcomeMismatch
			res.Anomaly = fmt.Sprintf("product mismatch: webhook %s %s, transaction %s %s",
				n.product.Kind, n.product.InstanceID, tx.Product.Kind, tx.Product.InstanceID)
			return errNoop
		}

		if n.failed {
			res.Outcome = OutcomeFailed
			return uow.SetTransactionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusFailed)
		}

		if want := expectedCurrency(tx); n.currency != "" && !strings.EqualFold(n.currency, want) {
			res.Outcome = OutcomeCurrency
			res.Anomaly = fmt.Sprintf("currency mismatch: expected %s, settled %s %s", want, n.settled.StringFixed(2), strings.ToUpper(n.currency))
			if e.blockUnderpayment {
				return uow.SetTransactionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusFailed)
			}
			return errNoop
		}

		if n.settled.LessThan(tx.Amount) {
			res.Anomaly = fmt.Sprintf("underpaid: expected %s, settled %s", tx.Amount.StringFixed(2), n.settled.StringFixed(2))
			if e.blockUnderpayment {
				res.Outcome = OutcomeUnderpaid
				return uow.SetTransactionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusFailed)
			}
		}

		if err := uow.SetTransactionStatus(ctx, tx.ID, domain.StatusPending, domain.StatusSuccess); err != nil {
			return err
		}
		if err := fulfil(ctx, uow, tx); err != nil {
			return err
		}
		res.Outcome = OutcomeApplied
		return nil
	}

	err := e.ledger.WithLockedTransaction(ctx, n.key, fn)
	if errors.Is(err, store.ErrNotFound) && res.TransactionID == uuid.Nil && n.fallback != nil {
		err = e.ledger.WithLockedTransaction(ctx, *n.fallback, fn)
	}

	switch {
	case err == nil, errors.Is(err, errNoop):
	case errors.Is(err, store.ErrAlreadyProcessed):
		res.Outcome = OutcomeDuplicate
	case errors.Is(err, store.ErrNotFound):
		res.Outcome = OutcomeNotFound
		if res.TransactionID != uuid.Nil {
			res.Anomaly = fmt.Sprintf("transaction %s has no matching %s record: %v", res.TransactionID, located.Kind, err)
		}
	default:
		return located, err
	}
	return located, nil
}

func expectedCurrency(tx *domain.Transaction) string {
	if tx.Currency == "" {
		return domain.DefaultCurrency
	}
	return tx.Currency
}

// fulfil applies the product side effect of a successful payment.
func fulfil(ctx context.Context, uow store.UnitOfWork, tx *domain.Transaction) error {
	switch tx.Product.Kind {
	case domain.ProductVote:
		vt, err := uow.LockVoteTransaction(ctx, tx.ID)
		if err != nil {
			return err
		}
		if vt.IsVerified {
			return store.ErrAlreadyProcessed
		}
		return uow.VerifyVoteTransaction(ctx, vt)
	case domain.ProductTicket:
		sale, err := uow.LockTicketSale(ctx, tx.ID)
		if err != nil {
			return err
		}
		if sale.IsFulfilled {
			return store.ErrAlreadyProcessed
		}
		return uow.FulfillTicketSale(ctx, sale)
	default:
		return fmt.Errorf("transaction %s: %w", tx.ID, store.ErrNotFound)
	}
}

func (e *Engine) annotate(ctx context.Context, gw domain.Gateway, res *Result, kind, note string) {
	res.Anomaly = note
	webhookAnomalies.WithLabelValues(string(gw), kind).Inc()
	e.logger.Warn("webhook anomaly", "gateway", gw, "log_id", res.LogID, "transaction_id", res.TransactionID, "anomaly", note)
	if err := e.ledger.AnnotateWebhookLog(ctx, res.LogID, note); err != nil {
		e.logger.Error("annotate webhook log", "log_id", res.LogID, "error", err)
	}
}

func (e *Engine) count(gw domain.Gateway, res *Result, outcome Outcome) {
	res.Outcome = outcome
	webhooksTotal.WithLabelValues(string(gw), string(outcome)).Inc()
}

// Logs returns the audit trail for a product instance, newest first.
// Logs returns the deliveries recorded for a vote or ticket sale of one of organizerID's events.
// Instances owned by someone else are reported as unknown.
func (e *Engine) Logs(ctx context.Context, organizerID uuid.UUID, instanceID string, product domain.ProductKind) ([]domain.WebhookLog, error) {
	id, err := uuid.Parse(instanceID)
	if err != nil {
		return nil, ErrUnknownInstance
	}
	owner, err := e.ledger.InstanceOwner(ctx, product, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && owner != organizerID) {
		return nil, ErrUnknownInstance
	}
	if err != nil {
		return nil, err
	}
	return e.ledger.ListWebhookLogs(ctx, id.String(), product)
}

func sanitizePayload(body []byte) string {
	return strings.ToValidUTF8(strings.ReplaceAll(string(body), "\x00", ""), "�")
}
