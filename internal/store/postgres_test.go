package store

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/punchamoorthee/securevote/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgres connects to LEDGER_TEST_DATABASE_URL or skips.
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgres(pool)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seedPostgresCandidate(t *testing.T, s *Postgres) func(domain.Candidate) {
	return func(c domain.Candidate) {
		ctx := context.Background()
		userID, eventID := uuid.New(), c.EventID
		_, err := s.Db.Exec(ctx, "INSERT INTO users (id, email) VALUES ($1, $2)", userID, userID.String()+"@example.com")
		require.NoError(t, err)
		_, err = s.Db.Exec(ctx, "INSERT INTO events (id, user_id, name, amount_per_vote) VALUES ($1, $2, 'Awards', 5)", eventID, userID)
		require.NoError(t, err)
		_, err = s.Db.Exec(ctx, "INSERT INTO candidates (id, event_id, name) VALUES ($1, $2, $3)", c.ID, eventID, c.Name)
		require.NoError(t, err)
	}
}

func TestPostgres_ConcurrentVerification(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	f := seedVote(t, s, seedPostgresCandidate(t, s))
	key := LockKey{Gateway: domain.GatewayPaystack, ExternalID: *f.tx.ExternalPaymentID}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = verify(ctx, s, key)
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, err := range errs {
		if err == nil {
			applied++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyProcessed)
	}
	assert.Equal(t, 1, applied)

	c, err := s.GetCandidate(ctx, f.candidate.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.VoteCount)

	vt, err := s.GetVoteTransaction(ctx, f.tx.ID)
	require.NoError(t, err)
	assert.True(t, vt.IsVerified)
}

func TestPostgres_HoldFunds(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	userID := uuid.New()
	_, err := s.Db.Exec(ctx, "INSERT INTO users (id, email, balance) VALUES ($1, $2, 150)", userID, userID.String()+"@example.com")
	require.NoError(t, err)

	err = s.WithUnitOfWork(ctx, func(uow UnitOfWork) error {
		return uow.HoldFunds(ctx, userID, decimal.NewFromInt(200))
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	err = s.WithUnitOfWork(ctx, func(uow UnitOfWork) error {
		return uow.HoldFunds(ctx, uuid.New(), decimal.NewFromInt(1))
	})
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.WithUnitOfWork(ctx, func(uow UnitOfWork) error {
		return uow.HoldFunds(ctx, userID, decimal.NewFromInt(150))
	})
	require.NoError(t, err)

	u, err := s.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.True(t, u.Available().IsZero())
}

func TestPostgres_WebhookLogs(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	instance := uuid.NewString()
	log := &domain.WebhookLog{Gateway: domain.GatewayPaystack, Product: domain.ProductUnknown, Payload: `{"event":"charge.success"}`}
	require.NoError(t, s.InsertWebhookLog(ctx, log))
	require.NoError(t, s.MarkWebhookLogValid(ctx, log.ID, "charge.success", domain.ProductVote, instance))

	logs, err := s.ListWebhookLogs(ctx, instance, domain.ProductVote)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].IsValid)
	assert.Equal(t, "charge.success", logs[0].Event)
}
