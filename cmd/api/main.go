package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/securevote/internal/api"
	"github.com/punchamoorthee/securevote/internal/config"
	"github.com/punchamoorthee/securevote/internal/gateway"
	"github.com/punchamoorthee/securevote/internal/logging"
	"github.com/punchamoorthee/securevote/internal/notify"
	"github.com/punchamoorthee/securevote/internal/otp"
	"github.com/punchamoorthee/securevote/internal/reconcile"
	"github.com/punchamoorthee/securevote/internal/service"
	"github.com/punchamoorthee/securevote/internal/store"
	"github.com/punchamoorthee/securevote/internal/sweeper"
	"github.com/punchamoorthee/securevote/internal/webhook"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Env, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	allowList, err := webhook.NewIPAllowList(cfg.AllowedHubtelIPs, cfg.TrustedProxies)
	if err != nil {
		return err
	}
	if cfg.PaystackSecretKey == "" {
		logger.Warn("PAYSTACK_SECRET_KEY is not set; paystack webhooks will be rejected")
	}
	engine := reconcile.NewEngine(ledger, reconcile.Config{
		Paystack:          webhook.NewPaystackVerifier(cfg.PaystackSecretKey),
		Hubtel:            allowList,
		BlockUnderpayment: cfg.BlockUnderpayment,
	}, logger)

	client := gateway.NewHTTPClient(cfg.GatewayTimeout)
	payments := service.NewPaymentService(ledger,
		gateway.NewPaystack(cfg.PaystackBaseURL, cfg.PaystackSecretKey, cfg.PaystackEmailDomain, client),
		gateway.NewHubtel(cfg.HubtelBaseURL, cfg.HubtelAuthBase64, cfg.HubtelCallbackURL, client),
		cfg.GatewayTimeout, logger)

	var notifier notify.Notifier = notify.Log{Logger: logger}
	if cfg.SMSAPIKey != "" {
		notifier = notify.NewArkesel("", cfg.SMSAPIKey, cfg.SMSSender, cfg.Env != "production", logger)
	}
	withdrawals := service.NewWithdrawalService(ledger, otp.NewIssuer(bcrypt.DefaultCost), notifier, cfg.OTPTTL, logger)

	handler := api.NewHandler(engine, payments, withdrawals, logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, api.NewAuthenticator(cfg.JWTSecret), logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	sweep := sweeper.New(ledger, cfg.SweepInterval, cfg.PendingPaymentTTL, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Env, "backend", cfg.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweep.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Ledger, func(), error) {
	if cfg.Backend == config.BackendMemory {
		logger.Warn("using in-memory ledger; state is lost on restart")
		return store.NewMemory(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.DBSource)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
