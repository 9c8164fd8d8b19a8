package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	DBSource string
	Port     string
	Env      string
	Backend  string

	PaystackSecretKey   string
	PaystackBaseURL     string
	PaystackEmailDomain string

	HubtelBaseURL     string
	HubtelAuthBase64  string
	HubtelCallbackURL string
	AllowedHubtelIPs  []string
	TrustedProxies    []string

	JWTSecret string
	SMSAPIKey string
	SMSSender string

	GatewayTimeout    time.Duration
	OTPTTL            time.Duration
	PendingPaymentTTL time.Duration
	SweepInterval     time.Duration
	BlockUnderpayment bool
}

// Load reads the environment, after loading a .env file when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds the config from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		DBSource: getenv("DB_SOURCE"),
		Port:     withDefault(getenv("SERVER_PORT"), "8080"),
		Env:      withDefault(getenv("ENVIRONMENT"), "development"),
		Backend:  withDefault(getenv("LEDGER_BACKEND"), BackendPostgres),

		PaystackSecretKey:   getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:     withDefault(getenv("PAYSTACK_BASE_URL"), "https://api.paystack.co"),
		PaystackEmailDomain: withDefault(getenv("PAYSTACK_EMAIL_DOMAIN"), "securevote.app"),

		HubtelBaseURL:     withDefault(getenv("HUBTEL_BASE_URL"), "https://payproxyapi.hubtel.com"),
		HubtelAuthBase64:  getenv("HUBTEL_AUTH_BASE64"),
		HubtelCallbackURL: getenv("HUBTEL_CALLBACK_URL"),
		AllowedHubtelIPs:  splitList(getenv("ALLOWED_HUBTEL_IPS")),
		TrustedProxies:    splitList(getenv("TRUSTED_PROXIES")),

		JWTSecret: getenv("JWT_SECRET"),
		SMSAPIKey: getenv("SMS_API_KEY"),
		SMSSender: withDefault(getenv("SMS_SENDER"), "SecureVote"),
	}

	var err error
	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"GATEWAY_TIMEOUT", 10 * time.Second, &cfg.GatewayTimeout},
		{"OTP_TTL", 5 * time.Minute, &cfg.OTPTTL},
		{"PENDING_PAYMENT_TTL", 24 * time.Hour, &cfg.PendingPaymentTTL},
		{"SWEEP_INTERVAL", time.Minute, &cfg.SweepInterval},
	}
	for _, d := range durations {
		if *d.dst, err = duration(getenv(d.key), d.def); err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
	}

	cfg.BlockUnderpayment = true
	if v := getenv("BLOCK_UNDERPAYMENT"); v != "" {
		if cfg.BlockUnderpayment, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("BLOCK_UNDERPAYMENT: %w", err)
		}
	}

	switch cfg.Backend {
	case BackendPostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("LEDGER_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, cfg.Backend)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.Env == "production" && cfg.PaystackSecretKey == "" {
		return nil, fmt.Errorf("PAYSTACK_SECRET_KEY environment variable is required in production")
	}
	if cfg.Env == "production" && cfg.SMSAPIKey == "" {
		return nil, fmt.Errorf("SMS_API_KEY environment variable is required in production")
	}

	return cfg, nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func duration(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
