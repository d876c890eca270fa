package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"vaultpay/internal/fees"
	"vaultpay/internal/ledger"
)

// AppConfig ties together every setting read at startup.
type AppConfig struct {
	Service   ServiceConfig
	Chain     ChainConfig
	Vault     VaultConfig
	Fees      FeeConfig
	Auth      AuthConfig
	Admin     AdminConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Reconcile ReconcileConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

type ServiceConfig struct {
	HTTPPort           int
	ShutdownGrace      time.Duration
	RateLimitPerMinute float64
	RateLimitBurst     int
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Only safe behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

type ChainConfig struct {
	RPCURL          string
	DryRun          bool
	DryRunBalance   uint64
	Commitment      ledger.Commitment
	RPCTimeout      time.Duration
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	LockTimeout     time.Duration
}

// VaultConfig names where the signing key is read from. Exactly one source
// is used, in the order inline, file, Azure Key Vault.
type VaultConfig struct {
	SecretKey       string
	SecretFile      string
	AzureURL        string
	AzureSecretName string
}

type FeeConfig struct {
	Bps    uint32
	Wallet *solana.PublicKey
}

type AuthConfig struct {
	JWTSecret          string
	Issuer             string
	Audience           string
	AllowAnonymousTips bool
}

type AdminConfig struct {
	HMACSecret string
	ClockSkew  time.Duration
}

type StorageConfig struct {
	DatabaseURL string
	SQLitePath  string
}

type RedisConfig struct {
	URL     string
	LockTTL time.Duration
}

type ReconcileConfig struct {
	Schedule    string
	BatchSize   int
	Concurrency int
	MinAge      time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

type TelemetryConfig struct {
	OTLPEndpoint string
	OTLPHeaders  string
	Insecure     bool
	ServiceName  string
	Environment  string
}

// Load reads the environment, after merging an optional .env file, and
// returns every malformed or missing setting at once.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(envOr("DOTENV_PATH", ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}
	return fromEnv()
}

func fromEnv() (*AppConfig, error) {
	var e envReader

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:           e.integer("API_HTTP_PORT", 3000),
			ShutdownGrace:      e.duration("SHUTDOWN_GRACE", 15*time.Second),
			RateLimitPerMinute: e.float("RATE_LIMIT_PER_MINUTE", 30),
			RateLimitBurst:     e.integer("RATE_LIMIT_BURST", 5),
			TrustProxyHeaders:  e.boolean("TRUST_PROXY_HEADERS", false),
		},
		Chain: ChainConfig{
			RPCURL:          envOr("LEDGER_RPC_URL", ""),
			DryRun:          e.boolean("LEDGER_DRY_RUN", false),
			DryRunBalance:   uint64(e.integer("LEDGER_DRY_RUN_BALANCE", 1_000_000_000_000)),
			Commitment:      ledger.Commitment(envOr("LEDGER_COMMITMENT", string(ledger.CommitmentConfirmed))),
			RPCTimeout:      e.duration("LEDGER_RPC_TIMEOUT", 10*time.Second),
			ConfirmTimeout:  e.duration("LEDGER_CONFIRM_TIMEOUT", 60*time.Second),
			PollInterval:    e.duration("LEDGER_POLL_INTERVAL", 500*time.Millisecond),
			MaxPollInterval: e.duration("LEDGER_MAX_POLL_INTERVAL", 5*time.Second),
			LockTimeout:     e.duration("IDEMPOTENCY_LOCK_TIMEOUT", 5*time.Second),
		},
		Vault: VaultConfig{
			SecretKey:       envOr("VAULT_SECRET_KEY", ""),
			SecretFile:      envOr("VAULT_SECRET_FILE", ""),
			AzureURL:        envOr("VAULT_AZURE_URL", ""),
			AzureSecretName: envOr("VAULT_AZURE_SECRET_NAME", ""),
		},
		Auth: AuthConfig{
			JWTSecret:          envOr("SUPABASE_JWT_SECRET", ""),
			Issuer:             envOr("SUPABASE_JWT_ISSUER", ""),
			Audience:           envOr("SUPABASE_JWT_AUDIENCE", "authenticated"),
			AllowAnonymousTips: e.boolean("ALLOW_ANONYMOUS_TIPS", false),
		},
		Admin: AdminConfig{
			HMACSecret: envOr("RECONCILE_HMAC_SECRET", ""),
			ClockSkew:  e.duration("HMAC_CLOCK_SKEW", 5*time.Minute),
		},
		Storage: StorageConfig{
			DatabaseURL: envOr("DATABASE_URL", ""),
			SQLitePath:  envOr("SQLITE_PATH", filepath.Join(os.TempDir(), "vaultpay.db")),
		},
		Redis: RedisConfig{
			URL:     envOr("REDIS_URL", ""),
			LockTTL: e.duration("REDIS_LOCK_TTL", 2*time.Minute),
		},
		Reconcile: ReconcileConfig{
			Schedule:    envOr("RECONCILE_SCHEDULE", "@every 30s"),
			BatchSize:   e.integer("RECONCILE_BATCH_SIZE", 100),
			Concurrency: e.integer("RECONCILE_CONCURRENCY", 4),
			MinAge:      e.duration("RECONCILE_MIN_AGE", 0),
		},
		Log: LogConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "json"),
			File:   envOr("LOG_FILE", ""),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPHeaders:  envOr("OTEL_EXPORTER_OTLP_HEADERS", ""),
			Insecure:     e.boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
			ServiceName:  envOr("OTEL_SERVICE_NAME", "vaultpay"),
			Environment:  envOr("DEPLOY_ENV", ""),
		},
	}

	bps := e.integer("PLATFORM_FEE_BPS", 0)
	if bps < 0 || bps >= fees.MaxBps {
		e.fail("PLATFORM_FEE_BPS", fmt.Errorf("must be in [0, %d)", fees.MaxBps))
	} else {
		cfg.Fees.Bps = uint32(bps)
	}
	if raw := envOr("PLATFORM_FEE_WALLET", ""); raw != "" {
		pk, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			e.fail("PLATFORM_FEE_WALLET", err)
		} else {
			cfg.Fees.Wallet = &pk
		}
	}

	if !cfg.Chain.DryRun && cfg.Chain.RPCURL == "" {
		e.fail("LEDGER_RPC_URL", errors.New("required unless LEDGER_DRY_RUN is set"))
	}
	if !cfg.Chain.Commitment.Valid() {
		e.fail("LEDGER_COMMITMENT", fmt.Errorf("unknown level %q", cfg.Chain.Commitment))
	}
	if cfg.Vault.SecretKey == "" && cfg.Vault.SecretFile == "" && cfg.Vault.AzureURL == "" {
		e.fail("VAULT_SECRET_KEY", errors.New("no vault secret source configured"))
	}
	if cfg.Vault.AzureURL != "" && cfg.Vault.AzureSecretName == "" {
		e.fail("VAULT_AZURE_SECRET_NAME", errors.New("required with VAULT_AZURE_URL"))
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		e.fail("SUPABASE_JWT_SECRET", errors.New("required for authenticated endpoints"))
	}
	// the redis lease is never extended, so it must outlive one whole disbursement
	if minTTL := criticalSection(cfg.Chain); cfg.Redis.URL != "" && cfg.Redis.LockTTL < minTTL {
		e.fail("REDIS_LOCK_TTL", fmt.Errorf("%s is shorter than the %s a disbursement may hold its key", cfg.Redis.LockTTL, minTTL))
	}
	if _, err := cron.ParseStandard(cfg.Reconcile.Schedule); err != nil {
		e.fail("RECONCILE_SCHEDULE", err)
	}
	if cfg.Service.HTTPPort < 0 || cfg.Service.HTTPPort > 65535 {
		e.fail("API_HTTP_PORT", fmt.Errorf("out of range: %d", cfg.Service.HTTPPort))
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// criticalSection bounds how long a disbursement holds its key lock: three
// ledger round trips before submission plus the confirmation wait.
func criticalSection(c ChainConfig) time.Duration {
	return 3*c.RPCTimeout + c.ConfirmTimeout
}

// envReader parses typed values and collects every failure.
type envReader struct {
	errs []error
}

func (e *envReader) fail(key string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
}

func (e *envReader) integer(key string, fallback int) int {
	val := envOr(key, "")
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return parsed
}

func (e *envReader) float(key string, fallback float64) float64 {
	val := envOr(key, "")
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return parsed
}

func (e *envReader) boolean(key string, fallback bool) bool {
	val := envOr(key, "")
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return parsed
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	val := envOr(key, "")
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	if parsed < 0 {
		e.fail(key, errors.New("must not be negative"))
		return fallback
	}
	return parsed
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val)
	}
	return fallback
}
