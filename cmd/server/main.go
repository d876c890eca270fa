package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"vaultpay/internal/auth"
	"vaultpay/internal/config"
	"vaultpay/internal/disburse"
	"vaultpay/internal/ledger"
	"vaultpay/internal/lock"
	"vaultpay/internal/logging"
	"vaultpay/internal/server"
	"vaultpay/internal/store"
	"vaultpay/internal/telemetry"
	"vaultpay/internal/vault"
)

type recordStore interface {
	disburse.Store
	Ping(context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config error")
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		logrus.WithError(err).Fatal("logging error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.WithError(err).Fatal("telemetry error")
	}

	signer, err := loadVault(ctx, cfg.Vault)
	if err != nil {
		logger.WithError(err).Fatal("vault error")
	}
	logger.WithField("vault", signer.PublicKey().String()).Info("vault loaded")

	client, closeLedger, err := openLedger(ctx, cfg.Chain, logger)
	if err != nil {
		logger.WithError(err).Fatal("ledger client error")
	}
	defer closeLedger()

	st, closeStore, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.WithError(err).Fatal("record store error")
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []disburse.Option{
		disburse.WithLogger(logger),
		disburse.WithMetrics(disburse.NewMetrics(prometheus.WrapRegistererWithPrefix(server.MetricsPrefix, reg))),
	}
	probes := server.HealthProbes{Store: st.Ping}
	if checker, ok := client.(ledger.HealthChecker); ok {
		probes.Ledger = checker.Ping
	}
	if cfg.Redis.URL != "" {
		locker, err := lock.NewRedisLockerFromURL(cfg.Redis.URL, "vaultpay:lock:", cfg.Redis.LockTTL)
		if err != nil {
			logger.WithError(err).Fatal("redis lock error")
		}
		defer locker.Close()
		opts = append(opts, disburse.WithLocker(locker))
		probes.Lock = locker.Ping
	}

	orch := disburse.New(client, signer, st, disburse.Config{
		FeeBps:         cfg.Fees.Bps,
		FeeAccount:     cfg.Fees.Wallet,
		Commitment:     cfg.Chain.Commitment,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout,
		LockTimeout:    cfg.Chain.LockTimeout,
	}, opts...)
	reconciler := disburse.NewReconciler(orch, disburse.ReconcilerConfig{
		BatchSize:   cfg.Reconcile.BatchSize,
		Concurrency: cfg.Reconcile.Concurrency,
		MinAge:      cfg.Reconcile.MinAge,
	})

	sessions, err := auth.NewVerifier(auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		logger.WithError(err).Fatal("session verifier error")
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Disburser:  orch,
		Reconciler: reconciler,
		Sessions:   sessions,
		Registry:   reg,
		Health:     probes,
		Log:        logger,
	})

	scheduler, err := scheduleReconcile(ctx, cfg.Reconcile.Schedule, reconciler, logger)
	if err != nil {
		logger.WithError(err).Fatal("reconcile schedule error")
	}
	scheduler.Start()

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Error("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownGrace)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("reconcile pass still running at shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracing shutdown")
	}
}

func loadVault(ctx context.Context, cfg config.VaultConfig) (*vault.Vault, error) {
	var src vault.SecretSource
	switch {
	case cfg.SecretKey != "":
		src = vault.StaticSource(cfg.SecretKey)
	case cfg.SecretFile != "":
		src = vault.FileSource{Path: cfg.SecretFile}
	default:
		az, err := vault.NewAzureKeyVaultSource(cfg.AzureURL, cfg.AzureSecretName)
		if err != nil {
			return nil, err
		}
		src = az
	}
	return vault.Load(ctx, src)
}

func openLedger(ctx context.Context, cfg config.ChainConfig, logger logrus.FieldLogger) (ledger.Client, func(), error) {
	if cfg.DryRun {
		logger.Warn("LEDGER_DRY_RUN set: transfers settle against an in-memory ledger")
		return ledger.NewFakeClient(cfg.DryRunBalance), func() {}, nil
	}
	client, err := ledger.NewRPCClient(ctx, ledger.RPCConfig{
		URL:             cfg.RPCURL,
		Commitment:      cfg.Commitment,
		Timeout:         cfg.RPCTimeout,
		PollInterval:    cfg.PollInterval,
		MaxPollInterval: cfg.MaxPollInterval,
	})
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger logrus.FieldLogger) (recordStore, func(), error) {
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		logger.Info("using postgres record store")
		return pg, pg.Close, nil
	}
	lite, err := store.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: %w", err)
	}
	logger.WithField("path", cfg.SQLitePath).Info("using sqlite record store")
	return lite, func() { _ = lite.Close() }, nil
}

// scheduleReconcile runs a reconciliation pass on spec, skipping a tick while
// the previous pass is still going.
func scheduleReconcile(ctx context.Context, spec string, r *disburse.Reconciler, logger logrus.FieldLogger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		if _, err := r.RunOnce(ctx); err != nil {
			logger.WithError(err).Error("scheduled reconcile failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
