package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ums-aaa/internal/config"
	"ums-aaa/internal/database"
	"ums-aaa/internal/handlers"
	"ums-aaa/internal/metrics"
	"ums-aaa/internal/services/admin"
	"ums-aaa/internal/services/billing"
	"ums-aaa/internal/services/disconnect"
	"ums-aaa/internal/services/gateway"
	"ums-aaa/internal/services/ledger"
	"ums-aaa/internal/services/nas"
	"ums-aaa/internal/services/policy"
	"ums-aaa/internal/services/radius"
	"ums-aaa/internal/services/session"
)

const shutdownTimeout = 30 * time.Second

type stores struct {
	policy  policy.Store
	ledger  ledger.Store
	billing billing.Store
	nas     nas.Store
	admin   admin.Store
	close   func() error
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("Using in-memory storage, state is lost on restart")
		return &stores{
			policy:  policy.NewMemoryStore(),
			ledger:  ledger.NewMemoryStore(),
			billing: billing.NewMemoryStore(),
			nas:     nas.NewMemoryStore(),
			admin:   admin.NewMemoryStore(),
			close:   func() error { return nil },
		}, nil
	}

	db, err := database.NewPostgreSQL(cfg.Database)
	if err != nil {
		return nil, err
	}
	applied, err := db.Migrate(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	if applied > 0 {
		logger.Info("Applied schema migrations", zap.Int("count", applied))
	}
	return &stores{
		policy:  db.PolicyStore(),
		ledger:  db.LedgerStore(),
		billing: db.BillingStore(),
		nas:     db.NASStore(),
		admin:   db.AdminStore(),
		close:   db.Close,
	}, nil
}

func openMirror(ctx context.Context, cfg *config.Config, logger *zap.Logger) (session.Mirror, func() error, error) {
	if !cfg.Redis.Enabled {
		return nil, func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.RedisAddr(),
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		MaxRetries: cfg.Redis.MaxRetries,
		PoolSize:   cfg.Redis.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("Session mirror connected", zap.String("addr", cfg.RedisAddr()))
	return session.NewRedisMirror(client, cfg.Redis.SessionTTL), client.Close, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting UMS AAA", zap.String("version", version), zap.String("storage", cfg.Storage))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	mirror, closeMirror, err := openMirror(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeMirror()

	sealer, err := nas.NewSealerFromHex(cfg.NAS.SecretKey)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", config.EnvSecretKey, err)
	}

	m := metrics.NewMetrics()
	if err := m.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// Services
	policySvc := policy.New(st.policy, logger.Named("policy"), cfg.Policy)
	ledgerSvc := ledger.New(st.ledger, logger.Named("ledger"))
	billingSvc := billing.New(st.billing, logger.Named("billing"), cfg.Billing)
	billingSvc.SetMetrics(m)
	nasSvc := nas.New(st.nas, sealer, logger.Named("nas"), cfg.NAS.Config)
	admins := admin.New(st.admin, logger.Named("admin"), cfg.Admin.Config)

	disconnectSvc := disconnect.New(nasSvc, logger.Named("disconnect"), cfg.Disconnect)
	disconnectSvc.SetMetrics(m)

	sessions := session.New(ledgerSvc, mirror, nil, logger.Named("session"), cfg.Session)
	gw := gateway.New(policySvc, sessions, billingSvc, ledgerSvc, disconnectSvc, logger.Named("gateway"), cfg.Gateway)
	gw.SetMetrics(m)
	sessions.SetDisconnector(gw.ExpiryHandler())

	subscription := billing.NewSubscriptionService(billingSvc, logger.Named("subscription"), cfg.Subscription)

	if created, err := admins.Bootstrap(ctx, cfg.Admin.BootstrapUser, cfg.Admin.BootstrapPassword); err != nil {
		return fmt.Errorf("failed to bootstrap admin: %w", err)
	} else if !created {
		logger.Debug("Admin bootstrap skipped")
	}

	if err := sessions.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session service: %w", err)
	}

	radiusServer := radius.New(gw, nasSvc, logger.Named("radius"), cfg.Radius)
	radiusServer.SetMetrics(m)
	if err := radiusServer.Start(); err != nil {
		return err
	}

	if cfg.Subscription.Enabled {
		billing.NewScheduledProcessor(subscription, logger.Named("subscription")).StartDailyScheduler(ctx)
	}

	router := handlers.NewRouter(handlers.Deps{
		Policy:       policySvc,
		Sessions:     sessions,
		Ledger:       ledgerSvc,
		Billing:      billingSvc,
		Subscription: subscription,
		NAS:          nasSvc,
		Admins:       admins,
		Gateway:      gw,
		Metrics:      m,
		RadiusToken:  cfg.Server.RadiusToken,
		Debug:        cfg.Server.Debug,
		Logger:       logger.Named("http"),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down gracefully...")
	case err := <-serverErr:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := radiusServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("RADIUS server forced to shutdown", zap.Error(err))
	}
	if err := sessions.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop session service", zap.Error(err))
	}
	gw.Wait()

	logger.Info("Server stopped")
	return nil
}
