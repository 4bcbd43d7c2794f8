// veilmeterd is the confidential metrics reporting service: it seals
// submitted measurements, delegates unsealing to an external
// disclosure authority and compensates reporters whose disclosures
// fail or time out.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/obscura-systems/veilmeter/pkg/audit"
	"github.com/obscura-systems/veilmeter/pkg/authz"
	"github.com/obscura-systems/veilmeter/pkg/budget"
	"github.com/obscura-systems/veilmeter/pkg/config"
	"github.com/obscura-systems/veilmeter/pkg/contracts"
	"github.com/obscura-systems/veilmeter/pkg/disclosure"
	"github.com/obscura-systems/veilmeter/pkg/events"
	"github.com/obscura-systems/veilmeter/pkg/gatewayclient"
	"github.com/obscura-systems/veilmeter/pkg/guard"
	"github.com/obscura-systems/veilmeter/pkg/identity"
	"github.com/obscura-systems/veilmeter/pkg/metrics"
	"github.com/obscura-systems/veilmeter/pkg/observability"
	"github.com/obscura-systems/veilmeter/pkg/policy"
	"github.com/obscura-systems/veilmeter/pkg/privacy"
	"github.com/obscura-systems/veilmeter/pkg/refund"
)

func main() {
	profileFlag := flag.String("profile", "", "path to a deployment profile (overrides PROFILE_PATH)")
	flag.Parse()

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	profilePath := cfg.ProfilePath
	if *profileFlag != "" {
		profilePath = *profileFlag
	}
	if profilePath != "" {
		profile, err := config.LoadProfile(profilePath)
		if err != nil {
			logger.Error("profile load failed", "path", profilePath, "error", err)
			os.Exit(1)
		}
		cfg.ApplyProfile(profile)
		logger.Info("profile applied", "name", profile.Name)
	}

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	bus := events.NewBus()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "veilmeter",
		Environment:  "production",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()
	obs.ObserveBus(bus)

	var db *sql.DB
	switch {
	case cfg.DatabaseURL != "":
		db, err = sql.Open("postgres", cfg.DatabaseURL)
	case cfg.SQLitePath != "":
		db, err = sql.Open("sqlite", cfg.SQLitePath)
	}
	if err != nil {
		return err
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	metricStore, auditStore, budgetStorage, err := buildStores(cfg, db)
	if err != nil {
		return err
	}

	registry := authz.NewRegistry(contracts.Identity(cfg.RootIdentity), bus)
	journal, err := audit.NewLog(ctx, auditStore, bus)
	if err != nil {
		return err
	}
	budgetGuard := budget.NewGuard(budgetStorage, registry, bus, logger)
	if cfg.DailyLimit > 0 {
		if err := budgetGuard.SetDailyLimit(ctx, contracts.Identity(cfg.RootIdentity), cfg.DailyLimit); err != nil {
			return err
		}
	}
	refunds := refund.NewLedger(nil, bus)

	releases, err := policy.Compile(cfg.ReleasePolicy)
	if err != nil {
		return err
	}

	multipliers, err := privacy.NewSecureSource()
	if err != nil {
		return err
	}

	protocolOpts := []disclosure.Option{disclosure.WithWindow(cfg.DisclosureWindow)}
	if cfg.GatewayURL != "" {
		gateway, err := gatewayclient.NewClient(cfg.GatewayURL, cfg.GatewayRPS)
		if err != nil {
			return err
		}
		protocolOpts = append(protocolOpts, disclosure.WithNotifier(gateway))
	} else {
		logger.Warn("no gateway configured; disclosure requests will not be delivered")
	}

	svc, err := metrics.NewService(metrics.Config{
		Store:       metricStore,
		Roles:       registry,
		Guard:       budgetGuard,
		Refunds:     refunds,
		Journal:     journal,
		Releases:    releases,
		Multipliers: multipliers,
		Bus:         bus,
		Logger:      logger,
		BlurFactor:  cfg.BlurFactor,
	}, protocolOpts...)
	if err != nil {
		return err
	}

	var tokens *identity.TokenManager
	if cfg.TokenSecret != "" {
		tokens, err = identity.NewTokenManager([]byte(cfg.TokenSecret))
		if err != nil {
			return err
		}
	} else {
		logger.Warn("TOKEN_SECRET unset; trusting X-Identity headers (dev mode)")
	}

	var exporter *audit.Exporter
	if cfg.EvidenceBucket != "" {
		sink, err := audit.NewS3Sink(ctx, audit.S3SinkConfig{
			Bucket:   cfg.EvidenceBucket,
			Endpoint: cfg.EvidenceEndpoint,
			Prefix:   "evidence",
		})
		if err != nil {
			return err
		}
		exporter = audit.NewExporter(auditStore, sink)
	}

	srv := &server{
		svc:      svc,
		registry: registry,
		refunds:  refunds,
		guard:    budgetGuard,
		journal:  journal,
		exporter: exporter,
		tokens:   tokens,
		pause:    guard.NewSwitch(registry),
		limiter:  guard.NewFixedWindowLimiter(1000, time.Minute),
		obs:      obs,
		logger:   logger,
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepTimeouts(ctx, svc.Protocol(), logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildStores picks the persistence tier: Postgres when DATABASE_URL
// is set, SQLite when SQLITE_PATH is set, in-memory otherwise. Budget
// usage goes to Redis when REDIS_ADDR is set so multiple replicas
// share one counter.
func buildStores(cfg *config.Config, db *sql.DB) (metrics.Store, audit.Store, budget.Storage, error) {
	var (
		metricStore metrics.Store
		auditStore  audit.Store
		budgetStore budget.Storage
		err         error
	)

	switch {
	case cfg.DatabaseURL != "":
		auditStore = audit.NewPostgresStore(db)
		budgetStore = budget.NewPostgresStorage(db)
		// Metric rows stay in SQLite or memory until a postgres metric
		// store lands; the audit trail is the part that must survive
		// replica loss.
		metricStore = metrics.NewMemoryStore()
	case cfg.SQLitePath != "":
		metricStore, err = metrics.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, nil, err
		}
		auditStore, err = audit.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, nil, err
		}
		budgetStore = budget.NewMemoryStorage()
	default:
		metricStore = metrics.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		budgetStore = budget.NewMemoryStorage()
	}

	if cfg.RedisAddr != "" {
		budgetStore = budget.NewRedisStorage(cfg.RedisAddr, cfg.RedisPassword, 0)
	}
	return metricStore, auditStore, budgetStore, nil
}

// sweepTimeouts periodically times out stale pending requests so a
// silent authority cannot strand them.
func sweepTimeouts(ctx context.Context, protocol *disclosure.Protocol, logger *slog.Logger) {
	interval := protocol.Window() / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range protocol.Stale() {
				if err := protocol.HandleTimeout(ctx, id); err != nil {
					logger.Debug("timeout sweep", "request_id", id, "error", err)
					continue
				}
				logger.Info("request timed out", "request_id", id)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
