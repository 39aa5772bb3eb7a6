package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldline/drivergate/pkg/api"
	"github.com/fieldline/drivergate/pkg/audit"
	"github.com/fieldline/drivergate/pkg/config"
	"github.com/fieldline/drivergate/pkg/dispatch"
	"github.com/fieldline/drivergate/pkg/evaluate"
	"github.com/fieldline/drivergate/pkg/observability"
	"github.com/fieldline/drivergate/pkg/quarantine"
	"github.com/fieldline/drivergate/pkg/report"
)

const retryInterval = 30 * time.Second

// runServeCmd implements `drivergate serve`: the long-running evaluation
// service. Configuration comes from the environment (see pkg/config),
// optionally overlaid with a per-site profile (SITE_PROFILE).
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	var profile *config.SiteProfile
	if cfg.SiteProfile != "" {
		var err error
		profile, err = config.LoadProfile(cfg.PolicyDir, cfg.SiteProfile)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: site profile: %v\n", err)
			return 2
		}
		logger.Info("site profile active", "site", profile.Code, "name", profile.Name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var provider *observability.Provider
	if cfg.OTLPEndpoint != "" {
		var err error
		provider, err = observability.New(ctx, &observability.Config{
			ServiceName:    "drivergate",
			ServiceVersion: version,
			Environment:    envOr("ENVIRONMENT", "production"),
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     1.0,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
			Insecure:       cfg.OTLPInsecure,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: observability: %v\n", err)
			return 2
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	store, err := loadPolicyStore(cfg.PolicyDir, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: load policies: %v\n", err)
		return 2
	}
	evaluator := evaluate.New(store, logger)
	if provider != nil {
		evaluator.WithMetrics(provider)
	}

	dispatcher, cleanup, err := buildServerDispatcher(ctx, cfg, profile, provider, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: init dispatcher: %v\n", err)
		return 2
	}
	defer cleanup()

	trail, trailCleanup, err := buildServerTrail(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: init audit trail: %v\n", err)
		return 2
	}
	defer trailCleanup()

	opts := []api.ServerOption{
		api.WithValidator(api.NewJWTValidator(cfg.JWTSecret)),
		api.WithAudit(trail),
	}
	if dispatcher != nil {
		opts = append(opts, api.WithDispatcher(dispatcher))
	}
	if profile != nil && profile.Retention.VerdictDays > 0 {
		maxAge := time.Duration(profile.Retention.VerdictDays) * 24 * time.Hour
		opts = append(opts, api.WithReportBuilder(report.NewBuilder().WithRetention(maxAge, 0)))
	}
	if cfg.ReportSeed != "" {
		keyring, err := report.DeriveReportKeyring([]byte(cfg.ReportSeed))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: derive report key: %v\n", err)
			return 2
		}
		opts = append(opts, api.WithKeyring(keyring))
	}

	server := api.NewServer(store, evaluator, logger, opts...)
	defer server.Close()
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if dispatcher != nil {
		go retryLoop(ctx, dispatcher, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port, "policy_ref", store.Snapshot().Ref())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
			return 2
		}
		return 0
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return 0
		}
		logger.Error("server failed", "error", err)
		return 2
	}
}

// retryLoop periodically replays outbox records that never completed.
func retryLoop(ctx context.Context, dispatcher *dispatch.Dispatcher, logger *slog.Logger) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		results, err := dispatcher.RetryPending(ctx, 100)
		if err != nil {
			logger.Error("outbox retry failed", "error", err)
			continue
		}
		if len(results) > 0 {
			logger.Info("outbox retry pass", "replayed", len(results))
		}
	}
}

// buildServerDispatcher wires the outbox (Postgres when DATABASE_URL is
// set, SQLite otherwise), the quarantine store, and the optional remote
// targets. A site profile overrides throttling and target selection.
func buildServerDispatcher(ctx context.Context, cfg *config.Config, profile *config.SiteProfile, provider *observability.Provider, logger *slog.Logger) (*dispatch.Dispatcher, func(), error) {
	cleanup := func() {}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, cleanup, err
	}

	var outbox dispatch.OutboxStore
	if cfg.DatabaseURL != "" {
		db, err := openPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, cleanup, err
		}
		pg := dispatch.NewPostgresOutboxStore(db)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, cleanup, err
		}
		outbox = pg
		cleanup = func() { _ = db.Close() }
	} else {
		store, db, err := dispatch.OpenSQLiteOutbox(cfg.DataDir + "/outbox.db")
		if err != nil {
			return nil, cleanup, err
		}
		outbox = store
		cleanup = func() { _ = db.Close() }
	}

	qstore, err := buildQuarantineStore(ctx, cfg, profile)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}

	opts := []dispatch.Option{dispatch.WithQuarantine(qstore)}
	opts = append(opts, profileDispatchOptions(cfg, profile)...)
	if provider != nil {
		opts = append(opts, dispatch.WithMetrics(provider))
	}
	if cfg.RedisAddr != "" {
		opts = append(opts, dispatch.WithLimiter(buildRedisLimiter(cfg, profile)))
	}
	return dispatch.New(outbox, logger, opts...), cleanup, nil
}

// profileDispatchOptions maps environment targets and the site profile
// onto dispatcher options. With notify_only set, no ticket client is
// wired even when TICKET_URL is present.
func profileDispatchOptions(cfg *config.Config, profile *config.SiteProfile) []dispatch.Option {
	var opts []dispatch.Option
	if cfg.NotifyURL != "" {
		opts = append(opts, dispatch.WithNotifier(dispatch.NewWebhookNotifier(cfg.NotifyURL)))
	}
	notifyOnly := profile != nil && profile.Dispatch.NotifyOnly
	if cfg.TicketURL != "" && !notifyOnly {
		opts = append(opts, dispatch.WithTickets(dispatch.NewTicketClient(cfg.TicketURL, cfg.TicketToken)))
	}
	if profile != nil && profile.Dispatch.MaxAttempts > 0 {
		opts = append(opts, dispatch.WithMaxAttempts(profile.Dispatch.MaxAttempts))
	}
	return opts
}

// limiterPolicies derives the per-target token bucket policies from a
// site profile. Targets the profile does not bound fall back to the
// default policy.
func limiterPolicies(profile *config.SiteProfile) (def dispatch.RateLimitPolicy, perTarget map[string]dispatch.RateLimitPolicy) {
	def = dispatch.RateLimitPolicy{RPM: 60, Burst: 10}
	if profile == nil {
		return def, nil
	}
	burst := profile.Dispatch.Burst
	if burst <= 0 {
		burst = def.Burst
	}
	perTarget = make(map[string]dispatch.RateLimitPolicy)
	if profile.Dispatch.TicketRPM > 0 {
		perTarget["ticket"] = dispatch.RateLimitPolicy{RPM: profile.Dispatch.TicketRPM, Burst: burst}
	}
	if profile.Dispatch.NotifyRPM > 0 {
		perTarget["notify"] = dispatch.RateLimitPolicy{RPM: profile.Dispatch.NotifyRPM, Burst: burst}
	}
	return def, perTarget
}

func buildRedisLimiter(cfg *config.Config, profile *config.SiteProfile) *dispatch.RedisLimiter {
	def, perTarget := limiterPolicies(profile)
	limiter := dispatch.NewRedisLimiter(cfg.RedisAddr, "", 0, def)
	for target, policy := range perTarget {
		limiter.SetTargetPolicy(target, policy)
	}
	return limiter
}

// buildQuarantineStore selects the quarantine backend from the site
// profile when one is active, falling back to the environment.
func buildQuarantineStore(ctx context.Context, cfg *config.Config, profile *config.SiteProfile) (quarantine.Store, error) {
	if profile == nil || profile.Quarantine.StorageType == "" {
		return quarantine.NewStoreFromEnv(ctx)
	}
	switch quarantine.StoreType(profile.Quarantine.StorageType) {
	case quarantine.StoreTypeFS:
		return quarantine.NewFileStore(cfg.DataDir + "/quarantine")
	case quarantine.StoreTypeS3:
		return quarantine.NewS3Store(ctx, quarantine.S3StoreConfig{
			Bucket:   profile.Quarantine.Bucket,
			Region:   profile.Quarantine.Region,
			Endpoint: profile.Quarantine.Endpoint,
		})
	case quarantine.StoreTypeGCS:
		return quarantine.NewGCSQuarantine(ctx, profile.Quarantine.Bucket, "")
	default:
		return nil, fmt.Errorf("site profile: unsupported quarantine storage type %q", profile.Quarantine.StorageType)
	}
}

// buildServerTrail opens the audit trail: a JSONL stream under DataDir
// mirrored into a SQLite store for out-of-process verification.
func buildServerTrail(cfg *config.Config) (*audit.Trail, func(), error) {
	f, err := os.OpenFile(cfg.DataDir+"/audit.jsonl", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, err
	}
	store, db, err := audit.OpenSQLiteStore(cfg.DataDir + "/audit.db")
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	trail := audit.NewTrail(f).WithSink(store.Sink(context.Background()))
	cleanup := func() {
		_ = db.Close()
		_ = f.Close()
	}
	return trail, cleanup, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
