// Command server is the single-binary entry point: it loads config,
// applies the schema, wires every store and worker, and runs the
// admin HTTP API alongside the backfill worker, the webhook delivery
// workers, and the event emitter until a shutdown signal arrives.
// Lifecycle shape (sigChan + context.WithCancel + sync.WaitGroup)
// follows this codebase's long-standing main.go pattern.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"telemetry-core/internal/apperr"
	"telemetry-core/internal/authn"
	"telemetry-core/internal/backfill"
	"telemetry-core/internal/config"
	"telemetry-core/internal/conversion"
	"telemetry-core/internal/eventbus"
	"telemetry-core/internal/events"
	"telemetry-core/internal/ingest"
	"telemetry-core/internal/models"
	"telemetry-core/internal/observability"
	"telemetry-core/internal/profilecache"
	"telemetry-core/internal/ratelimit"
	"telemetry-core/internal/repository"
	"telemetry-core/internal/server"
	"telemetry-core/internal/webhook"
)

func main() {
	log := observability.NewLogger()

	cfgPath := os.Getenv("CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	log.WithField("database_url", config.RedactDatabaseURL(cfg.DatabaseURL)).Info("starting telemetry-core")

	tp := observability.NewTracerProvider()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	ctx, cancel := context.WithCancel(context.Background())

	repo, err := repository.New(ctx, cfg.DatabaseURL, int32(cfg.DBMaxConns), int32(cfg.DBMinConns))
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer repo.Close()

	schemaPath := os.Getenv("SCHEMA_FILE")
	if schemaPath == "" {
		schemaPath = filepath.Join("internal", "repository", "schema.sql")
	}
	if err := repo.Migrate(ctx, schemaPath); err != nil {
		log.WithError(err).Fatal("failed to apply schema")
	}

	sensors := repository.NewSensorStore(repo)
	profiles := repository.NewProfileStore(repo)
	telemetry := repository.NewTelemetryStore(repo)
	backfillTasks := repository.NewBackfillStore(repo)
	sessions := repository.NewSessionStore(repo)
	webhooks := repository.NewWebhookStore(repo)

	cacheLog := observability.Component(log, "profilecache")
	profileCache := profilecache.New(func(ctx context.Context, sensorID string) (*profilecache.Entry, error) {
		prof, err := profiles.GetActiveBySensor(ctx, sensorID)
		if apperr.CodeOf(err) == apperr.NotFound {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		parsed, err := conversion.Parse(prof.Kind, prof.Payload)
		if err != nil {
			return nil, err
		}
		return &profilecache.Entry{ProfileID: prof.ID, Kind: prof.Kind, Profile: parsed}, nil
	}, cfg.ProfileCacheTTL, cacheLog)

	ingestSvc := ingest.NewService(sensors, sessions, runLookup{repo}, telemetry, profileCache, observability.Component(log, "ingest")).WithMetrics(metrics)
	if cfg.IngestRateLimit > 0 {
		burst := int(cfg.IngestRateLimit)
		if burst < 1 {
			burst = 1
		}
		ingestSvc = ingestSvc.WithRateLimiter(ratelimit.New(cfg.IngestRateLimit, burst))
	}

	bus := eventbus.New()

	auth := authn.New(cfg.AdminJWTSecret)
	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: server.New(ingestSvc, profiles, sensors, backfillTasks, sessions, webhooks, auth, bus, profileCache, observability.Component(log, "server")),
	}

	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.MetricsPort),
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	emitter := events.NewEmitter(webhooks, webhooks, observability.Component(log, "events"))

	backfillWorker := backfill.NewWorker(backfillTasks, profiles, telemetry, cfg.BackfillTick, observability.Component(log, "backfill")).WithBus(bus).WithMetrics(metrics)

	webhookSender := webhook.NewSender(cfg.WebhookTimeout)
	webhookCfg := webhook.WorkerConfig{
		Tick: cfg.WebhookTick, ClaimLimit: cfg.WebhookClaimLimit, MaxAttempts: cfg.WebhookMaxAttempts,
		BackoffBase: cfg.WebhookBackoffBase, BackoffCap: cfg.WebhookBackoffCap, LeaseStale: cfg.WebhookLeaseStale,
		SweepInterval: time.Minute,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.WithField("addr", httpServer.Addr).Info("starting admin HTTP API")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("admin HTTP API failed")
		}
	}()

	go func() {
		log.WithField("addr", metricsServer.Addr).Info("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		backfillWorker.Run(ctx)
	}()

	for i := 0; i < cfg.WebhookWorkers; i++ {
		wg.Add(1)
		w := webhook.NewWorker(webhooks, webhookSender, webhookCfg, observability.Component(log, "webhook_worker")).WithMetrics(metrics)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		rollupTicker := time.NewTicker(time.Minute)
		defer rollupTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-rollupTicker.C:
				if err := telemetry.RefreshOneMinuteRollup(ctx); err != nil {
					log.WithError(err).Error("one-minute rollup refresh failed")
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		emitter.Run(ctx, bus, []string{
			"run.started", "run.stopped",
			"capture_session.created", "capture_session.stopped",
			"profile.published", "backfill.completed",
			"webhook_subscription.created",
		})
	}()

	<-sigChan
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	cancel()
	wg.Wait()
}

// runLookup adapts *repository.Repository's run status query to
// ingest.RunLookup without requiring a dedicated RunStore for the one
// method the ingest scope-validation step needs.
type runLookup struct {
	repo *repository.Repository
}

func (r runLookup) GetStatus(ctx context.Context, runID string) (models.RunStatus, error) {
	var status models.RunStatus
	err := r.repo.Pool.QueryRow(ctx, `SELECT status FROM core.runs WHERE id = $1`, runID).Scan(&status)
	return status, err
}
