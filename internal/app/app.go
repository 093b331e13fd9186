package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lukasbauer/negocia/internal/classifier"
	"github.com/lukasbauer/negocia/internal/eventlog"
	"github.com/lukasbauer/negocia/internal/httpapi"
	"github.com/lukasbauer/negocia/internal/ingest"
	"github.com/lukasbauer/negocia/internal/jobs"
	"github.com/lukasbauer/negocia/internal/notifications"
	"github.com/lukasbauer/negocia/internal/query"
	"github.com/lukasbauer/negocia/internal/registry"
	"github.com/lukasbauer/negocia/internal/store"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool
	store    *store.Store
	badger   *store.Badger
	eventLog *eventlog.Logger
	registry *registry.Registry
	coord    *ingest.Coordinator
	query    *query.Service
	inflight *httpapi.Inflight
}

// New wires the pipeline. With DATABASE_URL set, exports and the event
// journal go to PostgreSQL; otherwise BADGER_PATH selects an embedded export
// store. Without either, evicted sessions are dropped.
func New(cfg Config, logger *log.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger, inflight: httpapi.NewInflight()}

	cls, err := loadClassifier(cfg.RulesFile)
	if err != nil {
		return nil, err
	}

	var persister registry.Persister
	switch {
	case cfg.DatabaseURL != "":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
		a.store = store.New(db)
		if err := a.store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.eventLog = eventlog.New(db)
		persister = a.store
		logger.Printf("app: persisting exports to postgres")
	case cfg.BadgerPath != "":
		b, err := store.OpenBadger(cfg.BadgerPath, logger)
		if err != nil {
			return nil, err
		}
		a.badger = b
		persister = b
		logger.Printf("app: persisting exports to badger path=%s", cfg.BadgerPath)
	default:
		logger.Printf("app: no persistence configured, evicted sessions are dropped")
	}

	opts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithEventLog(a.eventLog),
		registry.WithEvictHook(func(id string) { a.coord.Forget(id) }),
	}
	if persister != nil {
		opts = append(opts, registry.WithPersister(persister))
	}
	if d := notifications.NewDiscord(cfg.DiscordWebhookURL, logger); d.Enabled() {
		opts = append(opts, registry.WithNotifier(d))
	}

	a.registry = registry.New(cfg.SessionConfig(), cfg.Policy(), cls, opts...)
	a.coord = ingest.NewCoordinator(a.registry, cfg.IngestConfig(),
		ingest.WithLogger(logger), ingest.WithEventLog(a.eventLog))
	a.query = query.New(a.registry)
	return a, nil
}

func loadClassifier(path string) (*classifier.Classifier, error) {
	if path == "" {
		return classifier.Default(), nil
	}
	rules, err := classifier.LoadRules(path)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return classifier.FromRules(rules), nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		Environment:    a.cfg.Environment,
		Version:        a.cfg.Version,
		AdminJWTSecret: a.cfg.AdminJWTSecret,
		IdempotencyTTL: a.cfg.IdempotencyTTL,
	}
	deps := httpapi.Deps{
		Coordinator: a.coord,
		Query:       a.query,
		Registry:    a.registry,
		EventLog:    a.eventLog,
		Inflight:    a.inflight,
	}
	switch {
	case a.store != nil:
		deps.Exports = a.store
		deps.History = a.store
	case a.badger != nil:
		deps.Exports = a.badger
	}
	return httpapi.NewRouter(routerCfg, a.logger, deps)
}

// SweepJob returns a job that drives the registry lifecycle sweep.
func (a *App) SweepJob() *jobs.SweepJob {
	return jobs.NewSweepJob(a.registry, a.logger, a.cfg.SweepInterval)
}

// Drain stops accepting ingest and websocket work, waits for in-flight work
// to finish or ctx to expire, then exports every live session.
func (a *App) Drain(ctx context.Context) error {
	a.inflight.StartDraining()
	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Printf("app: drain timed out with %d requests in flight", a.inflight.ActiveCount())
	}
	return a.registry.Shutdown(ctx)
}

func (a *App) Close() error {
	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.eventLog.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if dropped := a.eventLog.Dropped(); dropped > 0 {
		a.logger.Printf("app: event log dropped %d events", dropped)
	}
	if a.badger != nil {
		errs = append(errs, a.badger.Close())
	}
	if a.db != nil {
		a.db.Close()
	}
	return errors.Join(errs...)
}
