package cmd

import (
	"context"

	"github.com/ReadySet1/destino-sf-sub000/config"
	"github.com/ReadySet1/destino-sf-sub000/internal/breaker"
	"github.com/ReadySet1/destino-sf-sub000/internal/cache"
	"github.com/ReadySet1/destino-sf-sub000/internal/commerce"
	"github.com/ReadySet1/destino-sf-sub000/internal/database"
	"github.com/ReadySet1/destino-sf-sub000/internal/metrics"
	"github.com/ReadySet1/destino-sf-sub000/internal/models"
	"github.com/ReadySet1/destino-sf-sub000/internal/reconcile"
	"github.com/ReadySet1/destino-sf-sub000/internal/repositories"
	"github.com/ReadySet1/destino-sf-sub000/internal/search"
	"github.com/ReadySet1/destino-sf-sub000/internal/services"
	"github.com/ReadySet1/destino-sf-sub000/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// app holds the clients shared by every command
type app struct {
	cfg        config.Config
	db         *gorm.DB
	retryDB    *database.RetryDB
	repos      *repositories.Repositories
	collector  *metrics.Metrics
	tracer     tracing.Tracer
	cache      *cache.RedisCache
	elastic    *search.ElasticClient
	breaker    *breaker.Breaker
	dispatcher *reconcile.Dispatcher
	ingest     *services.IngestService
}

// newApp connects to the database and builds the pipeline. Optional
// dependencies that fail to initialise are logged and left out.
func newApp(cfg config.Config, migrate bool) (*app, error) {
	a := &app{
		cfg:       cfg,
		collector: metrics.NewMetrics(),
	}

	db, err := database.Connect(cfg.DB, a.collector)
	if err != nil {
		return nil, err
	}
	a.db = db

	if migrate {
		if err := models.SetupModels(db); err != nil {
			_ = database.Close(db)
			return nil, errors.Wrap(err, "failed to run migrations")
		}
	}

	a.retryDB = database.NewRetryDB(db, cfg.DB.RetryAttempts,
		database.WithMetrics(a.collector),
		database.WithIdleConns(cfg.DB.MaxIdleConns),
	)
	a.repos = repositories.NewRepositories(a.retryDB)

	a.tracer, err = tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		a.tracer = tracing.Noop()
	}

	a.cache, err = cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	a.elastic, err = search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without dispatch audit")
	}

	a.breaker = breaker.New(breaker.Config{
		Name:             "commerce",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
		Classifier:       commerce.IsCountableFailure,
		OnStateChange: func(name string, _, to breaker.State) {
			a.collector.RecordBreakerTransition(name, to.String())
		},
	})

	a.dispatcher = reconcile.NewDispatcher(a.repos.Queue, a.handlers(), a.dispatcherOptions()...)
	a.ingest = services.NewIngestService(a.repos.Queue, a.collector)

	return a, nil
}

func (a *app) handlers() reconcile.Handlers {
	var remote reconcile.RemoteOrders
	if a.cfg.Commerce.AccessToken != "" {
		var snapshots commerce.SnapshotCache
		if a.cache != nil && a.cache.Enabled() {
			snapshots = a.cache
		}
		remote = commerce.NewClient(a.cfg.Commerce, a.breaker, snapshots)
	} else {
		log.Warn().Msg("Commerce access token not configured, order snapshots come from webhook payloads")
	}

	rc := a.cfg.Reconcile
	orders := reconcile.NewOrderHandler(a.repos.Queue, a.repos.Orders, remote, reconcile.OrderHandlerConfig{
		LookupAttempts:  rc.LookupAttempts,
		RescheduleDelay: rc.RescheduleDelay,
		MaxReschedules:  rc.MaxReschedules,
		Backoff: reconcile.Backoff{
			Base:   rc.BaseDelay,
			Max:    rc.MaxDelay,
			Jitter: rc.MaxJitter,
		},
	})

	return reconcile.Handlers{
		OrderCreated: orders.Created(),
		OrderUpdated: orders.Updated(),
		Payment:      reconcile.NewPaymentHandler(a.repos.Orders, a.repos.Payments),
		Refund:       reconcile.NewRefundHandler(a.repos.Orders, a.repos.Payments, a.repos.Refunds),
	}
}

func (a *app) dispatcherOptions() []reconcile.DispatcherOption {
	opts := []reconcile.DispatcherOption{
		reconcile.WithMaxAttempts(a.cfg.Queue.MaxAttempts),
		reconcile.WithMetrics(a.collector),
		reconcile.WithTracer(a.tracer),
	}
	if a.elastic.Enabled() {
		opts = append(opts, reconcile.WithAudit(a.elastic))
	}
	return opts
}

// processOptions are the per-run limits from config
func (a *app) processOptions() reconcile.Options {
	return reconcile.Options{
		MaxItems: a.cfg.Queue.MaxItems,
		Timeout:  a.cfg.Queue.EventTimeout,
	}
}

// dbCheck probes the database for /health
func (a *app) dbCheck(ctx context.Context) error {
	return database.Ping(ctx, a.db)
}

// Close releases every client
func (a *app) Close() {
	if a.tracer != nil {
		a.tracer.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis cache")
		}
	}
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
