package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/caseguard/internal/abuse"
	"github.com/onnwee/caseguard/internal/api"
	"github.com/onnwee/caseguard/internal/audit"
	"github.com/onnwee/caseguard/internal/auth"
	"github.com/onnwee/caseguard/internal/config"
	"github.com/onnwee/caseguard/internal/counter"
	"github.com/onnwee/caseguard/internal/db"
	"github.com/onnwee/caseguard/internal/gate"
	"github.com/onnwee/caseguard/internal/health"
	"github.com/onnwee/caseguard/internal/jobs"
	"github.com/onnwee/caseguard/internal/lockout"
	"github.com/onnwee/caseguard/internal/middleware"
)

const (
	serviceName = "caseguard-api"

	// redisKeyPrefix namespaces every counter on a shared Redis.
	redisKeyPrefix = "caseguard:"

	// counterSweepInterval is how often expired in-process counters are dropped.
	counterSweepInterval = time.Minute
)

// storage is the persistence behind the service.
type storage struct {
	auditRepo   audit.Repository
	profiles    abuse.ProfileStore
	signals     abuse.SignalRepository
	credentials gate.CredentialVerifier
	dbChecker   api.HealthChecker // Optional
}

// postgresStorage backs every repository with PostgreSQL.
func postgresStorage(conn *sql.DB, logger *slog.Logger) storage {
	return storage{
		auditRepo:   audit.NewPostgresRepository(conn, logger),
		profiles:    abuse.NewPostgresProfileStore(conn, logger),
		signals:     abuse.NewPostgresSignalRepository(conn, logger),
		credentials: gate.NewPostgresCredentials(conn, logger),
		dbChecker:   health.NewDBChecker(conn, db.Tables...),
	}
}

// counters is the shared counter store and its in-process fallback.
type counters struct {
	store   counter.Store
	local   *counter.MemoryStore
	checker api.HealthChecker // Optional
}

// newCounters uses Redis when redisURL is set, degrading to the
// in-process store on Redis errors.
func newCounters(redisURL string, timeout time.Duration, logger *slog.Logger, metrics *counter.Metrics) (counters, *redis.Client, error) {
	local := counter.NewMemoryStore()
	if redisURL == "" {
		logger.Warn("REDIS_URL not set, lockout and scoring counters are per instance")
		return counters{store: local, local: local}, nil, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return counters{}, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	store := counter.NewFallbackStore(counter.NewRedisStore(client, redisKeyPrefix), local, counter.FallbackConfig{
		Timeout: timeout,
		Logger:  logger,
		Metrics: metrics,
	})
	return counters{store: store, local: local, checker: health.NewRedisChecker(client)}, client, nil
}

// metricsSet groups every package's collectors.
type metricsSet struct {
	http    *middleware.Metrics
	audit   *audit.Metrics
	abuse   *abuse.Metrics
	lockout *lockout.Metrics
	gate    *gate.Metrics
	counter *counter.Metrics
	jobs    *jobs.Metrics
}

func newMetricsSet() *metricsSet {
	return &metricsSet{
		http:    middleware.NewMetrics(),
		audit:   audit.NewMetrics(),
		abuse:   abuse.NewMetrics(),
		lockout: lockout.NewMetrics(),
		gate:    gate.NewMetrics(),
		counter: counter.NewMetrics(),
		jobs:    jobs.NewMetrics(),
	}
}

// register adds every collector plus the Go runtime and process collectors to reg.
func (m *metricsSet) register(reg prometheus.Registerer) error {
	registerers := []interface {
		Register(prometheus.Registerer) error
	}{m.http, m.audit, m.abuse, m.lockout, m.gate, m.counter, m.jobs}
	for _, r := range registerers {
		if err := r.Register(reg); err != nil {
			return err
		}
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	return reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// app is the assembled service.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	handler http.Handler

	chain    *audit.Chain
	recorder *audit.Recorder
	signals  *abuse.SignalLog
	periodic []*jobs.Periodic
}

// newApp wires every component. It starts nothing.
func newApp(cfg *config.Config, store storage, ctrs counters, metrics *metricsSet, logger *slog.Logger) (*app, error) {
	registry := prometheus.NewRegistry()
	if err := metrics.register(registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	keys, err := auth.NewKeyRegistry(cfg.SigningKeys)
	if err != nil {
		return nil, fmt.Errorf("signing keys: %w", err)
	}

	guard, err := lockout.NewGuard(ctrs.store, cfg.Lockout(),
		lockout.WithLogger(logger), lockout.WithMetrics(metrics.lockout))
	if err != nil {
		return nil, fmt.Errorf("lockout guard: %w", err)
	}

	signalLog := abuse.NewSignalLog(store.signals, abuse.SignalLogConfig{
		QueueSize: cfg.AuditQueueSize,
		Logger:    logger,
		Metrics:   metrics.jobs,
	})
	scorer, err := abuse.NewScorer(store.profiles, ctrs.store, cfg.Abuse(),
		abuse.WithLogger(logger), abuse.WithMetrics(metrics.abuse), abuse.WithSignalLog(signalLog))
	if err != nil {
		return nil, fmt.Errorf("abuse scorer: %w", err)
	}

	authn, err := gate.NewAuthenticator(gate.Config{
		Keys:        keys,
		Lockout:     guard,
		Abuse:       scorer,
		Credentials: store.credentials,
		Logger:      logger,
		Metrics:     metrics.gate,
	})
	if err != nil {
		return nil, fmt.Errorf("authenticator: %w", err)
	}

	chain := audit.NewChain(store.auditRepo, audit.ChainConfig{
		Retention: cfg.AuditRetention,
		Logger:    logger,
		Metrics:   metrics.audit,
	})
	recorder := audit.NewRecorder(chain, audit.RecorderConfig{
		QueueSize: cfg.AuditQueueSize,
		Logger:    logger,
		Metrics:   metrics.jobs,
	})

	rateStore := middleware.NewCounterRateLimitStore(ctrs.store, metrics.http)
	mux := api.NewRouter(api.RouterConfig{
		Auth: api.NewAuthHandlers(authn, recorder, logger),
		Admin: api.NewAdminHandlers(api.AdminConfig{
			Chain:   chain,
			Keys:    keys,
			Scorer:  scorer,
			Signals: store.signals,
			Lockout: guard,
			Logger:  logger,
		}),
		Health: api.NewHealthHandlers(api.HealthHandlersConfig{
			DBChecker:    store.dbChecker,
			RedisChecker: ctrs.checker,
		}),
		Authn:         authn,
		Recorder:      recorder,
		AdminSubjects: cfg.AdminSubjects,
		AuthRateLimit: middleware.RateLimiter(rateStore, middleware.DefaultAuthLimit(), middleware.IPKeyFunc(), metrics.http),
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Logger:        logger,
	})

	// Outermost first: RequestID -> Logging -> HTTPMetrics -> Tracing -> CORS -> rate limit -> routes.
	var handler http.Handler = mux
	handler = middleware.RateLimiter(rateStore, middleware.DefaultGlobalLimit(), middleware.IPKeyFunc(), metrics.http)(handler)
	handler = middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins, MaxAge: 600})(handler)
	handler = middleware.Tracing(serviceName)(handler)
	handler = middleware.HTTPMetrics(metrics.http)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		handler:  handler,
		chain:    chain,
		recorder: recorder,
		signals:  signalLog,
	}
	a.periodic = []*jobs.Periodic{
		jobs.NewPeriodic(jobs.PeriodicConfig{
			JobType:  jobs.JobTypeAuditPurge,
			Interval: cfg.PurgeInterval,
			Logger:   logger,
			Metrics:  metrics.jobs,
		}, chain.PurgeExpired),
		jobs.NewPeriodic(jobs.PeriodicConfig{
			JobType:  jobs.JobTypeSignalPurge,
			Interval: cfg.PurgeInterval,
			Logger:   logger,
			Metrics:  metrics.jobs,
		}, signalLog.PurgeExpired),
		jobs.NewPeriodic(jobs.PeriodicConfig{
			JobType:  jobs.JobTypeCounterSweep,
			Interval: counterSweepInterval,
			Logger:   logger,
			Metrics:  metrics.jobs,
		}, func(ctx context.Context) (int64, error) {
			return ctrs.local.Cleanup(), nil
		}),
	}
	if cfg.AuditVerifyInterval > 0 {
		a.periodic = append(a.periodic, jobs.NewPeriodic(jobs.PeriodicConfig{
			JobType:  jobs.JobTypeAuditVerify,
			Interval: cfg.AuditVerifyInterval,
			Logger:   logger,
			Metrics:  metrics.jobs,
		}, func(ctx context.Context) (int64, error) {
			result, err := chain.Verify(ctx)
			if err != nil {
				return 0, err
			}
			return int64(result.Checked), result.Err()
		}))
	}
	return a, nil
}

// start launches the background writers and periodic jobs.
func (a *app) start(ctx context.Context) {
	a.recorder.Start()
	a.signals.Start()
	for _, p := range a.periodic {
		p.Start(ctx)
	}
}

// stop halts the periodic jobs and drains the background writers.
func (a *app) stop(ctx context.Context) error {
	for _, p := range a.periodic {
		p.Stop()
	}
	return errors.Join(
		a.recorder.Stop(ctx),
		a.signals.Stop(ctx),
	)
}
