package main

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"skyfi-billing/internal/api"
	"skyfi-billing/internal/appstate"
	"skyfi-billing/internal/audit"
	"skyfi-billing/internal/catalog"
	skyaws "skyfi-billing/internal/common/aws"
	"skyfi-billing/internal/common/camunda"
	"skyfi-billing/internal/common/config"
	"skyfi-billing/internal/common/database"
	"skyfi-billing/internal/common/logger"
	"skyfi-billing/internal/common/momo"
	"skyfi-billing/internal/common/observability"
	"skyfi-billing/internal/common/validation"
	"skyfi-billing/internal/notify"
	"skyfi-billing/internal/payment"
	"skyfi-billing/internal/store"

	cps "skyfi-billing/internal/workers/payment/check-payment-status"
	esc "skyfi-billing/internal/workers/payment/escalate-payment"
	fp "skyfi-billing/internal/workers/payment/fail-payment"
	fs "skyfi-billing/internal/workers/payment/fulfil-subscription"
	ip "skyfi-billing/internal/workers/payment/initiate-payment"
)

// application holds the long-lived components of the service. Anything an
// unconfigured integration would provide stays nil.
type application struct {
	zap *zap.Logger
	log logger.Logger

	pg    *database.PostgresClient
	redis *database.RedisClient
	es    *database.ElasticsearchClient
	zeebe *camunda.Client

	store      *store.Store
	workflow   *payment.Workflow
	alerter    payment.Alerter
	validator  *validation.Validator
	hub        *appstate.Hub
	feed       *store.ChangeFeed
	reconciler *payment.Reconciler
	api        *api.Handler
}

func build(ctx context.Context, cfg *config.Config, zapLog *zap.Logger, log logger.Logger, obs *observability.Observability) (*application, error) {
	app := &application{zap: zapLog, log: log}

	v, err := validation.New()
	if err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}
	app.validator = v

	if err := app.connect(ctx, cfg); err != nil {
		return nil, err
	}

	var rdb redis.Cmdable
	if app.redis != nil {
		rdb = app.redis.Client
	}

	app.alerter = newAlerter(ctx, cfg, log, zapLog)

	momoOpts := []momo.Option{momo.WithLogger(log)}
	if rdb != nil {
		momoOpts = append(momoOpts, momo.WithTokenCache(momo.NewRedisTokenCache(rdb)))
	}
	gateway := momo.NewClient(cfg.Gateway, momoOpts...)
	if !gateway.Configured() {
		zapLog.Warn("payment gateway not configured, purchases will be refused",
			zap.Strings("missing", cfg.Gateway.Missing()))
	}

	deps := api.Deps{
		Gateway:   cfg.Gateway,
		ProcessID: cfg.Workflow.ProcessID,
		UserIDHdr: cfg.HTTP.UserIDHeader,
		Checks:    app.checks(),
		Logger:    log,
	}

	if app.pg != nil {
		app.store = store.New(app.pg.DB, log)
		if err := app.store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}

		cat := catalog.New(app.store, rdb, cfg.Workflow.CatalogCacheTTLDuration(), store.ErrNotFound, log)

		opts := payment.Options{Alerter: app.alerter, Logger: log, Lifetime: ctx}
		if rdb != nil {
			opts.Locker = payment.NewRedisLocker(rdb)
		}
		if app.es != nil {
			index := cfg.Database.Elasticsearch.PaymentIndex
			if err := app.es.EnsureIndex(ctx, index, audit.IndexMapping); err != nil {
				zapLog.Warn("payment event index not ready", zap.Error(err))
			}
			opts.Recorder = audit.NewRecorder(app.es.Client, index, log)
		}
		app.workflow = payment.New(gateway, cat, app.store, cfg.Workflow, cfg.Gateway.Currency, opts)

		var publisher payment.MessagePublisher
		if app.zeebe != nil && cfg.Workflow.Mode == config.ModeZeebe {
			publisher = app.zeebe
			deps.Engine = app.zeebe
		}

		app.hub = appstate.NewHub(app.store, cat, log)
		app.reconciler = payment.NewReconciler(app.workflow, app.store, cfg.Workflow.ReconcileAfterDuration(), log)

		listener := app.pg.NewListener(10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				zapLog.Warn("change listener event", zap.Int("event", int(ev)), zap.Error(err))
			}
		})
		if app.feed, err = store.NewChangeFeed(listener, log); err != nil {
			zapLog.Warn("change feed unavailable, dashboards refresh on request only", zap.Error(err))
			_ = listener.Close()
		}

		deps.Store = app.store
		deps.Catalog = cat
		deps.Purchases = &observedPurchases{Workflow: app.workflow, obs: obs}
		deps.Callbacks = payment.NewCallbackProcessor(app.workflow, app.store, v, publisher, log)
		deps.Hub = app.hub
	} else {
		zapLog.Warn("postgres not configured, storefront routes will answer 503")
	}

	app.api = api.NewHandler(deps)
	return app, nil
}

// connect opens every configured backing service. Postgres and Zeebe are
// fatal once configured; Redis and Elasticsearch degrade to running without
// them.
// pingCloser is a connection handle that can be health checked.
type pingCloser interface {
	Ping(ctx context.Context) error
	Close() error
}

// dialWithRetry opens and pings a connection with backoff. Handles from
// failed attempts are closed before the next dial.
func dialWithRetry[C pingCloser](ctx context.Context, dial func() (C, error), maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) (C, error) {
	var conn C
	var open bool
	err := retryWithBackoff(ctx, func() error {
		if open {
			_ = conn.Close()
			open = false
		}
		c, err := dial()
		if err != nil {
			return err
		}
		conn, open = c, true
		return conn.Ping(ctx)
	}, maxRetries, initialDelay, log, operationName)
	if err != nil {
		if open {
			_ = conn.Close()
		}
		var zero C
		return zero, err
	}
	return conn, nil
}

func (a *application) connect(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.Postgres.IsConfigured() {
		pg, err := dialWithRetry(ctx, func() (*database.PostgresClient, error) {
			return database.NewPostgres(cfg.Database.Postgres)
		}, 15, 2*time.Second, a.zap, "PostgreSQL connection")
		if err != nil {
			return err
		}
		a.pg = pg
		a.zap.Info("PostgreSQL connected successfully")
	}

	if cfg.Database.Redis.Address != "" {
		rc, err := dialWithRetry(ctx, func() (*database.RedisClient, error) {
			return database.NewRedis(cfg.Database.Redis)
		}, 5, time.Second, a.zap, "Redis connection")
		if err != nil {
			a.zap.Warn("continuing without redis: no purchase lock or shared caches", zap.Error(err))
		} else {
			a.redis = rc
			a.zap.Info("Redis connected successfully")
		}
	}

	if cfg.Database.Elasticsearch.GetURL() != "" {
		err := retryWithBackoff(ctx, func() error {
			var err error
			if a.es, err = database.NewElasticsearch(cfg.Database.Elasticsearch); err != nil {
				return err
			}
			return a.es.Ping(ctx)
		}, 5, time.Second, a.zap, "Elasticsearch connection")
		if err != nil {
			a.zap.Warn("continuing without elasticsearch: payment events are not audited", zap.Error(err))
			a.es = nil
		} else {
			a.zap.Info("Elasticsearch connected successfully")
		}
	}

	if cfg.Camunda.Enabled() {
		err := retryWithBackoff(ctx, func() error {
			var err error
			a.zeebe, err = camunda.NewClientWithConfig(camunda.ConfigFrom(cfg.Camunda))
			return err
		}, 10, 2*time.Second, a.zap, "Zeebe client initialization")
		if err != nil {
			return err
		}
		a.zap.Info("Zeebe client connected successfully")
	} else if cfg.Workflow.Mode == config.ModeZeebe {
		return fmt.Errorf("workflow mode %q needs camunda.broker_address", config.ModeZeebe)
	}
	return nil
}

func newAlerter(ctx context.Context, cfg *config.Config, log logger.Logger, zapLog *zap.Logger) payment.Alerter {
	ncfg := cfg.Notifications
	var (
		email notify.EmailSender
		sms   notify.SMSSender
	)
	if ncfg.AWS.SES.Enabled || ncfg.AWS.SNS.Enabled {
		awsCfg, err := skyaws.LoadConfig(ctx, ncfg.AWS.Region)
		if err != nil {
			zapLog.Warn("aws config unavailable, operator alerts are only logged", zap.Error(err))
		} else {
			if ncfg.AWS.SES.Enabled {
				email = skyaws.NewSESClient(awsCfg, ncfg.AWS.SES.FromEmail)
			}
			if ncfg.AWS.SNS.Enabled {
				sms = skyaws.NewSNSClient(awsCfg, ncfg.AWS.SNS.SenderID)
			}
		}
	}
	return notify.NewOperatorAlerter(email, sms, ncfg, log)
}

func (a *application) checks() []api.Check {
	var checks []api.Check
	if a.pg != nil {
		checks = append(checks, api.Check{Name: "postgres", Ping: a.pg.Ping})
	}
	if a.redis != nil {
		checks = append(checks, api.Check{Name: "redis", Ping: a.redis.Ping})
	}
	if a.es != nil {
		checks = append(checks, api.Check{Name: "elasticsearch", Ping: a.es.Ping})
	}
	if a.zeebe != nil {
		checks = append(checks, api.Check{Name: "zeebe", Ping: a.zeebe.HealthCheck})
	}
	return checks
}

// startWorkers opens a job worker per enabled task type. Workers only run
// when purchases are driven by the broker.
func (a *application) startWorkers(cfg *config.Config, obs *observability.Observability) []*camunda.Worker {
	if a.zeebe == nil || a.workflow == nil || cfg.Workflow.Mode != config.ModeZeebe {
		return nil
	}

	var workers []*camunda.Worker
	start := func(taskType string, handler camunda.JobHandler, err error) {
		if err != nil {
			a.zap.Fatal("failed to create handler", zap.String("taskType", taskType), zap.Error(err))
		}
		workers = append(workers, camunda.NewWorker(a.zeebe.GetClient(), taskType,
			config.GetWorkerConfig(cfg, taskType), camunda.Instrument(obs, taskType, handler), a.log))
	}
	enabled := func(taskType string) bool {
		if !config.IsWorkerEnabled(cfg, taskType) {
			a.zap.Info("worker disabled", zap.String("taskType", taskType))
			return false
		}
		return true
	}

	if enabled(ip.TaskType) {
		h, err := ip.NewHandler(ip.HandlerOptions{
			Config:    ip.ConfigFrom(cfg),
			Starter:   a.workflow,
			Validator: a.validator,
			Logger:    a.log,
		})
		start(ip.TaskType, h, err)
	}
	if enabled(cps.TaskType) {
		h, err := cps.NewHandler(cps.HandlerOptions{
			Config:    cps.ConfigFrom(cfg),
			Payments:  a.store,
			Poller:    a.workflow,
			Validator: a.validator,
			Logger:    a.log,
		})
		start(cps.TaskType, h, err)
	}
	if enabled(fs.TaskType) {
		h, err := fs.NewHandler(fs.HandlerOptions{
			Config:    fs.ConfigFrom(cfg),
			Fulfiller: a.workflow,
			Validator: a.validator,
			Logger:    a.log,
		})
		start(fs.TaskType, h, err)
	}
	if enabled(fp.TaskType) {
		h, err := fp.NewHandler(fp.HandlerOptions{
			Config:    fp.ConfigFrom(cfg),
			Failer:    a.workflow,
			Validator: a.validator,
			Logger:    a.log,
		})
		start(fp.TaskType, h, err)
	}
	if enabled(esc.TaskType) {
		h, err := esc.NewHandler(esc.HandlerOptions{
			Config:    esc.ConfigFrom(cfg),
			Payments:  a.store,
			Alerter:   a.alerter,
			Locks:     a.workflow,
			Validator: a.validator,
			Logger:    a.log,
		})
		start(esc.TaskType, h, err)
	}
	return workers
}

func (a *application) close() {
	if a.zeebe != nil {
		if err := a.zeebe.Close(); err != nil {
			a.zap.Error("Error closing Zeebe client", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
}

// observedPurchases records the duration of in-process purchases.
type observedPurchases struct {
	*payment.Workflow
	obs *observability.Observability
}

func (p *observedPurchases) Process(ctx context.Context, req payment.Request) payment.Outcome {
	started := time.Now()
	out := p.Workflow.Process(ctx, req)
	outcome := "completed"
	switch {
	case out.Pending:
		outcome = "pending"
	case !out.Success:
		outcome = "failed"
	}
	p.obs.RecordPurchase(context.WithoutCancel(ctx), outcome, time.Since(started))
	return out
}
