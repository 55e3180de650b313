// Package app wires the service together. It is shared by the daemon and the
// operator CLI so both run the exact same engine configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"remindsync/internal/api"
	"remindsync/internal/builder"
	"remindsync/internal/config"
	"remindsync/internal/database"
	"remindsync/internal/domain"
	"remindsync/internal/events"
	"remindsync/internal/google"
	"remindsync/internal/lunar"
	"remindsync/internal/metrics"
	"remindsync/internal/notify"
	"remindsync/internal/queue"
	"remindsync/internal/reconcile"
	"remindsync/internal/repository"
	"remindsync/internal/retry"
	"remindsync/internal/worker"
)

// bulkJobTTL bounds how long finished bulk job counters stay in redis.
const bulkJobTTL = 7 * 24 * time.Hour

type App struct {
	Config *config.Config
	Logger *zerolog.Logger

	DB         *database.DB
	Redis      *redis.Client
	Jobs       domain.BulkJobRepository
	Bus        *events.EventBus
	Engine     *reconcile.Engine
	Worker     *worker.SyncWorker
	SQS        *queue.SQSDispatcher
	Dispatcher domain.Dispatcher
	OAuth      *oauth2.Config

	closers []func() error
}

type options struct {
	calendarOpts []option.ClientOption
	notifier     domain.CredentialNotifier
	sqsClient    queue.SQSAPI
}

type Option func(*options)

// WithCalendarOptions appends client options to every calendar client.
func WithCalendarOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.calendarOpts = append(o.calendarOpts, opts...) }
}

// WithNotifier replaces the Telegram notifier built from config.
func WithNotifier(n domain.CredentialNotifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithSQSClient replaces the AWS client used by the sqs backend.
func WithSQSClient(c queue.SQSAPI) Option {
	return func(o *options) { o.sqsClient = c }
}

// New builds every component. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{Config: cfg, Logger: logger}

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	a.initRedis(ctx)
	a.initJobs()

	lunarClient := lunar.NewHebcalClient(cfg.Lunar.BaseURL, cfg.Lunar.Timeout, cfg.Lunar.RequestsPerSecond)
	if a.Redis != nil {
		lunarClient.UseRedisCache(a.Redis, cfg.Lunar.CacheTTL)
	}
	b := builder.New(lunarClient, builder.Config{
		YearsAhead:             cfg.Sync.YearsAhead,
		Location:               cfg.Location(),
		DefaultReminderMinutes: cfg.Sync.ReminderMinutes,
	})

	a.OAuth = google.NewOAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	calendarOpts := o.calendarOpts
	if cfg.Google.CalendarEndpoint != "" {
		calendarOpts = append(calendarOpts, option.WithEndpoint(cfg.Google.CalendarEndpoint))
	}
	accounts := google.NewAccountProvider(a.OAuth, db, logger, calendarOpts...)

	a.Worker = worker.NewSyncWorker(db, nil, retry.RetryPolicy{
		MaxRetries:    cfg.Worker.MaxRetries,
		InitialDelay:  cfg.Worker.RetryDelay,
		BackoffFactor: 2,
	}, logger, a.workerOptions()...)

	if err := a.initDispatcher(ctx, o.sqsClient); err != nil {
		_ = a.Close()
		return nil, err
	}

	notifier := o.notifier
	if notifier == nil {
		notifier = a.telegramNotifier()
	}

	a.Engine = reconcile.NewEngine(reconcile.Deps{
		Store:      db,
		Builder:    b,
		Boundaries: b,
		Accounts:   accounts,
		Jobs:       a.Jobs,
		Dispatcher: a.Dispatcher,
		Notifier:   notifier,
		Pipeline:   reconcile.NewPipeline(a.calendarRetrier(), cfg.Sync.OpPacing, logger),
	}, reconcile.Config{
		Concurrency:     cfg.Sync.Concurrency,
		StrictMode:      cfg.Sync.StrictMode,
		CommitAttempts:  cfg.Sync.CommitAttempts,
		SweepMaxRetries: cfg.Sync.SweepMaxRetryCount,
		SweepBatchSize:  cfg.Sync.SweepBatchSize,
		BulkChunkSize:   cfg.Sync.BulkChunkSize,
		BulkChunkDelay:  cfg.Sync.BulkChunkDelay,
	}, logger)
	a.Worker.SetEngine(a.Engine)

	a.Bus = events.NewEventBus()
	events.BindDispatcher(a.Bus, a.Dispatcher, logger)

	return a, nil
}

func (a *App) initRedis(ctx context.Context) {
	if !a.Config.Redis.Enabled() {
		return
	}
	client := repository.NewRedisClient(a.Config.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		a.Logger.Warn().Err(err).Msg("redis unavailable, continuing without redis")
		_ = client.Close()
		return
	}
	a.Logger.Info().Str("addr", a.Config.Redis.Address).Msg("redis connected")
	a.Redis = client
	a.closers = append(a.closers, client.Close)
}

// initJobs prefers redis counters and keeps an in-memory mirror for outages.
func (a *App) initJobs() {
	fallback := repository.NewMemoryBulkJobRepository()
	if a.Redis == nil {
		a.Jobs = fallback
		return
	}
	primary := repository.NewRedisBulkJobRepository(a.Redis, bulkJobTTL)
	a.Jobs = repository.NewFailoverBulkJobRepository(primary, fallback, a.Logger)
}

func (a *App) workerOptions() []worker.Option {
	opts := []worker.Option{
		worker.WithPollInterval(a.Config.Worker.PollInterval),
		worker.WithRecordRemover(a.DB),
	}
	if a.Redis != nil {
		opts = append(opts, worker.WithRedis(a.Redis, a.Config.Worker.DeadLetterKey))
	}
	return opts
}

func (a *App) initDispatcher(ctx context.Context, client queue.SQSAPI) error {
	if a.Config.Queue.Backend != "sqs" {
		a.Dispatcher = a.Worker
		return nil
	}
	if client == nil {
		c, err := queue.NewSQSClient(ctx, a.Config.Queue.SQS)
		if err != nil {
			return err
		}
		client = c
	}
	a.SQS = queue.NewSQSDispatcher(client, a.Config.Queue.SQS, a.Logger)
	a.Dispatcher = a.SQS
	return nil
}

// calendarRetrier retries throttled calendar calls only.
func (a *App) calendarRetrier() *retry.Retrier {
	policy := retry.RetryPolicy{
		MaxRetries:    a.Config.Sync.MaxRetries,
		InitialDelay:  a.Config.Sync.BaseDelay,
		BackoffFactor: 2,
		Jitter:        a.Config.Sync.MaxJitter,
	}
	logger := a.Logger.With().Str("component", "calendar_retry").Logger()
	return retry.New(policy, domain.IsRateLimited, retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
		metrics.IncCalendarRetry()
		logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("calendar call throttled")
	}))
}

func (a *App) telegramNotifier() domain.CredentialNotifier {
	if a.Config.Telegram.BotToken == "" {
		return nil
	}
	bot, err := notify.NewBotAPI(a.Config.Telegram.BotToken, a.Config.Telegram.Debug)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("telegram unavailable, credential alerts disabled")
		return nil
	}
	var reconnect func(string) string
	if a.Config.Google.RedirectURL != "" {
		reconnect = func(orgID string) string {
			return a.OAuth.AuthCodeURL(orgID, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
		}
	}
	return notify.NewTelegramNotifier(bot, reconnect, a.Logger)
}

// Handle runs one task in-process. It is the SQS poll handler.
func (a *App) Handle(ctx context.Context, task domain.Task) error {
	return a.Worker.Handle(ctx, task)
}

// HTTPServer builds the API server on top of the engine.
func (a *App) HTTPServer() *api.HTTPServer {
	return api.NewHTTPServer(a.Config.API, api.Deps{
		Engine:   a.Engine,
		Records:  a.DB,
		Jobs:     a.Jobs,
		Events:   a.Bus,
		Ready:    a.DB.PingContext,
		Location: a.Config.Location(),
	}, a.Logger)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
