package cli

import (
	"context"
	"fmt"
	"io"

	"erpsync/internal/config"
	"erpsync/internal/database"
	"erpsync/internal/dispatcher"
	"erpsync/internal/domain"
	"erpsync/internal/erp"
	"erpsync/internal/events"
	"erpsync/internal/integration"
	"erpsync/internal/lock"
	"erpsync/internal/logging"
	"erpsync/internal/notify"
	"erpsync/internal/syncstate"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// App is the wired object graph shared by every command.
type App struct {
	Config     *config.Config
	Logger     *zerolog.Logger
	DB         *database.DB
	Redis      *redis.Client
	Dispatcher *dispatcher.Dispatcher
	Machine    *syncstate.Machine
	Worker     *integration.Worker
	Bus        *events.EventBus

	closer io.Closer
}

func newApp(ctx context.Context, opts *RootOptions) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "init logger", err)
	}
	logger := logging.Component(baseLogger, "app")

	db, err := database.NewDB(cfg.Database.Path, baseLogger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, fmt.Errorf("init database: %w", err)
	}

	app := &App{Config: cfg, Logger: baseLogger, DB: db, closer: closer}
	app.Redis = initRedis(ctx, cfg, logger)

	var locker domain.Locker = lock.NewMemoryLocker()
	if app.Redis != nil {
		locker = lock.NewFailoverLocker(lock.NewRedisLocker(app.Redis), locker, baseLogger)
	}

	app.Dispatcher = dispatcher.New(db, app.Redis, cfg.Dispatcher, baseLogger)
	app.Machine = syncstate.New(db, app.Dispatcher, initNotifier(cfg, baseLogger), cfg.Sync, baseLogger)
	app.Worker = integration.NewWorker(db, db, erp.NewClient(cfg.ERP, baseLogger), app.Machine, app.Dispatcher, locker, cfg.Sync.LockTTL, baseLogger)
	if err := integration.Init(app.Dispatcher, app.Worker); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	app.Bus = events.NewEventBus()
	app.Worker.Subscribe(app.Bus)

	return app, nil
}

func (a *App) Close() error {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	err := a.DB.Close()
	if a.closer != nil {
		_ = a.closer.Close()
	}
	return err
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := lock.NewRedisClient(cfg.Redis)
	if err := lock.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initNotifier(cfg *config.Config, logger *zerolog.Logger) domain.Notifier {
	sinks := notify.Multi{notify.NewLogNotifier(logger)}
	if !cfg.Telegram.Enabled {
		return sinks
	}

	bot, err := notify.NewTelegramBot(cfg.Telegram)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, notifications go to the log only")
		return sinks
	}
	return append(sinks, notify.NewTelegramNotifier(bot, cfg.Telegram.ChatIDs))
}
