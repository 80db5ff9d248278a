package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"bankchat/internal/app"
	"bankchat/internal/backend"
	"bankchat/internal/cache"
	"bankchat/internal/config"
	"bankchat/internal/persist"
	mysqlClient "bankchat/internal/platform/mysql"
	rabbitmqClient "bankchat/internal/platform/rabbitmq"
	redisClient "bankchat/internal/platform/redis"
	"bankchat/internal/repository"
	"bankchat/internal/store"
	"bankchat/internal/worker"
)

type App struct {
	Config        *config.Config
	Logger        *zap.Logger
	MySQL         *gorm.DB
	Redis         *redis.Client
	MQConn        *amqp.Connection
	Backend       *backend.Client
	Registry      *app.Registry
	PersistWorker *worker.PersistWorker
	publisher     *rabbitmqClient.CommandPublisher

	StartedAt time.Time
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, StartedAt: time.Now()}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN(), logger)
	if err != nil {
		return nil, err
	}
	a.MySQL = mysqlDB

	redisCli, err := redisClient.New(ctx, cfg.Redis)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Redis = redisCli

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.MQConn = mqConn

	sessionRepo := repository.NewSessionRepository(mysqlDB)
	messageRepo := repository.NewMessageRepository(mysqlDB)
	historyCache := cache.NewHistoryCache(redisCli, cfg.HistoryTTL(), 0)
	applier := persist.NewApplier(sessionRepo, messageRepo, historyCache, logger.Named("persist"))
	loader := persist.NewLoader(sessionRepo, messageRepo, historyCache, 0, logger.Named("loader"))

	persisters := func(userID string) store.Persister {
		return persist.NewPersister(userID, applier, nil)
	}
	if cfg.RabbitMQ.PersistQueue != "" {
		a.publisher = rabbitmqClient.NewCommandPublisher(mqConn, cfg.RabbitMQ.PersistQueue)
		a.PersistWorker = worker.NewPersistWorker(mqConn, applier, cfg.RabbitMQ.PersistQueue, logger.Named("worker"))
		persisters = func(userID string) store.Persister {
			return persist.NewPersister(userID, a.publisher, historyCache)
		}
	}

	a.Backend = backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.BackendTimeout(),
		Tokens:  backend.ExpiryChecked(backend.ContextToken, nil),
		Logger:  logger.Named("backend"),
	})

	a.Registry = app.NewRegistry(app.RegistryConfig{
		Transport:  a.Backend,
		Loader:     loader,
		Persisters: persisters,
		Options: app.ChatOptions{
			MaxHistory:    cfg.Chat.MaxHistory,
			StreamTimeout: cfg.StreamTimeout(),
			Backend: backend.Options{
				UseContext:  cfg.Chat.UseContext,
				Temperature: cfg.Chat.Temperature,
				TopK:        cfg.Chat.TopK,
			},
		},
		IdleTTL: cfg.IdleWorkspaceTTL(),
		Logger:  logger.Named("chat"),
	})
	return a, nil
}

// StartWorkers starts the persist worker when the queue is configured.
func (a *App) StartWorkers(ctx context.Context) error {
	if a.PersistWorker == nil {
		return nil
	}
	if err := a.PersistWorker.Start(ctx); err != nil {
		return fmt.Errorf("start persist worker failed: %w", err)
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.Registry != nil {
		a.Registry.Shutdown()
	}
	if a.PersistWorker != nil {
		a.PersistWorker.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		if err := a.MQConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.MySQL != nil {
		if sqlDB, err := a.MySQL.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
