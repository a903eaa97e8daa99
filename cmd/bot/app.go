package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/xaenox/liuyao-bot/internal/ai"
	"github.com/xaenox/liuyao-bot/internal/bot"
	"github.com/xaenox/liuyao-bot/internal/quota"
	"github.com/xaenox/liuyao-bot/internal/relay"
	"github.com/xaenox/liuyao-bot/internal/retry"
	"github.com/xaenox/liuyao-bot/internal/storage"
	"github.com/xaenox/liuyao-bot/pkg/config"
	"go.uber.org/zap"
)

// app holds what every command shares: the config and the logger.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func (a *app) init() error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) close() {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func (a *app) openStore(ctx context.Context) (storage.Storage, error) {
	if a.cfg.Database.UseInMemory {
		a.logger.Info("Using in-memory storage")
		store := storage.NewMemoryStorage()
		if err := store.SeedTiers(ctx, storage.DefaultTiers(a.cfg.App.Env)); err != nil {
			return nil, err
		}
		return store, nil
	}

	a.logger.Info("Using PostgreSQL storage")
	store, err := a.openPostgres()
	if err != nil {
		return nil, err
	}
	if a.cfg.Database.AutoMigrate {
		if err := migrateAndSeed(ctx, store, a.cfg.App.Env, a.logger); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

func (a *app) openPostgres() (*storage.PostgresStorage, error) {
	db := a.cfg.Database
	store, err := storage.NewPostgresStorage(storage.DatabaseConfig{
		Host:     db.Host,
		Port:     db.Port,
		User:     db.User,
		Password: db.Password,
		DBName:   db.DBName,
		SSLMode:  db.SSLMode,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

func migrateAndSeed(ctx context.Context, store *storage.PostgresStorage, env string, logger *zap.Logger) error {
	if err := storage.Migrate(store.DB(), logger); err != nil {
		return err
	}
	if err := store.SeedTiers(ctx, storage.DefaultTiers(env)); err != nil {
		return fmt.Errorf("seed tiers: %w", err)
	}
	return nil
}

func (a *app) newBot(store storage.Storage) (*bot.Bot, *bot.TelegramClient, error) {
	if err := a.cfg.ValidateBot(); err != nil {
		return nil, nil, err
	}

	tg, err := bot.NewTelegramClient(bot.TelegramConfig{
		Token:     a.cfg.Telegram.Token,
		ParseMode: a.cfg.Telegram.ParseMode,
		Timeout:   a.cfg.Telegram.APITimeout,
		RateLimit: a.cfg.Telegram.RateLimit,
		Burst:     a.cfg.Telegram.RateBurst,
	}, a.logger)
	if err != nil {
		return nil, nil, err
	}

	aiClient := ai.NewOpenAIClient(ai.OpenAIConfig{
		APIKey:       a.cfg.OpenAI.APIKey,
		BaseURL:      a.cfg.OpenAI.BaseURL,
		SystemPrompt: a.cfg.OpenAI.SystemPrompt,
		MaxTokens:    a.cfg.OpenAI.MaxTokens,
		Temperature:  a.cfg.OpenAI.Temperature,
	}, a.logger)

	b := bot.New(tg, store, aiClient, bot.Config{
		Env:           a.cfg.App.Env,
		AgentID:       a.cfg.OpenAI.Model,
		Location:      quota.Location(a.cfg.Quota.UTCOffsetHours),
		UpdateTimeout: a.cfg.Server.WebhookTimeout,
		DefaultLimit:  a.cfg.Quota.DefaultDailyLimit,
		Relay:         relay.Options{FlushThreshold: a.cfg.Relay.FlushThreshold},
		Retry: retry.Policy{
			MaxAttempts:    a.cfg.Retry.MaxAttempts,
			Backoff:        a.cfg.Retry.Backoff,
			AttemptTimeout: a.cfg.Retry.AttemptTimeout,
		},
	}, a.logger)

	a.logger.Info("Bot ready",
		zap.String("username", tg.API().Self.UserName),
		zap.String("env", a.cfg.App.Env),
		zap.String("agent", a.cfg.OpenAI.Model))
	return b, tg, nil
}
