package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/workorder/internal/channel"
	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/internal/definition"
	"github.com/pitabwire/workorder/internal/events"
	"github.com/pitabwire/workorder/internal/idempotency"
	"github.com/pitabwire/workorder/internal/notify"
	"github.com/pitabwire/workorder/internal/workorder"
	"github.com/pitabwire/workorder/model"
)

// loadRegistry loads and validates every definition file.
func loadRegistry(cfg *config.Config) (*definition.Registry, []model.DefinitionFile, error) {
	files, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		return nil, nil, fmt.Errorf("load definitions: %w", err)
	}
	if verrs := definition.NewValidator().Validate(files); len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i, ve := range verrs {
			msgs[i] = ve.Error()
		}
		return nil, nil, fmt.Errorf("definitions invalid: %s", strings.Join(msgs, "; "))
	}
	registry, err := definition.NewRegistry(files)
	if err != nil {
		return nil, nil, err
	}
	return registry, files, nil
}

// openPool connects to PostgreSQL using the DSN named by cfg.DSNEnv.
func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return pool, nil
}

// openRedis connects to the redis server named by cfg.AddrEnv.
func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", cfg.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

// buildInstanceStore opens the instance store used by replay.
func buildInstanceStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (workorder.InstanceStore, func(), error) {
	if cfg.Store.Driver != "postgres" {
		logger.Info("using in-memory workorder store")
		return workorder.NewMemoryStore(), func() {}, nil
	}
	pool, err := openPool(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	return workorder.NewPgStore(pool), pool.Close, nil
}

// backends holds the storage selected by configuration.
type backends struct {
	pool  *pgxpool.Pool
	redis *redis.Client

	instances workorder.InstanceStore
	configs   notify.ConfigStore
	logs      notify.LogStore
	queue     notify.Queue
	bus       events.Bus
	idem      idempotency.Store
}

func (b *backends) Close() {
	if b.bus != nil {
		b.bus.Close()
	}
	if b.redis != nil {
		b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func buildBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if cfg.Store.Driver == "postgres" {
		if b.pool, err = openPool(ctx, cfg.Store); err != nil {
			return nil, err
		}
		if cfg.Store.AutoMigrate {
			pg := workorder.NewPgStore(b.pool)
			if err = pg.EnsureSchema(ctx); err != nil {
				return nil, err
			}
			if err = notify.EnsureSchema(ctx, b.pool); err != nil {
				return nil, err
			}
		}
		b.instances = workorder.NewPgStore(b.pool)
		b.configs = notify.NewPgConfigStore(b.pool)
		b.logs = notify.NewPgLogStore(b.pool)
		logger.Info("using postgres stores")
	} else {
		b.instances = workorder.NewMemoryStore()
		b.configs = notify.NewMemoryConfigStore()
		b.logs = notify.NewMemoryLogStore()
		logger.Info("using in-memory stores")
	}

	if cfg.UsesRedis() {
		if b.redis, err = openRedis(ctx, cfg.Redis); err != nil {
			return nil, err
		}
	}

	switch cfg.Notification.QueueDriver {
	case "postgres":
		b.queue = notify.NewPgQueue(b.pool)
	case "redis":
		b.queue = notify.NewRedisQueue(b.redis, notify.WithQueuePrefix(cfg.Redis.KeyPrefix))
	default:
		b.queue = notify.NewMemoryQueue()
	}

	switch cfg.Events.Driver {
	case "redis":
		consumer := cfg.Events.Consumer
		if consumer == "" {
			consumer, _ = os.Hostname()
		}
		b.bus = events.NewRedisStreamBus(b.redis, cfg.Events.Stream, logger,
			events.WithGroup(cfg.Events.Group, consumer),
			events.WithBlock(cfg.Events.BlockFor),
			events.WithMaxLen(cfg.Events.MaxLen),
		)
	default:
		b.bus = events.NewMemoryBus(cfg.Events.BufferSize, logger)
	}

	if cfg.Idempotency.Enabled {
		switch cfg.Idempotency.Driver {
		case "redis":
			b.idem = idempotency.NewRedisStore(b.redis, idempotency.WithPrefix(cfg.Redis.KeyPrefix))
		default:
			b.idem = idempotency.NewMemoryStore()
		}
	}
	return b, nil
}

// buildSenders creates a sender for every enabled channel whose provider is
// configured. Channels without a usable sender are switched off so the
// dispatcher never claims items it cannot deliver.
func buildSenders(cfg *config.NotificationConfig, logger *zap.Logger) channel.Senders {
	var senders []channel.Sender
	disable := func(name string, err error) {
		ch := cfg.Channels[name]
		if !ch.Enabled {
			return
		}
		ch.Enabled = false
		cfg.Channels[name] = ch
		logger.Warn("notification channel disabled", zap.String("channel", name), zap.Error(err))
	}
	timeout := func(name string) time.Duration { return cfg.Channels[name].SendTimeout }

	if email, err := channel.NewEmailSender(cfg.Email, os.Getenv(cfg.Email.PasswordEnv)); err != nil {
		disable(string(model.ChannelEmail), err)
	} else {
		senders = append(senders, email)
	}
	if feishu, err := channel.NewFeishuSender(cfg.Feishu.WebhookURL, os.Getenv(cfg.Feishu.SecretEnv),
		timeout(string(model.ChannelFeishu))); err != nil {
		disable(string(model.ChannelFeishu), err)
	} else {
		senders = append(senders, feishu)
	}
	if sms, err := channel.NewSMSSender(cfg.SMS, os.Getenv(cfg.SMS.APIKeyEnv), timeout(string(model.ChannelSMS))); err != nil {
		disable(string(model.ChannelSMS), err)
	} else {
		senders = append(senders, sms)
	}
	senders = append(senders, channel.NewWebhookSender(os.Getenv(cfg.Webhook.SigningSecretEnv),
		timeout(string(model.ChannelWebhook))))

	return channel.NewSenders(senders...)
}
