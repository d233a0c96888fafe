package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"creativeflow/cmd/server/config"
	gendb "creativeflow/internal/db/generation"
	"creativeflow/internal/generation"
	"creativeflow/internal/ledger"
	"creativeflow/internal/messaging"
	"creativeflow/internal/notify"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

var dialAMQP = func(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

type requestStore interface {
	generation.RequestStore
	generation.SettlementLister
}

type persistence struct {
	store   requestStore
	ledger  generation.CreditLedger
	durable bool
	cleanup func()
}

// buildPersistence returns the Postgres store and ledger when DATABASE_URL is
// set and in-memory ones otherwise.
func buildPersistence(ctx context.Context, log zerolog.Logger) (persistence, error) {
	cfg, err := config.LoadDatabase()
	if errors.Is(err, config.ErrNotConfigured) {
		log.Warn().Msg("DATABASE_URL not set; generation state is kept in memory")
		return persistence{
			store:   generation.NewMemoryStore(),
			ledger:  generation.NewInMemoryLedger(nil),
			cleanup: func() {},
		}, nil
	}
	if err != nil {
		return persistence{}, err
	}

	db, err := openDB("pgx", cfg.URL)
	if err != nil {
		return persistence{}, err
	}
	if cfg.MaxOpenConns != nil {
		db.SetMaxOpenConns(*cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != nil {
		db.SetMaxIdleConns(*cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime != nil {
		db.SetConnMaxLifetime(*cfg.ConnMaxLifetime)
	}

	store := gendb.NewRequestStore(db)
	credits := gendb.NewLedger(db)
	if cfg.InitSchema {
		if err := store.InitSchema(ctx); err != nil {
			_ = db.Close()
			return persistence{}, fmt.Errorf("init request schema: %w", err)
		}
		if err := credits.InitSchema(ctx); err != nil {
			_ = db.Close()
			return persistence{}, fmt.Errorf("init ledger schema: %w", err)
		}
	}

	return persistence{
		store:   store,
		ledger:  credits,
		durable: true,
		cleanup: func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("close generation db")
			}
		},
	}, nil
}

// buildLedger prefers the remote credit service over the local ledger.
func buildLedger(local generation.CreditLedger, log zerolog.Logger) (generation.CreditLedger, error) {
	cfg, err := config.LoadLedger()
	if errors.Is(err, config.ErrNotConfigured) {
		return local, nil
	}
	if err != nil {
		return nil, err
	}
	client, err := ledger.NewClient(ledger.Options{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("base_url", cfg.BaseURL).Msg("using remote credit service")
	return client, nil
}

// buildRedisNotifier returns nil when REDIS_URL is unset.
func buildRedisNotifier(ctx context.Context, log zerolog.Logger) (*notify.RedisNotifier, func(), error) {
	cfg, err := config.LoadRedis()
	if errors.Is(err, config.ErrNotConfigured) {
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, nil, err
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	notifier := notify.NewRedisNotifier(notify.ClientAdapter{Client: client}, cfg.Stream, cfg.StatusTTL, cfg.StreamMaxLen)
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Error().Err(err).Msg("close redis")
		}
	}
	return notifier, cleanup, nil
}

type broker struct {
	publisher *messaging.Publisher
	consumeCh messaging.Channel
	consumer  messaging.ConsumerConfig
	cleanup   func()
}

// buildBroker connects to RabbitMQ, declares the topology and opens separate
// channels for publishing and consuming.
func buildBroker(log zerolog.Logger) (broker, error) {
	cfg, err := config.LoadAMQP()
	if err != nil {
		return broker{}, err
	}
	conn, err := dialAMQP(cfg.URL)
	if err != nil {
		return broker{}, fmt.Errorf("dial amqp: %w", err)
	}
	fail := func(err error) (broker, error) {
		_ = conn.Close()
		return broker{}, err
	}

	pubCh, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("open publish channel: %w", err))
	}
	if err := cfg.Topology.Declare(pubCh); err != nil {
		return fail(fmt.Errorf("declare topology: %w", err))
	}
	publisher, err := messaging.NewPublisher(pubCh, cfg.Topology, cfg.Confirms)
	if err != nil {
		return fail(err)
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("open consume channel: %w", err))
	}
	if err := consumeCh.Qos(cfg.Topology.Prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("set prefetch: %w", err))
	}

	return broker{
		publisher: publisher,
		consumeCh: consumeCh,
		consumer:  cfg.Consumer,
		cleanup: func() {
			if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				log.Error().Err(err).Msg("close amqp")
			}
		},
	}, nil
}
