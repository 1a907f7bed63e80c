package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/counsel/counsel/internal/config"
	"github.com/counsel/counsel/internal/domain/counseling"
	"github.com/counsel/counsel/internal/platform/db"
	"github.com/counsel/counsel/internal/platform/notification"
)

// app holds the wired scheduling core shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	redis  *redis.Client
	svc    *counseling.Service
	poller *counseling.ReminderPoller
}

// newApp connects to Postgres (and Redis when configured) and builds the
// service and reminder poller. metrics may be nil.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics counseling.Metrics) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolConfig(cfg))
	if err != nil {
		return nil, err
	}
	logger.Info().Int32("max_conns", cfg.DBMaxConns).Msg("connected to database")

	a := &app{cfg: cfg, logger: logger, pool: pool}

	var notifier counseling.NotificationPort
	if cfg.RedisURL != "" {
		client, err := notification.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.redis = client
		notifier = notification.NewRedisPublisher(client, cfg.NotifyStream, cfg.NotifyStreamMaxLen)
		logger.Info().Str("stream", cfg.NotifyStream).Msg("publishing notifications to redis")
	} else {
		notifier = notification.NewLogSender(logger)
		logger.Warn().Msg("REDIS_URL not set, notifications are only logged")
	}

	tx := counseling.NewTransactor(db.NewTxManager(pool, cfg.DBTimeout))
	directory := counseling.NewDirectoryPG(pool)
	reminders := counseling.NewReminderRepoPG(pool)

	a.svc = counseling.NewService(counseling.Deps{
		Tx:           tx,
		Appointments: counseling.NewAppointmentRepoPG(pool),
		History:      counseling.NewHistoryRepoPG(pool),
		Availability: counseling.NewAvailabilityRepoPG(pool),
		Blocks:       counseling.NewBlockRepoPG(pool),
		Reminders:    reminders,
		Notifier:     notifier,
		Directory:    directory,
		Metrics:      metrics,
		Logger:       logger,
	}, serviceConfig(cfg))

	a.poller = counseling.NewReminderPoller(tx, reminders, directory, notifier, nil, metrics, logger,
		counseling.PollerConfig{BatchSize: cfg.ReminderBatchSize, Location: cfg.Location()})

	return a, nil
}

func serviceConfig(cfg *config.Config) counseling.Config {
	return counseling.Config{
		Location:        cfg.Location(),
		DefaultDuration: cfg.DefaultDurationMinutes,
		DefaultBuffer:   cfg.DefaultBufferMinutes,
		SlotStep:        cfg.SlotStepMinutes,
		ReminderOffsets: cfg.ReminderOffsets,
		Escalation: counseling.EscalationPolicy{
			MediumAfter: cfg.PriorityMediumAfter,
			HighAfter:   cfg.PriorityHighAfter,
		},
		QueryTimeout: cfg.DBTimeout,
	}
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing redis client")
		}
	}
	a.pool.Close()
}
