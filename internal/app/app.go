package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dolar-rate-alerts/internal/config"
	"dolar-rate-alerts/internal/engine"
	"dolar-rate-alerts/internal/fetcher"
	"dolar-rate-alerts/internal/notify"
	"dolar-rate-alerts/internal/scheduler"
	"dolar-rate-alerts/internal/server"
	"dolar-rate-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// deps bundles the wired stores and engine for one command invocation.
type deps struct {
	engine   *engine.Engine
	rates    storage.RateStateStore
	subs     storage.SubscriberStore
	telegram *notify.Telegram
	close    func()
}

// buildDeps wires stores, notifiers, and the engine. Missing Redis or
// PostgreSQL configuration falls back to the in-memory stores, which do not
// survive restarts.
func (a *App) buildDeps(ctx context.Context) (*deps, error) {
	closers := make([]func(), 0, 2)

	var rates storage.RateStateStore
	var locker storage.RunLocker
	if a.Config.Redis.Addr != "" {
		client := storage.NewRedisClient(a.Config.Redis)
		redisStore := storage.NewRateStateRedis(client, a.Config.Redis.KeyPrefix, a.Logger)
		if err := redisStore.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		rates = redisStore
		locker = redisStore
		closers = append(closers, func() { _ = client.Close() })
	} else {
		a.Logger.Warn().Msg("redis.addr not configured; using in-memory snapshot store (non-durable)")
		memory := storage.NewRateStateMemory()
		rates = memory
		locker = memory
	}

	var subs storage.SubscriberStore
	if a.Config.Database.DSN != "" {
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		repo := storage.NewSubscriberRepo(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		subs = repo
		closers = append(closers, repo.Close)
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory subscriber store (non-durable)")
		subs = storage.NewSubscriberMemory()
	}

	notifiers := make(map[string]notify.Notifier)
	var telegram *notify.Telegram
	if a.Config.Alerting.Telegram.Enabled {
		tg := a.Config.Alerting.Telegram
		telegram = notify.NewTelegram(tg.BotToken, tg.APIBase, a.Config.Rates.RequestTimeout, a.Logger)
		notifiers[storage.ChannelTelegram] = telegram
	}
	if a.Config.Alerting.WhatsApp.Enabled {
		wa := a.Config.Alerting.WhatsApp
		notifiers[storage.ChannelWhatsApp] = notify.NewWhatsApp(wa.AccountSID, wa.AuthToken, wa.FromNumber, a.Config.Rates.RequestTimeout, a.Logger)
	}

	source := fetcher.NewDolarAPI(fetcher.DolarAPIOptions{
		BaseURL:   a.Config.Rates.BaseURL,
		Timeout:   a.Config.Rates.RequestTimeout,
		UserAgent: a.Config.Rates.UserAgent,
	}, a.Logger)

	eng := engine.New(source, rates, subs, notifiers, locker, engine.Options{
		ThresholdPct: decimal.NewFromFloat(a.Config.Alerting.ThresholdPct),
		NotifyDelay:  a.Config.Alerting.NotifyDelay,
		LockTTL:      a.Config.Alerting.LockTTL,
	}, a.Logger)

	return &deps{
		engine:   eng,
		rates:    rates,
		subs:     subs,
		telegram: telegram,
		close: func() {
			for _, closer := range closers {
				closer()
			}
		},
	}, nil
}

// Serve runs the HTTP API and, when enabled, the polling scheduler until
// interrupted.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := a.buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	srv := server.New(server.Options{
		Addr:           a.Config.Server.Addr,
		RequestTimeout: a.Config.Server.RequestTimeout,
	}, d.engine, d.subs, d.telegram, a.Logger)

	errCh := make(chan error, 2)

	go func() {
		errCh <- srv.Run(ctx)
	}()

	if a.Config.Scheduler.Enabled {
		sched := scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
		}, a.Logger)

		go func() {
			errCh <- sched.Run(ctx, func(ctx context.Context) error {
				_, err := d.engine.CheckAndNotify(ctx)
				if errors.Is(err, engine.ErrRunInProgress) {
					return nil
				}
				return err
			})
		}()
	} else {
		a.Logger.Info().Msg("scheduler disabled; checks run on HTTP trigger only")
	}

	a.Logger.Info().Msg("dolarwatcher started")
	err = <-errCh
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("dolarwatcher stopped")
	return nil
}

// Check executes a single detection run and prints the report as JSON.
func (a *App) Check(ctx context.Context) error {
	d, err := a.buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	report, err := d.engine.CheckAndNotify(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// Reset clears the persisted snapshot so the next check bootstraps.
func (a *App) Reset(ctx context.Context) error {
	d, err := a.buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	return d.engine.Reset(ctx)
}

// Subscribers prints the current subscriber list as JSON.
func (a *App) Subscribers(ctx context.Context) error {
	d, err := a.buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	subs, err := d.subs.ListSubscribers(ctx)
	if err != nil {
		return err
	}

	type row struct {
		ID          string  `json:"id"`
		DisplayName string  `json:"displayName,omitempty"`
		Channel     string  `json:"channel"`
		Threshold   float64 `json:"threshold"`
	}
	rows := make([]row, 0, len(subs))
	for _, sub := range subs {
		rows = append(rows, row{
			ID:          sub.ID,
			DisplayName: sub.DisplayName,
			Channel:     sub.Channel,
			Threshold:   sub.ThresholdPct.InexactFloat64(),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
