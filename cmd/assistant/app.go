package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/api"
	"github.com/spotdesk/assistant/internal/config"
	"github.com/spotdesk/assistant/internal/costbasis"
	"github.com/spotdesk/assistant/internal/entries"
	"github.com/spotdesk/assistant/internal/exchange"
	"github.com/spotdesk/assistant/internal/journal"
	"github.com/spotdesk/assistant/internal/market"
	"github.com/spotdesk/assistant/internal/model"
	"github.com/spotdesk/assistant/internal/orders"
	"github.com/spotdesk/assistant/internal/portfolio"
	"github.com/spotdesk/assistant/internal/scheduler"
	"github.com/spotdesk/assistant/internal/settings"
	"github.com/spotdesk/assistant/internal/store"
)

const (
	manualFile   = "avg_entries_manual.json"
	computedFile = "avg_entries_auto.json"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg       config.Config
	ex        *exchange.MEXC
	hub       *api.WSHub
	engine    *entries.Engine
	journal   *journal.SQLite
	settings  *settings.Service
	portfolio *portfolio.Service
	history   *portfolio.History
	market    *market.Service
	orders    *orders.Service
	scheduler *scheduler.Scheduler
	cleanup   []func()
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, hub: api.NewWSHub()}
	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	if !cfg.HasCredentials() {
		slog.Warn("exchange credentials not set, signed calls will fail")
	}
	a.ex = exchange.NewMEXC(exchange.Options{
		BaseURL:           cfg.Exchange.BaseURL,
		APIKey:            cfg.Exchange.APIKey,
		APISecret:         cfg.Exchange.APISecret,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		Burst:             cfg.Exchange.Burst,
		HTTPTimeout:       cfg.Exchange.HTTPTimeout,
		StableAssets:      cfg.Exchange.StableAssets,
	})

	manual, computed, err := a.openStores(ctx)
	if err != nil {
		return err
	}

	agg := entries.NewAggregator(a.ex,
		entries.WithPageLimit(cfg.Entries.PageLimit),
		entries.WithFetchTimeout(cfg.Entries.FetchTimeout),
		entries.WithMinSplitSpan(cfg.Entries.MinSplitSpan),
	)
	a.engine = entries.NewEngine(agg, costbasis.NewCalculator(a.ex.QuoteStableAssets()...), manual, computed,
		entries.WithWorkers(cfg.Entries.Workers),
		entries.WithStepDays(cfg.Entries.StepDays),
		entries.WithNotifier(a.hub),
	)

	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}
	j, err := journal.NewSQLite(cfg.Storage.JournalPath)
	if err != nil {
		return err
	}
	a.cleanup = append(a.cleanup, func() { j.Close() })
	a.journal = j

	a.settings, err = settings.NewService(ctx, j, settings.Values{
		SignalScore:   cfg.Settings.SignalScore,
		DefaultBudget: cfg.Settings.Budget(),
		Watchlist:     cfg.Settings.Watchlist,
	})
	if err != nil {
		return err
	}

	quote := cfg.Exchange.Quote
	a.portfolio = portfolio.NewService(a.ex, a.ex, a.engine, quote, cfg.Exchange.CashAssets...)
	a.history = portfolio.NewHistory(a.portfolio, j)
	a.market = market.NewService(a.ex, cfg.Exchange.CashAssets...)

	perOrder, perAsset, total := cfg.Limits.Decimals()
	a.orders = orders.NewService(a.ex, j, orders.NewExposureLimiter(perOrder, perAsset, total), quote, cfg.LiveArm)
	if cfg.LiveArm {
		slog.Warn("live trading armed, market buys will be sent")
	}

	stable := append([]string{}, cfg.Exchange.StableAssets...)
	a.scheduler = scheduler.New(a.engine, a.ex, a.history, scheduler.Options{
		Interval:     cfg.Scheduler.Interval,
		RunTimeout:   cfg.Scheduler.RunTimeout,
		LookbackDays: cfg.Entries.LookbackDays,
		Watchlist:    a.settings,
		Quote:        quote,
		Stable:       append(stable, cfg.Exchange.CashAssets...),
	})
	return nil
}

// openStores selects PostgreSQL when a database URL is set, with an optional
// Redis read-through cache, and JSON files under the data dir otherwise.
func (a *app) openStores(ctx context.Context) (store.Store[decimal.Decimal], store.Store[model.ComputedEntry], error) {
	sc := a.cfg.Storage

	if sc.DatabaseURL == "" {
		manual, err := store.NewFileStore[decimal.Decimal](store.DocManual, filepath.Join(sc.DataDir, manualFile))
		if err != nil {
			return nil, nil, err
		}
		computed, err := store.NewFileStore[model.ComputedEntry](store.DocComputed, filepath.Join(sc.DataDir, computedFile))
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using file entry stores", "manual", manual.Path(), "computed", computed.Path())
		return manual, computed, nil
	}

	pool, err := pgxpool.New(ctx, sc.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	a.cleanup = append(a.cleanup, pool.Close)
	if err := store.EnsureSchema(ctx, pool); err != nil {
		return nil, nil, err
	}
	var manual store.Store[decimal.Decimal] = store.NewPostgresStore[decimal.Decimal](pool, store.DocManual)
	var computed store.Store[model.ComputedEntry] = store.NewPostgresStore[model.ComputedEntry](pool, store.DocComputed)
	slog.Info("connected to PostgreSQL")

	if sc.RedisURL != "" {
		opt, err := redis.ParseURL(sc.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		a.cleanup = append(a.cleanup, func() { rdb.Close() })
		manual = store.NewCachedStore(manual, rdb, store.DocManual, sc.CacheTTL)
		computed = store.NewCachedStore(computed, rdb, store.DocComputed, sc.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", sc.CacheTTL)
	}
	return manual, computed, nil
}

func (a *app) apiService() *api.Service {
	return api.NewService(api.Deps{
		Entries:      a.engine,
		Portfolio:    a.portfolio,
		History:      a.history,
		Market:       a.market,
		Orders:       a.orders,
		Symbols:      a.scheduler,
		Settings:     a.settings,
		LookbackDays: a.cfg.Entries.LookbackDays,
	})
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}
