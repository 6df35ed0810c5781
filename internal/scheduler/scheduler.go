// Package scheduler runs the periodic entry recompute and balance snapshot.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/spotdesk/assistant/internal/entries"
	"github.com/spotdesk/assistant/internal/journal"
	"github.com/spotdesk/assistant/internal/model"
	"github.com/spotdesk/assistant/internal/symbol"
)

// Recomputer recomputes cached entries.
type Recomputer interface {
	ComputeAvgEntries(ctx context.Context, symbols []string, lookbackDays int) (entries.Report, error)
}

// Holdings lists the account balances.
type Holdings interface {
	Balances(ctx context.Context) ([]model.Balance, error)
}

// Recorder stores a balance history point.
type Recorder interface {
	Record(ctx context.Context) (journal.BalancePoint, error)
}

// WatchlistSource returns the symbols every run recomputes. It is read at
// each run, so edits apply from the next run on.
type WatchlistSource interface {
	Watchlist() []string
}

// StaticWatchlist is a fixed watchlist.
type StaticWatchlist []string

func (w StaticWatchlist) Watchlist() []string { return w }

// Options configures a Scheduler.
type Options struct {
	Interval     time.Duration
	RunTimeout   time.Duration
	LookbackDays int
	Watchlist    WatchlistSource
	Quote        string
	Stable       []string
}

// Scheduler triggers a run at every full interval (on the hour by default).
type Scheduler struct {
	rec     Recomputer
	account Holdings
	history Recorder
	opts    Options
	stable  map[string]bool
	now     func() time.Time
}

// New creates a scheduler. history may be nil.
func New(rec Recomputer, account Holdings, history Recorder, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	if opts.Quote == "" {
		opts.Quote = "USDT"
	}
	stable := map[string]bool{strings.ToUpper(opts.Quote): true}
	for _, a := range opts.Stable {
		stable[strings.ToUpper(a)] = true
	}
	return &Scheduler{
		rec:     rec,
		account: account,
		history: history,
		opts:    opts,
		stable:  stable,
		now:     time.Now,
	}
}

// NextRun returns the first interval boundary after now.
func NextRun(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}

// Run blocks until ctx is cancelled, running once per interval.
func (s *Scheduler) Run(ctx context.Context) error {
	next := NextRun(s.now(), s.opts.Interval)
	slog.Info("scheduler started", "interval", s.opts.Interval.String(), "next_run", next)

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return ctx.Err()
		case <-timer.C:
			s.RunOnce(ctx)
			next = NextRun(s.now(), s.opts.Interval)
			timer.Reset(time.Until(next))
		}
	}
}

// RunOnce recomputes entries for the watchlist and held assets and records
// a balance point. Failures are logged; the scheduler keeps going.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	syms := s.Symbols(ctx)
	if len(syms) > 0 {
		rep, err := s.rec.ComputeAvgEntries(ctx, syms, s.opts.LookbackDays)
		if err != nil {
			slog.Error("scheduled recompute failed", "run_id", rep.RunID, "err", err)
		}
	}

	if s.history != nil {
		p, err := s.history.Record(ctx)
		if err != nil {
			slog.Error("balance point not recorded", "err", err)
			return
		}
		slog.Info("balance point recorded", "total", p.Total.String(), "quote", p.Quote)
	}
}

// Symbols returns the watchlist plus a pair for every held non-stable
// asset, without duplicates.
func (s *Scheduler) Symbols(ctx context.Context) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(sym string) {
		if sym = symbol.Normalize(sym); sym != "" && !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	if s.opts.Watchlist != nil {
		for _, sym := range s.opts.Watchlist.Watchlist() {
			add(sym)
		}
	}

	bals, err := s.account.Balances(ctx)
	if err != nil {
		slog.Warn("balances unavailable, recomputing watchlist only", "err", err)
		return out
	}
	for _, b := range bals {
		if !s.stable[b.Asset] {
			add(symbol.Join(b.Asset, s.opts.Quote))
		}
	}
	return out
}
