// Package entries reconciles average entry prices: it gathers a symbol's
// trade log in time windows, folds it through the cost basis calculator,
// caches the result and resolves manual overrides on top of it.
package entries

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/spotdesk/assistant/internal/costbasis"
	"github.com/spotdesk/assistant/internal/metrics"
	"github.com/spotdesk/assistant/internal/model"
	"github.com/spotdesk/assistant/internal/store"
	"github.com/spotdesk/assistant/internal/symbol"
)

const DefaultLookbackDays = 365

// ErrInvalidPrice is returned when a manual entry is not a positive price.
var ErrInvalidPrice = errors.New("entries: manual entry price must be positive")

// Event types published to a Notifier.
const (
	EventManualSet         = "manual_entry_set"
	EventManualCleared     = "manual_entry_cleared"
	EventEntriesRecomputed = "entries_recomputed"
)

// Event describes a change of the entry documents.
type Event struct {
	Type    string
	RunID   string
	Symbols []string
	Price   decimal.NullDecimal
}

// Notifier receives entry change events. Implementations must not block.
type Notifier interface {
	EntriesChanged(Event)
}

// SymbolReport is the outcome of one symbol in a recompute batch.
type SymbolReport struct {
	Collection
	Entry      model.ComputedEntry `json:"entry"`
	TradeCount int                 `json:"trades"`
	Written    bool                `json:"written"`
}

// ReportEntry is the cached entry of one requested symbol after a batch.
// When Written is false the batch did not replace it, and the entry is the
// previous cache value (a null entry if there was none).
type ReportEntry struct {
	model.ComputedEntry
	Written bool `json:"written"`
}

// Report summarizes a recompute batch. Entries has one key per requested
// symbol.
type Report struct {
	RunID        string                 `json:"run_id"`
	LookbackDays int                    `json:"lookback_days"`
	StartedAt    time.Time              `json:"started_at"`
	FinishedAt   time.Time              `json:"finished_at"`
	Entries      map[string]ReportEntry `json:"entries"`
	Symbols      []SymbolReport         `json:"symbols"`
	Pending      []string               `json:"pending,omitempty"`
}

// Engine owns the two entry documents.
type Engine struct {
	agg      *Aggregator
	calc     *costbasis.Calculator
	manual   store.Store[decimal.Decimal]
	computed store.Store[model.ComputedEntry]
	workers  int
	stepDays int
	now      func() time.Time
	notifier Notifier
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWorkers bounds how many symbols are fetched concurrently.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithStepDays sets the window length used by recompute batches.
func WithStepDays(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.stepDays = n
		}
	}
}

// WithNotifier publishes entry change events to n.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithEngineClock overrides time.Now for computed timestamps.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine.
func NewEngine(
	agg *Aggregator,
	calc *costbasis.Calculator,
	manual store.Store[decimal.Decimal],
	computed store.Store[model.ComputedEntry],
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		agg:      agg,
		calc:     calc,
		manual:   manual,
		computed: computed,
		workers:  4,
		stepDays: DefaultStepDays,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) notify(ev Event) {
	if e.notifier != nil {
		e.notifier.EntriesChanged(ev)
	}
}

// normalizeSymbols uppercases, drops empties and de-duplicates, keeping order.
func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := symbol.Normalize(s)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// ComputeAvgEntries recomputes and caches the average entry of each symbol
// over the last lookbackDays. Symbols are independent: one symbol's fetch
// failures never affect another. A symbol whose every window failed keeps
// its previous cache entry.
//
// On cancellation the finished symbols are still written and ctx.Err() is
// returned. Missing credentials abort the batch and nothing is written.
func (e *Engine) ComputeAvgEntries(ctx context.Context, symbols []string, lookbackDays int) (Report, error) {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	syms := normalizeSymbols(symbols)
	rep := Report{
		RunID:        uuid.New().String(),
		LookbackDays: lookbackDays,
		StartedAt:    e.now().UTC(),
		Entries:      make(map[string]ReportEntry, len(syms)),
	}
	timer := time.Now()

	results := make([]*SymbolReport, len(syms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, sym := range syms {
		if gctx.Err() != nil {
			break
		}
		i, sym := i, sym
		g.Go(func() error {
			res, err := e.computeOne(gctx, sym, lookbackDays)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			}
			results[i] = res
			return nil
		})
	}
	runErr := g.Wait()

	aborted := runErr != nil
	updates := make(map[string]model.ComputedEntry)
	for i, res := range results {
		if res == nil {
			rep.Pending = append(rep.Pending, syms[i])
			continue
		}
		if aborted {
			res.Written = false
		}
		if res.Written {
			updates[res.Symbol] = res.Entry
		}
		rep.Symbols = append(rep.Symbols, *res)
	}

	// The flush must survive the cancel that interrupted the batch.
	wctx := context.WithoutCancel(ctx)
	prev := make(map[string]model.ComputedEntry)
	if len(updates) > 0 {
		err := e.computed.Update(wctx, func(data map[string]model.ComputedEntry) error {
			for _, sym := range syms {
				if ce, ok := data[sym]; ok {
					prev[sym] = ce
				}
			}
			for sym, ce := range updates {
				data[sym] = ce
			}
			return nil
		})
		if err != nil {
			metrics.RecomputeRuns.WithLabelValues("error").Inc()
			return rep, fmt.Errorf("write computed entries: %w", err)
		}
	} else if cached, err := e.computed.Load(wctx); err == nil {
		prev = cached
	} else {
		slog.Warn("could not read cached entries for the report", "run_id", rep.RunID, "err", err)
	}

	for _, sym := range syms {
		if ce, ok := updates[sym]; ok {
			rep.Entries[sym] = ReportEntry{ComputedEntry: ce, Written: true}
			continue
		}
		kept, ok := prev[sym]
		if !ok {
			kept = model.ComputedEntry{Symbol: sym}
		}
		rep.Entries[sym] = ReportEntry{ComputedEntry: kept}
	}
	rep.FinishedAt = e.now().UTC()
	metrics.RecomputeDuration.Observe(time.Since(timer).Seconds())

	outcome := "ok"
	switch {
	case runErr != nil:
		outcome = "aborted"
	case ctx.Err() != nil:
		outcome = "cancelled"
	}
	metrics.RecomputeRuns.WithLabelValues(outcome).Inc()

	slog.Info("entries recomputed",
		"run_id", rep.RunID,
		"symbols", len(syms),
		"written", len(updates),
		"pending", len(rep.Pending),
		"outcome", outcome,
	)
	if len(updates) > 0 {
		written := make([]string, 0, len(updates))
		for sym := range updates {
			written = append(written, sym)
		}
		sort.Strings(written)
		e.notify(Event{Type: EventEntriesRecomputed, RunID: rep.RunID, Symbols: written})
	}

	if runErr != nil {
		return rep, fmt.Errorf("compute avg entries: %w", runErr)
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

func (e *Engine) computeOne(ctx context.Context, sym string, lookbackDays int) (*SymbolReport, error) {
	col, err := e.agg.Collect(ctx, sym, lookbackDays, e.stepDays)
	if err != nil {
		return nil, err
	}

	state := e.calc.Run(col.Trades)
	avg, qty := costbasis.Finalize(state)
	res := &SymbolReport{
		Collection: col,
		TradeCount: len(col.Trades),
		Entry: model.ComputedEntry{
			Symbol:     sym,
			AvgEntry:   avg,
			QtySeen:    qty,
			ComputedAt: e.now().UTC(),
		},
		Written: col.Complete(),
	}
	if !res.Written {
		slog.Warn("every trade window failed, keeping cached entry", "symbol", sym, "windows", col.Windows)
	}
	return res, nil
}

// EffectiveEntry resolves the entry price for one symbol.
func (e *Engine) EffectiveEntry(ctx context.Context, sym string) (model.EffectiveEntry, error) {
	manual, computed, err := e.load(ctx)
	if err != nil {
		return model.EffectiveEntry{}, err
	}
	return ResolveSource(sym, manual, computed), nil
}

// EffectiveEntries resolves several symbols against one read of each document.
func (e *Engine) EffectiveEntries(ctx context.Context, symbols []string) (map[string]model.EffectiveEntry, error) {
	manual, computed, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.EffectiveEntry, len(symbols))
	for _, s := range symbols {
		ee := ResolveSource(s, manual, computed)
		out[ee.Symbol] = ee
	}
	return out, nil
}

// EntryView is the merged view of one symbol across both documents.
type EntryView struct {
	model.EffectiveEntry
	Manual   decimal.NullDecimal  `json:"manual"`
	Computed *model.ComputedEntry `json:"computed,omitempty"`
}

// Entries lists every symbol known to either document, sorted by symbol.
func (e *Engine) Entries(ctx context.Context) ([]EntryView, error) {
	manual, computed, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(manual)+len(computed))
	for k := range manual {
		keys[k] = true
	}
	for k := range computed {
		keys[k] = true
	}

	out := make([]EntryView, 0, len(keys))
	for k := range keys {
		v := EntryView{EffectiveEntry: ResolveSource(k, manual, computed)}
		if px, ok := manual[k]; ok {
			v.Manual = decimal.NewNullDecimal(px)
		}
		if ce, ok := computed[k]; ok {
			v.Computed = &ce
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// SetManualEntry pins the entry price of a symbol.
func (e *Engine) SetManualEntry(ctx context.Context, sym string, price decimal.Decimal) error {
	s, err := symbol.Validate(sym)
	if err != nil {
		return err
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, price.String())
	}
	if err := e.manual.SetOne(ctx, s, price); err != nil {
		return fmt.Errorf("set manual entry %s: %w", s, err)
	}
	metrics.ManualEntryChanges.WithLabelValues("set").Inc()
	slog.Info("manual entry set", "symbol", s, "price", price.String())
	e.notify(Event{Type: EventManualSet, Symbols: []string{s}, Price: decimal.NewNullDecimal(price)})
	return nil
}

// ClearManualEntry removes the override of a symbol. Clearing an absent
// override is not an error.
func (e *Engine) ClearManualEntry(ctx context.Context, sym string) error {
	s, err := symbol.Validate(sym)
	if err != nil {
		return err
	}
	if err := e.manual.Delete(ctx, s); err != nil {
		return fmt.Errorf("clear manual entry %s: %w", s, err)
	}
	metrics.ManualEntryChanges.WithLabelValues("clear").Inc()
	slog.Info("manual entry cleared", "symbol", s)
	e.notify(Event{Type: EventManualCleared, Symbols: []string{s}})
	return nil
}

func (e *Engine) load(ctx context.Context) (map[string]decimal.Decimal, map[string]model.ComputedEntry, error) {
	manual, err := e.manual.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load manual entries: %w", err)
	}
	computed, err := e.computed.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load computed entries: %w", err)
	}
	return manual, computed, nil
}
