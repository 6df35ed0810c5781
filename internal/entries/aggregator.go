package entries

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/spotdesk/assistant/internal/exchange"
	"github.com/spotdesk/assistant/internal/metrics"
	"github.com/spotdesk/assistant/internal/model"
)

const (
	day = 24 * time.Hour

	DefaultStepDays     = 30
	DefaultPageLimit    = 1000
	DefaultFetchTimeout = 20 * time.Second
	DefaultMinSplitSpan = time.Minute

	// MinSplitFloor is the smallest accepted split span. Windows are split
	// on whole milliseconds, so a shorter span could split a window into an
	// empty half and a copy of itself.
	MinSplitFloor = 2 * time.Millisecond
)

// Window is the half-open range [Start, End). The final window of a scan is
// Closed, meaning a trade exactly at End (now) belongs to it.
type Window struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Closed bool      `json:"closed,omitempty"`
}

func (w Window) contains(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	return t.Before(w.End) || (w.Closed && t.Equal(w.End))
}

// bounds returns the inclusive millisecond range to request.
func (w Window) bounds() (int64, int64) {
	end := w.End.UnixMilli()
	if !w.Closed {
		end--
	}
	return w.Start.UnixMilli(), end
}

func (w Window) split() (Window, Window) {
	mid := w.Start.Add(w.End.Sub(w.Start) / 2).Truncate(time.Millisecond)
	return Window{Start: w.Start, End: mid}, Window{Start: mid, End: w.End, Closed: w.Closed}
}

// Windows partitions [now-lookbackDays, now] into contiguous windows of
// stepDays, the last one clipped to now. stepDays <= 0 uses DefaultStepDays.
func Windows(now time.Time, lookbackDays, stepDays int) []Window {
	if lookbackDays <= 0 {
		return nil
	}
	if stepDays <= 0 {
		stepDays = DefaultStepDays
	}
	now = now.Truncate(time.Millisecond)
	step := time.Duration(stepDays) * day

	var out []Window
	for cur := now.Add(-time.Duration(lookbackDays) * day); cur.Before(now); {
		end := cur.Add(step)
		if end.After(now) {
			end = now
		}
		out = append(out, Window{Start: cur, End: end})
		cur = end
	}
	if len(out) > 0 {
		out[len(out)-1].Closed = true
	}
	return out
}

// WindowFailure records a window skipped after a fetch error.
type WindowFailure struct {
	Window Window `json:"window"`
	Err    string `json:"error"`
}

// Collection is the trade log gathered for one symbol.
type Collection struct {
	Symbol    string              `json:"symbol"`
	Trades    []model.TradeRecord `json:"-"`
	Windows   int                 `json:"windows"`
	Fetched   int                 `json:"fetched"`
	Skipped   []WindowFailure     `json:"skipped,omitempty"`
	Truncated []Window            `json:"truncated,omitempty"`
	Discarded int                 `json:"discarded"`
}

// Complete reports whether at least one window was read successfully.
func (c Collection) Complete() bool {
	return c.Windows == 0 || len(c.Skipped) < c.Windows
}

// Aggregator gathers a symbol's trade log window by window.
type Aggregator struct {
	fetcher exchange.TradeFetcher
	limit   int
	timeout time.Duration
	minSpan time.Duration
	now     func() time.Time
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithPageLimit sets the per-request record cap.
func WithPageLimit(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.limit = n
		}
	}
}

// WithFetchTimeout sets the timeout of a single window request.
func WithFetchTimeout(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithMinSplitSpan sets the smallest window a full page is split down to.
// Values below MinSplitFloor are raised to it; d <= 0 keeps the default.
func WithMinSplitSpan(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.minSpan = max(d, MinSplitFloor)
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator over fetcher.
func NewAggregator(fetcher exchange.TradeFetcher, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		fetcher: fetcher,
		limit:   DefaultPageLimit,
		timeout: DefaultFetchTimeout,
		minSpan: DefaultMinSplitSpan,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Collect fetches every window of the lookback period and returns the
// valid trades in chronological order. Failed windows are skipped and
// reported; only missing credentials or cancellation abort the scan.
func (a *Aggregator) Collect(ctx context.Context, symbol string, lookbackDays, stepDays int) (Collection, error) {
	windows := Windows(a.now().UTC(), lookbackDays, stepDays)
	col := Collection{Symbol: symbol, Windows: len(windows)}
	seen := make(map[string]bool)

	for _, w := range windows {
		if err := ctx.Err(); err != nil {
			return col, err
		}
		if err := a.collectWindow(ctx, &col, seen, w); err != nil {
			return col, err
		}
	}

	// Windows arrive in order; a stable sort only repairs per-window order.
	sort.SliceStable(col.Trades, func(i, j int) bool {
		return col.Trades[i].Time.Before(col.Trades[j].Time)
	})
	return col, nil
}

func (a *Aggregator) collectWindow(ctx context.Context, col *Collection, seen map[string]bool, w Window) error {
	raws, err := a.fetch(ctx, col.Symbol, w)
	if err != nil {
		if errors.Is(err, exchange.ErrMissingCredentials) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		slog.Warn("trade window skipped",
			"symbol", col.Symbol,
			"start", w.Start,
			"end", w.End,
			"err", err,
		)
		metrics.SkippedWindows.Inc()
		col.Skipped = append(col.Skipped, WindowFailure{Window: w, Err: err.Error()})
		return nil
	}

	if len(raws) >= a.limit {
		if w.End.Sub(w.Start) >= 2*a.minSpan {
			left, right := w.split()
			if err := a.collectWindow(ctx, col, seen, left); err != nil {
				return err
			}
			return a.collectWindow(ctx, col, seen, right)
		}
		slog.Warn("trade window hit the page cap, records may be missing",
			"symbol", col.Symbol,
			"start", w.Start,
			"end", w.End,
			"limit", a.limit,
		)
		metrics.TruncatedWindows.Inc()
		col.Truncated = append(col.Truncated, w)
	}

	for _, raw := range raws {
		tr, err := model.ParseTrade(raw)
		if err != nil {
			slog.Debug("discarding trade", "symbol", col.Symbol, "id", raw.ID, "err", err)
			metrics.DiscardedTrades.Inc()
			col.Discarded++
			continue
		}
		if !w.contains(tr.Time) {
			continue
		}
		if tr.ID != "" {
			if seen[tr.ID] {
				continue
			}
			seen[tr.ID] = true
		}
		col.Trades = append(col.Trades, tr)
	}
	col.Fetched += len(raws)
	return nil
}

func (a *Aggregator) fetch(ctx context.Context, symbol string, w Window) ([]model.RawTrade, error) {
	wctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start, end := w.bounds()
	raws, err := a.fetcher.FetchTrades(wctx, symbol, start, end, a.limit)
	if err != nil {
		return nil, fmt.Errorf("fetch %s [%d, %d]: %w", symbol, start, end, err)
	}
	return raws, nil
}
