package entries

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/spotdesk/assistant/internal/exchange"
	"github.com/spotdesk/assistant/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeFetcher serves trades from memory the way myTrades does: inclusive
// bounds, oldest first, at most limit records.
type fakeFetcher struct {
	mu     sync.Mutex
	trades map[string][]model.RawTrade
	fail   func(symbol string, startMs, endMs int64) error
	calls  int
}

func (f *fakeFetcher) FetchTrades(ctx context.Context, symbol string, startMs, endMs int64, limit int) ([]model.RawTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.fail != nil {
		if err := f.fail(symbol, startMs, endMs); err != nil {
			return nil, err
		}
	}
	var out []model.RawTrade
	for _, t := range f.trades[symbol] {
		if t.TimeMs >= startMs && t.TimeMs <= endMs {
			out = append(out, t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// tradeID mimics MEXC's 32 char hex trade IDs.
func tradeID(n int64) string { return fmt.Sprintf("%032x", n) }

func rawBuy(id int64, at time.Time, qty, price string) model.RawTrade {
	return model.RawTrade{ID: tradeID(id), IsBuyer: true, Quantity: qty, Price: price, TimeMs: at.UnixMilli()}
}

func rawSell(id int64, at time.Time, qty, price string) model.RawTrade {
	return model.RawTrade{ID: tradeID(id), Quantity: qty, Price: price, TimeMs: at.UnixMilli()}
}

func fixedClock() func() time.Time { return func() time.Time { return testNow } }

func TestWindows_Partition(t *testing.T) {
	ws := Windows(testNow, 65, 30)
	if len(ws) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(ws))
	}

	want := []struct{ start, end time.Time }{
		{testNow.Add(-65 * day), testNow.Add(-35 * day)},
		{testNow.Add(-35 * day), testNow.Add(-5 * day)},
		{testNow.Add(-5 * day), testNow},
	}
	for i, w := range want {
		if !ws[i].Start.Equal(w.start) || !ws[i].End.Equal(w.end) {
			t.Errorf("window %d: got [%s, %s), want [%s, %s)", i, ws[i].Start, ws[i].End, w.start, w.end)
		}
	}
	if !ws[2].Closed || ws[0].Closed || ws[1].Closed {
		t.Error("only the last window should include now")
	}
	for i := 1; i < len(ws); i++ {
		if !ws[i].Start.Equal(ws[i-1].End) {
			t.Errorf("gap between window %d and %d", i-1, i)
		}
	}
}

func TestWindows_Defaults(t *testing.T) {
	if ws := Windows(testNow, 0, 30); ws != nil {
		t.Errorf("zero lookback should give no windows, got %d", len(ws))
	}
	if ws := Windows(testNow, 90, 0); len(ws) != 3 {
		t.Errorf("default step should split 90 days in 3, got %d", len(ws))
	}
	if ws := Windows(testNow, 10, 30); len(ws) != 1 || !ws[0].Start.Equal(testNow.Add(-10*day)) {
		t.Errorf("short lookback should be a single clipped window, got %+v", ws)
	}
}

func TestCollect_OrdersAndDedupesAcrossBorders(t *testing.T) {
	border := testNow.Add(-35 * day)
	f := &fakeFetcher{trades: map[string][]model.RawTrade{
		"BTCUSDT": {
			rawBuy(1, testNow.Add(-60*day), "1", "100"),
			rawBuy(2, border, "1", "200"),
			rawSell(3, testNow.Add(-1*day), "1", "300"),
			rawBuy(4, testNow, "1", "400"),
		},
	}}
	agg := NewAggregator(f, WithClock(fixedClock()))

	col, err := agg.Collect(context.Background(), "BTCUSDT", 65, 30)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(col.Trades) != 4 {
		t.Fatalf("expected 4 trades, got %d", len(col.Trades))
	}
	for i, tr := range col.Trades {
		if tr.ID != tradeID(int64(i+1)) {
			t.Errorf("trade %d: expected id %s, got %s", i, tradeID(int64(i+1)), tr.ID)
		}
	}
	if col.Windows != 3 || len(col.Skipped) != 0 {
		t.Errorf("unexpected window stats: %+v", col)
	}
}

func TestCollect_SkipsFailedWindow(t *testing.T) {
	f := &fakeFetcher{
		trades: map[string][]model.RawTrade{
			"ETHUSDT": {
				rawBuy(1, testNow.Add(-50*day), "1", "100"),
				rawBuy(2, testNow.Add(-2*day), "1", "200"),
			},
		},
		fail: func(_ string, startMs, _ int64) error {
			if startMs == testNow.Add(-65*day).UnixMilli() {
				return fmt.Errorf("%w: boom", exchange.ErrTransient)
			}
			return nil
		},
	}
	agg := NewAggregator(f, WithClock(fixedClock()))

	col, err := agg.Collect(context.Background(), "ETHUSDT", 65, 30)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(col.Skipped) != 1 {
		t.Fatalf("expected 1 skipped window, got %d", len(col.Skipped))
	}
	if len(col.Trades) != 1 || col.Trades[0].ID != tradeID(2) {
		t.Errorf("expected only trade 2, got %+v", col.Trades)
	}
	if !col.Complete() {
		t.Error("collection with a successful window should be complete")
	}
}

func TestCollect_MissingCredentialsAborts(t *testing.T) {
	f := &fakeFetcher{fail: func(string, int64, int64) error { return exchange.ErrMissingCredentials }}
	agg := NewAggregator(f, WithClock(fixedClock()))

	_, err := agg.Collect(context.Background(), "BTCUSDT", 65, 30)
	if !errors.Is(err, exchange.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if f.calls != 1 {
		t.Errorf("expected the scan to stop after the first call, got %d calls", f.calls)
	}
}

func TestCollect_SplitsFullPages(t *testing.T) {
	var trades []model.RawTrade
	start := testNow.Add(-20 * day)
	for i := 0; i < 25; i++ {
		trades = append(trades, rawBuy(int64(i+1), start.Add(time.Duration(i)*time.Hour), "1", "10"))
	}
	f := &fakeFetcher{trades: map[string][]model.RawTrade{"SOLUSDT": trades}}
	agg := NewAggregator(f, WithClock(fixedClock()), WithPageLimit(10))

	col, err := agg.Collect(context.Background(), "SOLUSDT", 30, 30)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(col.Trades) != 25 {
		t.Errorf("expected all 25 trades after splitting, got %d", len(col.Trades))
	}
	if len(col.Truncated) != 0 {
		t.Errorf("no window should stay truncated, got %d", len(col.Truncated))
	}
}

func TestCollect_ReportsTruncation(t *testing.T) {
	at := testNow.Add(-3 * day)
	var trades []model.RawTrade
	for i := 0; i < 5; i++ {
		trades = append(trades, rawBuy(int64(i+1), at, "1", "10"))
	}
	f := &fakeFetcher{trades: map[string][]model.RawTrade{"XUSDT": trades}}
	agg := NewAggregator(f, WithClock(fixedClock()), WithPageLimit(3), WithMinSplitSpan(time.Hour))

	col, err := agg.Collect(context.Background(), "XUSDT", 5, 30)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(col.Truncated) != 1 {
		t.Fatalf("expected one truncated window, got %d", len(col.Truncated))
	}
	if len(col.Trades) != 3 {
		t.Errorf("expected the 3 served trades, got %d", len(col.Trades))
	}
}

func TestCollect_SubMillisecondSplitSpanTerminates(t *testing.T) {
	at := testNow.Add(-time.Hour)
	var trades []model.RawTrade
	for i := 0; i < 4; i++ {
		trades = append(trades, rawBuy(int64(i+1), at, "1", "10"))
	}
	f := &fakeFetcher{trades: map[string][]model.RawTrade{"XUSDT": trades}}
	agg := NewAggregator(f, WithClock(fixedClock()), WithPageLimit(2), WithMinSplitSpan(time.Microsecond))
	if agg.minSpan != MinSplitFloor {
		t.Fatalf("expected split span clamped to %s, got %s", MinSplitFloor, agg.minSpan)
	}

	col, err := agg.Collect(context.Background(), "XUSDT", 1, 30)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(col.Truncated) != 1 {
		t.Fatalf("expected one truncated window, got %d", len(col.Truncated))
	}
	if span := col.Truncated[0].End.Sub(col.Truncated[0].Start); span >= 2*MinSplitFloor {
		t.Errorf("truncated window should be below the split threshold, got %s", span)
	}
}

func TestCollect_DiscardsInvalidRecords(t *testing.T) {
	f := &fakeFetcher{trades: map[string][]model.RawTrade{
		"BTCUSDT": {
			rawBuy(1, testNow.Add(-time.Hour), "1", "100"),
			rawBuy(2, testNow.Add(-time.Hour), "-1", "100"),
			rawBuy(3, testNow.Add(-time.Hour), "abc", "100"),
		},
	}}
	agg := NewAggregator(f, WithClock(fixedClock()))

	col, err := agg.Collect(context.Background(), "BTCUSDT", 1, 30)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if col.Discarded != 2 || len(col.Trades) != 1 {
		t.Errorf("expected 1 trade and 2 discarded, got %d and %d", len(col.Trades), col.Discarded)
	}
}

func TestCollect_Cancelled(t *testing.T) {
	f := &fakeFetcher{}
	agg := NewAggregator(f, WithClock(fixedClock()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := agg.Collect(ctx, "BTCUSDT", 65, 30); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWindow_BoundsExcludeEndUnlessClosed(t *testing.T) {
	w := Window{Start: time.UnixMilli(1000), End: time.UnixMilli(2000)}
	if s, e := w.bounds(); s != 1000 || e != 1999 {
		t.Errorf("open window bounds: %d %d", s, e)
	}
	w.Closed = true
	if _, e := w.bounds(); e != 2000 {
		t.Errorf("closed window end: %s", strconv.FormatInt(e, 10))
	}
}
