package entries

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/costbasis"
	"github.com/spotdesk/assistant/internal/exchange"
	"github.com/spotdesk/assistant/internal/model"
	"github.com/spotdesk/assistant/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) EntriesChanged(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type testEngine struct {
	*Engine
	manual   *store.MemoryStore[decimal.Decimal]
	computed *store.MemoryStore[model.ComputedEntry]
	events   *recorder
}

func newTestEngine(f exchange.TradeFetcher, opts ...EngineOption) testEngine {
	manual := store.NewMemoryStore[decimal.Decimal]()
	computed := store.NewMemoryStore[model.ComputedEntry]()
	rec := &recorder{}
	agg := NewAggregator(f, WithClock(fixedClock()))
	opts = append([]EngineOption{WithNotifier(rec), WithEngineClock(fixedClock())}, opts...)
	e := NewEngine(agg, costbasis.NewCalculator("USDT", "USD"), manual, computed, opts...)
	return testEngine{Engine: e, manual: manual, computed: computed, events: rec}
}

func TestComputeAvgEntries_WeightedAverage(t *testing.T) {
	f := &fakeFetcher{trades: map[string][]model.RawTrade{
		"BTCUSDT": {
			rawBuy(1, testNow.Add(-40*day), "10", "100"),
			rawBuy(2, testNow.Add(-20*day), "10", "200"),
			rawSell(3, testNow.Add(-1*day), "5", "300"),
		},
	}}
	te := newTestEngine(f)
	ctx := context.Background()

	rep, err := te.ComputeAvgEntries(ctx, []string{"btcusdt", "BTCUSDT", ""}, 90)
	if err != nil {
		t.Fatalf("ComputeAvgEntries: %v", err)
	}
	if len(rep.Symbols) != 1 {
		t.Fatalf("expected symbols to be de-duplicated, got %d", len(rep.Symbols))
	}

	ce := rep.Entries["BTCUSDT"]
	if !ce.AvgEntry.Valid || !ce.AvgEntry.Decimal.Equal(d(150)) {
		t.Errorf("expected avg entry 150, got %v", ce.AvgEntry)
	}
	if !ce.QtySeen.Equal(d(15)) {
		t.Errorf("expected qty 15, got %s", ce.QtySeen)
	}
	if !ce.ComputedAt.Equal(testNow) {
		t.Errorf("unexpected computed_at %s", ce.ComputedAt)
	}

	cached, _ := te.computed.Load(ctx)
	if got := cached["BTCUSDT"]; !got.AvgEntry.Decimal.Equal(d(150)) {
		t.Errorf("cache not written: %+v", got)
	}
	if len(te.events.events) != 1 || te.events.events[0].Type != EventEntriesRecomputed {
		t.Errorf("expected one recompute event, got %+v", te.events.events)
	}
}

func TestComputeAvgEntries_FlatPositionIsNull(t *testing.T) {
	f := &fakeFetcher{trades: map[string][]model.RawTrade{
		"ETHUSDT": {
			rawBuy(1, testNow.Add(-10*day), "1", "100"),
			rawSell(2, testNow.Add(-5*day), "2", "120"),
		},
	}}
	te := newTestEngine(f)

	rep, err := te.ComputeAvgEntries(context.Background(), []string{"ETHUSDT"}, 30)
	if err != nil {
		t.Fatalf("ComputeAvgEntries: %v", err)
	}
	ce, ok := rep.Entries["ETHUSDT"]
	if !ok {
		t.Fatal("a flat position should still be written")
	}
	if ce.AvgEntry.Valid || !ce.QtySeen.IsZero() {
		t.Errorf("expected null entry and zero qty, got %+v", ce)
	}
}

func TestComputeAvgEntries_AllWindowsFailedKeepsCache(t *testing.T) {
	f := &fakeFetcher{
		fail: func(symbol string, _, _ int64) error {
			if symbol == "SOLUSDT" {
				return fmt.Errorf("%w: down", exchange.ErrTransient)
			}
			return nil
		},
		trades: map[string][]model.RawTrade{
			"BTCUSDT": {rawBuy(1, testNow.Add(-day), "1", "100")},
		},
	}
	te := newTestEngine(f)
	ctx := context.Background()
	prev := model.ComputedEntry{Symbol: "SOLUSDT", AvgEntry: decimal.NewNullDecimal(d(20)), QtySeen: d(3)}
	te.computed.SetOne(ctx, "SOLUSDT", prev)

	rep, err := te.ComputeAvgEntries(ctx, []string{"SOLUSDT", "BTCUSDT"}, 65)
	if err != nil {
		t.Fatalf("one symbol's failures must not fail the batch: %v", err)
	}
	sol, ok := rep.Entries["SOLUSDT"]
	if !ok {
		t.Fatal("every requested symbol should be reported")
	}
	if sol.Written || !sol.AvgEntry.Decimal.Equal(d(20)) {
		t.Errorf("failed symbol should report the kept entry unwritten, got %+v", sol)
	}
	if btc := rep.Entries["BTCUSDT"]; !btc.Written {
		t.Error("healthy symbol should be written")
	}

	cached, _ := te.computed.Load(ctx)
	if got := cached["SOLUSDT"]; !got.AvgEntry.Decimal.Equal(d(20)) {
		t.Errorf("expected previous cache entry to survive, got %+v", got)
	}
	for _, s := range rep.Symbols {
		if s.Symbol == "SOLUSDT" && len(s.Skipped) != 3 {
			t.Errorf("expected 3 skipped windows, got %d", len(s.Skipped))
		}
	}
}

func TestComputeAvgEntries_MissingCredentials(t *testing.T) {
	f := &fakeFetcher{fail: func(string, int64, int64) error { return exchange.ErrMissingCredentials }}
	te := newTestEngine(f)

	_, err := te.ComputeAvgEntries(context.Background(), []string{"BTCUSDT", "ETHUSDT"}, 30)
	if !errors.Is(err, exchange.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	cached, _ := te.computed.Load(context.Background())
	if len(cached) != 0 {
		t.Errorf("nothing should be written, got %d entries", len(cached))
	}
}

func TestComputeAvgEntries_MissingCredentialsDropsFinished(t *testing.T) {
	f := &fakeFetcher{
		trades: map[string][]model.RawTrade{
			"BTCUSDT": {rawBuy(1, testNow.Add(-day), "1", "100")},
		},
		fail: func(symbol string, _, _ int64) error {
			if symbol == "ETHUSDT" {
				return exchange.ErrMissingCredentials
			}
			return nil
		},
	}
	// One worker: BTCUSDT finishes before ETHUSDT aborts the batch.
	te := newTestEngine(f, WithWorkers(1))
	ctx := context.Background()

	rep, err := te.ComputeAvgEntries(ctx, []string{"BTCUSDT", "ETHUSDT"}, 30)
	if !errors.Is(err, exchange.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	cached, _ := te.computed.Load(ctx)
	if len(cached) != 0 {
		t.Errorf("an aborted batch must not write, got %+v", cached)
	}
	if btc, ok := rep.Entries["BTCUSDT"]; !ok || btc.Written {
		t.Errorf("finished symbol should be reported unwritten, got %+v", rep.Entries)
	}
	if len(te.events.events) != 0 {
		t.Errorf("no recompute event expected, got %+v", te.events.events)
	}
}

// blockingFetcher serves BTCUSDT immediately and blocks every other symbol
// until the context is cancelled.
type blockingFetcher struct {
	fakeFetcher
	started chan struct{}
	once    sync.Once
}

func (b *blockingFetcher) FetchTrades(ctx context.Context, symbol string, startMs, endMs int64, limit int) ([]model.RawTrade, error) {
	if symbol == "BTCUSDT" {
		return b.fakeFetcher.FetchTrades(ctx, symbol, startMs, endMs, limit)
	}
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestComputeAvgEntries_CancelFlushesFinished(t *testing.T) {
	f := &blockingFetcher{
		fakeFetcher: fakeFetcher{trades: map[string][]model.RawTrade{
			"BTCUSDT": {rawBuy(1, testNow.Add(-day), "2", "50")},
		}},
		started: make(chan struct{}),
	}
	te := newTestEngine(f, WithWorkers(1))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var rep Report
	var err error
	go func() {
		defer close(done)
		rep, err = te.ComputeAvgEntries(ctx, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, 30)
	}()

	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("second symbol never started")
	}
	cancel()
	<-done

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(rep.Pending) != 2 {
		t.Errorf("expected 2 pending symbols, got %v", rep.Pending)
	}
	cached, _ := te.computed.Load(context.Background())
	if got, ok := cached["BTCUSDT"]; !ok || !got.AvgEntry.Decimal.Equal(d(50)) {
		t.Errorf("finished symbol should be flushed, got %+v", cached)
	}
	if _, ok := cached["ETHUSDT"]; ok {
		t.Error("interrupted symbol should not be written")
	}
	if eth, ok := rep.Entries["ETHUSDT"]; !ok || eth.Written || eth.AvgEntry.Valid {
		t.Errorf("pending symbol should be reported as a null unwritten entry, got %+v", eth)
	}
}

func TestEffectiveEntry_ManualWins(t *testing.T) {
	te := newTestEngine(&fakeFetcher{})
	ctx := context.Background()
	te.computed.SetOne(ctx, "BTCUSDT", model.ComputedEntry{Symbol: "BTCUSDT", AvgEntry: decimal.NewNullDecimal(d(150)), QtySeen: d(1)})

	ee, err := te.EffectiveEntry(ctx, "btcusdt")
	if err != nil {
		t.Fatalf("EffectiveEntry: %v", err)
	}
	if ee.Source != model.SourceComputed || !ee.Price.Decimal.Equal(d(150)) {
		t.Errorf("expected computed 150, got %+v", ee)
	}

	if err := te.SetManualEntry(ctx, "btcusdt", d(140)); err != nil {
		t.Fatalf("SetManualEntry: %v", err)
	}
	ee, _ = te.EffectiveEntry(ctx, "BTCUSDT")
	if ee.Source != model.SourceManual || !ee.Price.Decimal.Equal(d(140)) {
		t.Errorf("expected manual 140, got %+v", ee)
	}

	if err := te.ClearManualEntry(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("ClearManualEntry: %v", err)
	}
	ee, _ = te.EffectiveEntry(ctx, "BTCUSDT")
	if ee.Source != model.SourceComputed {
		t.Errorf("expected computed after clear, got %+v", ee)
	}

	if len(te.events.events) != 2 ||
		te.events.events[0].Type != EventManualSet ||
		te.events.events[1].Type != EventManualCleared {
		t.Errorf("unexpected events %+v", te.events.events)
	}
}

func TestEffectiveEntry_SeparatorForms(t *testing.T) {
	te := newTestEngine(&fakeFetcher{})
	ctx := context.Background()

	if err := te.SetManualEntry(ctx, "btc/usdt", d(100)); err != nil {
		t.Fatalf("SetManualEntry: %v", err)
	}
	for _, in := range []string{"btc/usdt", "BTC-USDT", " btc_usdt ", "BTCUSDT"} {
		ee, err := te.EffectiveEntry(ctx, in)
		if err != nil {
			t.Fatalf("EffectiveEntry(%q): %v", in, err)
		}
		if ee.Symbol != "BTCUSDT" || ee.Source != model.SourceManual || !ee.Price.Decimal.Equal(d(100)) {
			t.Errorf("EffectiveEntry(%q) = %+v, want manual 100 on BTCUSDT", in, ee)
		}
	}

	got, err := te.EffectiveEntries(ctx, []string{"btc/usdt"})
	if err != nil {
		t.Fatalf("EffectiveEntries: %v", err)
	}
	if got["BTCUSDT"].Source != model.SourceManual {
		t.Errorf("EffectiveEntries should resolve the separator form, got %+v", got)
	}

	if err := te.ClearManualEntry(ctx, "btc-usdt"); err != nil {
		t.Fatalf("ClearManualEntry: %v", err)
	}
	if ee, _ := te.EffectiveEntry(ctx, "btc/usdt"); ee.Source != model.SourceNone {
		t.Errorf("expected none after clear, got %+v", ee)
	}
}

func TestEffectiveEntry_UnknownIsNull(t *testing.T) {
	te := newTestEngine(&fakeFetcher{})
	ee, err := te.EffectiveEntry(context.Background(), "DOGEUSDT")
	if err != nil {
		t.Fatalf("EffectiveEntry: %v", err)
	}
	if ee.Price.Valid || ee.Source != model.SourceNone {
		t.Errorf("expected null entry, got %+v", ee)
	}
}

func TestSetManualEntry_Validation(t *testing.T) {
	te := newTestEngine(&fakeFetcher{})
	ctx := context.Background()

	if err := te.SetManualEntry(ctx, "BTCUSDT", d(0)); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("zero price: expected ErrInvalidPrice, got %v", err)
	}
	if err := te.SetManualEntry(ctx, "BTCUSDT", d(-1)); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("negative price: expected ErrInvalidPrice, got %v", err)
	}
	if err := te.SetManualEntry(ctx, "", d(1)); err == nil {
		t.Error("empty symbol should be rejected")
	}
	if err := te.ClearManualEntry(ctx, "NEVERSET"); err != nil {
		t.Errorf("clearing an absent override should succeed, got %v", err)
	}
}

func TestEntries_MergedView(t *testing.T) {
	te := newTestEngine(&fakeFetcher{})
	ctx := context.Background()
	te.computed.SetOne(ctx, "ETHUSDT", model.ComputedEntry{Symbol: "ETHUSDT", AvgEntry: decimal.NewNullDecimal(d(2000)), QtySeen: d(1)})
	te.computed.SetOne(ctx, "BTCUSDT", model.ComputedEntry{Symbol: "BTCUSDT", QtySeen: d(0)})
	te.manual.SetOne(ctx, "ADAUSDT", d(0.5))

	views, err := te.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(views))
	}
	if views[0].Symbol != "ADAUSDT" || views[0].Source != model.SourceManual {
		t.Errorf("unexpected first view %+v", views[0])
	}
	if views[1].Symbol != "BTCUSDT" || views[1].Source != model.SourceNone || views[1].Computed == nil {
		t.Errorf("null computed entry should resolve to none, got %+v", views[1])
	}
	if views[2].Symbol != "ETHUSDT" || views[2].Source != model.SourceComputed {
		t.Errorf("unexpected last view %+v", views[2])
	}
}

func TestResolve_Pure(t *testing.T) {
	manual := map[string]decimal.Decimal{"BTCUSDT": d(1)}
	computed := map[string]model.ComputedEntry{
		"BTCUSDT": {AvgEntry: decimal.NewNullDecimal(d(2))},
		"ETHUSDT": {AvgEntry: decimal.NewNullDecimal(d(3))},
	}
	if got := Resolve("btcusdt", manual, computed); !got.Decimal.Equal(d(1)) {
		t.Errorf("manual should win, got %v", got)
	}
	if got := Resolve("ETHUSDT", manual, computed); !got.Decimal.Equal(d(3)) {
		t.Errorf("expected computed 3, got %v", got)
	}
	if got := Resolve("XRPUSDT", manual, computed); got.Valid {
		t.Errorf("expected null, got %v", got)
	}
}
