package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/spotdesk/assistant/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newFileStore[V any](t *testing.T, name string) *FileStore[V] {
	t.Helper()
	fs, err := NewFileStore[V](name, filepath.Join(t.TempDir(), "data", name+".json"))
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return fs
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	fs := newFileStore[decimal.Decimal](t, DocManual)

	data, err := fs.Load(context.Background())
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected empty mapping, got %v", data)
	}
}

func TestFileStore_CorruptFileIsEmpty(t *testing.T) {
	fs := newFileStore[decimal.Decimal](t, DocManual)
	if err := os.WriteFile(fs.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	data, err := fs.Load(context.Background())
	if err != nil {
		t.Fatalf("corrupt file should not fail: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected empty mapping, got %v", data)
	}

	// Next successful save replaces the corrupt content.
	if err := fs.SetOne(context.Background(), "btcusdt", d(100)); err != nil {
		t.Fatalf("set after corrupt: %v", err)
	}
	data, _ = fs.Load(context.Background())
	if !data["BTCUSDT"].Equal(d(100)) {
		t.Errorf("expected BTCUSDT=100 after save, got %v", data)
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fs := newFileStore[model.ComputedEntry](t, DocComputed)

	orig := map[string]model.ComputedEntry{
		"BTCUSDT": {
			Symbol:     "BTCUSDT",
			AvgEntry:   decimal.NewNullDecimal(decimal.RequireFromString("65000.12345678")),
			QtySeen:    decimal.RequireFromString("0.015"),
			ComputedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		"XLMUSDT": {Symbol: "XLMUSDT", QtySeen: decimal.Zero},
	}
	if err := fs.Save(ctx, orig); err != nil {
		t.Fatalf("save: %v", err)
	}

	first, err := fs.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := fs.Save(ctx, first); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	second, _ := fs.Load(ctx)

	if len(second) != len(orig) {
		t.Fatalf("expected %d entries, got %d", len(orig), len(second))
	}
	btc := second["BTCUSDT"]
	if !btc.AvgEntry.Valid || !btc.AvgEntry.Decimal.Equal(orig["BTCUSDT"].AvgEntry.Decimal) {
		t.Errorf("avg entry changed across round trip: %v", btc.AvgEntry)
	}
	if !btc.QtySeen.Equal(orig["BTCUSDT"].QtySeen) {
		t.Errorf("qty changed across round trip: %s", btc.QtySeen)
	}
	if !btc.ComputedAt.Equal(orig["BTCUSDT"].ComputedAt) {
		t.Errorf("timestamp changed across round trip: %s", btc.ComputedAt)
	}
	if second["XLMUSDT"].AvgEntry.Valid {
		t.Error("null avg entry should stay null")
	}
}

func TestFileStore_NormalizesKeys(t *testing.T) {
	ctx := context.Background()
	fs := newFileStore[decimal.Decimal](t, DocManual)

	if err := os.WriteFile(fs.Path(), []byte(`{"ethusdt": "2500.5"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	data, _ := fs.Load(ctx)
	if _, ok := data["ETHUSDT"]; !ok {
		t.Errorf("expected uppercase key on read, got %v", data)
	}

	if err := fs.Save(ctx, map[string]decimal.Decimal{" solusdt ": d(150)}); err != nil {
		t.Fatal(err)
	}
	data, _ = fs.Load(ctx)
	if _, ok := data["SOLUSDT"]; !ok || len(data) != 1 {
		t.Errorf("expected only SOLUSDT after save, got %v", data)
	}
}

func TestFileStore_DeleteAbsentIsNoop(t *testing.T) {
	fs := newFileStore[decimal.Decimal](t, DocManual)
	if err := fs.Delete(context.Background(), "NOPE"); err != nil {
		t.Errorf("delete absent: %v", err)
	}
}

func TestFileStore_UpdateErrorKeepsDocument(t *testing.T) {
	ctx := context.Background()
	fs := newFileStore[decimal.Decimal](t, DocManual)
	fs.SetOne(ctx, "BTCUSDT", d(1))

	boom := errors.New("boom")
	err := fs.Update(ctx, func(data map[string]decimal.Decimal) error {
		data["BTCUSDT"] = d(2)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	data, _ := fs.Load(ctx)
	if !data["BTCUSDT"].Equal(d(1)) {
		t.Errorf("failed update leaked into the document: %v", data)
	}
}

func TestFileStore_ConcurrentUpdatesSerialize(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "counter.json")

	// Two handles on the same file share one lock.
	a, _ := NewFileStore[int]("counter", path)
	b, _ := NewFileStore[int]("counter", path)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		st := a
		if i%2 == 0 {
			st = b
		}
		go func(st *FileStore[int], i int) {
			defer wg.Done()
			err := st.Update(ctx, func(data map[string]int) error {
				data["N"]++
				data[fmt.Sprintf("K%d", i)] = i
				return nil
			})
			if err != nil {
				t.Errorf("update %d: %v", i, err)
			}
		}(st, i)
	}
	wg.Wait()

	data, err := a.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if data["N"] != 50 {
		t.Errorf("expected 50 serialized increments, got %d", data["N"])
	}
	if len(data) != 51 {
		t.Errorf("expected 51 keys, got %d", len(data))
	}
}

func TestMemoryStore_UpdateAndLoadCopy(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore[decimal.Decimal]()

	ms.SetOne(ctx, "btcusdt", d(10))
	loaded, _ := ms.Load(ctx)
	loaded["BTCUSDT"] = d(99) // mutating the copy must not leak

	again, _ := ms.Load(ctx)
	if !again["BTCUSDT"].Equal(d(10)) {
		t.Errorf("load should return a copy, got %s", again["BTCUSDT"])
	}

	ms.Update(ctx, func(data map[string]decimal.Decimal) error {
		data["ethusdt"] = d(5)
		return nil
	})
	again, _ = ms.Load(ctx)
	if _, ok := again["ETHUSDT"]; !ok {
		t.Errorf("update keys should be normalized, got %v", again)
	}

	ms.Delete(ctx, "BTCUSDT")
	again, _ = ms.Load(ctx)
	if _, ok := again["BTCUSDT"]; ok {
		t.Error("expected BTCUSDT deleted")
	}
}
