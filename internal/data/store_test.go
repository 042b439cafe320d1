package data

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func makeBars(n int, interval time.Duration) []types.Bar {
	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, n)
	for i := range bars {
		price := decimal.NewFromInt(int64(100 + i))
		bars[i] = types.Bar{
			Timestamp: start.Add(time.Duration(i) * interval),
			Open:      price,
			High:      price.Add(decimal.NewFromInt(1)),
			Low:       price.Sub(decimal.NewFromInt(1)),
			Close:     price,
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func TestSyntheticSeriesIsDeterministic(t *testing.T) {
	ctx := context.Background()

	first, err := newTestStore(t).LoadBars(ctx, "BTC/USDT", types.Timeframe1h)
	if err != nil {
		t.Fatalf("LoadBars failed: %v", err)
	}
	second, err := newTestStore(t).LoadBars(ctx, "BTC/USDT", types.Timeframe1h)
	if err != nil {
		t.Fatalf("LoadBars failed: %v", err)
	}

	if len(first) != 720 {
		t.Fatalf("expected 720 synthetic bars, got %d", len(first))
	}
	for i := range first {
		if !first[i].Close.Equal(second[i].Close) || !first[i].Timestamp.Equal(second[i].Timestamp) {
			t.Fatalf("synthetic series diverged at bar %d", i)
		}
	}

	other, err := newTestStore(t).LoadBars(ctx, "ETH/USDT", types.Timeframe1h)
	if err != nil {
		t.Fatalf("LoadBars failed: %v", err)
	}
	if other[0].Close.Equal(first[0].Close) {
		t.Errorf("different symbols must seed different series")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	bars := makeBars(10, time.Hour)

	if err := store.SaveBars("BTC/USDT", types.Timeframe1h, bars); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}

	// Fresh store over the same directory reads from disk, not cache.
	reloaded, err := NewStore(zap.NewNop(), store.dataDir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	loaded, err := reloaded.LoadBars(context.Background(), "BTC/USDT", types.Timeframe1h)
	if err != nil {
		t.Fatalf("LoadBars failed: %v", err)
	}

	if len(loaded) != len(bars) {
		t.Fatalf("expected %d bars, got %d", len(bars), len(loaded))
	}
	for i := range bars {
		if !loaded[i].Close.Equal(bars[i].Close) {
			t.Errorf("bar %d close mismatch: %s vs %s", i, loaded[i].Close, bars[i].Close)
		}
	}
}

func TestSaveRejectsUnorderedBars(t *testing.T) {
	store := newTestStore(t)
	bars := makeBars(5, time.Hour)
	bars[3].Timestamp = bars[2].Timestamp

	if err := store.SaveBars("BTC/USDT", types.Timeframe1h, bars); !errors.Is(err, ErrUnorderedBars) {
		t.Fatalf("expected ErrUnorderedBars, got %v", err)
	}
}

func TestLoadRangeBounds(t *testing.T) {
	store := newTestStore(t)
	bars := makeBars(24, time.Hour)
	if err := store.SaveBars("BTC/USDT", types.Timeframe1h, bars); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}

	start := bars[6].Timestamp
	end := bars[17].Timestamp
	ranged, err := store.LoadRange(context.Background(), "BTC/USDT", types.Timeframe1h, start, end)
	if err != nil {
		t.Fatalf("LoadRange failed: %v", err)
	}

	if len(ranged) != 12 {
		t.Fatalf("expected 12 bars in range, got %d", len(ranged))
	}
	if !ranged[0].Timestamp.Equal(start) || !ranged[len(ranged)-1].Timestamp.Equal(end) {
		t.Errorf("range bounds must be inclusive")
	}

	all, err := store.LoadRange(context.Background(), "BTC/USDT", types.Timeframe1h, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("LoadRange failed: %v", err)
	}
	if len(all) != len(bars) {
		t.Errorf("zero bounds must be open, got %d bars", len(all))
	}
}

func TestDailyBarsTrimsToLimit(t *testing.T) {
	store := newTestStore(t)
	bars := makeBars(60, 24*time.Hour)
	if err := store.SaveBars("BTC/USDT", types.Timeframe1d, bars); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}

	daily, err := store.DailyBars(context.Background(), "BTC/USDT", 30)
	if err != nil {
		t.Fatalf("DailyBars failed: %v", err)
	}
	if len(daily) != 30 {
		t.Fatalf("expected 30 trailing bars, got %d", len(daily))
	}
	if !daily[len(daily)-1].Timestamp.Equal(bars[len(bars)-1].Timestamp) {
		t.Errorf("trailing window must end at the latest bar")
	}
}

func TestSymbolsListsDataFiles(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveBars("BTC/USDT", types.Timeframe1h, makeBars(3, time.Hour)); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}
	if err := store.SaveBars("BTC/USDT", types.Timeframe1d, makeBars(3, 24*time.Hour)); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}
	if err := store.SaveBars("ETH/USDT", types.Timeframe1h, makeBars(3, time.Hour)); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}

	symbols := store.Symbols()
	if len(symbols) != 2 {
		t.Fatalf("expected 2 symbols, got %v", symbols)
	}
	seen := map[string]bool{}
	for _, s := range symbols {
		seen[s] = true
	}
	if !seen["BTC/USDT"] || !seen["ETH/USDT"] {
		t.Errorf("unexpected symbols %v", symbols)
	}
}
