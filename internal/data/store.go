// Package data provides historical bar storage and loading.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/pkg/types"
)

// ErrUnorderedBars is returned when a bar series is not strictly
// increasing in time
var ErrUnorderedBars = errors.New("bars not strictly increasing in time")

// Store loads bar series from JSON files under a data directory, with
// an in-memory cache. Symbols without a file get a deterministic
// synthetic series, so backtests stay reproducible without real data.
type Store struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string
	cache   map[string][]types.Bar
}

// NewStore creates a bar store rooted at dataDir
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return &Store{
		logger:  logger,
		dataDir: dataDir,
		cache:   make(map[string][]types.Bar),
	}, nil
}

// LoadBars returns the full bar series for a symbol and timeframe,
// from cache, disk, or the synthetic generator in that order
func (s *Store) LoadBars(ctx context.Context, symbol string, timeframe types.Timeframe) ([]types.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := cacheKey(symbol, timeframe)

	s.mu.RLock()
	if bars, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return bars, nil
	}
	s.mu.RUnlock()

	bars, err := s.loadFromFile(symbol, timeframe)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		s.logger.Info("No data file, generating synthetic series",
			zap.String("symbol", symbol),
			zap.String("timeframe", string(timeframe)))
		bars = generateSyntheticBars(symbol, timeframe, 720)
	}

	if err := validateBars(bars); err != nil {
		return nil, fmt.Errorf("%s %s: %w", symbol, timeframe, err)
	}

	s.mu.Lock()
	s.cache[key] = bars
	s.mu.Unlock()

	return bars, nil
}

// LoadRange returns bars restricted to [start, end]. Zero bounds are
// open.
func (s *Store) LoadRange(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	bars, err := s.LoadBars(ctx, symbol, timeframe)
	if err != nil {
		return nil, err
	}

	out := make([]types.Bar, 0, len(bars))
	for _, bar := range bars {
		if !start.IsZero() && bar.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && bar.Timestamp.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return out, nil
}

// DailyBars returns the trailing limit daily bars for a symbol. It
// satisfies the correlation manager's bar source.
func (s *Store) DailyBars(ctx context.Context, symbol string, limit int) ([]types.Bar, error) {
	bars, err := s.LoadBars(ctx, symbol, types.Timeframe1d)
	if err != nil {
		return nil, err
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// SaveBars validates and persists a bar series and refreshes the cache
func (s *Store) SaveBars(symbol string, timeframe types.Timeframe, bars []types.Bar) error {
	if err := validateBars(bars); err != nil {
		return fmt.Errorf("%s %s: %w", symbol, timeframe, err)
	}

	payload, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.filePath(symbol, timeframe), payload, 0o644); err != nil {
		return fmt.Errorf("write bars: %w", err)
	}

	s.mu.Lock()
	s.cache[cacheKey(symbol, timeframe)] = bars
	s.mu.Unlock()

	return nil
}

// Symbols lists the symbols with data files on disk
func (s *Store) Symbols() []string {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var symbols []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(name, ".json"), "_", 3)
		if len(parts) < 3 {
			continue
		}
		symbol := parts[0] + "/" + parts[1]
		if !seen[symbol] {
			seen[symbol] = true
			symbols = append(symbols, symbol)
		}
	}
	return symbols
}

func (s *Store) loadFromFile(symbol string, timeframe types.Timeframe) ([]types.Bar, error) {
	payload, err := os.ReadFile(s.filePath(symbol, timeframe))
	if err != nil {
		return nil, err
	}

	var bars []types.Bar
	if err := json.Unmarshal(payload, &bars); err != nil {
		return nil, fmt.Errorf("parse bars: %w", err)
	}
	return bars, nil
}

func (s *Store) filePath(symbol string, timeframe types.Timeframe) string {
	name := strings.ReplaceAll(symbol, "/", "_") + "_" + string(timeframe) + ".json"
	return filepath.Join(s.dataDir, name)
}

func cacheKey(symbol string, timeframe types.Timeframe) string {
	return symbol + ":" + string(timeframe)
}

// validateBars rejects series whose timestamps are not strictly
// increasing
func validateBars(bars []types.Bar) error {
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return fmt.Errorf("%w: index %d", ErrUnorderedBars, i)
		}
	}
	return nil
}

// generateSyntheticBars produces a seeded random walk so the same
// symbol always yields the same series
func generateSyntheticBars(symbol string, timeframe types.Timeframe, count int) []types.Bar {
	h := fnv.New64a()
	h.Write([]byte(symbol + ":" + string(timeframe)))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	interval := timeframe.Duration()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	price := 100.0 + rng.Float64()*900
	bars := make([]types.Bar, 0, count)
	for i := 0; i < count; i++ {
		drift := rng.NormFloat64() * 0.01
		open := price
		close := open * (1 + drift)
		high := math.Max(open, close) * (1 + rng.Float64()*0.005)
		low := math.Min(open, close) * (1 - rng.Float64()*0.005)
		volume := 1000 + rng.Float64()*9000

		bars = append(bars, types.Bar{
			Timestamp: start.Add(time.Duration(i) * interval),
			Open:      decimal.NewFromFloat(open).Round(8),
			High:      decimal.NewFromFloat(high).Round(8),
			Low:       decimal.NewFromFloat(low).Round(8),
			Close:     decimal.NewFromFloat(close).Round(8),
			Volume:    decimal.NewFromFloat(volume).Round(2),
		})
		price = close
	}
	return bars
}
