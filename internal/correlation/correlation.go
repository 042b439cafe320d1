// Package correlation tracks pairwise return correlation between
// traded symbols, with a TTL cache in front of the bar source.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/pkg/types"
	"github.com/steampunk-industries/quantsim/pkg/utils"
)

const (
	// DefaultThreshold marks pairs as correlated above this absolute
	// coefficient
	DefaultThreshold = 0.7

	// lookbackBars is the daily history window used per symbol
	lookbackBars = 30
)

// ErrInsufficientData is returned when a pair has too little history
// to correlate
var ErrInsufficientData = errors.New("insufficient data for correlation")

// BarSource supplies trailing daily bars for a symbol
type BarSource interface {
	DailyBars(ctx context.Context, symbol string, limit int) ([]types.Bar, error)
}

// Config configures the correlation manager
type Config struct {
	Threshold float64       `json:"threshold" mapstructure:"threshold"`
	CacheTTL  time.Duration `json:"cacheTtl" mapstructure:"cache_ttl"`
}

// DefaultConfig returns correlation defaults
func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
		CacheTTL:  24 * time.Hour,
	}
}

type cacheEntry struct {
	coefficient float64
	computedAt  time.Time
}

// Manager computes and caches pairwise correlations. Cache keys are
// canonical, so (a, b) and (b, a) share one entry.
type Manager struct {
	mu     sync.Mutex
	logger *zap.Logger
	config Config
	source BarSource
	cache  map[string]cacheEntry
	now    func() time.Time
}

// NewManager creates a correlation manager over the given bar source
func NewManager(logger *zap.Logger, source BarSource, config Config) *Manager {
	if config.Threshold <= 0 {
		config.Threshold = DefaultThreshold
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 24 * time.Hour
	}
	return &Manager{
		logger: logger,
		config: config,
		source: source,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
	}
}

// Correlation returns the Pearson correlation of the simple returns of
// two price series. Unequal lengths are truncated from the front so
// the most recent observations align.
func Correlation(a, b []float64) (float64, error) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 3 {
		return 0, fmt.Errorf("%w: need at least 3 prices, have %d", ErrInsufficientData, n)
	}

	returnsA := utils.SimpleReturns(a[len(a)-n:])
	returnsB := utils.SimpleReturns(b[len(b)-n:])
	return utils.PearsonCorrelation(returnsA, returnsB), nil
}

// Get returns the correlation between two symbols, fetching trailing
// daily history and caching the coefficient for the configured TTL
func (m *Manager) Get(ctx context.Context, symbolA, symbolB string) (float64, error) {
	key := canonicalKey(symbolA, symbolB)

	m.mu.Lock()
	if entry, ok := m.cache[key]; ok && m.now().Sub(entry.computedAt) < m.config.CacheTTL {
		m.mu.Unlock()
		return entry.coefficient, nil
	}
	m.mu.Unlock()

	pricesA, err := m.closes(ctx, symbolA)
	if err != nil {
		return 0, err
	}
	pricesB, err := m.closes(ctx, symbolB)
	if err != nil {
		return 0, err
	}

	coefficient, err := Correlation(pricesA, pricesB)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.cache[key] = cacheEntry{coefficient: coefficient, computedAt: m.now()}
	m.mu.Unlock()

	m.logger.Debug("Correlation computed",
		zap.String("pair", key),
		zap.Float64("coefficient", coefficient))

	return coefficient, nil
}

// IsCorrelated reports whether the pair's absolute correlation exceeds
// the configured threshold
func (m *Manager) IsCorrelated(ctx context.Context, symbolA, symbolB string) (bool, error) {
	coefficient, err := m.Get(ctx, symbolA, symbolB)
	if err != nil {
		return false, err
	}
	if coefficient < 0 {
		coefficient = -coefficient
	}
	return coefficient > m.config.Threshold, nil
}

// Invalidate drops all cached coefficients
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = make(map[string]cacheEntry)
}

func (m *Manager) closes(ctx context.Context, symbol string) ([]float64, error) {
	bars, err := m.source.DailyBars(ctx, symbol, lookbackBars)
	if err != nil {
		return nil, fmt.Errorf("fetch daily bars for %s: %w", symbol, err)
	}

	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i], _ = bar.Close.Float64()
	}
	return closes, nil
}

// canonicalKey orders the pair so both orientations share a cache slot
func canonicalKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
