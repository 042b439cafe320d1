// Package strategy provides trading strategy implementations.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/internal/exchange"
	"github.com/steampunk-industries/quantsim/pkg/types"
)

// Strategy is the contract between a trading strategy and the engine.
// RunIteration is called once per bar; the strategy reads market state
// from its exchange and places orders against it.
type Strategy interface {
	// Name returns the strategy identifier
	Name() string

	// Parameters returns the current parameter values
	Parameters() map[string]float64

	// SetParameter updates a single parameter
	SetParameter(name string, value float64) error

	// RunIteration processes the current bar
	RunIteration(ctx context.Context) error

	// Position reports entry state so closing trades can be
	// attributed a profit figure
	Position() types.PositionState

	// Reset clears all state between runs
	Reset()
}

// Factory creates a strategy bound to an exchange with the run's risk
// limits
type Factory func(logger *zap.Logger, ex exchange.Exchange, symbol string, riskConfig types.RiskConfig, params map[string]float64) (Strategy, error)

// Registry manages available strategy factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in strategies
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
	}
	r.Register("ma_cross", NewMACrossStrategy)
	r.Register("mean_reversion", NewMeanReversionStrategy)
	return r
}

// Register adds a strategy factory under the given name
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates a named strategy
func (r *Registry) Create(name string, logger *zap.Logger, ex exchange.Exchange, symbol string, riskConfig types.RiskConfig, params map[string]float64) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown strategy: %s", name)
	}
	return factory(logger, ex, symbol, riskConfig, params)
}

// List returns the registered strategy names in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BaseStrategy provides common parameter and position handling
type BaseStrategy struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	name     string
	symbol   string
	params   map[string]float64
	position types.PositionState
}

// Name returns the strategy identifier
func (b *BaseStrategy) Name() string {
	return b.name
}

// Parameters returns a copy of the current parameter values
func (b *BaseStrategy) Parameters() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]float64, len(b.params))
	for k, v := range b.params {
		out[k] = v
	}
	return out
}

// SetParameter updates a single parameter
func (b *BaseStrategy) SetParameter(name string, value float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.params[name]; !ok {
		return fmt.Errorf("unknown parameter: %s", name)
	}
	b.params[name] = value
	return nil
}

// Position reports the current entry state
func (b *BaseStrategy) Position() types.PositionState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.position
}

func (b *BaseStrategy) param(name string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.params[name]
}

func (b *BaseStrategy) setPosition(p types.PositionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.position = p
}

// applyParams overlays user-supplied values onto defaults, rejecting
// unknown names
func applyParams(defaults, supplied map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range supplied {
		if _, ok := out[k]; !ok {
			return nil, fmt.Errorf("unknown parameter: %s", k)
		}
		out[k] = v
	}
	return out, nil
}
