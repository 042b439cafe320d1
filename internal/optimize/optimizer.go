// Package optimize provides parameter search over backtest runs:
// exhaustive grid search, a sequential Bayesian-style search, and
// walk-forward validation.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/pkg/types"
)

// ErrEmptyGrid is returned when a search space has no combinations
var ErrEmptyGrid = errors.New("empty parameter grid")

// ParamSet is one concrete assignment of parameter values
type ParamSet map[string]float64

// Clone returns a copy of the param set
func (p ParamSet) Clone() ParamSet {
	out := make(ParamSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// GridAxis is one parameter and its candidate values. Axis order and
// value order are significant: the grid is enumerated as the nested
// Cartesian product in exactly the supplied order.
type GridAxis struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// Grid is an ordered parameter search space
type Grid []GridAxis

// Size returns the number of combinations in the grid
func (g Grid) Size() int {
	if len(g) == 0 {
		return 0
	}
	size := 1
	for _, axis := range g {
		size *= len(axis.Values)
	}
	return size
}

// combination returns the param set at enumeration index i, with the
// last axis varying fastest
func (g Grid) combination(i int) ParamSet {
	params := make(ParamSet, len(g))
	for axis := len(g) - 1; axis >= 0; axis-- {
		n := len(g[axis].Values)
		params[g[axis].Name] = g[axis].Values[i%n]
		i /= n
	}
	return params
}

// RunFunc executes one backtest for a candidate param set
type RunFunc func(ctx context.Context, params ParamSet) (*types.BacktestResult, error)

// Config configures an optimizer
type Config struct {
	Metric   string `json:"metric" mapstructure:"metric"`
	Minimize bool   `json:"minimize" mapstructure:"minimize"`
	Workers  int    `json:"workers" mapstructure:"workers"`
	Trials   int    `json:"trials" mapstructure:"trials"`
	Seed     int64  `json:"seed" mapstructure:"seed"`
}

// DefaultConfig returns optimizer defaults: sequential search
// maximizing the Sharpe ratio
func DefaultConfig() Config {
	return Config{
		Metric:  "sharpe_ratio",
		Workers: 1,
		Trials:  50,
		Seed:    42,
	}
}

// TrialOutcome records one evaluated combination
type TrialOutcome struct {
	Index  int                   `json:"index"`
	Params ParamSet              `json:"params"`
	Score  float64               `json:"score"`
	Result *types.BacktestResult `json:"-"`
	Err    error                 `json:"-"`
}

// SweepResult is the outcome of a parameter sweep. The best trial is
// tracked independently of the trial history: a failed trial never
// disturbs the cached best.
type SweepResult struct {
	BestParams ParamSet              `json:"bestParams"`
	BestScore  float64               `json:"bestScore"`
	BestResult *types.BacktestResult `json:"-"`
	Trials     int                   `json:"trials"`
	Succeeded  int                   `json:"succeeded"`
	Failed     int                   `json:"failed"`
	Outcomes   []TrialOutcome        `json:"outcomes"`
}

// Optimizer runs parameter sweeps
type Optimizer struct {
	logger *zap.Logger
	config Config
}

// NewOptimizer creates an optimizer
func NewOptimizer(logger *zap.Logger, config Config) *Optimizer {
	if config.Metric == "" {
		config.Metric = "sharpe_ratio"
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.Trials < 1 {
		config.Trials = 50
	}
	return &Optimizer{logger: logger, config: config}
}

// GridSearch evaluates every combination in the grid. Combinations are
// enumerated in the supplied axis and value order; on equal scores the
// earlier combination wins. Failed trials are isolated, logged and
// counted, the sweep continues.
func (o *Optimizer) GridSearch(ctx context.Context, grid Grid, run RunFunc) (*SweepResult, error) {
	size := grid.Size()
	if size == 0 {
		return nil, ErrEmptyGrid
	}

	o.logger.Info("starting grid search",
		zap.Int("combinations", size),
		zap.String("metric", o.config.Metric),
		zap.Int("workers", o.config.Workers))

	outcomes, err := o.evaluate(ctx, grid, size, run)
	if err != nil {
		return nil, err
	}
	return o.collect(outcomes), nil
}

// evaluate runs every grid combination, sequentially or on the trial
// pool, and returns outcomes ordered by enumeration index
func (o *Optimizer) evaluate(ctx context.Context, grid Grid, size int, run RunFunc) ([]TrialOutcome, error) {
	if o.config.Workers > 1 {
		return o.runPooled(ctx, grid, size, run)
	}

	outcomes := make([]TrialOutcome, 0, size)
	for i := 0; i < size; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o.safeTrial(ctx, i, grid.combination(i), run))
	}
	return outcomes, nil
}

// runTrial evaluates one combination and scores it
func (o *Optimizer) runTrial(ctx context.Context, index int, params ParamSet, run RunFunc) TrialOutcome {
	outcome := TrialOutcome{Index: index, Params: params}

	result, err := run(ctx, params)
	if err != nil {
		outcome.Err = err
		o.logger.Warn("trial failed",
			zap.Int("trial", index),
			zap.Any("params", params),
			zap.Error(err))
		return outcome
	}

	outcome.Result = result
	outcome.Score = MetricValue(result, o.config.Metric)
	return outcome
}

// collect scans outcomes in enumeration order and picks the best with
// strict comparison, so the earliest trial wins ties
func (o *Optimizer) collect(outcomes []TrialOutcome) *SweepResult {
	sweep := &SweepResult{
		Trials:   len(outcomes),
		Outcomes: outcomes,
	}

	found := false
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			sweep.Failed++
			continue
		}
		sweep.Succeeded++

		if !found || o.better(outcome.Score, sweep.BestScore) {
			found = true
			sweep.BestScore = outcome.Score
			sweep.BestParams = outcome.Params
			sweep.BestResult = outcome.Result
		}
	}

	o.logger.Info("sweep completed",
		zap.Int("trials", sweep.Trials),
		zap.Int("succeeded", sweep.Succeeded),
		zap.Int("failed", sweep.Failed),
		zap.Float64("best_score", sweep.BestScore))

	return sweep
}

// better reports whether a strictly beats b under the configured
// direction
func (o *Optimizer) better(a, b float64) bool {
	if o.config.Minimize {
		return a < b
	}
	return a > b
}

// BayesianSearch runs a sequential model-based search over the ranges
// spanned by the grid. Integer-valued axes stay integers, real axes are
// sampled continuously, and axes that fit neither are treated as
// categorical draws from the listed values. When no searchable space
// can be inferred it falls back to exhaustive grid search.
func (o *Optimizer) BayesianSearch(ctx context.Context, grid Grid, run RunFunc) (*SweepResult, error) {
	space, ok := inferSpace(grid)
	if !ok {
		o.logger.Warn("no searchable space inferred, falling back to grid search")
		return o.GridSearch(ctx, grid, run)
	}

	trials := o.config.Trials
	o.logger.Info("starting bayesian search",
		zap.Int("trials", trials),
		zap.String("metric", o.config.Metric),
		zap.Int("dimensions", len(space)))

	rng := rand.New(rand.NewSource(o.config.Seed))
	sweep := &SweepResult{}

	// Internally minimized: maximizing metrics are negated.
	sign := -1.0
	if o.config.Minimize {
		sign = 1.0
	}

	bestLoss := math.Inf(1)
	explore := trials / 3
	if explore < 5 {
		explore = 5
	}

	for i := 0; i < trials; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var params ParamSet
		if i < explore || sweep.BestParams == nil || rng.Float64() < 0.2 {
			params = sampleUniform(space, rng)
		} else {
			params = sampleAround(space, sweep.BestParams, rng)
		}

		outcome := o.safeTrial(ctx, i, params, run)
		sweep.Trials++
		sweep.Outcomes = append(sweep.Outcomes, outcome)
		if outcome.Err != nil {
			sweep.Failed++
			continue
		}
		sweep.Succeeded++

		if loss := sign * outcome.Score; loss < bestLoss {
			bestLoss = loss
			sweep.BestScore = outcome.Score
			sweep.BestParams = outcome.Params
			sweep.BestResult = outcome.Result
			o.logger.Debug("new best trial",
				zap.Int("trial", i),
				zap.Float64("score", outcome.Score))
		}
	}

	o.logger.Info("sweep completed",
		zap.Int("trials", sweep.Trials),
		zap.Int("succeeded", sweep.Succeeded),
		zap.Int("failed", sweep.Failed),
		zap.Float64("best_score", sweep.BestScore))

	return sweep, nil
}

// MetricValue extracts a named metric from a result. Unknown names
// fall back to the Sharpe ratio.
func MetricValue(result *types.BacktestResult, metric string) float64 {
	if result == nil || result.Metrics == nil {
		return 0
	}

	m := result.Metrics
	switch metric {
	case "sharpe_ratio":
		return m.SharpeRatio
	case "sortino_ratio":
		return m.SortinoRatio
	case "total_return":
		return m.TotalReturn
	case "annualized_return":
		return m.AnnualizedReturn
	case "profit_factor":
		return m.ProfitFactor
	case "win_rate":
		return m.WinRate
	case "max_drawdown":
		return m.MaxDrawdown
	case "expectancy":
		return m.Expectancy
	default:
		return m.SharpeRatio
	}
}

type dimensionKind int

const (
	dimensionInt dimensionKind = iota
	dimensionReal
	dimensionCategorical
)

// dimension is one inferred search dimension
type dimension struct {
	name   string
	kind   dimensionKind
	min    float64
	max    float64
	values []float64
}

// inferSpace derives a search space from the grid values: all-integer
// axes become integer ranges, other numeric axes become real ranges,
// and degenerate axes become categorical. Returns false when any axis
// is empty or nothing is searchable.
func inferSpace(grid Grid) ([]dimension, bool) {
	if len(grid) == 0 {
		return nil, false
	}

	space := make([]dimension, 0, len(grid))
	for _, axis := range grid {
		if len(axis.Values) == 0 {
			return nil, false
		}

		min, max := axis.Values[0], axis.Values[0]
		allInt := true
		allFinite := true
		for _, v := range axis.Values {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
			if v != math.Trunc(v) {
				allInt = false
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				allFinite = false
			}
		}

		dim := dimension{name: axis.Name, min: min, max: max, values: axis.Values}
		switch {
		case !allFinite || min == max:
			dim.kind = dimensionCategorical
		case allInt:
			dim.kind = dimensionInt
		default:
			dim.kind = dimensionReal
		}
		space = append(space, dim)
	}
	return space, true
}

func sampleUniform(space []dimension, rng *rand.Rand) ParamSet {
	params := make(ParamSet, len(space))
	for _, dim := range space {
		switch dim.kind {
		case dimensionInt:
			params[dim.name] = math.Floor(dim.min + rng.Float64()*(dim.max-dim.min) + 0.5)
		case dimensionReal:
			params[dim.name] = dim.min + rng.Float64()*(dim.max-dim.min)
		default:
			params[dim.name] = dim.values[rng.Intn(len(dim.values))]
		}
	}
	return params
}

// sampleAround perturbs the incumbent best with Gaussian noise scaled
// to a tenth of each dimension's span
func sampleAround(space []dimension, best ParamSet, rng *rand.Rand) ParamSet {
	params := make(ParamSet, len(space))
	for _, dim := range space {
		switch dim.kind {
		case dimensionCategorical:
			params[dim.name] = dim.values[rng.Intn(len(dim.values))]
		default:
			sigma := (dim.max - dim.min) / 10
			v := best[dim.name] + rng.NormFloat64()*sigma
			if v < dim.min {
				v = dim.min
			}
			if v > dim.max {
				v = dim.max
			}
			if dim.kind == dimensionInt {
				v = math.Floor(v + 0.5)
			}
			params[dim.name] = v
		}
	}
	return params
}

// String renders a grid for logs
func (g Grid) String() string {
	return fmt.Sprintf("grid(%d axes, %d combinations)", len(g), g.Size())
}
