package regime

import (
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/pkg/types"
	"github.com/steampunk-industries/quantsim/pkg/utils"
)

const hmmStates = 5

// hmmStateRegimes maps hidden state index to regime label. States are
// ordered by emission variance, calm to violent.
var hmmStateRegimes = [hmmStates]Regime{
	RegimeLowVolRange,
	RegimeNormalRange,
	RegimeStableTrend,
	RegimeVolatileRange,
	RegimeVolatileTrend,
}

// HMMDetector classifies regimes with a five-state Gaussian hidden
// Markov model over bar returns. Emission parameters adapt online by
// exponential smoothing toward each window's moments.
type HMMDetector struct {
	mu     sync.Mutex
	logger *zap.Logger
	config Config

	transitionMatrix [hmmStates][hmmStates]float64
	emissionMeans    [hmmStates]float64
	emissionVars     [hmmStates]float64
}

// NewHMMDetector creates an HMM detector with sticky transitions and
// emission parameters spread across volatility tiers
func NewHMMDetector(logger *zap.Logger, config Config) *HMMDetector {
	d := &HMMDetector{
		logger: logger,
		config: config,
		emissionMeans: [hmmStates]float64{
			0.0000, 0.0000, 0.0015, 0.0000, 0.0020,
		},
		emissionVars: [hmmStates]float64{
			0.00002, 0.0001, 0.0002, 0.0009, 0.0016,
		},
	}

	// Regimes persist: heavy self-transition, uniform leakage.
	for i := 0; i < hmmStates; i++ {
		for j := 0; j < hmmStates; j++ {
			if i == j {
				d.transitionMatrix[i][j] = 0.8
			} else {
				d.transitionMatrix[i][j] = 0.05
			}
		}
	}

	return d
}

// Detect runs the forward algorithm over the window's returns and
// labels the most probable hidden state
func (d *HMMDetector) Detect(bars []types.Bar) (*Snapshot, error) {
	minBars := d.config.SlowEMA + 1
	if len(bars) < minBars {
		return nil, fmt.Errorf("%w: need %d bars, have %d", ErrInsufficientData, minBars, len(bars))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i], _ = bar.Close.Float64()
	}
	returns := utils.SimpleReturns(closes[len(closes)-d.config.VolatilityWindow-1:])

	probabilities := d.forward(returns)
	best := 0
	for state := 1; state < hmmStates; state++ {
		if probabilities[state] > probabilities[best] {
			best = state
		}
	}

	d.adaptEmissions(returns)

	direction := TrendBearish
	if utils.EMASeries(closes, d.config.FastEMA) > utils.EMASeries(closes, d.config.SlowEMA) {
		direction = TrendBullish
	}

	regime := hmmStateRegimes[best]
	probs := make(map[Regime]float64, hmmStates)
	for state, p := range probabilities {
		probs[hmmStateRegimes[state]] = p
	}

	trendStrength := 0.0
	if regime.Trending() {
		trendStrength = probabilities[best]
	}

	snapshot := &Snapshot{
		Regime:         regime,
		Volatility:     utils.StdDev(returns),
		TrendStrength:  trendStrength,
		TrendDirection: direction,
		Confidence:     probabilities[best],
		Probabilities:  probs,
		Timestamp:      bars[len(bars)-1].Timestamp,
	}

	d.logger.Debug("Regime detected",
		zap.String("regime", string(regime)),
		zap.Float64("confidence", snapshot.Confidence),
		zap.String("direction", string(direction)))

	return snapshot, nil
}

// forward computes normalized state probabilities after observing the
// return sequence
func (d *HMMDetector) forward(returns []float64) [hmmStates]float64 {
	var alpha [hmmStates]float64
	for state := 0; state < hmmStates; state++ {
		alpha[state] = 1.0 / hmmStates * gaussianPDF(returns[0], d.emissionMeans[state], d.emissionVars[state])
	}
	normalize(&alpha)

	for _, r := range returns[1:] {
		var next [hmmStates]float64
		for to := 0; to < hmmStates; to++ {
			var sum float64
			for from := 0; from < hmmStates; from++ {
				sum += alpha[from] * d.transitionMatrix[from][to]
			}
			next[to] = sum * gaussianPDF(r, d.emissionMeans[to], d.emissionVars[to])
		}
		alpha = next
		normalize(&alpha)
	}

	return alpha
}

// adaptEmissions nudges each state's emission parameters toward the
// observed window moments, weighted by how well the state already
// explains them
func (d *HMMDetector) adaptEmissions(returns []float64) {
	const alpha = 0.1

	observedMean := utils.Mean(returns)
	observedStd := utils.StdDev(returns)
	observedVar := observedStd * observedStd
	if observedVar == 0 {
		return
	}

	for state := 0; state < hmmStates; state++ {
		weight := alpha * gaussianPDF(observedMean, d.emissionMeans[state], d.emissionVars[state]+observedVar)
		if weight > alpha {
			weight = alpha
		}
		d.emissionMeans[state] += weight * (observedMean - d.emissionMeans[state])
		d.emissionVars[state] += weight * (observedVar - d.emissionVars[state])
		if d.emissionVars[state] < 1e-10 {
			d.emissionVars[state] = 1e-10
		}
	}
}

func gaussianPDF(x, mean, variance float64) float64 {
	if variance <= 0 {
		return 0
	}
	d := x - mean
	return math.Exp(-d*d/(2*variance)) / math.Sqrt(2*math.Pi*variance)
}

func normalize(p *[hmmStates]float64) {
	var sum float64
	for _, v := range p {
		sum += v
	}
	if sum == 0 {
		for i := range p {
			p[i] = 1.0 / hmmStates
		}
		return
	}
	for i := range p {
		p[i] /= sum
	}
}
