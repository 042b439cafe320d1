package optimize

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/pkg/types"
)

// ErrWindowTooLarge is returned when not even one train+test window
// fits in the available date range
var ErrWindowTooLarge = errors.New("train+test window exceeds date range")

// DateRange is a half-open time interval [Start, End)
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RangeRunFunc executes one backtest restricted to a date range
type RangeRunFunc func(ctx context.Context, params ParamSet, r DateRange) (*types.BacktestResult, error)

// WalkForwardConfig sets the rolling window sizes in days
type WalkForwardConfig struct {
	TrainDays int `json:"trainDays" mapstructure:"train_days"`
	TestDays  int `json:"testDays" mapstructure:"test_days"`
}

// WindowResult is one walk-forward window: in-sample optimization
// followed by a fresh out-of-sample run with the winning parameters
type WindowResult struct {
	TrainRange DateRange             `json:"trainRange"`
	TestRange  DateRange             `json:"testRange"`
	BestParams ParamSet              `json:"bestParams"`
	TrainScore float64               `json:"trainScore"`
	TestScore  float64               `json:"testScore"`
	Result     *types.BacktestResult `json:"-"`
}

// WalkForwardReport aggregates all windows in chronological order
type WalkForwardReport struct {
	Windows      []WindowResult `json:"windows"`
	MeanOOSScore float64        `json:"meanOosScore"`
	Metric       string         `json:"metric"`
}

// WalkForward rolls an optimize-then-validate window across the date
// range. Each window trains a grid search on TrainDays of data, then
// runs the winner once on the next TestDays it has never seen. Windows
// advance by TestDays, so out-of-sample stretches are disjoint and
// chronological. It stops when a full train+test window no longer fits.
func (o *Optimizer) WalkForward(ctx context.Context, grid Grid, start, end time.Time, config WalkForwardConfig, run RangeRunFunc) (*WalkForwardReport, error) {
	if grid.Size() == 0 {
		return nil, ErrEmptyGrid
	}

	train := time.Duration(config.TrainDays) * 24 * time.Hour
	test := time.Duration(config.TestDays) * 24 * time.Hour
	if config.TrainDays <= 0 || config.TestDays <= 0 {
		return nil, errors.New("train and test sizes must be positive")
	}
	if start.Add(train + test).After(end) {
		return nil, ErrWindowTooLarge
	}

	report := &WalkForwardReport{Metric: o.config.Metric}
	var scoreSum float64

	for windowStart := start; !windowStart.Add(train + test).After(end); windowStart = windowStart.Add(test) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		trainRange := DateRange{Start: windowStart, End: windowStart.Add(train)}
		testRange := DateRange{Start: trainRange.End, End: trainRange.End.Add(test)}

		o.logger.Info("walk-forward window",
			zap.Time("train_start", trainRange.Start),
			zap.Time("train_end", trainRange.End),
			zap.Time("test_start", testRange.Start),
			zap.Time("test_end", testRange.End))

		sweep, err := o.GridSearch(ctx, grid, func(ctx context.Context, params ParamSet) (*types.BacktestResult, error) {
			return run(ctx, params, trainRange)
		})
		if err != nil {
			return nil, err
		}
		if sweep.Succeeded == 0 {
			o.logger.Warn("window skipped, no successful training trial",
				zap.Time("window_start", windowStart))
			continue
		}

		oosResult, err := run(ctx, sweep.BestParams.Clone(), testRange)
		if err != nil {
			o.logger.Warn("out-of-sample run failed",
				zap.Time("window_start", windowStart),
				zap.Error(err))
			continue
		}

		window := WindowResult{
			TrainRange: trainRange,
			TestRange:  testRange,
			BestParams: sweep.BestParams,
			TrainScore: sweep.BestScore,
			TestScore:  MetricValue(oosResult, o.config.Metric),
			Result:     oosResult,
		}
		report.Windows = append(report.Windows, window)
		scoreSum += window.TestScore
	}

	if len(report.Windows) > 0 {
		report.MeanOOSScore = scoreSum / float64(len(report.Windows))
	}

	o.logger.Info("walk-forward completed",
		zap.Int("windows", len(report.Windows)),
		zap.Float64("mean_oos_score", report.MeanOOSScore))

	return report, nil
}
