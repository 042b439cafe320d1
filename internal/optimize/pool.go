package optimize

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// PanicError wraps a panic recovered from a trial
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("trial panicked: %v", e.Value)
}

// runPooled evaluates grid combinations on a fixed worker pool.
// Outcomes come back ordered by enumeration index, so tie-breaking is
// identical to the sequential path regardless of completion order.
func (o *Optimizer) runPooled(ctx context.Context, grid Grid, size int, run RunFunc) ([]TrialOutcome, error) {
	workers := o.config.Workers
	if workers > size {
		workers = size
	}

	indices := make(chan int)
	outcomes := make([]TrialOutcome, size)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := range indices {
				outcomes[i] = o.safeTrial(ctx, i, grid.combination(i), run)
			}
		}(w)
	}

	feedErr := func() error {
		defer close(indices)
		for i := 0; i < size; i++ {
			select {
			case indices <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}()

	wg.Wait()
	if feedErr != nil {
		return nil, feedErr
	}
	return outcomes, nil
}

// safeTrial runs one trial with panic recovery so a crashing strategy
// takes down its trial, not the sweep
func (o *Optimizer) safeTrial(ctx context.Context, index int, params ParamSet, run RunFunc) (outcome TrialOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = TrialOutcome{
				Index:  index,
				Params: params,
				Err:    &PanicError{Value: r},
			}
			o.logger.Error("trial panicked",
				zap.Int("trial", index),
				zap.Any("panic", r))
		}
	}()
	return o.runTrial(ctx, index, params, run)
}
