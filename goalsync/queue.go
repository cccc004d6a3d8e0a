package goalsync

import (
	"context"
	"time"
)

// OutcomeStatus tags an item's result in a sequential run.
type OutcomeStatus string

const (
	StatusFulfilled OutcomeStatus = "fulfilled"
	StatusRejected  OutcomeStatus = "rejected"
)

// Outcome captures one item's independent result.
type Outcome[I, R any] struct {
	Status OutcomeStatus
	Item   I
	Value  R
	Err    error
}

// QueueOptions configures RunSequential. Sleep is injectable so tests can
// count delay invocations without waiting.
type QueueOptions struct {
	Delay time.Duration
	Sleep func(context.Context, time.Duration) error
}

// RunSequential processes items strictly one at a time, never concurrently,
// waiting Delay between items (skipped after the last) to respect upstream
// rate limits. One item's failure never aborts or skips the remainder; the
// full ordered outcome list is returned once every item has been attempted.
// Context cancellation stops the run between items and returns the outcomes
// gathered so far alongside the context error.
func RunSequential[I, R any](ctx context.Context, items []I, fn func(context.Context, I) (R, error), opts QueueOptions) ([]Outcome[I, R], error) {
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	outcomes := make([]Outcome[I, R], 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		value, err := fn(ctx, item)
		if err != nil {
			outcomes = append(outcomes, Outcome[I, R]{Status: StatusRejected, Item: item, Err: err})
		} else {
			outcomes = append(outcomes, Outcome[I, R]{Status: StatusFulfilled, Item: item, Value: value})
		}

		if opts.Delay > 0 && i < len(items)-1 {
			if err := sleep(ctx, opts.Delay); err != nil {
				return outcomes, err
			}
		}
	}
	return outcomes, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
