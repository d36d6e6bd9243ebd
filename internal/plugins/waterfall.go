package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAllFailed is returned when every waterfall candidate failed.
var ErrAllFailed = errors.New("all candidates failed")

// Waterfall races candidates with staggered starts. Candidate 0 starts
// immediately; each further candidate joins after stagger has passed without
// a success, or as soon as every running candidate has failed. Running
// candidates are never cancelled by a later start. The first success wins and
// cancels the rest.
func Waterfall[T any](ctx context.Context, stagger time.Duration, candidates []func(context.Context) (T, error)) (T, error) {
	var zero T
	if len(candidates) == 0 {
		return zero, fmt.Errorf("waterfall: no candidates: %w", ErrAllFailed)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		val T
		err error
	}
	results := make(chan result, len(candidates))
	started := 0
	start := func() {
		c := candidates[started]
		started++
		go func() {
			v, err := c(ctx)
			results <- result{v, err}
		}()
	}

	start()
	timer := time.NewTimer(stagger)
	defer timer.Stop()

	var errs []error
	for {
		select {
		case r := <-results:
			if r.err == nil {
				return r.val, nil
			}
			errs = append(errs, r.err)
			if len(errs) == len(candidates) {
				return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
			}
			if len(errs) == started {
				start()
				resetTimer(timer, stagger)
			}
		case <-timer.C:
			if started < len(candidates) {
				start()
				timer.Reset(stagger)
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
