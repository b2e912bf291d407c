// Package scheduler fans a Cartesian product of solutions and testcases out
// over a bounded pool of concurrent evaluations, streaming results back to
// the caller as they complete.
//
// Grounded on
// infra/appengine/weetbix/internal/services/testvariantbqexporter's
// batch-export pattern: an errgroup.WithContext drives the workers, a
// semaphore.Weighted caps how many run at once, and a channel carries
// results out. That package fans a query out into inserts; this one fans a
// matrix out into evaluations, but the concurrency shape is the same.
package scheduler

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.rbx.dev/rbx/model"
)

// Pair is one (solution, testcase) unit of work.
type Pair struct {
	Solution *model.Solution
	Testcase model.Testcase
}

// EvaluateFunc grades one pair. It is supplied by the caller (engine),
// which already knows how to obtain the compiled executables a Pair needs.
type EvaluateFunc func(ctx context.Context, pair Pair) (*model.EvaluationRecord, error)

// Pairs returns the Cartesian product of sols and tcs, skipping testcases
// marked invalid by generation: downstream evaluation skips them instead.
func Pairs(sols []*model.Solution, tcs []model.Testcase) []Pair {
	pairs := make([]Pair, 0, len(sols)*len(tcs))
	for _, sol := range sols {
		for _, tc := range tcs {
			if tc.Invalid() {
				continue
			}
			pairs = append(pairs, Pair{Solution: sol, Testcase: tc})
		}
	}
	return pairs
}

// RunAll evaluates every pair with at most concurrency evaluations
// in flight at once (concurrency <= 0 selects GOMAXPROCS), streaming each
// EvaluationRecord over the returned channel as it completes. Every pair
// appears exactly once; the order results arrive in is unspecified.
//
// The caller must drain the channel (or cancel ctx) until it closes; the
// scheduler applies backpressure by not starting new work while workers
// are blocked sending to a channel nobody is reading. Cancelling ctx stops
// new work from starting and propagates to in-flight evaluations, whose
// own sandboxes are responsible for tearing down their children.
//
// The returned cancel func is a convenience wrapper that cancels ctx and
// waits for all workers to finish; callers that already manage their own
// ctx cancellation can ignore it.
func RunAll(ctx context.Context, pairs []Pair, concurrency int, eval EvaluateFunc) (<-chan *model.EvaluationRecord, func(), error) {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	runCtx, cancel := context.WithCancel(ctx)
	results := make(chan *model.EvaluationRecord)
	sem := semaphore.NewWeighted(int64(concurrency))
	eg, egCtx := errgroup.WithContext(runCtx)

	eg.Go(func() error {
		for _, pair := range pairs {
			pair := pair
			if err := sem.Acquire(egCtx, 1); err != nil {
				return err
			}
			eg.Go(func() error {
				defer sem.Release(1)
				record, err := eval(egCtx, pair)
				if err != nil {
					return errors.Annotate(err, "scheduler: evaluating %s against %s", pair.Solution.ID, pair.Testcase.ID()).Err()
				}
				select {
				case results <- record:
					return nil
				case <-egCtx.Done():
					return egCtx.Err()
				}
			})
		}
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(results)
		err := eg.Wait()
		switch {
		case err == nil:
		case runCtx.Err() != nil:
			logging.Debugf(ctx, "scheduler: run_all cancelled: %v", err)
		default:
			logging.Warningf(ctx, "scheduler: run_all: %v", err)
		}
	}()

	stop := func() {
		cancel()
		<-done
	}
	return results, stop, nil
}
