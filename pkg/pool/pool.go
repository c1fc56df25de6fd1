package pool

import (
	"context"
	"sync"
)

// WorkerFunc defines the function signature for a worker that processes an item and may return an error.
type WorkerFunc[T, R any] func(ctx context.Context, item T) (R, error)

// Result is the outcome of processing the item at Index in the input slice.
type Result[T, R any] struct {
	Index int
	Item  T
	Value R
	Err   error
}

// Run executes a worker pool over items with at most numWorkers concurrent calls.
// The returned slice is in input order. Items never started because ctx was cancelled
// carry ctx.Err(). A non-positive numWorkers is treated as one worker.
func Run[T, R any](ctx context.Context, items []T, numWorkers int, workerFunc WorkerFunc[T, R]) []Result[T, R] {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if numWorkers > len(items) {
		numWorkers = len(items)
	}

	results := make([]Result[T, R], len(items))
	started := make([]bool, len(items))
	for i, item := range items {
		results[i] = Result[T, R]{Index: i, Item: item}
	}

	var wg sync.WaitGroup
	taskChan := make(chan int)

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range taskChan {
				// Each index is written by exactly one worker.
				v, err := workerFunc(ctx, items[idx])
				results[idx].Value = v
				results[idx].Err = err
			}
		}()
	}

OUT:
	for i := range items {
		if ctx.Err() != nil {
			break
		}
		select {
		case taskChan <- i:
			started[i] = true
		case <-ctx.Done():
			// Stop feeding tasks if the context is cancelled
			break OUT
		}
	}
	close(taskChan)
	wg.Wait()

	for i := range results {
		if !started[i] {
			results[i].Err = ctx.Err()
		}
	}
	return results
}

// Errors returns the non-nil errors of results in input order.
func Errors[T, R any](results []Result[T, R]) []error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}
