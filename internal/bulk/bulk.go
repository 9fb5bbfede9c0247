// Package bulk runs work over fixed-size batches of items, either in order
// or through a bounded worker pool.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Operation represents a bulk operation configuration
type Operation struct {
	// BatchSize is the number of items handed to each call. Values <= 0
	// mean one batch holding every item.
	BatchSize int
	// Jobs is the number of parallel workers. 0 uses NumCPU. Ordered
	// operations always run on a single worker.
	Jobs            int
	ContinueOnError bool
	Ordered         bool
	// Progress, when set, is called after each batch with the number of
	// items processed so far.
	Progress func(done, total int)
}

// Result represents the result of a bulk operation
type Result struct {
	TotalItems   int
	TotalBatches int
	Succeeded    int
	Failed       int
	Errors       []BatchError
}

// BatchError represents an error for one batch
type BatchError struct {
	Batch int
	Size  int
	Err   error
}

func (e BatchError) Error() string {
	return fmt.Sprintf("batch %d (%d items): %v", e.Batch, e.Size, e.Err)
}

func (e BatchError) Unwrap() error { return e.Err }

// Err returns nil when every batch succeeded and the joined batch errors otherwise.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Split cuts items into consecutive batches of at most size items.
func Split[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end:end])
	}
	return batches
}

// Execute runs fn once per batch of items. Cancelling ctx stops handing out
// new batches; batches already running finish.
func Execute[T any](ctx context.Context, op Operation, items []T, fn func(ctx context.Context, batch []T) error) *Result {
	batches := Split(items, op.BatchSize)
	result := &Result{
		TotalItems:   len(items),
		TotalBatches: len(batches),
	}
	if len(batches) == 0 {
		return result
	}

	// Auto-detect CPU count if jobs == 0
	jobs := op.Jobs
	if jobs == 0 {
		jobs = runtime.NumCPU()
	}

	// Force sequential if ordered or jobs == 1
	if op.Ordered || jobs == 1 || len(batches) == 1 {
		executeSequential(ctx, op, batches, fn, result)
		return result
	}

	executeParallel(ctx, op, batches, fn, jobs, result)
	return result
}

// executeSequential processes batches one by one
func executeSequential[T any](ctx context.Context, op Operation, batches [][]T, fn func(context.Context, []T) error, result *Result) {
	done := 0
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			result.Failed += countRemaining(batches[i:])
			result.Errors = append(result.Errors, BatchError{Batch: i, Size: len(batch), Err: err})
			return
		}

		err := fn(ctx, batch)
		done += len(batch)
		if err != nil {
			result.Failed += len(batch)
			result.Errors = append(result.Errors, BatchError{Batch: i, Size: len(batch), Err: err})
			if !op.ContinueOnError {
				return
			}
		} else {
			result.Succeeded += len(batch)
		}

		if op.Progress != nil {
			op.Progress(done, result.TotalItems)
		}
	}
}

// executeParallel processes batches using a worker pool
func executeParallel[T any](ctx context.Context, op Operation, batches [][]T, fn func(context.Context, []T) error, workers int, result *Result) {
	type job struct {
		index int
		batch []T
	}

	workQueue := make(chan job, len(batches))
	for i, batch := range batches {
		workQueue <- job{index: i, batch: batch}
	}
	close(workQueue)

	var (
		completed  int64
		succeeded  int64
		failed     int64
		errorsMux  sync.Mutex
		stopSignal int32 // 0 = continue, 1 = stop
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := range workQueue {
				if !op.ContinueOnError && atomic.LoadInt32(&stopSignal) == 1 {
					break
				}
				if ctx.Err() != nil {
					break
				}

				err := fn(ctx, j.batch)
				done := atomic.AddInt64(&completed, int64(len(j.batch)))

				if err != nil {
					atomic.AddInt64(&failed, int64(len(j.batch)))
					errorsMux.Lock()
					result.Errors = append(result.Errors, BatchError{Batch: j.index, Size: len(j.batch), Err: err})
					errorsMux.Unlock()

					if !op.ContinueOnError {
						atomic.StoreInt32(&stopSignal, 1)
					}
				} else {
					atomic.AddInt64(&succeeded, int64(len(j.batch)))
				}

				if op.Progress != nil {
					op.Progress(int(done), result.TotalItems)
				}
			}
		}()
	}

	wg.Wait()

	result.Succeeded = int(succeeded)
	result.Failed = int(failed)
}

func countRemaining[T any](batches [][]T) int {
	n := 0
	for _, b := range batches {
		n += len(b)
	}
	return n
}
