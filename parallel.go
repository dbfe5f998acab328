package cryptvol

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// ParallelConfig controls parallel block processing
type ParallelConfig struct {
	// Enabled enables parallel block processing
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinBlocksForParallel is the minimum number of blocks to use parallel processing
	// Below this threshold, sequential processing is used
	// Defaults to 4
	MinBlocksForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil // Nothing to validate if disabled
	}

	if p.MaxWorkers < 0 {
		return NewValidationError("parallel.max_workers", p.MaxWorkers, "cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return NewValidationError("parallel.max_workers", p.MaxWorkers, "must not exceed 1024")
	}
	if p.MinBlocksForParallel < 1 {
		return NewValidationError("parallel.min_blocks", p.MinBlocksForParallel, "must be at least 1")
	}
	if p.MinBlocksForParallel > 1000 {
		return NewValidationError("parallel.min_blocks", p.MinBlocksForParallel, "must not exceed 1000")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinBlocksForParallel: 4,
	}
}

// workers returns the worker count for n jobs, or 1 for sequential processing
func (p ParallelConfig) workers(n int) int {
	if !p.Enabled || n < p.MinBlocksForParallel {
		return 1
	}
	w := p.MaxWorkers
	if w <= 0 {
		w = runtime.NumCPU()
	}
	if w > n {
		w = n
	}
	return w
}

// runParallel calls fn(i) for every i in [0, n). The first error stops the
// remaining jobs; a panicking job is reported as an error.
func runParallel(ctx context.Context, cfg ParallelConfig, n int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}

	numWorkers := cfg.workers(n)
	if numWorkers == 1 {
		// Sequential processing
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := safeCall(fn, i); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Parallel processing
	var wg sync.WaitGroup
	jobChan := make(chan int, n)
	errChan := make(chan error, numWorkers)

	// Start workers
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobChan {
				if ctx.Err() != nil {
					return
				}
				if err := safeCall(fn, idx); err != nil {
					select {
					case errChan <- err:
					default:
					}
					cancel()
					return
				}
			}
		}()
	}

	// Send jobs
	for i := 0; i < n; i++ {
		jobChan <- i
	}
	close(jobChan)

	// Wait for completion
	wg.Wait()
	close(errChan)

	// Check for errors
	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
	default:
	}
	return ctx.Err()
}

// safeCall converts a panic in fn into an error
func safeCall(fn func(int) error, i int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in block worker: %v", r)
		}
	}()
	return fn(i)
}
