package main

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Two levels of CPU parallelism are available:
//
//  1. Row-parallel matrix multiplication (this file). Large edge-feature
//     matrices are split into contiguous row blocks, one goroutine each.
//  2. Batch-item parallelism (diffusion.go). Each structure in a training
//     batch runs its own forward and backward pass on an errgroup worker.
//
// Both are governed by ComputeConfig. Single-threaded mode exists for
// debugging and for reproducing timings; results are identical either way
// because every worker writes disjoint output rows.
//
// Goroutines only pay off above a size threshold. Below MinSizeForParallel
// rows the spawn and join overhead dominates the arithmetic.

// ComputeConfig controls parallelization behavior for tensor operations and
// batch execution.
type ComputeConfig struct {
	// Parallel enables multi-threaded execution.
	Parallel bool `mapstructure:"parallel" yaml:"parallel"`

	// NumWorkers is the number of worker goroutines. 0 means one per
	// physical core.
	NumWorkers int `mapstructure:"workers" yaml:"workers" validate:"gte=0"`

	// MinSizeForParallel is the minimum matrix dimension before a matmul is
	// split across workers.
	MinSizeForParallel int `mapstructure:"min_size_for_parallel" yaml:"min_size_for_parallel" validate:"gte=0"`
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0,
		MinSizeForParallel: 64,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return physicalCores()
}

// shouldParallelize determines if an operation of the given size should be
// split across workers.
func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && size >= c.MinSizeForParallel && c.numWorkers() > 1
}

func (c ComputeConfig) String() string {
	if !c.Parallel {
		return "single-threaded"
	}
	return fmt.Sprintf("parallel (%d workers, threshold %d)", c.numWorkers(), c.MinSizeForParallel)
}

// physicalCores prefers the physical core count, since hyperthreads add
// little to float-heavy loops, and falls back to runtime.NumCPU.
var physicalCores = sync.OnceValue(func() int {
	n, err := cpu.Counts(false)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
})

// Global compute configuration, set once at startup.
var globalComputeConfig = DefaultComputeConfig()

// SetGlobalComputeConfig sets the global compute configuration. Not safe to
// call while tensor operations are running.
func SetGlobalComputeConfig(cfg ComputeConfig) {
	globalComputeConfig = cfg
}

// GetGlobalComputeConfig returns the current global compute configuration.
func GetGlobalComputeConfig() ComputeConfig {
	return globalComputeConfig
}

// MatMulWithConfig performs an untracked matrix multiplication C = A @ B,
// splitting output rows across workers when the problem is large enough.
func MatMulWithConfig(a, b *Tensor, cfg ComputeConfig) *Tensor {
	must2D("MatMul", a, b)

	m, k1 := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]
	if k1 != k2 {
		panic(fmt.Sprintf("tensor: incompatible dimensions for matmul %v @ %v", a.shape, b.shape))
	}

	out := NewTensor(m, n)
	if !cfg.shouldParallelize(m) || !cfg.shouldParallelize(n) {
		matmulRows(a, b, out, 0, m)
		return out
	}

	parallelRange(m, cfg.numWorkers(), func(start, end int) {
		matmulRows(a, b, out, start, end)
	})
	return out
}

// parallelRange splits [0, n) into contiguous blocks and runs fn on each in
// its own goroutine.
func parallelRange(n, workers int, fn func(start, end int)) {
	if workers < 1 {
		workers = 1
	}
	per := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for start := 0; start < n; start += per {
		end := min(start+per, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(start, end)
		}()
	}
	wg.Wait()
}
