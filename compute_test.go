package main

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeConfig(t *testing.T) {
	cfg := DefaultComputeConfig()
	if !cfg.Parallel {
		t.Error("default config should enable parallel execution")
	}
	if n := cfg.numWorkers(); n < 1 || n > runtime.NumCPU() {
		t.Errorf("expected between 1 and %d workers, got %d", runtime.NumCPU(), n)
	}

	stCfg := SingleThreadedConfig()
	if stCfg.Parallel {
		t.Error("single-threaded config should disable parallel execution")
	}
	if stCfg.numWorkers() != 1 {
		t.Errorf("single-threaded config should have 1 worker, got %d", stCfg.numWorkers())
	}

	explicit := ComputeConfig{Parallel: true, NumWorkers: 3}
	assert.Equal(t, 3, explicit.numWorkers())
}

func TestParallelMatMulCorrectness(t *testing.T) {
	rng := testRNG(1)
	parCfg := ComputeConfig{Parallel: true, NumWorkers: 4, MinSizeForParallel: 8}

	for _, size := range []int{7, 32, 65, 128} {
		t.Run(fmt.Sprintf("size=%d", size), func(t *testing.T) {
			a := NewParam(rng, 1, size, size+3)
			b := NewParam(rng, 1, size+3, size)

			resultST := MatMulWithConfig(a, b, SingleThreadedConfig())
			resultPar := MatMulWithConfig(a, b, parCfg)

			if !tensorsEqual(resultST, resultPar, 1e-10) {
				t.Error("parallel and single-threaded results differ")
			}
		})
	}
}

func TestMinSizeForParallel(t *testing.T) {
	cfg := ComputeConfig{Parallel: true, NumWorkers: 4, MinSizeForParallel: 100}

	if cfg.shouldParallelize(50) {
		t.Error("should not parallelize size 50 with threshold 100")
	}
	if !cfg.shouldParallelize(100) {
		t.Error("should parallelize size 100 with threshold 100")
	}
	if SingleThreadedConfig().shouldParallelize(1 << 20) {
		t.Error("single-threaded config should never parallelize")
	}
}

func TestParallelRangeCoversEveryIndexOnce(t *testing.T) {
	for _, n := range []int{0, 1, 5, 17, 100} {
		hits := make([]int, n)
		parallelRange(n, 4, func(start, end int) {
			for i := start; i < end; i++ {
				hits[i]++
			}
		})
		for i, h := range hits {
			assert.Equal(t, 1, h, "n=%d index %d", n, i)
		}
	}
}

func TestGlobalComputeConfig(t *testing.T) {
	original := GetGlobalComputeConfig()
	defer SetGlobalComputeConfig(original)

	SetGlobalComputeConfig(SingleThreadedConfig())
	if GetGlobalComputeConfig().Parallel {
		t.Error("global config should be single-threaded after set")
	}
}

func BenchmarkMatMulSingleThreaded(b *testing.B) {
	rng := testRNG(2)
	x := NewParam(rng, 1, 256, 128)
	w := NewParam(rng, 1, 128, 128)
	cfg := SingleThreadedConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = MatMulWithConfig(x, w, cfg)
	}
}

func BenchmarkMatMulParallel(b *testing.B) {
	rng := testRNG(2)
	x := NewParam(rng, 1, 256, 128)
	w := NewParam(rng, 1, 128, 128)
	cfg := DefaultComputeConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = MatMulWithConfig(x, w, cfg)
	}
}

func tensorsEqual(a, b *Tensor, tolerance float64) bool {
	if !shapeEqual(a.shape, b.shape) {
		return false
	}
	for i := range a.data {
		diff := a.data[i] - b.data[i]
		if diff < -tolerance || diff > tolerance {
			return false
		}
	}
	return true
}
