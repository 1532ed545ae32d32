package main

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

const testSteps = 50

func tinyModelConfig() ModelConfig {
	return ModelConfig{
		MaxResidues:  32,
		PosEmbedDim:  8,
		EdgeEmbedDim: 8,
		HiddenDim:    16,
		NumLayers:    2,
		EdgePolicy:   "full",
		KNeighbors:   4,
		MinDistance:  1e-2,
		Seed:         1,
	}
}

func newTestDenoiser(t *testing.T, cfg ModelConfig) *Denoiser {
	t.Helper()
	d, err := NewDenoiser(cfg, testSteps)
	require.NoError(t, err)
	return d
}

func denoiseOne(t *testing.T, d *Denoiser, b *Backbone, step int) []ResidueAtoms {
	t.Helper()
	out, err := d.Denoise([]*Backbone{b}, []int{step})
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func assertVecNear(t *testing.T, want, got r3.Vec, tol float64, msgAndArgs ...any) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, tol, msgAndArgs...)
	assert.InDelta(t, want.Y, got.Y, tol, msgAndArgs...)
	assert.InDelta(t, want.Z, got.Z, tol, msgAndArgs...)
}

func TestNewDenoiserRejectsBadConfig(t *testing.T) {
	cfg := tinyModelConfig()
	cfg.PosEmbedDim = 7
	_, err := NewDenoiser(cfg, testSteps)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	cfg = tinyModelConfig()
	cfg.EdgePolicy = "knn"
	cfg.KNeighbors = 0
	_, err = NewDenoiser(cfg, testSteps)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = NewDenoiser(tinyModelConfig(), 0)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestDenoiserInitIsDeterministic(t *testing.T) {
	a := newTestDenoiser(t, tinyModelConfig())
	b := newTestDenoiser(t, tinyModelConfig())

	pa, pb := a.Parameters(), b.Parameters()
	require.Len(t, pb, len(pa))
	for i := range pa {
		assert.Equal(t, pa[i].Data(), pb[i].Data(), "param %d", i)
	}
	assert.Positive(t, a.NumParameters())
}

func TestDenoiseOutputLayout(t *testing.T) {
	d := newTestDenoiser(t, tinyModelConfig())
	b := testBackbone(6, testRNG(2))
	b.Mask[2][AtomO] = false

	pred := denoiseOne(t, d, b, 10)
	require.Len(t, pred, 6)
	assert.Equal(t, r3.Vec{}, pred[2][AtomO])
	assert.NotEqual(t, r3.Vec{}, pred[2][AtomCA])
}

func TestDenoiserRotationEquivariance(t *testing.T) {
	for _, policy := range []string{"full", "knn"} {
		t.Run(policy, func(t *testing.T) {
			cfg := tinyModelConfig()
			cfg.EdgePolicy = policy
			d := newTestDenoiser(t, cfg)

			b := testBackbone(8, testRNG(3))
			b.Mask[3][AtomN] = false

			rot := r3.NewRotation(0.9, r3.Unit(r3.Vec{X: 1, Y: -2, Z: 0.5}))
			shift := r3.Vec{X: 0.3, Y: -1.2, Z: 2}
			moved := b.Clone()
			for i := range moved.Coords {
				for s := range moved.Coords[i] {
					moved.Coords[i][s] = r3.Add(rot.Rotate(b.Coords[i][s]), shift)
				}
			}

			pred := denoiseOne(t, d, b, 17)
			predMoved := denoiseOne(t, d, moved, 17)
			for i := range pred {
				for s := range pred[i] {
					assertVecNear(t, rot.Rotate(pred[i][s]), predMoved[i][s], 1e-6, "residue %d slot %d", i, s)
				}
			}
		})
	}
}

func TestDenoiserEquivariantUnderRandomRigidMotions(t *testing.T) {
	for _, policy := range []string{"full", "knn"} {
		t.Run(policy, func(t *testing.T) {
			cfg := tinyModelConfig()
			cfg.EdgePolicy = policy
			d := newTestDenoiser(t, cfg)

			b := testBackbone(10, testRNG(11))
			pred := denoiseOne(t, d, b, 23)

			rng := testRNG(12)
			for trial := range 10 {
				rot := r3.NewRotation(2*math.Pi*rng.Float64(), r3.Unit(gaussianVec(rng)))
				shift := r3.Scale(50, gaussianVec(rng))
				moved := b.Clone()
				for i := range moved.Coords {
					for s := range moved.Coords[i] {
						moved.Coords[i][s] = r3.Add(rot.Rotate(b.Coords[i][s]), shift)
					}
				}

				predMoved := denoiseOne(t, d, moved, 23)
				var diff, norm float64
				for i := range pred {
					for s := range pred[i] {
						want := rot.Rotate(pred[i][s])
						diff += r3.Norm2(r3.Sub(want, predMoved[i][s]))
						norm += r3.Norm2(want)
					}
				}
				require.Positive(t, norm)
				assert.Less(t, math.Sqrt(diff/norm), 1e-4, "trial %d", trial)
			}
		})
	}
}

func TestDenoiserIgnoresAbsentAtoms(t *testing.T) {
	d := newTestDenoiser(t, tinyModelConfig())
	b := testBackbone(5, testRNG(4))
	b.Mask[1][AtomC] = false
	b.Mask[3] = AtomMask{}

	other := b.Clone()
	other.Coords[1][AtomC] = r3.Vec{X: 50, Y: -50, Z: 7}
	other.Coords[3][AtomCA] = r3.Vec{X: math.Pi}

	pred := denoiseOne(t, d, b, 5)
	assert.Equal(t, pred, denoiseOne(t, d, other, 5))
	assert.Equal(t, ResidueAtoms{}, pred[3])
}

func TestDenoiserEdgeCases(t *testing.T) {
	d := newTestDenoiser(t, tinyModelConfig())

	t.Run("coincident atoms", func(t *testing.T) {
		b := testBackbone(3, testRNG(5))
		b.Coords[1][AtomN] = b.Coords[1][AtomCA]
		pred := denoiseOne(t, d, b, 0)
		for _, r := range pred {
			for _, v := range r {
				assert.False(t, math.IsNaN(v.X) || math.IsInf(v.X, 0))
			}
		}
	})

	t.Run("coincident residues", func(t *testing.T) {
		for _, policy := range []string{"full", "knn"} {
			cfg := tinyModelConfig()
			cfg.EdgePolicy = policy
			dp := newTestDenoiser(t, cfg)

			b := testBackbone(4, testRNG(8))
			b.Coords[1] = b.Coords[0]
			pred := denoiseOne(t, dp, b, testSteps/2)
			for i, r := range pred {
				for s, v := range r {
					for _, c := range []float64{v.X, v.Y, v.Z} {
						assert.False(t, math.IsNaN(c) || math.IsInf(c, 0), "%s: residue %d slot %d", policy, i, s)
					}
				}
			}
		}
	})

	t.Run("single atom", func(t *testing.T) {
		b := NewBackboneTemplate(1)
		b.Mask[0] = AtomMask{false, true, false, false}
		b.Coords[0][AtomCA] = r3.Vec{X: 1, Y: 2, Z: 3}
		pred := denoiseOne(t, d, b, testSteps-1)
		assert.Equal(t, ResidueAtoms{}, pred[0])
	})

	t.Run("timestep bounds", func(t *testing.T) {
		b := testBackbone(2, testRNG(6))
		_, err := d.Denoise([]*Backbone{b}, []int{testSteps})
		assert.True(t, errors.Is(err, ErrInvalidTimestep))
		_, err = d.Denoise([]*Backbone{b}, []int{-1})
		assert.True(t, errors.Is(err, ErrInvalidTimestep))
	})

	t.Run("batch length mismatch", func(t *testing.T) {
		b := testBackbone(2, testRNG(7))
		_, err := d.Denoise([]*Backbone{b, b}, []int{1})
		assert.True(t, errors.Is(err, ErrShapeMismatch))
	})

	t.Run("no present atoms", func(t *testing.T) {
		b := NewBackboneTemplate(2)
		b.Mask = make([]AtomMask, 2)
		_, err := d.Denoise([]*Backbone{b}, []int{1})
		assert.True(t, errors.Is(err, ErrInvalidMask))
	})
}

func TestDenoiserGradients(t *testing.T) {
	cfg := tinyModelConfig()
	cfg.NumLayers = 1
	cfg.HiddenDim = 4
	cfg.PosEmbedDim = 4
	cfg.EdgeEmbedDim = 4
	d := newTestDenoiser(t, cfg)
	b := testBackbone(2, testRNG(8))
	target := gaussianCoords(testRNG(9), 2, 1)

	loss := func() *Tensor {
		g, pred, err := d.forward(b, 3)
		require.NoError(t, err)
		return SumSquaredDiff(pred, g.gather(target))
	}
	params := d.Parameters()
	// The input projection and the last coordinate layer cover both ends of
	// the network.
	checkGradients(t, []*Tensor{params[0], params[len(params)-2]}, loss, 1e-5)
}
