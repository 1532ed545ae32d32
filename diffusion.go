package main

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The driver ties the schedule and the denoiser into a DDPM (Ho et al. 2020).
//
// TRAINING (one step):
//  1. For each structure draw t ~ U[0, T) and ε ~ N(0, I).
//  2. Corrupt: x_t = √ᾱ_t·x_0 + √(1−ᾱ_t)·ε
//  3. Predict ε̂ = denoiser(x_t, t) and score Σ (ε̂ − ε)² over present atoms.
//
// All random draws happen up front on the caller's goroutine, so the loss and
// gradients do not depend on how many workers process the batch. Each
// worker builds and differentiates its own graph; gradients are merged into
// the parameters only after every worker has finished.
//
// SAMPLING:
// Start from x_T ~ N(0, init_scale²·I) and walk t = T−1 … 0:
//
//	μ       = (x_t − β_t/√(1−ᾱ_t) · ε̂) / √α_t
//	x_{t−1} = μ + noise_scale · σ_t · z,   σ_t² = β_t(1−ᾱ_{t−1})/(1−ᾱ_t)
//
// with z = 0 on the last step, and an optional clamp after every step.

// Driver runs training steps and sampling for one denoiser and schedule.
type Driver struct {
	model    *Denoiser
	schedule *NoiseSchedule
	compute  ComputeConfig
}

// NewDriver creates a driver. The denoiser's step count must match the
// schedule.
func NewDriver(model *Denoiser, schedule *NoiseSchedule, cfg ComputeConfig) (*Driver, error) {
	if model.Steps() != schedule.Steps() {
		return nil, errors.Wrapf(ErrInvalidConfig, "denoiser expects %d steps, schedule has %d", model.Steps(), schedule.Steps())
	}
	return &Driver{model: model, schedule: schedule, compute: cfg}, nil
}

// Model returns the denoiser.
func (dr *Driver) Model() *Denoiser { return dr.model }

// Schedule returns the noise schedule.
func (dr *Driver) Schedule() *NoiseSchedule { return dr.schedule }

// Corrupt applies the forward process at step t: √ᾱ_t·x0 + √(1−ᾱ_t)·eps.
func (dr *Driver) Corrupt(x0 []ResidueAtoms, t int, eps []ResidueAtoms) []ResidueAtoms {
	a := math.Sqrt(dr.schedule.AlphaBar(t))
	s := math.Sqrt(1 - dr.schedule.AlphaBar(t))

	out := make([]ResidueAtoms, len(x0))
	for i := range x0 {
		for k := range x0[i] {
			out[i][k] = r3.Add(r3.Scale(a, x0[i][k]), r3.Scale(s, eps[i][k]))
		}
	}
	return out
}

// StepResult reports one training step.
type StepResult struct {
	// Loss is the mean squared error per present coordinate.
	Loss float64
	// SumSquaredError is the unnormalized squared error over the batch.
	SumSquaredError float64
	// PresentAtoms is the number of atoms that contributed.
	PresentAtoms int
	// Timesteps holds the step drawn for each batch item.
	Timesteps []int
}

type trainingItem struct {
	noisy *Backbone
	eps   []ResidueAtoms
	t     int
}

// TrainingStep computes the denoising loss on batch and adds its gradient to
// the model parameters' grad. Callers zero gradients beforehand and apply the
// optimizer afterwards.
func (dr *Driver) TrainingStep(ctx context.Context, batch []*Backbone, rng *rand.Rand) (StepResult, error) {
	if len(batch) == 0 {
		return StepResult{}, errors.Wrap(ErrNoData, "empty training batch")
	}

	items := make([]trainingItem, len(batch))
	res := StepResult{Timesteps: make([]int, len(batch))}
	for i, b := range batch {
		if err := b.Validate(); err != nil {
			return StepResult{}, errors.Wrapf(err, "batch item %d", i)
		}
		t := rng.IntN(dr.schedule.Steps())
		eps := gaussianCoords(rng, b.Len(), 1)
		items[i] = trainingItem{
			noisy: b.WithCoords(dr.Corrupt(b.Coords, t, eps)),
			eps:   eps,
			t:     t,
		}
		res.Timesteps[i] = t
		res.PresentAtoms += b.PresentAtoms()
	}

	norm := 1 / float64(3*res.PresentAtoms)
	grads := make([]*Gradients, len(items))
	sse := make([]float64, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dr.compute.numWorkers())
	for i := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			graph, pred, err := dr.model.forward(items[i].noisy, items[i].t)
			if err != nil {
				return err
			}
			loss := SumSquaredDiff(pred, graph.gather(items[i].eps))
			sse[i] = loss.Item()
			grads[i] = Backward(Scale(loss, norm))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StepResult{}, err
	}

	for _, v := range sse {
		res.SumSquaredError += v
	}
	res.Loss = res.SumSquaredError * norm
	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		return res, errors.Wrapf(ErrNumerical, "training loss %v", res.Loss)
	}

	params := dr.model.Parameters()
	for _, gr := range grads {
		gr.AccumulateInto(params)
	}
	return res, nil
}

// SampleOptions tunes the reverse process.
type SampleOptions struct {
	// InitScale is the standard deviation of the starting noise.
	InitScale float64
	// NoiseScale multiplies the noise injected at each step; 1 is the
	// standard DDPM sampler.
	NoiseScale float64
	// ClipRange clamps every coordinate to [−ClipRange, ClipRange] after
	// each step. Zero disables clamping.
	ClipRange float64
	// OnStep, if set, is called after every step with the new state's
	// statistics.
	OnStep func(t int, stats CoordStats)
}

// DefaultSampleOptions returns the standard sampler settings.
func DefaultSampleOptions() SampleOptions {
	return SampleOptions{InitScale: 1, NoiseScale: 1, ClipRange: 10}
}

// Sample generates a structure with template's residue layout and mask. The
// template's coordinates are ignored. Cancelling ctx aborts the run and no
// partial structure is returned.
func (dr *Driver) Sample(ctx context.Context, template *Backbone, rng *rand.Rand, opts SampleOptions) (*Backbone, error) {
	if err := template.Validate(); err != nil {
		return nil, err
	}
	if opts.InitScale < 0 || opts.NoiseScale < 0 || opts.ClipRange < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "sample options must be non-negative: %+v", opts)
	}

	x := template.WithCoords(gaussianCoords(rng, template.Len(), opts.InitScale))
	x.ZeroAbsent()

	for t := dr.schedule.Steps() - 1; t >= 0; t-- {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "sampling aborted at t=%d", t)
		}

		pred, err := dr.model.Denoise([]*Backbone{x}, []int{t})
		if err != nil {
			return nil, errors.Wrapf(err, "denoise at t=%d", t)
		}

		x = x.WithCoords(dr.reverseStep(x, pred[0], t, rng, opts))
		if opts.OnStep != nil {
			opts.OnStep(t, x.Stats())
		}
	}

	if !allFinite(flattenPresent(x)) {
		return nil, errors.Wrap(ErrNumerical, "sampled coordinates are not finite")
	}
	return x, nil
}

// reverseStep computes x_{t−1} from x_t and the predicted noise.
func (dr *Driver) reverseStep(x *Backbone, epsHat []ResidueAtoms, t int, rng *rand.Rand, opts SampleOptions) []ResidueAtoms {
	s := dr.schedule
	coef := s.Beta(t) / math.Sqrt(1-s.AlphaBar(t))
	invSqrtAlpha := 1 / math.Sqrt(s.Alpha(t))
	sigma := 0.0
	if t > 0 {
		sigma = opts.NoiseScale * math.Sqrt(s.PosteriorVariance(t))
	}

	out := make([]ResidueAtoms, x.Len())
	for i, m := range x.Mask {
		for k, present := range m {
			if !present {
				continue
			}
			mean := r3.Scale(invSqrtAlpha, r3.Sub(x.Coords[i][k], r3.Scale(coef, epsHat[i][k])))
			if sigma > 0 {
				mean = r3.Add(mean, r3.Scale(sigma, gaussianVec(rng)))
			}
			out[i][k] = clampVec(mean, opts.ClipRange)
		}
	}
	return out
}

// SampleBatch generates one structure per template concurrently. Each sample
// gets its own generator seeded from rng in template order, so the results
// do not depend on scheduling.
func (dr *Driver) SampleBatch(ctx context.Context, templates []*Backbone, rng *rand.Rand, opts SampleOptions) ([]*Backbone, error) {
	rngs := make([]*rand.Rand, len(templates))
	for i := range rngs {
		rngs[i] = rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))
	}

	out := make([]*Backbone, len(templates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dr.compute.numWorkers())
	for i, tmpl := range templates {
		g.Go(func() error {
			itemOpts := opts
			if i > 0 {
				itemOpts.OnStep = nil
			}
			s, err := dr.Sample(gctx, tmpl, rngs[i], itemOpts)
			if err != nil {
				return errors.Wrapf(err, "sample %d", i)
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// gaussianCoords draws n residues of N(0, scale²) coordinates.
func gaussianCoords(rng *rand.Rand, n int, scale float64) []ResidueAtoms {
	out := make([]ResidueAtoms, n)
	for i := range out {
		for k := range out[i] {
			out[i][k] = r3.Scale(scale, gaussianVec(rng))
		}
	}
	return out
}

func gaussianVec(rng *rand.Rand) r3.Vec {
	return r3.Vec{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
}

func clampVec(v r3.Vec, limit float64) r3.Vec {
	if limit <= 0 {
		return v
	}
	c := func(x float64) float64 { return math.Max(-limit, math.Min(limit, x)) }
	return r3.Vec{X: c(v.X), Y: c(v.Y), Z: c(v.Z)}
}

func flattenPresent(b *Backbone) []float64 {
	out := make([]float64, 0, 3*b.PresentAtoms())
	for _, v := range b.PresentCoords() {
		out = append(out, v.X, v.Y, v.Z)
	}
	return out
}
