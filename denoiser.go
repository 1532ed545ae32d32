package main

import (
	"math/rand/v2"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// The denoiser predicts the noise that was added to a backbone at a given
// diffusion step.
//
// GRAPH:
// Every present atom is a node; absent atoms simply do not exist in the
// graph, so they can neither send nor receive messages. Node inputs are
//
//	[ residue-index encoding | time encoding | one-hot atom slot ]
//
// projected to HiddenDim by a learned linear layer. Edges follow the edge
// policy and are rebuilt from the input coordinates on every call.
//
// OUTPUT:
// After L EGNN layers the prediction for each atom is its net displacement
// x^(L) − x^(0). Displacements rotate with the input and ignore global
// translations, which is exactly how the noise on a rotated structure
// behaves. Absent atoms predict zero.

// ModelConfig holds the denoiser hyperparameters.
type ModelConfig struct {
	MaxResidues  int     `mapstructure:"max_residues" yaml:"max_residues" json:"max_residues" validate:"gt=0"`
	PosEmbedDim  int     `mapstructure:"pos_embed_dim" yaml:"pos_embed_dim" json:"pos_embed_dim" validate:"gt=0"`
	EdgeEmbedDim int     `mapstructure:"edge_embed_dim" yaml:"edge_embed_dim" json:"edge_embed_dim" validate:"gt=0"`
	HiddenDim    int     `mapstructure:"hidden_dim" yaml:"hidden_dim" json:"hidden_dim" validate:"gt=0"`
	NumLayers    int     `mapstructure:"num_layers" yaml:"num_layers" json:"num_layers" validate:"gt=0"`
	EdgePolicy   string  `mapstructure:"edge_policy" yaml:"edge_policy" json:"edge_policy" validate:"oneof=full knn"`
	KNeighbors   int     `mapstructure:"k_neighbors" yaml:"k_neighbors" json:"k_neighbors" validate:"gte=0"`
	MinDistance  float64 `mapstructure:"min_distance" yaml:"min_distance" json:"min_distance" validate:"gt=0"`
	Seed         uint64  `mapstructure:"seed" yaml:"seed" json:"seed"`
}

// DefaultModelConfig returns the default architecture.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		MaxResidues:  256,
		PosEmbedDim:  256,
		EdgeEmbedDim: 128,
		HiddenDim:    128,
		NumLayers:    4,
		EdgePolicy:   "full",
		KNeighbors:   16,
		MinDistance:  1e-2,
		Seed:         42,
	}
}

// check validates the values the struct tags cannot express.
func (c ModelConfig) check() error {
	if c.PosEmbedDim%2 != 0 || c.EdgeEmbedDim%2 != 0 {
		return errors.Wrapf(ErrInvalidConfig, "embedding widths must be even, got pos=%d edge=%d", c.PosEmbedDim, c.EdgeEmbedDim)
	}
	if c.HiddenDim <= 0 || c.NumLayers <= 0 || c.MaxResidues <= 0 || c.PosEmbedDim <= 0 || c.EdgeEmbedDim <= 0 {
		return errors.Wrap(ErrInvalidConfig, "model dimensions must be positive")
	}
	if !(c.MinDistance > 0) {
		return errors.Wrapf(ErrInvalidConfig, "min distance must be positive, got %g", c.MinDistance)
	}
	_, err := ParseEdgePolicy(c.EdgePolicy, c.KNeighbors)
	return err
}

// Denoiser is the equivariant noise-prediction network.
type Denoiser struct {
	config ModelConfig
	steps  int
	policy EdgePolicy

	input  *Linear
	layers []*EGNNLayer
}

// NewDenoiser creates a denoiser with freshly initialized parameters for a
// diffusion process of steps timesteps.
func NewDenoiser(cfg ModelConfig, steps int) (*Denoiser, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if steps <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "diffusion steps must be positive, got %d", steps)
	}
	policy, _ := ParseEdgePolicy(cfg.EdgePolicy, cfg.KNeighbors)

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5eed))
	d := &Denoiser{
		config: cfg,
		steps:  steps,
		policy: policy,
		input:  NewLinear(rng, nodeInputDim(cfg), cfg.HiddenDim, 1),
	}
	for range cfg.NumLayers {
		d.layers = append(d.layers, NewEGNNLayer(rng, cfg.HiddenDim, cfg.EdgeEmbedDim, cfg.MinDistance))
	}
	return d, nil
}

func nodeInputDim(cfg ModelConfig) int {
	return 2*cfg.PosEmbedDim + NumAtomSlots
}

// Config returns the model configuration.
func (d *Denoiser) Config() ModelConfig { return d.config }

// Steps returns the number of diffusion steps the time encoding assumes.
func (d *Denoiser) Steps() int { return d.steps }

// Parameters returns every trainable tensor in a fixed order.
func (d *Denoiser) Parameters() []*Tensor {
	params := d.input.Parameters()
	for _, l := range d.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// NumParameters returns the total number of trainable scalars.
func (d *Denoiser) NumParameters() int {
	n := 0
	for _, p := range d.Parameters() {
		n += p.Size()
	}
	return n
}

// Denoise predicts the noise on every atom of every batch item. The result
// mirrors each item's residue layout; absent atoms get zero vectors.
func (d *Denoiser) Denoise(batch []*Backbone, timesteps []int) ([][]ResidueAtoms, error) {
	if len(batch) != len(timesteps) {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d structures but %d timesteps", len(batch), len(timesteps))
	}

	out := make([][]ResidueAtoms, len(batch))
	for i, b := range batch {
		g, pred, err := d.forward(b, timesteps[i])
		if err != nil {
			return nil, errors.Wrapf(err, "batch item %d", i)
		}
		if !allFinite(pred.data) {
			return nil, errors.Wrapf(ErrNumerical, "denoiser output for %q", b.ID)
		}
		out[i] = g.scatter(pred, b.Len())
	}
	return out, nil
}

// forward validates the input and runs the network on one structure,
// returning the graph and the tracked (n, 3) noise prediction.
func (d *Denoiser) forward(b *Backbone, t int) (*atomGraph, *Tensor, error) {
	if err := b.Validate(); err != nil {
		return nil, nil, err
	}
	if t < 0 || t >= d.steps {
		return nil, nil, errors.Wrapf(ErrInvalidTimestep, "t=%d outside [0, %d)", t, d.steps)
	}

	g := d.buildGraph(b, t)
	h := d.input.Forward(g.features)
	x := g.pos
	for _, l := range d.layers {
		h, x = l.Forward(g, h, x)
	}
	return g, Sub(x, g.pos), nil
}

// atomGraph is the per-call graph over the present atoms of one structure.
type atomGraph struct {
	n        int
	residue  []int      // residue row of each node
	slot     []AtomSlot // atom slot of each node
	pos      *Tensor    // (n, 3)
	features *Tensor    // (n, 2·PosEmbedDim + 4)
	edges    EdgeList
	relPos   *Tensor // (E, EdgeEmbedDim)
}

func (d *Denoiser) buildGraph(b *Backbone, t int) *atomGraph {
	cfg := d.config
	n := b.PresentAtoms()
	g := &atomGraph{
		n:        n,
		residue:  make([]int, 0, n),
		slot:     make([]AtomSlot, 0, n),
		pos:      NewTensor(n, 3),
		features: NewTensor(n, nodeInputDim(cfg)),
	}

	timeEnc := SinusoidalEncoding(float64(t)/float64(d.steps), cfg.PosEmbedDim, timeEncodingBase)
	coords := make([]r3.Vec, 0, n)
	k := 0
	b.eachPresent(func(res int, slot AtomSlot, v r3.Vec) {
		g.residue = append(g.residue, res)
		g.slot = append(g.slot, slot)
		coords = append(coords, v)
		copy(g.pos.row(k), []float64{v.X, v.Y, v.Z})

		f := g.features.row(k)
		encodeInto(f[:cfg.PosEmbedDim], float64(b.ResidueIndex[res]), float64(cfg.MaxResidues))
		copy(f[cfg.PosEmbedDim:2*cfg.PosEmbedDim], timeEnc)
		f[2*cfg.PosEmbedDim+int(slot)] = 1
		k++
	})

	g.edges = BuildEdges(d.policy, coords)
	g.relPos = NewTensor(g.edges.Len(), cfg.EdgeEmbedDim)
	for e := range g.edges.Len() {
		offset := b.ResidueIndex[g.residue[g.edges.Recv[e]]] - b.ResidueIndex[g.residue[g.edges.Send[e]]]
		encodeInto(g.relPos.row(e), float64(offset), float64(cfg.MaxResidues))
	}
	return g
}

// gather lays out per-residue vectors in node order as an (n, 3) constant.
func (g *atomGraph) gather(vs []ResidueAtoms) *Tensor {
	out := NewTensor(g.n, 3)
	for k := range g.n {
		v := vs[g.residue[k]][g.slot[k]]
		copy(out.row(k), []float64{v.X, v.Y, v.Z})
	}
	return out
}

// scatter is the inverse of gather; rows for absent atoms stay zero.
func (g *atomGraph) scatter(t *Tensor, residues int) []ResidueAtoms {
	out := make([]ResidueAtoms, residues)
	for k := range g.n {
		r := t.row(k)
		out[g.residue[k]][g.slot[k]] = r3.Vec{X: r[0], Y: r[1], Z: r[2]}
	}
	return out
}
