package main

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Small trainable building blocks shared by the denoiser: a fully connected
// layer, a stack of them with SiLU between layers, and layer normalization.
// Each block owns its parameter tensors and lists them in a fixed order so
// optimizers and checkpoints see the same sequence every run.

// Linear computes y = x @ W + b for x of shape (rows, in).
type Linear struct {
	W *Tensor // (in, out)
	B *Tensor // (out)
}

// NewLinear creates a linear layer with weights drawn from N(0, gain²/in)
// and zero bias.
func NewLinear(rng *rand.Rand, in, out int, gain float64) *Linear {
	return &Linear{
		W: NewParam(rng, gain/math.Sqrt(float64(in)), in, out),
		B: NewParam(rng, 0, out),
	}
}

// Forward applies the layer.
func (l *Linear) Forward(x *Tensor) *Tensor {
	return AddRowVector(MatMul(x, l.W), l.B)
}

// Parameters returns the layer's trainable tensors.
func (l *Linear) Parameters() []*Tensor {
	return []*Tensor{l.W, l.B}
}

// MLP is a stack of linear layers with SiLU activations between them and,
// optionally, after the last one.
type MLP struct {
	layers          []*Linear
	finalActivation bool
}

// NewMLP builds an MLP through the given layer widths, e.g. dims {8, 16, 1}
// gives two linear layers. lastGain scales the initial weights of the final
// layer; small values start the network close to a constant output.
func NewMLP(rng *rand.Rand, dims []int, finalActivation bool, lastGain float64) *MLP {
	if len(dims) < 2 {
		panic(fmt.Sprintf("layers: MLP needs at least two widths, got %v", dims))
	}

	m := &MLP{finalActivation: finalActivation}
	for i := 0; i+1 < len(dims); i++ {
		gain := 1.0
		if i+2 == len(dims) {
			gain = lastGain
		}
		m.layers = append(m.layers, NewLinear(rng, dims[i], dims[i+1], gain))
	}
	return m
}

// Forward applies every layer in order.
func (m *MLP) Forward(x *Tensor) *Tensor {
	last := len(m.layers) - 1
	for i, l := range m.layers {
		x = l.Forward(x)
		if i < last || m.finalActivation {
			x = SiLU(x)
		}
	}
	return x
}

// Parameters returns the parameters of every layer in order.
func (m *MLP) Parameters() []*Tensor {
	var params []*Tensor
	for _, l := range m.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// LayerNorm normalizes each row to zero mean and unit variance, then applies
// a learned gain and shift.
type LayerNorm struct {
	Gamma *Tensor
	Beta  *Tensor
	eps   float64
}

// NewLayerNorm creates a layer normalization with gain 1 and shift 0.
func NewLayerNorm(dim int) *LayerNorm {
	return &LayerNorm{
		Gamma: NewParamFilled(1, dim),
		Beta:  NewParamFilled(0, dim),
		eps:   1e-5,
	}
}

// Forward normalizes every row of x.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	return NormalizeRows(x, ln.Gamma, ln.Beta, ln.eps)
}

// Parameters returns gain and shift.
func (ln *LayerNorm) Parameters() []*Tensor {
	return []*Tensor{ln.Gamma, ln.Beta}
}
