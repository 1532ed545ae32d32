package main

import (
	"math/rand/v2"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// One E(n)-equivariant graph layer (Satorras et al. 2021). Each layer keeps
// two streams per atom: invariant features h (HiddenDim wide) and a
// position x in 3-D.
//
// For every edge j → i:
//
//	v_ij  = x_j − x_i
//	m_ij  = φ_e([h_i, h_j, relpos(res_i − res_j), ‖v_ij‖²])
//
// Then per atom:
//
//	h_i ← LayerNorm(h_i + φ_h([h_i, mean_j m_ij]))
//	x_i ← x_i + mean_j  v_ij / √(‖v_ij‖² + δ²) · φ_x(m_ij)
//
// WHY IT IS EQUIVARIANT:
// Messages see only distances, which rotations and translations leave
// unchanged, so h is invariant. Positions move along the difference vectors
// v_ij scaled by invariant weights, so a rotated input yields a rotated
// update and a translation cancels in the differences.
//
// The δ floor keeps the direction weight finite when two atoms coincide; it
// costs exact normalization but never divides by zero.

// EGNNLayer is one message-passing layer.
type EGNNLayer struct {
	edgeMLP  *MLP
	nodeMLP  *MLP
	norm     *LayerNorm
	coordMLP *MLP

	minDistance float64
}

// NewEGNNLayer creates a layer for hidden width hidden and relative-position
// encodings of width edgeEmbed.
func NewEGNNLayer(rng *rand.Rand, hidden, edgeEmbed int, minDistance float64) *EGNNLayer {
	return &EGNNLayer{
		edgeMLP:     NewMLP(rng, []int{2*hidden + edgeEmbed + 1, hidden, hidden}, true, 1),
		nodeMLP:     NewMLP(rng, []int{2 * hidden, hidden, hidden}, false, 1),
		norm:        NewLayerNorm(hidden),
		coordMLP:    NewMLP(rng, []int{hidden, hidden, 1}, false, 0.01),
		minDistance: minDistance,
	}
}

// Forward runs one round of message passing over g, returning the updated
// features (n, hidden) and positions (n, 3).
func (l *EGNNLayer) Forward(g *atomGraph, h, x *Tensor) (*Tensor, *Tensor) {
	recv, send := g.edges.Recv, g.edges.Send

	v := Sub(GatherRows(x, send), GatherRows(x, recv))
	d2 := RowSquaredNorm(v)

	m := l.edgeMLP.Forward(ConcatCols(GatherRows(h, recv), GatherRows(h, send), g.relPos, d2))
	agg := SegmentMean(m, recv, g.n)
	hOut := l.norm.Forward(Add(h, l.nodeMLP.Forward(ConcatCols(h, agg))))

	dir := MulColumn(v, InvSqrtShift(d2, l.minDistance))
	dx := SegmentMean(MulColumn(dir, l.coordMLP.Forward(m)), recv, g.n)
	xOut := Add(x, dx)

	return hOut, xOut
}

// Parameters returns the layer's trainable tensors in a fixed order.
func (l *EGNNLayer) Parameters() []*Tensor {
	var params []*Tensor
	params = append(params, l.edgeMLP.Parameters()...)
	params = append(params, l.nodeMLP.Parameters()...)
	params = append(params, l.norm.Parameters()...)
	params = append(params, l.coordMLP.Parameters()...)
	return params
}
