package main

import (
	"fmt"
	"math"

	"github.com/viterin/vek"
	"gonum.org/v1/gonum/floats"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file implements reverse-mode automatic differentiation over the graph
// that tensor operations record (see track in tensor.go).
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Chain rule: ∂z/∂x = ∂z/∂y · ∂y/∂x
//
// Backward(loss) sorts the recorded graph topologically, seeds ∂loss/∂loss = 1
// and walks it in reverse, letting each node's closure push gradient into its
// parents.
//
// CONCURRENCY:
// Gradients are collected into a Gradients set owned by the call, never into
// the shared parameter tensors. Several goroutines can therefore run forward
// and backward passes over the same parameters at once; the caller merges the
// sets afterwards with AccumulateInto.
//
// The XxxBackward helpers below hold the per-operation derivative formulas.

// Gradients maps leaf tensors to their gradient for one backward pass.
type Gradients struct {
	grads map[*Tensor][]float64
}

// Of returns the gradient of t, or nil if no gradient reached it.
func (g *Gradients) Of(t *Tensor) []float64 {
	return g.grads[t]
}

// Len returns the number of leaves that received a gradient.
func (g *Gradients) Len() int {
	return len(g.grads)
}

// AccumulateInto adds the collected gradients into each parameter's grad.
func (g *Gradients) AccumulateInto(params []*Tensor) {
	for _, p := range params {
		if grad, ok := g.grads[p]; ok {
			vek.Add_Inplace(p.grad, grad)
		}
	}
}

// Backward computes the gradient of the scalar root with respect to every
// leaf that requires a gradient.
func Backward(root *Tensor) *Gradients {
	if len(root.data) != 1 {
		panic(fmt.Sprintf("autograd: Backward needs a scalar root, got shape %v", root.shape))
	}

	grads := map[*Tensor][]float64{}
	if !root.requiresGrad {
		return &Gradients{grads: grads}
	}

	acc := func(t *Tensor, g []float64) {
		if !t.requiresGrad {
			return
		}
		buf, ok := grads[t]
		if !ok {
			buf = make([]float64, len(t.data))
			grads[t] = buf
		}
		vek.Add_Inplace(buf, g)
	}

	order := topoSort(root)
	grads[root] = []float64{1}
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		if t.node == nil {
			continue
		}
		g, ok := grads[t]
		if !ok {
			continue
		}
		t.node.backward(g, acc)
		delete(grads, t)
	}

	return &Gradients{grads: grads}
}

// topoSort returns the tracked tensors reachable from root with parents
// before children. Iterative to survive deep graphs.
func topoSort(root *Tensor) []*Tensor {
	type frame struct {
		t    *Tensor
		next int
	}

	var order []*Tensor
	visited := map[*Tensor]bool{root: true}
	stack := []frame{{t: root}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.t.node != nil && top.next < len(top.t.node.parents) {
			p := top.t.node.parents[top.next]
			top.next++
			if p.requiresGrad && !visited[p] {
				visited[p] = true
				stack = append(stack, frame{t: p})
			}
			continue
		}
		order = append(order, top.t)
		stack = stack[:len(stack)-1]
	}
	return order
}

// MatMulBackward computes gradients for C = A @ B:
//   - ∂L/∂A = ∂L/∂C @ B^T
//   - ∂L/∂B = A^T @ ∂L/∂C
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	if a.requiresGrad {
		gradA = MatMulWithConfig(gradC, Transpose(b), globalComputeConfig)
	}
	if b.requiresGrad {
		gradB = MatMulWithConfig(Transpose(a), gradC, globalComputeConfig)
	}
	return gradA, gradB
}

// ScaleBackward computes ∂L/∂x = scalar · ∂L/∂y.
func ScaleBackward(scalar float64, gradY []float64) []float64 {
	out := make([]float64, len(gradY))
	floats.AddScaled(out, scalar, gradY)
	return out
}

// SiLUBackward computes ∂L/∂x for y = x·σ(x):
//
//	∂y/∂x = σ(x) · (1 + x · (1 − σ(x)))
func SiLUBackward(x, gradY []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		s := sigmoid(v)
		out[i] = gradY[i] * s * (1 + v*(1-s))
	}
	return out
}

// GatherRowsBackward scatters row gradients back to their source rows,
// summing rows that were gathered more than once.
func GatherRowsBackward(idx []int, rows, cols int, gradY []float64) []float64 {
	out := make([]float64, rows*cols)
	for k, i := range idx {
		vek.Add_Inplace(out[i*cols:(i+1)*cols], gradY[k*cols:(k+1)*cols])
	}
	return out
}

// SegmentMeanBackward spreads each segment's gradient evenly over its rows.
func SegmentMeanBackward(seg []int, inv []float64, cols int, gradY []float64) []float64 {
	out := make([]float64, len(seg)*cols)
	for k, s := range seg {
		floats.AddScaled(out[k*cols:(k+1)*cols], inv[s], gradY[s*cols:(s+1)*cols])
	}
	return out
}

// MulColumnBackward computes gradients for y[i,:] = x[i,:] · s[i]:
//   - ∂L/∂x[i,:] = ∂L/∂y[i,:] · s[i]
//   - ∂L/∂s[i]   = Σ_d ∂L/∂y[i,d] · x[i,d]
func MulColumnBackward(x, s *Tensor, gradY []float64) (gradX, gradS []float64) {
	n := x.cols()
	gradX = make([]float64, len(x.data))
	gradS = make([]float64, len(s.data))
	for i := 0; i < x.rows(); i++ {
		g := gradY[i*n : (i+1)*n]
		floats.AddScaled(gradX[i*n:(i+1)*n], s.data[i], g)
		gradS[i] = vek.Dot(g, x.row(i))
	}
	return gradX, gradS
}

// LayerNormBackward computes gradients for layer normalization.
//
// LayerNorm: y = gamma * (x - mean) / std + beta
//
// where:
//   - mean = Σ x[i] / n
//   - variance = Σ (x[i] - mean)² / n
//   - std = sqrt(variance + epsilon)
//
// Gradients:
//   - ∂L/∂gamma = Σ ∂L/∂y * (x - mean) / std
//   - ∂L/∂beta = Σ ∂L/∂y
//   - ∂L/∂x = (n·ĝ − Σĝ − x̂·Σ(ĝ·x̂)) / (n·std) with ĝ = ∂L/∂y · gamma
func LayerNormBackward(x, gamma, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	must2D("LayerNormBackward", x, gradY)

	batch, features := x.rows(), x.cols()
	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(features)
	gradBeta = NewTensor(features)

	n := float64(features)
	xNorm := make([]float64, features)
	for b := 0; b < batch; b++ {
		src := x.row(b)
		gy := gradY.row(b)
		mean, std := rowMeanStd(src, epsilon)

		sumGradY := 0.0
		sumGradYXNorm := 0.0
		for f, v := range src {
			xNorm[f] = (v - mean) / std
			gradGamma.data[f] += gy[f] * xNorm[f]
			gradBeta.data[f] += gy[f]

			gn := gy[f] * gamma.data[f]
			sumGradY += gn
			sumGradYXNorm += gn * xNorm[f]
		}

		dst := gradX.row(b)
		for f := range src {
			gradXNorm := gy[f] * gamma.data[f]
			dst[f] = (n*gradXNorm - sumGradY - xNorm[f]*sumGradYXNorm) / (n * std)
		}
	}

	return gradX, gradGamma, gradBeta
}

// gradNorm returns the global L2 norm of the accumulated parameter gradients.
func gradNorm(params []*Tensor) float64 {
	total := 0.0
	for _, p := range params {
		total += vek.Dot(p.grad, p.grad)
	}
	return math.Sqrt(total)
}
