package main

import "math"

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Sinusoidal encodings turn a scalar (a residue index, a residue offset, a
// normalized diffusion time) into a fixed-length feature vector with no
// learned parameters.
//
// MATHEMATICS:
// For a value x, width d and frequency base B:
//
//	θ_i   = B^(−2i/d)          for i in [0, d/2)
//	angle = x · π · θ_i
//	enc   = [sin(angle_0..angle_{d/2−1}) ‖ cos(angle_0..angle_{d/2−1})]
//
// The first pair oscillates fastest. Larger bases stretch the slowest
// wavelength, so residue indices use base MaxResidues and timesteps use the
// transformer's conventional 10000.
//
// Pure functions only: nothing is cached between calls, so concurrent
// forward passes share no state here.

// timeEncodingBase is the frequency base for normalized diffusion time.
const timeEncodingBase = 10000.0

// SinusoidalEncoding returns the dim-wide encoding of x. dim must be even.
func SinusoidalEncoding(x float64, dim int, base float64) []float64 {
	out := make([]float64, dim)
	encodeInto(out, x, base)
	return out
}

// encodeInto writes the encoding of x into dst, whose length sets the width.
func encodeInto(dst []float64, x, base float64) {
	dim := len(dst)
	if dim%2 != 0 {
		panic("embedding: encoding width must be even")
	}

	half := dim / 2
	for i := 0; i < half; i++ {
		theta := math.Pow(base, -float64(2*i)/float64(dim))
		angle := x * math.Pi * theta
		dst[i] = math.Sin(angle)
		dst[half+i] = math.Cos(angle)
	}
}
