package model

import "math"

const snEps = 1e-12

func l2Norm(x []float64) float64 {
	s := 0.0
	for _, v := range x {
		s += v * v
	}
	return math.Sqrt(s)
}

func l2Normalize(x []float64) {
	n := math.Max(l2Norm(x), snEps)
	for i := range x {
		x[i] /= n
	}
}

// matVec returns W u for W stored row-major as [rows, cols].
func matVec(w []float64, rows, cols int, u []float64) []float64 {
	out := make([]float64, rows)
	for r := 0; r < rows; r++ {
		s := 0.0
		for c, x := range w[r*cols : (r+1)*cols] {
			s += x * u[c]
		}
		out[r] = s
	}
	return out
}

// matTVec returns W^T v for W stored row-major as [rows, cols].
func matTVec(w []float64, rows, cols int, v []float64) []float64 {
	out := make([]float64, cols)
	for r := 0; r < rows; r++ {
		vr := v[r]
		for c, x := range w[r*cols : (r+1)*cols] {
			out[c] += x * vr
		}
	}
	return out
}

// spectralNorm estimates the largest singular value of the [rows, cols]
// matrix w as sigma = ||W u||, where u approximates the leading right
// singular vector. When advance is set, u first takes one power iteration
// step in place. It returns sigma and v = W u / sigma.
func spectralNorm(w []float64, rows, cols int, u []float64, advance bool) (float64, []float64) {
	if advance {
		v := matVec(w, rows, cols, u)
		l2Normalize(v)
		next := matTVec(w, rows, cols, v)
		l2Normalize(next)
		copy(u, next)
	}
	v := matVec(w, rows, cols, u)
	sigma := math.Max(l2Norm(v), snEps)
	for i := range v {
		v[i] /= sigma
	}
	return sigma, v
}

// spectralNormGrad turns g, the gradient with respect to W / sigma, into
// the gradient with respect to W in place, holding u fixed:
// dW = g/sigma - <g, W>/sigma^2 * v u^T.
func spectralNormGrad(g, w []float64, rows, cols int, u, v []float64, sigma float64) {
	dot := 0.0
	for i, x := range w {
		dot += g[i] * x
	}
	scale := dot / (sigma * sigma)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i := r*cols + c
			g[i] = g[i]/sigma - scale*v[r]*u[c]
		}
	}
}
