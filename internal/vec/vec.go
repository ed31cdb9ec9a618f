// Package vec provides the small float32 vector operations the in-process
// graph store and centroid bookkeeping need. The persistent backend computes
// the same cosine distance in SQL via pgvector.
package vec

import "math"

// Cosine returns the cosine similarity of a and b. Mismatched lengths or
// vectors with an undefined norm score 0.
func Cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// Add returns a + b, allocating the result. Panics are avoided: a nil
// receiver adopts b's values.
func Add(a, b []float32) []float32 {
	if len(a) == 0 {
		out := make([]float32, len(b))
		copy(out, b)
		return out
	}
	if len(a) != len(b) {
		return a
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

// Scale returns v * s, allocating the result.
func Scale(v []float32, s float32) []float32 {
	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] * s
	}
	return out
}

// Mean returns the arithmetic mean of the given vectors. Vectors whose
// length differs from the first are skipped. Returns nil for no input.
func Mean(vectors ...[]float32) []float32 {
	var sum []float32
	count := 0
	for _, v := range vectors {
		if len(v) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float32, len(v))
		}
		if len(v) != len(sum) {
			continue
		}
		for i := range v {
			sum[i] += v[i]
		}
		count++
	}
	if count == 0 {
		return nil
	}
	return Scale(sum, 1/float32(count))
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float32 {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	return float32(math.Sqrt(n))
}
