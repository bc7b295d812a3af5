package utils

import "math"

// EuclideanL2 is the euclidean distance between the L2-normalised forms of a and b.
// Range is [0, 2]; mismatched or zero vectors return the maximum.
func EuclideanL2(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2.0
	}
	var sumA, sumB float64
	for i := range a {
		sumA += float64(a[i]) * float64(a[i])
		sumB += float64(b[i]) * float64(b[i])
	}
	if sumA == 0 || sumB == 0 {
		return 2.0
	}
	normA, normB := math.Sqrt(sumA), math.Sqrt(sumB)

	var sum float64
	for i := range a {
		d := float64(a[i])/normA - float64(b[i])/normB
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of vec. Zero vectors are returned unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	out := make([]float32, len(vec))
	if sum == 0 {
		copy(out, vec)
		return out
	}
	norm := math.Sqrt(sum)
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
