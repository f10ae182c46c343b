package fusion

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// decodeEmbedding parses a base64-encoded little-endian float32 vector.
func decodeEmbedding(s string) ([]float64, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(raw) == 0 || len(raw)%4 != 0 {
		return nil, fmt.Errorf("embedding length %d is not a float32 vector", len(raw))
	}

	out := make([]float64, len(raw)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		f := float64(math.Float32frombits(bits))
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("embedding element %d is not finite", i)
		}
		out[i] = f
	}
	return out, nil
}

// cosineSimilarity returns the cosine of the angle between two equal-length
// vectors, in [-1, 1]. Zero-norm vectors yield 0.
func cosineSimilarity(a, b []float64) float64 {
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	sim := floats.Dot(a, b) / (na * nb)
	return math.Max(-1, math.Min(1, sim))
}

// EncodeEmbedding serializes a float vector to the base64 little-endian
// float32 wire form. Exposed for tooling and tests.
func EncodeEmbedding(v []float64) string {
	raw := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(f)))
	}
	return base64.StdEncoding.EncodeToString(raw)
}
