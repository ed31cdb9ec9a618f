package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// MockClient embeds text deterministically without a provider: each
// whitespace token hashes to a handful of dimensions, so texts sharing
// tokens land near each other under cosine similarity. Good enough for
// tests and offline operation, useless for real semantics.
type MockClient struct {
	dim int
}

func NewMockClient(dim int) *MockClient {
	if dim <= 0 {
		dim = 64
	}
	return &MockClient{dim: dim}
}

func (c *MockClient) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, c.dim)
	tokens := strings.Fields(strings.ToLower(text))
	for _, tok := range tokens {
		h := sha256.Sum256([]byte(tok))
		for i := 0; i < 4; i++ {
			idx := binary.BigEndian.Uint32(h[i*8:]) % uint32(c.dim)
			sign := float32(1)
			if h[i*8+4]%2 == 1 {
				sign = -1
			}
			v[idx] += sign
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// Empty input still gets a stable non-zero direction.
		v[0] = 1
		return v, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v, nil
}
