package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// MockEmbedder is a deterministic memory.Embedder for tests. The vector for
// a given text is derived from a hash of the text, so identical inputs always
// produce identical embeddings and distinct inputs almost certainly differ.
// Vectors are L2-normalized so cosine similarity behaves sensibly.
//
// Fixed responses can be registered with SetVector to control similarity
// ordering in retrieval tests. MockEmbedder is safe for concurrent use.
type MockEmbedder struct {
	mu    sync.Mutex
	dim   int
	fixed map[string][]float32
	calls []string
	err   error
}

// NewMockEmbedder creates a MockEmbedder producing vectors of the given
// dimension.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{
		dim:   dim,
		fixed: make(map[string][]float32),
	}
}

// SetVector registers a fixed embedding for an exact text. The vector is
// stored as given; callers control normalization.
func (m *MockEmbedder) SetVector(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixed[text] = vec
}

// SetError makes all subsequent Embed calls fail with err. Pass nil to
// restore normal behavior.
func (m *MockEmbedder) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the texts embedded so far, in call order.
func (m *MockEmbedder) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// Embed implements memory.Embedder.
func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, text)
	if m.err != nil {
		return nil, m.err
	}
	if vec, ok := m.fixed[text]; ok {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}
	return deterministicVector(text, m.dim), nil
}

// deterministicVector expands a text hash into a unit vector of the given
// dimension using a simple xorshift generator seeded by the hash.
func deterministicVector(text string, dim int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	state := h.Sum64()
	if state == 0 {
		state = 1
	}

	vec := make([]float32, dim)
	var norm float64
	for i := range vec {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		// Map to [-1, 1].
		v := float64(int64(state)) / math.MaxInt64
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
