package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Mock derives a deterministic unit vector from a hash of the input text.
// Identical texts embed identically, different texts almost never collide,
// which is all the tests need.
type Mock struct {
	dims int
}

// NewMock builds a mock provider with the given dimensionality.
func NewMock(dims int) *Mock {
	if dims <= 0 {
		dims = 8
	}

	return &Mock{dims: dims}
}

func (m *Mock) Model() string { return "mock" }

func (m *Mock) Dimensions() int { return m.dims }

// Embed hashes the text, expands the digest into dims floats, and
// normalizes to unit length.
func (m *Mock) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, m.dims)
	digest := sha256.Sum256([]byte(text))

	for i := range vec {
		if i > 0 && i%8 == 0 {
			digest = sha256.Sum256(digest[:])
		}

		bits := binary.LittleEndian.Uint32(digest[(i%8)*4:])
		vec[i] = float32(bits)/float32(math.MaxUint32) - 0.5
	}

	var mag float64
	for _, f := range vec {
		mag += float64(f) * float64(f)
	}

	mag = math.Sqrt(mag)
	if mag == 0 {
		vec[0] = 1

		return vec, nil
	}

	for i := range vec {
		vec[i] = float32(float64(vec[i]) / mag)
	}

	return vec, nil
}
