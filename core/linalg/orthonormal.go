package linalg

import (
	"math"
	"math/rand"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// RandomOrthonormal creates a random orthonormal matrix using Gram-Schmidt
// orthogonalization with a seeded RNG for reproducibility. The result
// satisfies R·Rᵀ = I.
func RandomOrthonormal(dim int, seed int64) *mat.Dense {
	if dim <= 0 {
		return nil
	}

	rng := rand.New(rand.NewSource(seed))
	rows := make([][]float64, 0, dim)
	for i := 0; i < dim; i++ {
		rows = append(rows, orthonormalRow(rows, dim, rng))
	}

	out := mat.NewDense(dim, dim, nil)
	for i, row := range rows {
		out.SetRow(i, row)
	}
	return out
}

func orthonormalRow(existing [][]float64, dim int, rng *rand.Rand) []float64 {
	const maxAttempts = 100

	for attempt := 0; attempt < maxAttempts; attempt++ {
		vec := make([]float64, dim)
		for j := range vec {
			vec[j] = rng.NormFloat64()
		}

		for _, e := range existing {
			dot := floats.Dot(vec, e)
			floats.AddScaled(vec, -dot, e)
		}

		norm := math.Sqrt(floats.Dot(vec, vec))
		if norm > 1e-6 {
			floats.Scale(1/norm, vec)
			return vec
		}
	}

	vec := make([]float64, dim)
	vec[len(existing)%dim] = 1.0
	return vec
}

// IsOrthonormal checks R·Rᵀ = I within tolerance.
func IsOrthonormal(m *mat.Dense, tol float64) bool {
	r, c := m.Dims()
	if r != c {
		return false
	}
	var prod mat.Dense
	prod.Mul(m, m.T())
	for i := 0; i < r; i++ {
		for j := 0; j < r; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(prod.At(i, j)-want) > tol {
				return false
			}
		}
	}
	return true
}

type orthoKey struct {
	dim  int
	seed int64
}

// OrthonormalCache caches generated orthonormal matrices by dimension and
// seed with LRU eviction.
type OrthonormalCache struct {
	cache *lru.Cache[orthoKey, *mat.Dense]
}

// NewOrthonormalCache creates a cache with the specified maximum entries.
func NewOrthonormalCache(maxSize int) *OrthonormalCache {
	if maxSize <= 0 {
		maxSize = 16
	}
	cache, _ := lru.New[orthoKey, *mat.Dense](maxSize)
	return &OrthonormalCache{cache: cache}
}

// Get retrieves or generates the orthonormal matrix for the given
// parameters. The returned matrix is a copy the caller may modify.
func (c *OrthonormalCache) Get(dim int, seed int64) *mat.Dense {
	key := orthoKey{dim: dim, seed: seed}
	if m, ok := c.cache.Get(key); ok {
		return mat.DenseCopyOf(m)
	}
	m := RandomOrthonormal(dim, seed)
	c.cache.Add(key, m)
	return mat.DenseCopyOf(m)
}

// Len returns the number of cached matrices.
func (c *OrthonormalCache) Len() int {
	return c.cache.Len()
}
