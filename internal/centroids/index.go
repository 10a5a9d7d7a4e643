// Package centroids implements the nearest-centroid index used for cluster
// assignment. The index is a plain linear scan with cosine similarity over
// normalized vectors; with a few hundred centroids this is microseconds of
// work and needs no external vector store.
package centroids

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"
)

// Neighbor is one centroid match. Distance is 1 − cosine similarity, so 0 is
// identical and values approach 2 for opposed vectors.
type Neighbor struct {
	Cluster  int
	Distance float64
}

// index is one immutable generation of normalized centroids.
type index struct {
	vectors [][]float32
	dim     int
}

// Index answers nearest-centroid queries. Replacement is by atomic pointer
// swap: queries racing a swap see either the old or the new generation,
// never a mix.
type Index struct {
	cur atomic.Pointer[index]
}

// New builds an index over the given centroids. Vectors are copied and
// normalized; the caller's slices are not retained.
func New(centroids [][]float32) (*Index, error) {
	idx := &Index{}
	if err := idx.Swap(centroids); err != nil {
		return nil, err
	}
	return idx, nil
}

// Swap replaces the centroid set. The new generation becomes visible to
// queries atomically.
func (x *Index) Swap(centroids [][]float32) error {
	if len(centroids) == 0 {
		return fmt.Errorf("centroids: empty set")
	}
	dim := len(centroids[0])
	if dim == 0 {
		return fmt.Errorf("centroids: zero dimension")
	}
	vectors := make([][]float32, len(centroids))
	for i, c := range centroids {
		if len(c) != dim {
			return fmt.Errorf("centroids: vector %d has dim %d, want %d", i, len(c), dim)
		}
		vectors[i] = normalize(c)
	}
	x.cur.Store(&index{vectors: vectors, dim: dim})
	return nil
}

// Len returns the number of centroids in the current generation.
func (x *Index) Len() int {
	return len(x.cur.Load().vectors)
}

// Dim returns the vector dimension of the current generation.
func (x *Index) Dim() int {
	return x.cur.Load().dim
}

// Nearest returns the k nearest centroids to v, closest first. When v's
// dimension does not match the index, or k <= 0, the result is empty.
// Fewer than k centroids yields all of them.
func (x *Index) Nearest(v []float32, k int) []Neighbor {
	idx := x.cur.Load()
	if k <= 0 || len(v) != idx.dim {
		return nil
	}
	q := normalize(v)
	neighbors := make([]Neighbor, len(idx.vectors))
	for i, c := range idx.vectors {
		neighbors[i] = Neighbor{Cluster: i, Distance: 1 - dot(q, c)}
	}
	sort.Slice(neighbors, func(a, b int) bool {
		if neighbors[a].Distance != neighbors[b].Distance {
			return neighbors[a].Distance < neighbors[b].Distance
		}
		return neighbors[a].Cluster < neighbors[b].Cluster
	})
	if len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}
