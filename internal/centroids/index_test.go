package centroids

import (
	"math"
	"sync"
	"testing"
)

func TestNewRejectsInvalid(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("expected error for empty set")
	}
	if _, err := New([][]float32{{}}); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := New([][]float32{{1, 0}, {1}}); err == nil {
		t.Error("expected error for ragged vectors")
	}
}

func TestNearestBasic(t *testing.T) {
	idx, err := New([][]float32{
		{1, 0},  // cluster 0
		{0, 1},  // cluster 1
		{-1, 0}, // cluster 2
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := idx.Nearest([]float32{0.9, 0.1}, 2)
	if len(got) != 2 {
		t.Fatalf("got %d neighbors, want 2", len(got))
	}
	if got[0].Cluster != 0 {
		t.Errorf("nearest cluster = %d, want 0", got[0].Cluster)
	}
	if got[0].Distance > got[1].Distance {
		t.Error("neighbors not sorted by distance")
	}
	if got[0].Distance < 0 || got[0].Distance > 2 {
		t.Errorf("distance %v outside [0,2]", got[0].Distance)
	}
}

func TestNearestExactMatch(t *testing.T) {
	idx, err := New([][]float32{{3, 4}, {0, 1}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// The same direction at a different magnitude has distance ~0 under
	// cosine.
	got := idx.Nearest([]float32{6, 8}, 1)
	if got[0].Cluster != 0 {
		t.Errorf("cluster = %d, want 0", got[0].Cluster)
	}
	if math.Abs(got[0].Distance) > 1e-6 {
		t.Errorf("distance = %v, want ~0", got[0].Distance)
	}
}

func TestNearestDimMismatch(t *testing.T) {
	idx, err := New([][]float32{{1, 0}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := idx.Nearest([]float32{1, 0, 0}, 1); got != nil {
		t.Errorf("expected nil for dim mismatch, got %v", got)
	}
	if got := idx.Nearest([]float32{1, 0}, 0); got != nil {
		t.Errorf("expected nil for k=0, got %v", got)
	}
}

func TestNearestKExceedsSize(t *testing.T) {
	idx, err := New([][]float32{{1, 0}, {0, 1}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := idx.Nearest([]float32{1, 1}, 5); len(got) != 2 {
		t.Errorf("got %d neighbors, want 2", len(got))
	}
}

func TestSwapUnderConcurrentQueries(t *testing.T) {
	idx, err := New([][]float32{{1, 0}, {0, 1}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got := idx.Nearest([]float32{0.5, 0.5}, 3)
				// Either generation has exactly two centroids; a mixed
				// view would surface as a bad count or cluster id.
				if len(got) != 2 {
					t.Errorf("got %d neighbors mid-swap", len(got))
					return
				}
				for _, n := range got {
					if n.Cluster < 0 || n.Cluster > 1 {
						t.Errorf("cluster %d out of range", n.Cluster)
						return
					}
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		if err := idx.Swap([][]float32{{0, 1}, {1, 0}}); err != nil {
			t.Fatalf("Swap: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestZeroVectorQuery(t *testing.T) {
	idx, err := New([][]float32{{1, 0}, {0, 1}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := idx.Nearest([]float32{0, 0}, 2)
	if len(got) != 2 {
		t.Fatalf("got %d neighbors, want 2", len(got))
	}
	for _, n := range got {
		if math.IsNaN(n.Distance) {
			t.Error("NaN distance for zero vector")
		}
	}
}
