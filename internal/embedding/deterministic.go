package embedding

import (
	"context"

	"golang.org/x/crypto/blake2b"
)

// Deterministic derives an embedding from a BLAKE2b XOF over the text. It is
// not semantically meaningful, but is stable across processes and versions:
// identical text always maps to the identical vector, so cache entries and
// cluster assignments stay consistent while the remote backends are down.
type Deterministic struct {
	dim int
}

// NewDeterministic creates the hash-fallback backend with the given output
// dimension.
func NewDeterministic(dim int) *Deterministic {
	return &Deterministic{dim: dim}
}

func (d *Deterministic) Name() string { return "deterministic" }
func (d *Deterministic) Dim() int     { return d.dim }

// Embed never fails. Each output component is built from two XOF bytes
// spread over [-1, 1].
func (d *Deterministic) Embed(_ context.Context, text string) ([]float32, error) {
	xof, err := blake2b.NewXOF(uint32(d.dim*2), nil)
	if err != nil {
		return nil, err
	}
	_, _ = xof.Write([]byte(text))

	buf := make([]byte, d.dim*2)
	if _, err := xof.Read(buf); err != nil {
		return nil, err
	}

	vec := make([]float32, d.dim)
	for i := 0; i < d.dim; i++ {
		u := uint16(buf[2*i])<<8 | uint16(buf[2*i+1])
		vec[i] = float32(u)/32767.5 - 1 // [0,65535] -> [-1,1]
	}
	return vec, nil
}
