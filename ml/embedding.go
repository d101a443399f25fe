package ml

import (
	"fmt"
	"math"
	"math/rand/v2"
)

const embeddingInitStd = 1.0

// Embedding is a VocabSize x Dim lookup table.
type Embedding struct {
	VocabSize, Dim int
	Table          *Param

	ids   []int
	guard passGuard
}

func NewEmbedding(name string, vocabSize, dim int, rng *rand.Rand) *Embedding {
	e := &Embedding{
		VocabSize: vocabSize,
		Dim:       dim,
		Table:     newParam(name+".table", vocabSize, dim),
		guard:     newGuard(name),
	}
	e.Table.Value.RandomizeTruncatedNormal(rng, embeddingInitStd)
	return e
}

// Forward returns one row per id.
func (e *Embedding) Forward(ids []int) (*Matrix, error) {
	for _, id := range ids {
		if id < 0 || id >= e.VocabSize {
			return nil, fmt.Errorf("%s: token id %d out of range [0,%d): %w", e.guard.name, id, e.VocabSize, ErrShape)
		}
	}
	if err := e.guard.begin(); err != nil {
		return nil, err
	}
	out := NewMatrix(len(ids), e.Dim)
	for i, id := range ids {
		copy(out.Row(i), e.Table.Value.Row(id))
	}
	e.ids = append(e.ids[:0], ids...)
	return out, nil
}

// Backward adds every gradient row into the gradient row of its id, so a
// repeated id receives the sum of its contributions.
func (e *Embedding) Backward(dy *Matrix) error {
	if err := e.guard.end(); err != nil {
		return err
	}
	if dy.rows != len(e.ids) || dy.cols != e.Dim {
		panic(fmt.Sprintf("%s: grad %dx%d, want %dx%d", e.guard.name, dy.rows, dy.cols, len(e.ids), e.Dim))
	}
	grad := e.Table.Grad
	for i, id := range e.ids {
		dst := grad.Row(id)
		for k, v := range dy.Row(i) {
			dst[k] += v
		}
	}
	return nil
}

func (e *Embedding) Params() []*Param { return []*Param{e.Table} }

func (e *Embedding) SetTraining(training bool) { e.guard.setTraining(training) }

// PositionalEncoding holds a precomputed MaxSeqLen x Dim sinusoidal table.
// It has no trainable parameters.
type PositionalEncoding struct {
	MaxSeqLen, Dim int
	table          *Matrix
}

func NewPositionalEncoding(maxSeqLen, dim int) *PositionalEncoding {
	return &PositionalEncoding{
		MaxSeqLen: maxSeqLen,
		Dim:       dim,
		table:     NewMatrixFromSlice(maxSeqLen, dim, MakePositionalEncoding(maxSeqLen, dim)),
	}
}

// Forward returns the first seqLen rows of the table.
func (pe *PositionalEncoding) Forward(seqLen int) *Matrix {
	if seqLen > pe.MaxSeqLen {
		panic(fmt.Sprintf("sequence length %d exceeds max_seq_len %d", seqLen, pe.MaxSeqLen))
	}
	return NewMatrixFromSlice(seqLen, pe.Dim, pe.table.data[:seqLen*pe.Dim])
}

// MakePositionalEncoding creates a flattened vector of size [contextLen * embedDim]
// containing the standard sinusoidal timing signals.
func MakePositionalEncoding(contextLen, embedDim int) []float64 {
	pe := make([]float64, contextLen*embedDim)

	for pos := 0; pos < contextLen; pos++ {
		for i := 0; i < embedDim; i++ {
			// PE(pos, 2i)   = sin(pos / 10000^(2i/d_model))
			// PE(pos, 2i+1) = cos(pos / 10000^(2i/d_model))
			exponent := float64(2*(i/2)) / float64(embedDim)
			val := float64(pos) / math.Pow(10000.0, exponent)

			if i%2 == 0 {
				pe[pos*embedDim+i] = math.Sin(val)
			} else {
				pe[pos*embedDim+i] = math.Cos(val)
			}
		}
	}
	return pe
}
