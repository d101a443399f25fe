package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// Model is the decoder-only language model:
// Embedding + PositionalEncoding → Transformer → LayerNorm → Linear.
type Model struct {
	Config      *Config
	Embedding   *Embedding
	PosEnc      *PositionalEncoding
	Transformer *Transformer
	Norm        *LayerNorm
	Head        *Linear

	rng      *rand.Rand
	training bool

	// Cache for Backward.
	probs   *Matrix
	targets []int
	guard   passGuard
}

// Result is the output of Model.Forward.
type Result struct {
	Logits        *Matrix // (Batch*SeqLen) x VocabSize
	Batch, SeqLen int
	Loss          float64 // mean cross-entropy, valid when HasLoss
	HasLoss       bool
}

// Sequences returns the logits shaped [Batch][SeqLen][VocabSize].
func (r *Result) Sequences() [][][]float64 {
	out := make([][][]float64, r.Batch)
	for b := range out {
		out[b] = make([][]float64, r.SeqLen)
		for t := range out[b] {
			out[b][t] = append([]float64(nil), r.Logits.Row(b*r.SeqLen+t)...)
		}
	}
	return out
}

// Last returns the logits of the final position of sequence b.
func (r *Result) Last(b int) []float64 {
	return r.Logits.Row(b*r.SeqLen + r.SeqLen - 1)
}

// NewModel builds a model in training mode. rng is the single randomness
// source for initialisation, dropout masks and sampling.
func NewModel(cfg *Config, rng *rand.Rand) *Model {
	if rng == nil {
		rng = rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	}
	return &Model{
		Config:      cfg,
		Embedding:   NewEmbedding("embedding", cfg.VocabSize, cfg.EmbeddingDim, rng),
		PosEnc:      NewPositionalEncoding(cfg.MaxSeqLen, cfg.EmbeddingDim),
		Transformer: NewTransformer(cfg, rng),
		Norm:        NewLayerNorm("norm", cfg.EmbeddingDim),
		Head:        NewLinear("head", cfg.EmbeddingDim, cfg.VocabSize, rng),
		rng:         rng,
		training:    true,
		guard:       newGuard("model"),
	}
}

// Forward runs the model over a batch of equal-length id sequences. When
// targets is non-nil the mean cross-entropy loss is computed as well.
func (m *Model) Forward(inputs, targets [][]int) (*Result, error) {
	batch, seqLen, err := m.checkBatch(inputs, targets)
	if err != nil {
		return nil, err
	}
	if err := m.guard.begin(); err != nil {
		return nil, err
	}

	ids := flatten(inputs)
	x, err := m.Embedding.Forward(ids)
	if err != nil {
		return nil, err
	}
	pe := m.PosEnc.Forward(seqLen)
	for b := 0; b < batch; b++ {
		block := x.view(b*seqLen, (b+1)*seqLen, 0, x.cols)
		block.Add(block, pe.dense)
	}

	h, err := m.Transformer.Forward(x, seqLen)
	if err != nil {
		return nil, err
	}
	n, err := m.Norm.Forward(h)
	if err != nil {
		return nil, err
	}
	logits, err := m.Head.Forward(n)
	if err != nil {
		return nil, err
	}

	res := &Result{Logits: logits, Batch: batch, SeqLen: seqLen}
	m.probs, m.targets = nil, nil
	if targets != nil {
		probs := logits.Clone()
		SoftmaxRow(probs)
		flat := flatten(targets)
		loss := 0.0
		for i, t := range flat {
			loss -= math.Log(probs.At(i, t))
		}
		res.Loss = loss / float64(len(flat))
		res.HasLoss = true
		m.probs, m.targets = probs, flat
	}
	return res, nil
}

// Backward seeds the gradient of the mean cross-entropy loss,
// (softmax(logits) − onehot(target)) / N, and propagates it.
func (m *Model) Backward() error {
	if m.guard.pending && m.probs == nil {
		return errors.New("model: backward needs a forward with targets")
	}
	if !m.guard.pending {
		return fmt.Errorf("%s: %w", m.guard.name, ErrNoForward)
	}
	d := m.probs.Clone()
	for i, t := range m.targets {
		d.data[i*d.cols+t] -= 1
	}
	for i := range d.data {
		d.data[i] /= float64(len(m.targets))
	}
	return m.BackwardFrom(d)
}

// BackwardFrom propagates an arbitrary gradient with respect to the logits.
func (m *Model) BackwardFrom(dLogits *Matrix) error {
	if err := m.guard.end(); err != nil {
		return err
	}
	dn, err := m.Head.Backward(dLogits)
	if err != nil {
		return err
	}
	dh, err := m.Norm.Backward(dn)
	if err != nil {
		return err
	}
	dx, err := m.Transformer.Backward(dh)
	if err != nil {
		return err
	}
	// The positional table has no parameters; its share of dx is dropped.
	return m.Embedding.Backward(dx)
}

func (m *Model) checkBatch(inputs, targets [][]int) (batch, seqLen int, err error) {
	if len(inputs) == 0 || len(inputs[0]) == 0 {
		return 0, 0, fmt.Errorf("model: empty batch: %w", ErrShape)
	}
	batch, seqLen = len(inputs), len(inputs[0])
	if seqLen > m.Config.MaxSeqLen {
		return 0, 0, fmt.Errorf("model: sequence length %d exceeds max_seq_len %d: %w", seqLen, m.Config.MaxSeqLen, ErrShape)
	}
	for b, seq := range inputs {
		if len(seq) != seqLen {
			return 0, 0, fmt.Errorf("model: sequence %d has length %d, want %d: %w", b, len(seq), seqLen, ErrShape)
		}
		for _, id := range seq {
			if id < 0 || id >= m.Config.VocabSize {
				return 0, 0, fmt.Errorf("model: token id %d out of range: %w", id, ErrShape)
			}
		}
	}
	if targets == nil {
		return batch, seqLen, nil
	}
	if len(targets) != batch {
		return 0, 0, fmt.Errorf("model: %d target sequences for %d inputs: %w", len(targets), batch, ErrShape)
	}
	for b, seq := range targets {
		if len(seq) != seqLen {
			return 0, 0, fmt.Errorf("model: target %d has length %d, want %d: %w", b, len(seq), seqLen, ErrShape)
		}
		for _, id := range seq {
			if id < 0 || id >= m.Config.VocabSize {
				return 0, 0, fmt.Errorf("model: target id %d out of range: %w", id, ErrShape)
			}
		}
	}
	return batch, seqLen, nil
}

func flatten(seqs [][]int) []int {
	var out []int
	for _, s := range seqs {
		out = append(out, s...)
	}
	return out
}

// Params returns every parameter in the fixed traversal order shared by
// backward and the optimizer.
func (m *Model) Params() []*Param {
	var ps []*Param
	ps = append(ps, m.Embedding.Params()...)
	ps = append(ps, m.Transformer.Params()...)
	ps = append(ps, m.Norm.Params()...)
	ps = append(ps, m.Head.Params()...)
	return ps
}

func (m *Model) ZeroGrad() { ZeroGrad(m) }

func (m *Model) SetTraining(training bool) {
	m.training = training
	m.guard.setTraining(training)
	m.Embedding.SetTraining(training)
	m.Transformer.SetTraining(training)
	m.Norm.SetTraining(training)
	m.Head.SetTraining(training)
}

// Discard drops a pending training-mode forward without running backward.
func (m *Model) Discard() {
	if m.training {
		m.SetTraining(false)
		m.SetTraining(true)
	}
}

func (m *Model) Train()         { m.SetTraining(true) }
func (m *Model) Eval()          { m.SetTraining(false) }
func (m *Model) Training() bool { return m.training }

// Rand returns the model's randomness source.
func (m *Model) Rand() *rand.Rand { return m.rng }
