package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

const (
	// Sampling types
	SamplingMultinomial = "multinomial"
	SamplingGreedy      = "greedy"
	SamplingTopK        = "topk"
)

// DecodingConfig holds the parameters for the decoding strategy.
type DecodingConfig struct {
	SamplingType string  // "multinomial" (default), "greedy" or "topk"
	Temperature  float64 // T > 0; zero means 1
	TopK         int     // K for top-k sampling
	MaxTokens    int     // iteration cap; zero or anything above max_seq_len means max_seq_len
	EOS          int     // generation stops after emitting this id; negative disables
}

// DefaultDecodingConfig samples from the full distribution and never stops
// early.
var DefaultDecodingConfig = DecodingConfig{
	SamplingType: SamplingMultinomial,
	Temperature:  1.0,
	EOS:          -1,
}

// Generate extends prompt autoregressively and returns only the new ids.
// The model runs in eval mode for the duration and its previous mode is
// restored afterwards. The input window keeps the most recent max_seq_len ids.
func (m *Model) Generate(prompt []int, cfg DecodingConfig) ([]int, error) {
	if len(prompt) == 0 {
		return nil, errors.New("generate: empty prompt")
	}
	wasTraining := m.training
	m.Eval()
	defer m.SetTraining(wasTraining)

	maxLen := m.Config.MaxSeqLen
	steps := cfg.MaxTokens
	if steps <= 0 || steps > maxLen {
		steps = maxLen
	}

	window := append([]int(nil), prompt...)
	if len(window) > maxLen {
		window = window[len(window)-maxLen:]
	}

	probs := make([]float64, m.Config.VocabSize)
	var out []int
	for i := 0; i < steps; i++ {
		res, err := m.Forward([][]int{window}, nil)
		if err != nil {
			return out, fmt.Errorf("generate: step %d: %w", i, err)
		}
		scaleLogits(probs, res.Last(0), cfg.Temperature)
		Softmax(probs, probs)

		next := sample(probs, cfg, m.rng)
		out = append(out, next)
		if cfg.EOS >= 0 && next == cfg.EOS {
			break
		}

		// Slide: [A, B, C] -> [B, C, next]
		if len(window) == maxLen {
			copy(window, window[1:])
			window[len(window)-1] = next
		} else {
			window = append(window, next)
		}
	}
	return out, nil
}

func scaleLogits(dst, logits []float64, temperature float64) {
	if temperature <= 0 {
		temperature = 1
	}
	for i, v := range logits {
		dst[i] = v / temperature
	}
}

func sample(probs []float64, cfg DecodingConfig, rng *rand.Rand) int {
	switch cfg.SamplingType {
	case SamplingGreedy:
		return greedySample(probs)
	case SamplingTopK:
		return topKSample(probs, cfg.TopK, rng)
	default:
		return multinomialSample(probs, rng)
	}
}

// multinomialSample draws an index by inverse-CDF sampling: each class is
// selected with probability proportional to its mass.
func multinomialSample(probs []float64, rng *rand.Rand) int {
	r := rng.Float64()
	cumulativeProb := 0.0
	for i, p := range probs {
		cumulativeProb += p
		if r < cumulativeProb {
			return i
		}
	}
	// Floating point shortfall: return the last class with nonzero mass.
	for i := len(probs) - 1; i > 0; i-- {
		if probs[i] > 0 {
			return i
		}
	}
	return 0
}

// greedySample finds the index of the maximum probability.
func greedySample(probs []float64) int {
	maxProb := math.Inf(-1)
	maxIdx := 0
	for i, p := range probs {
		if p > maxProb {
			maxProb = p
			maxIdx = i
		}
	}
	return maxIdx
}

// topKSample keeps the K most probable classes, renormalises and samples.
func topKSample(probs []float64, k int, rng *rand.Rand) int {
	if k <= 0 || k >= len(probs) {
		return multinomialSample(probs, rng)
	}

	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return probs[idx[a]] > probs[idx[b]]
	})
	idx = idx[:k]

	sum := 0.0
	for _, i := range idx {
		sum += probs[i]
	}
	if sum == 0 {
		return multinomialSample(probs, rng)
	}

	top := make([]float64, k)
	for j, i := range idx {
		top[j] = probs[i] / sum
	}
	return idx[multinomialSample(top, rng)]
}
