package ml

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	OptSGD      OptimizerType = "sgd"
	OptMomentum OptimizerType = "momentum"
	OptAdam     OptimizerType = "adam"

	FormatGob   = "gob"
	FormatArrow = "arrow"

	defaultSeed = 42
)

var ErrMissingField = errors.New("missing config field")

// requiredFields must all be present in a config file.
var requiredFields = []string{
	"vocab_size",
	"max_seq_len",
	"embedding_dim",
	"num_layers",
	"num_heads",
	"feed_forward_dim",
	"dropout_rate",
	"learning_rate",
	"batch_size",
	"num_epochs",
	"checkpoint_interval",
}

type OptimizerType string

// Config describes the model structure and the training run. It is built once
// at startup and shared read-only by every layer constructor.
type Config struct {
	VocabSize          int     `json:"vocab_size"`
	MaxSeqLen          int     `json:"max_seq_len"`
	EmbeddingDim       int     `json:"embedding_dim"`
	NumLayers          int     `json:"num_layers"`
	NumHeads           int     `json:"num_heads"` // informational; heads are derived from EmbeddingDim
	FeedForwardDim     int     `json:"feed_forward_dim"`
	DropoutRate        float64 `json:"dropout_rate"`
	LearningRate       float64 `json:"learning_rate"`
	BatchSize          int     `json:"batch_size"`
	NumEpochs          int     `json:"num_epochs"`
	CheckpointInterval int     `json:"checkpoint_interval"`

	// Optional.
	SeqLen           int           `json:"seq_len,omitempty"` // training window, defaults to MaxSeqLen
	Seed             uint64        `json:"seed,omitempty"`
	Optimizer        OptimizerType `json:"optimizer,omitempty"`
	Momentum         float64       `json:"momentum,omitempty"`
	Workers          int           `json:"workers,omitempty"`
	Bidirectional    bool          `json:"bidirectional,omitempty"`
	CheckpointDir    string        `json:"checkpoint_dir,omitempty"`
	CheckpointFormat string        `json:"checkpoint_format,omitempty"`
}

// LoadConfig reads and validates a JSON config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes a JSON config, requiring every structural field.
func ParseConfig(raw []byte) (*Config, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	var missing []string
	for _, f := range requiredFields {
		if _, ok := keys[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SeqLen == 0 {
		c.SeqLen = c.MaxSeqLen
	}
	if c.Seed == 0 {
		c.Seed = defaultSeed
	}
	if c.Optimizer == "" {
		c.Optimizer = OptAdam
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "."
	}
	if c.CheckpointFormat == "" {
		c.CheckpointFormat = FormatGob
	}
}

func (c *Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"vocab_size", c.VocabSize},
		{"max_seq_len", c.MaxSeqLen},
		{"embedding_dim", c.EmbeddingDim},
		{"num_layers", c.NumLayers},
		{"feed_forward_dim", c.FeedForwardDim},
		{"batch_size", c.BatchSize},
		{"num_epochs", c.NumEpochs},
		{"checkpoint_interval", c.CheckpointInterval},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("invalid %s: %d (must be positive)", p.name, p.v)
		}
	}
	if c.EmbeddingDim >= HeadDim && c.EmbeddingDim%HeadDim != 0 {
		return fmt.Errorf("invalid embedding_dim: %d (must be below %d or a multiple of it)", c.EmbeddingDim, HeadDim)
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return fmt.Errorf("invalid dropout_rate: %v (must be in [0, 1))", c.DropoutRate)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("invalid learning_rate: %v (must be positive)", c.LearningRate)
	}
	if c.SeqLen < 0 || c.SeqLen > c.MaxSeqLen {
		return fmt.Errorf("invalid seq_len: %d (must be in [1, max_seq_len=%d])", c.SeqLen, c.MaxSeqLen)
	}
	switch c.Optimizer {
	case "", OptAdam, OptSGD, OptMomentum:
	default:
		return fmt.Errorf("invalid optimizer: %q", c.Optimizer)
	}
	switch c.CheckpointFormat {
	case "", FormatGob, FormatArrow:
	default:
		return fmt.Errorf("invalid checkpoint_format: %q", c.CheckpointFormat)
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d", c.Workers)
	}
	return nil
}

// Heads returns the derived number of attention heads.
func (c *Config) Heads() int { return NumHeads(c.EmbeddingDim) }

// HeadsMismatch reports whether the configured num_heads disagrees with the
// derived head count.
func (c *Config) HeadsMismatch() bool {
	return c.NumHeads != 0 && c.NumHeads != c.Heads()
}

func (c *Config) workers() int {
	if c.Workers < 1 {
		return 1
	}
	return c.Workers
}

// TrainSeqLen is the sequence length used for training batches.
func (c *Config) TrainSeqLen() int {
	if c.SeqLen == 0 {
		return c.MaxSeqLen
	}
	return c.SeqLen
}

// CheckpointExt returns the file extension of the configured checkpoint format.
func (c *Config) CheckpointExt() string {
	if c.CheckpointFormat == FormatArrow {
		return ".arrow"
	}
	return ".gob"
}
