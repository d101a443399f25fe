package data

import (
	"fmt"
	"os"
)

// Loader cuts a flat id stream into (inputs, targets) batches of
// BatchSize sequences of SeqLen ids. Targets are inputs shifted by one.
type Loader struct {
	BatchSize, SeqLen int

	ids []int
	pos int
}

func NewLoader(ids []int, batchSize, seqLen int) (*Loader, error) {
	if batchSize < 1 || seqLen < 1 {
		return nil, fmt.Errorf("loader: invalid batch %d x %d", batchSize, seqLen)
	}
	if len(ids) < seqLen+1 {
		return nil, fmt.Errorf("loader: %d ids, need at least %d", len(ids), seqLen+1)
	}
	return &Loader{BatchSize: batchSize, SeqLen: seqLen, ids: ids}, nil
}

// LoadText reads and encodes a text file once. When clean is set the text
// goes through Clean first.
func LoadText(path string, tok *Tokenizer, clean bool) ([]int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}
	text := string(raw)
	if clean {
		text = Clean(text)
	}
	return tok.Encode(text), nil
}

// Next returns the next batch, wrapping to the start of the stream when
// fewer than SeqLen+1 ids remain.
func (l *Loader) Next() (inputs, targets [][]int) {
	inputs = make([][]int, l.BatchSize)
	targets = make([][]int, l.BatchSize)
	for b := 0; b < l.BatchSize; b++ {
		if l.pos+l.SeqLen+1 > len(l.ids) {
			l.pos = 0
		}
		start, end := l.pos, l.pos+l.SeqLen
		inputs[b] = append([]int(nil), l.ids[start:end]...)
		targets[b] = append([]int(nil), l.ids[start+1:end+1]...)
		l.pos = end
	}
	return inputs, targets
}

// Len is the number of batches in one pass over the stream.
func (l *Loader) Len() int {
	return (len(l.ids) - 1) / (l.BatchSize * l.SeqLen)
}

// Reset restarts the stream.
func (l *Loader) Reset() { l.pos = 0 }
