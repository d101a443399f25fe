package data

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

const (
	// Reserved tokens, appended after the file vocabulary in this order.
	EOS = "<eos>"
	PAD = "<pad>"
	UNK = "<unk>"
)

// Tokenizer maps whitespace-separated tokens to ids and back.
type Tokenizer struct {
	tokenToID map[string]int
	idToToken []string

	EOSID, PADID, UNKID int
}

// NewTokenizer assigns ids to tokens in order, skipping blanks, duplicates
// and reserved tokens, then appends <eos>, <pad> and <unk>.
func NewTokenizer(tokens []string) *Tokenizer {
	t := &Tokenizer{tokenToID: make(map[string]int)}
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" || tok == EOS || tok == PAD || tok == UNK {
			continue
		}
		t.add(tok)
	}
	t.EOSID = t.add(EOS)
	t.PADID = t.add(PAD)
	t.UNKID = t.add(UNK)
	return t
}

func (t *Tokenizer) add(tok string) int {
	if id, ok := t.tokenToID[tok]; ok {
		return id
	}
	id := len(t.idToToken)
	t.tokenToID[tok] = id
	t.idToToken = append(t.idToToken, tok)
	return id
}

// LoadTokenizer reads a vocabulary file with one token per line.
func LoadTokenizer(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	var tokens []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		tokens = append(tokens, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read vocab %s: %w", path, err)
	}
	return NewTokenizer(tokens), nil
}

// VocabSize is the number of ids, reserved tokens included.
func (t *Tokenizer) VocabSize() int { return len(t.idToToken) }

// Encode splits text on whitespace. Unknown tokens map to <unk>.
func (t *Tokenizer) Encode(text string) []int {
	fields := strings.Fields(text)
	ids := make([]int, len(fields))
	for i, w := range fields {
		id, ok := t.tokenToID[w]
		if !ok {
			id = t.UNKID
		}
		ids[i] = id
	}
	return ids
}

// Decode joins tokens with single spaces. Ids outside the vocabulary
// render as <unk>.
func (t *Tokenizer) Decode(ids []int) string {
	words := make([]string, len(ids))
	for i, id := range ids {
		words[i] = t.Token(id)
	}
	return strings.Join(words, " ")
}

func (t *Tokenizer) Token(id int) string {
	if id < 0 || id >= len(t.idToToken) {
		return UNK
	}
	return t.idToToken[id]
}
