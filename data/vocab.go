package data

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	// AllowedSpecialChars survive cleaning and become tokens of their own.
	AllowedSpecialChars = []string{
		".", "!", "?", ",", ";", ":", "<", ">", "-", // "-" last keeps it literal in a class
	}

	// Global Regex variables (compiled once at startup)
	ReClean *regexp.Regexp
	ReTok   *regexp.Regexp
)

func init() {
	escapedChars := make([]string, len(AllowedSpecialChars))
	for i, c := range AllowedSpecialChars {
		escapedChars[i] = regexp.QuoteMeta(c)
	}
	allAllowedGroup := strings.Join(escapedChars, "")

	// Match anything that is NOT a-z, 0-9, or one of our allowed symbols
	ReClean = regexp.MustCompile(fmt.Sprintf(`[^a-z0-9%s]+`, allAllowedGroup))

	// tags | words | symbols; <eos> and friends stay whole
	tagPattern := `<[^>\s]+>`
	wordPattern := `[a-z0-9]+`
	symbolPattern := fmt.Sprintf(`[%s]`, allAllowedGroup)
	ReTok = regexp.MustCompile(fmt.Sprintf(`%s|%s|%s`, tagPattern, wordPattern, symbolPattern))
}

// Clean lower-cases text, drops apostrophes and disallowed characters and
// returns the tokens joined by single spaces, ready for Tokenizer.Encode.
func Clean(text string) string {
	text = strings.ToLower(text)
	text = strings.ReplaceAll(text, "'", "")
	text = ReClean.ReplaceAllString(text, " ")
	return strings.Join(ReTok.FindAllString(text, -1), " ")
}

// BuildVocab returns the tokens of the cleaned text that occur at least
// minFreq times, in first-seen order.
func BuildVocab(text string, minFreq int) []string {
	words := strings.Fields(Clean(text))

	freq := make(map[string]int)
	for _, w := range words {
		freq[w]++
	}

	var vocab []string
	seen := make(map[string]bool)
	for _, w := range words {
		if seen[w] || freq[w] < minFreq {
			continue
		}
		seen[w] = true
		vocab = append(vocab, w)
	}
	return vocab
}

// WriteVocab writes one token per line.
func WriteVocab(path string, vocab []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, tok := range vocab {
		fmt.Fprintln(w, tok)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
