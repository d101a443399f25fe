package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/b0tShaman/neuro-gpt/data"
)

const corpus = `to be, or not to be, that is the question.
whether tis nobler in the mind to suffer the slings and arrows of outrageous fortune,
or to take arms against a sea of troubles and by opposing end them.`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunBuildVocab(t *testing.T) {
	dir := t.TempDir()
	dataPath := writeFile(t, dir, "input.txt", corpus)
	vocabPath := filepath.Join(dir, "vocab.txt")

	err := run([]string{"-data", dataPath, "-build-vocab", vocabPath, "-log-level", "error"}, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	tok, err := data.LoadTokenizer(vocabPath)
	if err != nil {
		t.Fatal(err)
	}
	ids := tok.Encode(data.Clean("to be or not"))
	for _, id := range ids {
		if id == tok.UNKID {
			t.Fatalf("unexpected <unk> in %v", ids)
		}
	}
}

func TestRunTrainAndGenerate(t *testing.T) {
	dir := t.TempDir()
	dataPath := writeFile(t, dir, "input.txt", corpus)
	vocabPath := filepath.Join(dir, "vocab.txt")
	if err := data.WriteVocab(vocabPath, data.BuildVocab(corpus, 1)); err != nil {
		t.Fatal(err)
	}
	ckptDir := filepath.Join(dir, "ckpt")
	if err := os.Mkdir(ckptDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfgPath := writeFile(t, dir, "config.json", fmt.Sprintf(`{
		"vocab_size": 64,
		"max_seq_len": 8,
		"embedding_dim": 16,
		"num_layers": 1,
		"num_heads": 1,
		"feed_forward_dim": 32,
		"dropout_rate": 0.1,
		"learning_rate": 0.01,
		"batch_size": 2,
		"num_epochs": 2,
		"checkpoint_interval": 1,
		"checkpoint_dir": %q,
		"checkpoint_format": "arrow"
	}`, ckptDir))

	var out bytes.Buffer
	err := run([]string{
		"-config", cfgPath,
		"-vocab", vocabPath,
		"-data", dataPath,
		"-log-level", "error",
		"-sampling", "greedy",
	}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "To be, or not to be") {
		t.Errorf("output should start with the prompt, got %q", out.String())
	}
	for _, epoch := range []int{1, 2} {
		path := filepath.Join(ckptDir, fmt.Sprintf("checkpoint_epoch_%d.arrow", epoch))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing checkpoint: %v", err)
		}
	}

	// Resuming from the final epoch trains nothing and still generates.
	out.Reset()
	err = run([]string{
		"-config", cfgPath,
		"-vocab", vocabPath,
		"-data", dataPath,
		"-log-level", "error",
		"-resume", filepath.Join(ckptDir, "checkpoint_epoch_2.arrow"),
	}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if out.Len() == 0 {
		t.Error("expected generated output after resume")
	}
}

func TestRunMissingConfig(t *testing.T) {
	err := run([]string{"-config", filepath.Join(t.TempDir(), "nope.json"), "-log-level", "error"}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestRunVocabTooLarge(t *testing.T) {
	dir := t.TempDir()
	dataPath := writeFile(t, dir, "input.txt", corpus)
	vocabPath := filepath.Join(dir, "vocab.txt")
	if err := data.WriteVocab(vocabPath, data.BuildVocab(corpus, 1)); err != nil {
		t.Fatal(err)
	}
	cfgPath := writeFile(t, dir, "config.json", `{
		"vocab_size": 10, "max_seq_len": 8, "embedding_dim": 16, "num_layers": 1,
		"num_heads": 1, "feed_forward_dim": 32, "dropout_rate": 0, "learning_rate": 0.01,
		"batch_size": 2, "num_epochs": 1, "checkpoint_interval": 1
	}`)
	err := run([]string{"-config", cfgPath, "-vocab", vocabPath, "-data", dataPath, "-log-level", "error"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "vocab_size") {
		t.Fatalf("expected vocab_size error, got %v", err)
	}
}
