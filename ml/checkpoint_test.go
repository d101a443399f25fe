package ml

import (
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func assertSameParams(t *testing.T, a, b *Model) {
	t.Helper()
	pa, pb := a.Params(), b.Params()
	if len(pa) != len(pb) {
		t.Fatalf("%d vs %d parameters", len(pa), len(pb))
	}
	for i := range pa {
		if pa[i].Name != pb[i].Name || !floats.Equal(pa[i].Value.data, pb[i].Value.data) {
			t.Fatalf("parameter %s differs", pa[i].Name)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, ext := range []string{".gob", ".arrow"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), CheckpointName(3, ext))
			src := NewModel(testConfig(), rand.New(rand.NewPCG(1, 1)))
			if err := SaveCheckpoint(path, src, 3); err != nil {
				t.Fatal(err)
			}

			dst := NewModel(testConfig(), rand.New(rand.NewPCG(2, 2)))
			epoch, err := LoadCheckpoint(path, dst)
			if err != nil {
				t.Fatal(err)
			}
			if epoch != 3 {
				t.Errorf("epoch %d, want 3", epoch)
			}
			assertSameParams(t, src, dst)

			loaded, epoch, err := LoadModel(path, nil)
			if err != nil {
				t.Fatal(err)
			}
			if epoch != 3 || loaded.Config.EmbeddingDim != src.Config.EmbeddingDim || loaded.Config.NumLayers != src.Config.NumLayers {
				t.Errorf("config not restored: %+v", loaded.Config)
			}
			assertSameParams(t, src, loaded)

			// Equal parameters give equal logits.
			src.Eval()
			loaded.Eval()
			in := [][]int{{1, 2, 3}}
			ra, err := src.Forward(in, nil)
			if err != nil {
				t.Fatal(err)
			}
			rb, err := loaded.Forward(in, nil)
			if err != nil {
				t.Fatal(err)
			}
			if !floats.Equal(ra.Logits.Data(), rb.Logits.Data()) {
				t.Error("loaded model computes different logits")
			}
		})
	}
}

func TestCheckpointShapeMismatch(t *testing.T) {
	for _, ext := range []string{".gob", ".arrow"} {
		path := filepath.Join(t.TempDir(), "model"+ext)
		if err := SaveCheckpoint(path, NewModel(testConfig(), testRNG()), 1); err != nil {
			t.Fatal(err)
		}

		cfg := testConfig()
		cfg.FeedForwardDim = 24
		if _, err := LoadCheckpoint(path, NewModel(cfg, testRNG())); !errors.Is(err, ErrShape) {
			t.Errorf("%s: ff width mismatch: got %v", ext, err)
		}

		cfg = testConfig()
		cfg.NumLayers = 1
		if _, err := LoadCheckpoint(path, NewModel(cfg, testRNG())); !errors.Is(err, ErrShape) {
			t.Errorf("%s: layer count mismatch: got %v", ext, err)
		}
	}
}

func TestCheckpointCorrupt(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"bad.gob", "bad.arrow"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("not a checkpoint"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadCheckpoint(path, NewModel(testConfig(), testRNG())); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}
	if _, _, err := LoadModel(filepath.Join(dir, "missing.gob"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMatrixGob(t *testing.T) {
	m := randomMatrix(testRNG(), 3, 4)
	buf, err := m.GobEncode()
	if err != nil {
		t.Fatal(err)
	}
	var got Matrix
	if err := got.GobDecode(buf); err != nil {
		t.Fatal(err)
	}
	if !got.SameShape(m) || !floats.Equal(got.Data(), m.Data()) {
		t.Error("gob round trip changed the matrix")
	}
	got.Set(0, 0, 42)
	if got.Dense().At(0, 0) != 42 {
		t.Error("decoded matrix does not share storage with its dense view")
	}
}
