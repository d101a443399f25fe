package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"time"

	"github.com/b0tShaman/neuro-gpt/data"
	"github.com/b0tShaman/neuro-gpt/logger"
	"github.com/b0tShaman/neuro-gpt/metrics"
	"github.com/b0tShaman/neuro-gpt/ml"
)

// -------- MAIN -------- //
func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		logger.Log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	vocabPath   string
	dataPath    string
	prompt      string
	resume      string
	logLevel    string
	logFormat   string
	metricsAddr string
	buildVocab  string
	minFreq     int
	clean       bool
	sampling    string
	temperature float64
	topK        int
}

func parseFlags(args []string) (*options, error) {
	var o options
	fs := flag.NewFlagSet("neuro-gpt", flag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "config.json", "model and training config (JSON)")
	fs.StringVar(&o.vocabPath, "vocab", "vocab.txt", "vocabulary file, one token per line")
	fs.StringVar(&o.dataPath, "data", "input.txt", "training text")
	fs.StringVar(&o.prompt, "prompt", "To be, or not to be", "generation prompt")
	fs.StringVar(&o.resume, "resume", "", "checkpoint to resume from (.gob or .arrow)")
	fs.StringVar(&o.logLevel, "log-level", "info", "DEBUG, INFO, WARN or ERROR")
	fs.StringVar(&o.logFormat, "log-format", "console", "console or json")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address")
	fs.StringVar(&o.buildVocab, "build-vocab", "", "write a vocabulary built from -data to this path and exit")
	fs.IntVar(&o.minFreq, "min-freq", 1, "minimum token frequency for -build-vocab")
	fs.BoolVar(&o.clean, "clean", true, "normalise training text and prompt before encoding")
	fs.StringVar(&o.sampling, "sampling", ml.SamplingMultinomial, "multinomial, greedy or topk")
	fs.Float64Var(&o.temperature, "temperature", 1.0, "sampling temperature")
	fs.IntVar(&o.topK, "top-k", 0, "K for topk sampling")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return &o, nil
}

func run(args []string, stdout io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}
	logger.Setup(o.logLevel, o.logFormat)
	log := logger.Log

	if o.buildVocab != "" {
		return writeVocab(o)
	}

	if o.metricsAddr != "" {
		go func() {
			log.Info("Metrics serving", "addr", o.metricsAddr)
			if err := metrics.Serve(o.metricsAddr); err != nil {
				log.Error("Metrics server error", "err", err)
			}
		}()
	}

	// 1. Config, vocabulary and data
	cfg, err := ml.LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	if cfg.HeadsMismatch() {
		log.Warn("num_heads ignored; heads are derived from embedding_dim",
			"num_heads", cfg.NumHeads, "heads", cfg.Heads())
	}

	tok, err := data.LoadTokenizer(o.vocabPath)
	if err != nil {
		return err
	}
	if tok.VocabSize() > cfg.VocabSize {
		return fmt.Errorf("vocabulary has %d tokens, vocab_size is %d", tok.VocabSize(), cfg.VocabSize)
	}
	log.Info("Loaded vocabulary", "tokens", tok.VocabSize(), "vocab_size", cfg.VocabSize)

	ids, err := data.LoadText(o.dataPath, tok, o.clean)
	if err != nil {
		return err
	}
	loader, err := data.NewLoader(ids, cfg.BatchSize, cfg.TrainSeqLen())
	if err != nil {
		return err
	}
	log.Info("Loaded dataset", "ids", len(ids), "batches", loader.Len())

	// 2. Model
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	model := ml.NewModel(cfg, rng)
	trainer := ml.NewTrainer(model, loader)
	if o.resume != "" {
		epoch, err := ml.LoadCheckpoint(o.resume, model)
		if err != nil {
			return err
		}
		trainer.StartEpoch = epoch
		log.Info("Resumed", "checkpoint", o.resume, "epoch", epoch)
	}

	// 3. Train
	ctx, stop := ml.SignalContext(context.Background())
	defer stop()
	if _, err := trainer.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn("Training interrupted")
			return nil
		}
		return err
	}

	// 4. Generate
	prompt := o.prompt
	if o.clean {
		prompt = data.Clean(prompt)
	}
	dec := ml.DecodingConfig{
		SamplingType: o.sampling,
		Temperature:  o.temperature,
		TopK:         o.topK,
		EOS:          tok.EOSID,
	}
	start := time.Now()
	out, err := model.Generate(tok.Encode(prompt), dec)
	if err != nil {
		return err
	}
	metrics.RecordGeneration(len(out), time.Since(start))

	fmt.Fprintf(stdout, "%s %s\n", o.prompt, tok.Decode(out))
	return nil
}

func writeVocab(o *options) error {
	raw, err := os.ReadFile(o.dataPath)
	if err != nil {
		return fmt.Errorf("read data: %w", err)
	}
	vocab := data.BuildVocab(string(raw), o.minFreq)
	if err := data.WriteVocab(o.buildVocab, vocab); err != nil {
		return err
	}
	logger.Log.Info("Wrote vocabulary", "path", o.buildVocab, "tokens", len(vocab),
		"vocab_size", len(vocab)+3)
	return nil
}
