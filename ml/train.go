package ml

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/b0tShaman/neuro-gpt/logger"
	"github.com/b0tShaman/neuro-gpt/metrics"
)

// BatchSource yields (inputs, targets) id batches; targets are the inputs
// shifted by one position.
type BatchSource interface {
	Next() (inputs, targets [][]int)
	Len() int
}

// Trainer runs the epoch loop over a model.
type Trainer struct {
	Model     *Model
	Optimizer Optimizer
	Data      BatchSource

	// StartEpoch is the number of epochs already completed, e.g. when
	// resuming from a checkpoint.
	StartEpoch int

	Log *logger.Logger
}

func NewTrainer(m *Model, data BatchSource) *Trainer {
	return &Trainer{
		Model:     m,
		Optimizer: NewOptimizer(m.Config),
		Data:      data,
		Log:       logger.Log.With("component", "trainer"),
	}
}

// Run trains until num_epochs is reached and returns the mean loss of every
// epoch it ran. Any error aborts the run; no batch is skipped. When ctx is
// cancelled between batches the model is checkpointed and ctx.Err() is
// returned.
func (t *Trainer) Run(ctx context.Context) ([]float64, error) {
	cfg := t.Model.Config
	batches := t.Data.Len()
	if batches < 1 {
		return nil, fmt.Errorf("train: data yields no full batch: %w", ErrShape)
	}
	t.Model.Train()

	t.Log.Info("Starting Training",
		"epochs", cfg.NumEpochs,
		"start_epoch", t.StartEpoch,
		"batches", batches,
		"params", NumParams(t.Model),
		"optimizer", string(cfg.Optimizer),
	)
	start := time.Now()

	var history []float64
	for epoch := t.StartEpoch + 1; epoch <= cfg.NumEpochs; epoch++ {
		totalLoss := 0.0
		for b := 0; b < batches; b++ {
			if err := ctx.Err(); err != nil {
				t.interrupted(epoch - 1)
				return history, err
			}
			inputs, targets := t.Data.Next()
			loss, err := t.step(inputs, targets)
			if err != nil {
				return history, fmt.Errorf("train: epoch %d batch %d: %w", epoch, b, err)
			}
			totalLoss += loss
		}

		avgLoss := totalLoss / float64(batches)
		history = append(history, avgLoss)
		metrics.RecordEpoch(epoch, avgLoss)
		t.Log.Info("Epoch", "epoch", epoch, "loss", avgLoss, "elapsed", time.Since(start).String())

		if epoch%cfg.CheckpointInterval == 0 {
			path := filepath.Join(cfg.CheckpointDir, CheckpointName(epoch, cfg.CheckpointExt()))
			if err := t.checkpoint(path, epoch); err != nil {
				return history, err
			}
		}
	}

	t.Log.Info("Training Complete", "elapsed", time.Since(start).String())
	return history, nil
}

// step runs ZeroGrad, Forward, Backward and one optimizer update.
func (t *Trainer) step(inputs, targets [][]int) (float64, error) {
	begin := time.Now()

	t.Model.ZeroGrad()
	res, err := t.Model.Forward(inputs, targets)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		metrics.RecordNonFinite("loss")
		t.Model.Discard()
		return 0, fmt.Errorf("loss %v: %w", res.Loss, ErrNonFinite)
	}
	if err := t.Model.Backward(); err != nil {
		return 0, err
	}
	if err := t.Optimizer.Step(t.Model); err != nil {
		return 0, err
	}

	metrics.RecordStep(res.Batch*res.SeqLen, res.Loss, time.Since(begin))
	return res.Loss, nil
}

func (t *Trainer) checkpoint(path string, epoch int) error {
	if err := SaveCheckpoint(path, t.Model, epoch); err != nil {
		return err
	}
	metrics.RecordCheckpoint(t.Model.Config.CheckpointFormat)
	t.Log.Info("Saved checkpoint", "path", path, "epoch", epoch)
	return nil
}

// interrupted saves the current parameters after a cancellation. The stored
// epoch is the last one completed.
func (t *Trainer) interrupted(completed int) {
	cfg := t.Model.Config
	path := filepath.Join(cfg.CheckpointDir, "checkpoint_interrupted"+cfg.CheckpointExt())
	t.Log.Warn("Interrupt! Saving model...", "path", path)
	if err := t.checkpoint(path, completed); err != nil {
		t.Log.Error("Interrupt checkpoint failed", "err", err)
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
