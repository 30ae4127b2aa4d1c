// Package trainer fits the digit classifier and writes its artifacts.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"digitnet/internal/backend"
	"digitnet/internal/checkpoint"
	"digitnet/internal/dataset"
	"digitnet/internal/metrics"
	"digitnet/internal/model"
	"digitnet/internal/optim"
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	TrainingConfig
	// ArtifactDir receives config.json and the checkpoint. Empty skips both.
	ArtifactDir string
	LogEvery    int
	// Progress draws a per-epoch progress bar when set.
	Progress io.Writer
}

// EpochStats summarizes one epoch.
type EpochStats struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValidLoss     float64
	ValidAccuracy float64
	Duration      time.Duration
}

// Result is the outcome of a finished run.
type Result struct {
	RunID  string
	Model  *model.Model
	Epochs []EpochStats
}

type runner struct {
	cfg    RunConfig
	log    *slog.Logger
	model  *model.Model
	opt    *optim.Adam
	rng    *rand.Rand
	step   int
	window metrics.Window
}

// Run trains a fresh model on train, evaluating on valid after every epoch.
// valid may be nil.
func Run(ctx context.Context, b backend.Backend, train, valid dataset.Dataset, cfg RunConfig) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	if train == nil || train.Len() == 0 {
		return nil, errors.New("trainer: empty training set")
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 50
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	logger := slog.With("run_id", cfg.RunID)

	mdl, err := cfg.Model.Init(b)
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	adam := cfg.Optimizer
	adam.LR = cfg.LearningRate
	opt, err := optim.NewAdam(adam)
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}

	batcher := dataset.Batcher{Backend: b}
	trainLoader, err := dataset.NewLoader(train, batcher, dataset.LoaderOptions{
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
		Shuffle:    true,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	var validLoader *dataset.Loader
	if valid != nil && valid.Len() > 0 {
		validLoader, err = dataset.NewLoader(valid, batcher, dataset.LoaderOptions{
			BatchSize:  cfg.BatchSize,
			NumWorkers: cfg.NumWorkers,
		})
		if err != nil {
			return nil, fmt.Errorf("trainer: %w", err)
		}
	}

	if cfg.ArtifactDir != "" {
		if err := SaveConfig(cfg.ArtifactDir, cfg.TrainingConfig); err != nil {
			return nil, fmt.Errorf("trainer: %w", err)
		}
	}

	logger.Info("training started",
		"device", b.Device(),
		"params", mdl.NumParams(),
		"train_samples", train.Len(),
		"epochs", cfg.NumEpochs,
		"batch_size", cfg.BatchSize,
	)

	r := &runner{
		cfg:   cfg,
		log:   logger,
		model: mdl,
		opt:   opt,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
	res := &Result{RunID: cfg.RunID, Model: mdl}
	for epoch := 1; epoch <= cfg.NumEpochs; epoch++ {
		start := time.Now()
		tally, err := r.trainEpoch(ctx, trainLoader, epoch)
		if err != nil {
			return nil, err
		}
		stats := EpochStats{Epoch: epoch, TrainLoss: tally.Loss(), TrainAccuracy: tally.Accuracy()}
		if validLoader != nil {
			vt, err := Evaluate(ctx, mdl, validLoader)
			if err != nil {
				return nil, err
			}
			stats.ValidLoss, stats.ValidAccuracy = vt.Loss(), vt.Accuracy()
		}
		stats.Duration = time.Since(start)
		res.Epochs = append(res.Epochs, stats)
		logger.Info("epoch finished",
			"epoch", epoch,
			"train_loss", stats.TrainLoss,
			"train_accuracy", stats.TrainAccuracy,
			"valid_loss", stats.ValidLoss,
			"valid_accuracy", stats.ValidAccuracy,
			"duration", stats.Duration.Round(time.Millisecond),
		)
	}

	if cfg.ArtifactDir != "" {
		path := filepath.Join(cfg.ArtifactDir, checkpoint.FileName)
		meta := map[string]string{"run_id": cfg.RunID, "epochs": strconv.Itoa(cfg.NumEpochs)}
		if err := checkpoint.Save(path, mdl.StateDict(), cfg.DType, meta); err != nil {
			return nil, fmt.Errorf("trainer: %w", err)
		}
		logger.Info("checkpoint written", "path", path, "dtype", cfg.DType)
	}
	return res, nil
}

func (r *runner) trainEpoch(ctx context.Context, loader *dataset.Loader, epoch int) (metrics.Tally, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches, errCh := loader.Epoch(ctx)
	bar := r.newBar(loader.NumBatches(), epoch)
	var tally metrics.Tally
	for {
		startData := time.Now()
		batch, ok := <-batches
		if !ok {
			break
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		out, err := r.trainStep(batch)
		if err != nil {
			return tally, fmt.Errorf("trainer: epoch %d step %d: %w", epoch, r.step+1, err)
		}
		computeTime := time.Since(startCompute)

		r.step++
		tally.Add(batch.Size(), out.Loss, out.Correct)
		r.window.Record(metrics.Step{
			BatchSize: batch.Size(),
			Data:      dataTime,
			Compute:   computeTime,
			Loss:      out.Loss,
			Correct:   out.Correct,
		})
		if bar != nil {
			_ = bar.Add(1)
		}
		if r.step%r.cfg.LogEvery == 0 {
			snap := r.window.Snapshot()
			r.log.Debug("train",
				"epoch", epoch,
				"step", r.step,
				"images_per_sec", snap.ImagesPerSec,
				"data_ms", snap.AvgDataMS,
				"compute_ms", snap.AvgComputeMS,
				"loss", snap.MeanLoss,
				"accuracy", snap.Accuracy,
			)
		}
	}
	if err := <-errCh; err != nil {
		return tally, fmt.Errorf("trainer: epoch %d: %w", epoch, err)
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return tally, nil
}

func (r *runner) trainStep(batch model.Batch) (LossOutput, error) {
	logits, trace, err := r.model.ForwardTrace(batch.Images, model.Train(r.rng))
	if err != nil {
		return LossOutput{}, err
	}
	out, err := CrossEntropy(r.model.Backend(), logits, batch.Labels)
	if err != nil {
		return LossOutput{}, err
	}
	grads, err := r.model.Backward(trace, out.Grad)
	if err != nil {
		return LossOutput{}, err
	}
	if err := r.opt.Step(r.model.Parameters(), grads); err != nil {
		return LossOutput{}, err
	}
	return out, nil
}

func (r *runner) newBar(total, epoch int) *progressbar.ProgressBar {
	if r.cfg.Progress == nil {
		return nil
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(r.cfg.Progress),
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch, r.cfg.NumEpochs)),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// Evaluate runs m in evaluation mode over one pass of loader.
func Evaluate(ctx context.Context, m *model.Model, loader *dataset.Loader) (metrics.Tally, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tally metrics.Tally
	batches, errCh := loader.Epoch(ctx)
	for batch := range batches {
		logits, err := m.Forward(batch.Images, model.Eval())
		if err != nil {
			return tally, fmt.Errorf("evaluate: %w", err)
		}
		out, err := CrossEntropy(m.Backend(), logits, batch.Labels)
		if err != nil {
			return tally, fmt.Errorf("evaluate: %w", err)
		}
		tally.Add(batch.Size(), out.Loss, out.Correct)
	}
	if err := <-errCh; err != nil {
		return tally, fmt.Errorf("evaluate: %w", err)
	}
	return tally, nil
}
