package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"digitnet/internal/config"
	"digitnet/internal/dataset"
	"digitnet/internal/trainer"
)

func newTrainCmd() *cobra.Command {
	var (
		cfgPath  string
		o        config.Overrides
		dropout  float64
		progress bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the classifier on MNIST or WebDataset shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dropout") {
				o.Dropout = &dropout
			}
			cfg.ApplyOverrides(o)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			tc, err := cfg.TrainingConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			b, err := openBackend(cfg.Device, cfg.Seed, 0)
			if err != nil {
				return err
			}
			train, err := dataset.Open(ctx, cfg.DatasetDir, dataset.Train, cfg.NumWorkers, cfg.Seed)
			if err != nil {
				return err
			}
			valid, err := openValidation(cmd, cfg)
			if err != nil {
				return err
			}
			slog.Info("dataset loaded", "dir", cfg.DatasetDir, "train", train.Len(), "valid", lenOf(valid))

			run := trainer.RunConfig{
				TrainingConfig: tc,
				ArtifactDir:    cfg.ArtifactDir,
				LogEvery:       cfg.LogEvery,
			}
			if progress {
				run.Progress = cmd.ErrOrStderr()
			}
			res, err := trainer.Run(ctx, b, train, valid, run)
			if err != nil {
				return err
			}
			last := res.Epochs[len(res.Epochs)-1]
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: train loss %.4f, valid loss %.4f, valid accuracy %.2f%%\n",
				res.RunID, last.TrainLoss, last.ValidLoss, 100*last.ValidAccuracy)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "Path to YAML config")
	f.StringVar(&o.DatasetDir, "dataset-dir", "", "Directory with MNIST IDX files or shards")
	f.StringVar(&o.ValidDir, "valid-dir", "", "Validation directory (default: dataset dir, t10k split)")
	f.StringVar(&o.ArtifactDir, "artifact-dir", "", "Directory for config.json and the checkpoint")
	f.StringVar(&o.Device, "device", "", "Device to train on")
	f.IntVar(&o.Epochs, "epochs", 0, "Number of epochs")
	f.IntVar(&o.BatchSize, "batch-size", 0, "Batch size")
	f.IntVar(&o.NumWorkers, "num-workers", 0, "Number of data loader workers")
	f.Int64Var(&o.Seed, "seed", 0, "PRNG seed")
	f.Float64Var(&o.LearningRate, "learning-rate", 0, "Adam learning rate")
	f.Float64Var(&dropout, "dropout", 0, "Dropout probability")
	f.IntVar(&o.LogEvery, "log-every", 0, "Log every N steps")
	f.BoolVar(&progress, "progress", true, "Show a progress bar per epoch")
	return cmd
}

// openValidation loads the t10k split next to the training data, or the
// explicit validation dir. Shard directories hold no split, so they are only
// used for validation when named explicitly.
func openValidation(cmd *cobra.Command, cfg *config.Config) (dataset.Dataset, error) {
	dir := cfg.ValidDir
	if dir == "" {
		src, err := dataset.DetectSource(cfg.DatasetDir, dataset.Test)
		if err != nil || src != dataset.SourceMNIST {
			slog.Warn("no validation set, skipping evaluation", "dir", cfg.DatasetDir)
			return nil, nil
		}
		dir = cfg.DatasetDir
	}
	v, err := dataset.Open(cmd.Context(), dir, dataset.Test, cfg.NumWorkers, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("validation set: %w", err)
	}
	return v, nil
}

func lenOf(d dataset.Dataset) int {
	if d == nil {
		return 0
	}
	return d.Len()
}
