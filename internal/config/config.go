// Package config loads the knobs of a training run from YAML, the
// environment and command-line overrides, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"digitnet/internal/checkpoint"
	"digitnet/internal/model"
	"digitnet/internal/tensor"
	"digitnet/internal/trainer"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "DIGITNET_"

// Config captures the runtime knobs for a training run.
type Config struct {
	DatasetDir   string  `yaml:"dataset_dir" env:"DATASET_DIR"`
	ValidDir     string  `yaml:"valid_dir" env:"VALID_DIR"`
	ArtifactDir  string  `yaml:"artifact_dir" env:"ARTIFACT_DIR"`
	Device       string  `yaml:"device" env:"DEVICE"`
	NumClasses   int     `yaml:"num_classes" env:"NUM_CLASSES"`
	HiddenSize   int     `yaml:"hidden_size" env:"HIDDEN_SIZE"`
	Dropout      float64 `yaml:"dropout" env:"DROPOUT"`
	Epochs       int     `yaml:"epochs" env:"EPOCHS"`
	BatchSize    int     `yaml:"batch_size" env:"BATCH_SIZE"`
	NumWorkers   int     `yaml:"num_workers" env:"NUM_WORKERS"`
	Seed         int64   `yaml:"seed" env:"SEED"`
	LearningRate float64 `yaml:"learning_rate" env:"LEARNING_RATE"`
	DType        string  `yaml:"dtype" env:"DTYPE"`
	LogEvery     int     `yaml:"log_every" env:"LOG_EVERY"`
}

// Overrides captures CLI supplied values. Zero values leave the config
// untouched; Dropout is a pointer because zero is a valid rate.
type Overrides struct {
	DatasetDir   string
	ValidDir     string
	ArtifactDir  string
	Device       string
	Epochs       int
	BatchSize    int
	NumWorkers   int
	Seed         int64
	LearningRate float64
	Dropout      *float64
	LogEvery     int
}

const defaultLogEvery = 50

// Default returns the configuration of the reference MNIST run.
func Default() *Config {
	return &Config{
		ArtifactDir:  "artifacts",
		Device:       "cpu",
		NumClasses:   10,
		HiddenSize:   512,
		Dropout:      model.DefaultDropout,
		Epochs:       trainer.DefaultEpochs,
		BatchSize:    trainer.DefaultBatchSize,
		NumWorkers:   trainer.DefaultNumWorkers,
		Seed:         trainer.DefaultSeed,
		LearningRate: trainer.DefaultLearningRate,
		DType:        string(checkpoint.F32),
		LogEvery:     defaultLogEvery,
	}
}

// Load layers the YAML file at path (optional when empty) and DIGITNET_*
// environment variables over the defaults. The result is not validated so
// that overrides can still be applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		if err := decodeYAML(bytes.NewReader(raw), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment
// without replacing variables that are already set. A missing default .env
// is not an error.
func LoadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// ApplyOverrides updates cfg using any non-zero override. A log_every left
// at zero by the file falls back to the default.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DatasetDir != "" {
		c.DatasetDir = o.DatasetDir
	}
	if o.ValidDir != "" {
		c.ValidDir = o.ValidDir
	}
	if o.ArtifactDir != "" {
		c.ArtifactDir = o.ArtifactDir
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Dropout != nil {
		c.Dropout = *o.Dropout
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if c.LogEvery <= 0 {
		c.LogEvery = defaultLogEvery
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DatasetDir == "" {
		return errors.New("dataset_dir must be set")
	}
	if c.ArtifactDir == "" {
		return errors.New("artifact_dir must be set")
	}
	if _, err := tensor.ParseDevice(c.Device); err != nil {
		return err
	}
	if c.LogEvery <= 0 {
		return fmt.Errorf("log_every must be positive, got %d", c.LogEvery)
	}
	_, err := c.TrainingConfig()
	return err
}

// ModelConfig builds the classifier config.
func (c *Config) ModelConfig() (model.Config, error) {
	mc, err := model.NewConfig(c.NumClasses, c.HiddenSize)
	if err != nil {
		return model.Config{}, err
	}
	return mc.WithDropout(c.Dropout)
}

// TrainingConfig builds the record the trainer runs from and saves.
func (c *Config) TrainingConfig() (trainer.TrainingConfig, error) {
	mc, err := c.ModelConfig()
	if err != nil {
		return trainer.TrainingConfig{}, err
	}
	dtype, err := checkpoint.ParseDType(c.DType)
	if err != nil {
		return trainer.TrainingConfig{}, err
	}
	tc := trainer.NewTrainingConfig(mc)
	tc.NumEpochs = c.Epochs
	tc.BatchSize = c.BatchSize
	tc.NumWorkers = c.NumWorkers
	tc.Seed = c.Seed
	tc.LearningRate = c.LearningRate
	tc.DType = dtype
	if err := tc.Validate(); err != nil {
		return trainer.TrainingConfig{}, err
	}
	return tc, nil
}
