package trainer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"digitnet/internal/checkpoint"
	"digitnet/internal/model"
	"digitnet/internal/optim"
)

// ConfigFileName is the training config inside an artifact directory.
const ConfigFileName = "config.json"

// Defaults for a training run.
const (
	DefaultEpochs       = 10
	DefaultBatchSize    = 64
	DefaultNumWorkers   = 4
	DefaultSeed         = 42
	DefaultLearningRate = 1e-4
)

// TrainingConfig is the record written to config.json next to a checkpoint.
type TrainingConfig struct {
	Model        model.Config     `json:"model"`
	Optimizer    optim.AdamConfig `json:"optimizer"`
	NumEpochs    int              `json:"num_epochs"`
	BatchSize    int              `json:"batch_size"`
	NumWorkers   int              `json:"num_workers"`
	Seed         int64            `json:"seed"`
	LearningRate float64          `json:"learning_rate"`
	DType        checkpoint.DType `json:"dtype"`
	RunID        string           `json:"run_id,omitempty"`
}

// NewTrainingConfig fills the defaults around a model config.
func NewTrainingConfig(m model.Config) TrainingConfig {
	return TrainingConfig{
		Model:        m,
		Optimizer:    optim.DefaultAdam(DefaultLearningRate),
		NumEpochs:    DefaultEpochs,
		BatchSize:    DefaultBatchSize,
		NumWorkers:   DefaultNumWorkers,
		Seed:         DefaultSeed,
		LearningRate: DefaultLearningRate,
		DType:        checkpoint.F32,
	}
}

// Validate verifies the config is runnable.
func (c TrainingConfig) Validate() error {
	if err := c.Model.Validate(); err != nil {
		return err
	}
	if c.NumEpochs <= 0 {
		return fmt.Errorf("num_epochs must be > 0 (got %d)", c.NumEpochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if _, err := checkpoint.ParseDType(string(c.DType)); err != nil {
		return err
	}
	opt := c.Optimizer
	opt.LR = c.LearningRate
	return opt.Validate()
}

// SaveConfig writes c as config.json in dir.
func SaveConfig(dir string, c TrainingConfig) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode training config: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ConfigFileName), append(raw, '\n'), 0o644)
}

// LoadConfig reads config.json from dir.
func LoadConfig(dir string) (TrainingConfig, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return TrainingConfig{}, fmt.Errorf("training config: %w", err)
	}
	var c TrainingConfig
	if err := json.Unmarshal(raw, &c); err != nil {
		return TrainingConfig{}, fmt.Errorf("training config %s: %w", dir, err)
	}
	return c, nil
}
