package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig reports a hyperparameter outside its valid range.
var ErrInvalidConfig = errors.New("model: invalid config")

// DefaultDropout is used when a config does not set a dropout probability.
const DefaultDropout = 0.5

// Config holds the classifier hyperparameters. It is immutable: the With
// methods return modified copies.
type Config struct {
	numClasses int
	hiddenSize int
	dropout    float64
}

// NewConfig returns a config with the default dropout probability.
func NewConfig(numClasses, hiddenSize int) (Config, error) {
	c := Config{numClasses: numClasses, hiddenSize: hiddenSize, dropout: DefaultDropout}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// MustConfig is NewConfig for compile-time constants.
func MustConfig(numClasses, hiddenSize int) Config {
	c, err := NewConfig(numClasses, hiddenSize)
	if err != nil {
		panic(err)
	}
	return c
}

// WithDropout returns a copy of c using dropout probability p.
func (c Config) WithDropout(p float64) (Config, error) {
	c.dropout = p
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// NumClasses returns the number of output classes.
func (c Config) NumClasses() int { return c.numClasses }

// HiddenSize returns the width of the hidden linear layer.
func (c Config) HiddenSize() int { return c.hiddenSize }

// Dropout returns the dropout probability.
func (c Config) Dropout() float64 { return c.dropout }

// Validate checks every field.
func (c Config) Validate() error {
	if c.numClasses < 1 {
		return fmt.Errorf("%w: num_classes must be >= 1 (got %d)", ErrInvalidConfig, c.numClasses)
	}
	if c.hiddenSize < 1 {
		return fmt.Errorf("%w: hidden_size must be >= 1 (got %d)", ErrInvalidConfig, c.hiddenSize)
	}
	if math.IsNaN(c.dropout) || c.dropout < 0 || c.dropout >= 1 {
		return fmt.Errorf("%w: dropout must be in [0, 1) (got %g)", ErrInvalidConfig, c.dropout)
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("ModelConfig{num_classes: %d, hidden_size: %d, dropout: %g}", c.numClasses, c.hiddenSize, c.dropout)
}

type configJSON struct {
	NumClasses int      `json:"num_classes"`
	HiddenSize int      `json:"hidden_size"`
	Dropout    *float64 `json:"dropout,omitempty"`
}

// MarshalJSON encodes the config as num_classes, hidden_size and dropout.
func (c Config) MarshalJSON() ([]byte, error) {
	d := c.dropout
	return json.Marshal(configJSON{NumClasses: c.numClasses, HiddenSize: c.hiddenSize, Dropout: &d})
}

// UnmarshalJSON decodes and validates a config. A missing dropout field takes
// the default.
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw configJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg := Config{numClasses: raw.NumClasses, hiddenSize: raw.HiddenSize, dropout: DefaultDropout}
	if raw.Dropout != nil {
		cfg.dropout = *raw.Dropout
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	*c = cfg
	return nil
}
