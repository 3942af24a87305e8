package utils

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds training and correction configuration
type Config struct {
	Samples      int
	Epochs       int
	BatchSize    int
	LearningRate float64
	Activator    string
	HoldOut      float64
	Threshold    float64
	MaxAttempts  int
	Seed         int64
	Workers      int
	Verbose      bool
}

// DefaultConfig returns the settings the pipeline was tuned with.
func DefaultConfig() Config {
	return Config{
		Samples:      50000,
		Epochs:       10,
		BatchSize:    32,
		LearningRate: 0.001,
		Activator:    "relu",
		HoldOut:      0.15,
		Threshold:    0.1,
		MaxAttempts:  10,
		Seed:         1,
		Workers:      4,
		Verbose:      true,
	}
}

// ConfigFromEnv overrides c with any DRY_* environment variables that are set.
func ConfigFromEnv(c Config) (Config, error) {
	var err error
	if c.Samples, err = envInt("DRY_SAMPLES", c.Samples); err != nil {
		return c, err
	}
	if c.Epochs, err = envInt("DRY_EPOCHS", c.Epochs); err != nil {
		return c, err
	}
	if c.BatchSize, err = envInt("DRY_BATCH", c.BatchSize); err != nil {
		return c, err
	}
	if c.MaxAttempts, err = envInt("DRY_MAX_ATTEMPTS", c.MaxAttempts); err != nil {
		return c, err
	}
	if c.Workers, err = envInt("DRY_WORKERS", c.Workers); err != nil {
		return c, err
	}
	if c.LearningRate, err = envFloat("DRY_LR", c.LearningRate); err != nil {
		return c, err
	}
	if c.Threshold, err = envFloat("DRY_THRESHOLD", c.Threshold); err != nil {
		return c, err
	}
	seed, err := envInt("DRY_SEED", int(c.Seed))
	if err != nil {
		return c, err
	}
	c.Seed = int64(seed)
	c.Activator = GetEnv("DRY_ACTIVATOR", c.Activator)
	return c, nil
}

// ValidateConfig validates training configuration
func ValidateConfig(config *Config) error {
	if config.Samples <= 0 {
		return fmt.Errorf("samples must be positive")
	}

	if config.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive")
	}

	if config.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}

	if config.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive")
	}

	if config.HoldOut <= 0 || config.HoldOut >= 1 {
		return fmt.Errorf("hold-out fraction must be in (0, 1), got %v", config.HoldOut)
	}

	if config.Threshold <= 0 {
		return fmt.Errorf("MAE threshold must be positive")
	}

	if config.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}

	if config.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}

	return nil
}

// GetEnv returns the environment value for key, or defaultValue when unset.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("parsing %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("parsing %s: %w", key, err)
	}
	return f, nil
}
