// ABOUTME: Centralized configuration for the trainer and recommender
// ABOUTME: Loads from environment variables with validation and defaults
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/b0tShaman/moco-go/data"
	"github.com/b0tShaman/moco-go/ml"
	"github.com/b0tShaman/moco-go/moco"
	"github.com/b0tShaman/moco-go/rec"
)

// Config holds all configuration for the CLI
type Config struct {
	// Contrastive model
	Dim         int
	QueueSize   int
	Momentum    float64
	Temperature float64
	MLP         bool
	HiddenDim   int
	MaskWarmup  bool
	BNMomentum  float64

	// Training
	BatchSize     int
	NumWorkers    int
	Epochs        int
	LearningRate  float64
	SGDMomentum   float64
	WeightDecay   float64
	Optimizer     ml.OptimizerType
	Schedule      []int
	Cosine        bool
	PrintFreq     int
	Seed          uint64
	CheckpointDir string
	Resume        string

	// Augmentation
	NoiseStd    float64
	DropProb    float64
	ImageWidth  int
	ImageHeight int

	// Recommender
	RecDim          int
	RecBatchSize    int
	RecEpochs       int
	RecLearningRate float64
	RecReg          float64
	RecConWeight    float64
	RecContrast     rec.ContrastKind
	RecTopK         int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Defaults
		Dim:         getEnvInt("MOCO_DIM", 128),
		QueueSize:   getEnvInt("MOCO_K", 65536),
		Momentum:    getEnvFloat("MOCO_M", 0.999),
		Temperature: getEnvFloat("MOCO_T", 0.07),
		MLP:         getEnvBool("MOCO_MLP", false),
		HiddenDim:   getEnvInt("MOCO_HIDDEN", 512),
		MaskWarmup:  getEnvBool("MOCO_MASK_WARMUP", true),
		BNMomentum:  getEnvFloat("MOCO_BN_MOMENTUM", 0.1),

		BatchSize:     getEnvInt("BATCH_SIZE", 256),
		NumWorkers:    getEnvInt("NUM_WORKERS", 1),
		Epochs:        getEnvInt("EPOCHS", 200),
		LearningRate:  getEnvFloat("LEARNING_RATE", 0.03),
		SGDMomentum:   getEnvFloat("SGD_MOMENTUM", 0.9),
		WeightDecay:   getEnvFloat("WEIGHT_DECAY", 1e-4),
		Optimizer:     ml.OptimizerType(getEnv("OPTIMIZER", string(ml.OptMomentum))),
		Cosine:        getEnvBool("LR_COSINE", false),
		PrintFreq:     getEnvInt("PRINT_FREQ", 10),
		Seed:          uint64(getEnvInt("SEED", 0)),
		CheckpointDir: getEnv("CHECKPOINT_DIR", "checkpoints"),
		Resume:        os.Getenv("RESUME"),

		NoiseStd:    getEnvFloat("AUG_NOISE_STD", 0.05),
		DropProb:    getEnvFloat("AUG_DROP_PROB", 0.1),
		ImageWidth:  getEnvInt("IMAGE_WIDTH", 32),
		ImageHeight: getEnvInt("IMAGE_HEIGHT", 32),

		RecDim:          getEnvInt("REC_DIM", 64),
		RecBatchSize:    getEnvInt("REC_BATCH_SIZE", 256),
		RecEpochs:       getEnvInt("REC_EPOCHS", 20),
		RecLearningRate: getEnvFloat("REC_LEARNING_RATE", 0.001),
		RecReg:          getEnvFloat("REC_REG", 0),
		RecConWeight:    getEnvFloat("REC_CON_WEIGHT", 1),
		RecContrast:     rec.ContrastKind(getEnv("REC_CONTRAST", string(rec.ContrastCosine))),
		RecTopK:         getEnvInt("REC_TOPK", 10),
	}

	schedule, err := ParseSchedule(getEnv("LR_SCHEDULE", "120,160"))
	if err != nil {
		return nil, fmt.Errorf("LR_SCHEDULE: %w", err)
	}
	cfg.Schedule = schedule

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.BatchSize <= 0 || c.NumWorkers <= 0 {
		return fmt.Errorf("BATCH_SIZE and NUM_WORKERS must be positive, got %d and %d", c.BatchSize, c.NumWorkers)
	}
	if c.BatchSize%c.NumWorkers != 0 {
		return fmt.Errorf("BATCH_SIZE %d must be divisible by NUM_WORKERS %d", c.BatchSize, c.NumWorkers)
	}
	if c.QueueSize <= 0 || c.QueueSize%c.BatchSize != 0 {
		return fmt.Errorf("MOCO_K must be a positive multiple of BATCH_SIZE %d, got %d", c.BatchSize, c.QueueSize)
	}
	if c.Momentum <= 0 || c.Momentum >= 1 {
		return fmt.Errorf("MOCO_M must be in (0, 1), got %g", c.Momentum)
	}
	if c.Temperature <= 0 {
		return fmt.Errorf("MOCO_T must be > 0, got %g", c.Temperature)
	}
	if c.BNMomentum < 0 || c.BNMomentum > 1 {
		return fmt.Errorf("MOCO_BN_MOMENTUM must be 0-1, got %g", c.BNMomentum)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("EPOCHS must be positive, got %d", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("LEARNING_RATE must be > 0, got %g", c.LearningRate)
	}
	if _, err := ml.ParseOptimizerType(string(c.Optimizer)); err != nil {
		return fmt.Errorf("OPTIMIZER: %w", err)
	}
	if c.DropProb < 0 || c.DropProb >= 1 {
		return fmt.Errorf("AUG_DROP_PROB must be 0-1, got %g", c.DropProb)
	}
	if c.ImageWidth <= 0 || c.ImageHeight <= 0 {
		return fmt.Errorf("IMAGE_WIDTH and IMAGE_HEIGHT must be positive, got %dx%d", c.ImageWidth, c.ImageHeight)
	}
	return c.Rec().Validate()
}

// MoCo returns the model configuration for inputs of width inputDim.
func (c *Config) MoCo(inputDim int) moco.Config {
	return moco.Config{
		InputDim:    inputDim,
		HiddenDim:   c.HiddenDim,
		Dim:         c.Dim,
		Capacity:    c.QueueSize,
		Momentum:    c.Momentum,
		Temperature: c.Temperature,
		MLP:         c.MLP,
		MaskWarmup:  c.MaskWarmup,
		BNMomentum:  c.BNMomentum,
		Seed:        c.Seed,
	}
}

func (c *Config) Training() moco.TrainingConfig {
	return moco.TrainingConfig{
		Epochs:     c.Epochs,
		BatchSize:  c.BatchSize,
		NumWorkers: c.NumWorkers,
		Optimizer: ml.OptimizerConfig{
			Type:         c.Optimizer,
			LearningRate: c.LearningRate,
			WeightDecay:  c.WeightDecay,
			MomentumMu:   c.SGDMomentum,
		},
		Schedule:   c.Schedule,
		Cosine:     c.Cosine,
		PrintFreq:  c.PrintFreq,
		SaveDir:    c.CheckpointDir,
		Seed:       c.Seed,
		SaveOnStop: true,
	}
}

// Augment returns the view transform. Image inputs get crop and flip
// geometry; feature rows get noise and dropout only.
func (c *Config) Augment(images bool) data.AugmentConfig {
	aug := data.DefaultAugmentConfig()
	aug.NoiseStd = c.NoiseStd
	aug.DropProb = c.DropProb
	if images {
		aug.Width, aug.Height = c.ImageWidth, c.ImageHeight
	}
	return aug
}

func (c *Config) Rec() rec.Config {
	cfg := rec.DefaultConfig()
	cfg.Dim = c.RecDim
	cfg.BatchSize = c.RecBatchSize
	cfg.Epochs = c.RecEpochs
	cfg.LearningRate = c.RecLearningRate
	cfg.Reg = c.RecReg
	cfg.ConWeight = c.RecConWeight
	cfg.Contrast = c.RecContrast
	cfg.TopK = c.RecTopK
	cfg.Seed = c.Seed
	return cfg
}

// ParseSchedule parses comma-separated epoch milestones such as "120,160".
// An empty string means no milestones.
func ParseSchedule(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid milestone %q", part)
		}
		if n < 0 || (len(out) > 0 && n <= out[len(out)-1]) {
			return nil, fmt.Errorf("milestones must be increasing and non-negative, got %q", s)
		}
		out = append(out, n)
	}
	return out, nil
}

// Helper functions
func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v == "true" || v == "1"
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
