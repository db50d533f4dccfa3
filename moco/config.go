package moco

import (
	"fmt"
	"math/rand/v2"

	"github.com/b0tShaman/moco-go/ml"
)

// Config is the configuration surface consumed by the contrastive core.
type Config struct {
	InputDim    int     // width of one input example
	HiddenDim   int     // width of the backbone (and of the MLP head)
	Dim         int     // embedding dimension D
	Capacity    int     // number of negative keys held in the queue
	Momentum    float64 // key encoder momentum m
	Temperature float64 // softmax temperature T
	MLP         bool    // extra ReLU projection before the output layer

	// MaskWarmup hides queue slots that have never been written, so early
	// steps do not score against zero placeholders.
	MaskWarmup bool

	// BNMomentum is the BatchNorm running-statistic rate; 0 keeps the
	// layer default.
	BNMomentum float64

	Seed uint64
}

func DefaultConfig() Config {
	return Config{
		HiddenDim:   512,
		Dim:         128,
		Capacity:    65536,
		Momentum:    0.999,
		Temperature: 0.07,
		MaskWarmup:  true,
	}
}

func (c Config) Validate() error {
	if c.InputDim <= 0 {
		return fmt.Errorf("%w: input dim must be positive, got %d", ErrConfig, c.InputDim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("%w: hidden dim must be positive, got %d", ErrConfig, c.HiddenDim)
	}
	if c.Dim <= 0 {
		return fmt.Errorf("%w: embedding dim must be positive, got %d", ErrConfig, c.Dim)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: queue capacity must be positive, got %d", ErrConfig, c.Capacity)
	}
	if c.Momentum <= 0 || c.Momentum >= 1 {
		return fmt.Errorf("%w: momentum must be in (0, 1), got %g", ErrConfig, c.Momentum)
	}
	if c.Temperature <= 0 {
		return fmt.Errorf("%w: temperature must be > 0, got %g", ErrConfig, c.Temperature)
	}
	if c.BNMomentum < 0 || c.BNMomentum > 1 {
		return fmt.Errorf("%w: batchnorm momentum must be in [0, 1], got %g", ErrConfig, c.BNMomentum)
	}
	return nil
}

// NewEncoder builds the query/key architecture:
// Dense -> BatchNorm+ReLU -> [Dense+ReLU] -> Dense(Dim).
func (c Config) NewEncoder(src *rand.Rand) *ml.NeuralNetwork {
	bn := []ml.LayerOption{ml.Activation("relu")}
	if c.BNMomentum > 0 {
		bn = append(bn, ml.BNMomentum(c.BNMomentum))
	}
	layers := []ml.LayerConfig{
		ml.Input(c.InputDim),
		ml.Dense(c.HiddenDim, ml.Activation("linear")),
		ml.BatchNorm(bn...),
	}
	if c.MLP {
		layers = append(layers, ml.Dense(c.HiddenDim))
	}
	layers = append(layers, ml.Dense(c.Dim, ml.Activation("linear")))
	return ml.NewNetworkWithSource(src, layers...)
}

func (c Config) source() *rand.Rand {
	return rand.New(rand.NewPCG(c.Seed, c.Seed^0x9e3779b97f4a7c15))
}
