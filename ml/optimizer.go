package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	OptSGD      OptimizerType = "sgd"
	OptMomentum OptimizerType = "momentum"
	OptAdam     OptimizerType = "adam"
)

// Default settings generally recommended for Adam
var DefaultAdamConfig = AdamConfig{
	Beta1:        0.9,
	Beta2:        0.999,
	Epsilon:      1e-8,
	LearningRate: 0.001,
}

type OptimizerType string

// OptimizerConfig selects and parameterizes an optimizer. Zero values of
// the hyperparameters fall back to the usual defaults.
type OptimizerConfig struct {
	Type         OptimizerType
	LearningRate float64
	WeightDecay  float64 // L2 penalty added to the gradient (SGD and Momentum)

	MomentumMu float64 // For Momentum (usually 0.9)
	AdamBeta1  float64 // For Adam (usually 0.9)
	AdamBeta2  float64 // For Adam (usually 0.999)
	AdamEps    float64 // For Adam (usually 1e-8)
}

type AdamConfig struct {
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	LearningRate float64
}

// LayerState holds the momentum velocities of one layer.
type LayerState struct {
	mW, mB *Matrix
}

// AdamOptimizer keeps first and second moments for an ordered list of
// parameter matrices.
type AdamOptimizer struct {
	cfg      AdamConfig
	m, v     []*Matrix
	timeStep int // 't' in the Adam paper, tracks number of updates
}

type SGDOptimizer struct {
	lr          float64
	WeightDecay float64
}

type MomentumOptimizer struct {
	lr          float64
	Mu          float64 // Momentum Factor (usually 0.9)
	WeightDecay float64

	layerStates []*LayerState
}

type Optimizer interface {
	Update(nw *NeuralNetwork, grads []GradientSet)
	LearningRate() float64
	SetLearningRate(lr float64)
}

func ParseOptimizerType(s string) (OptimizerType, error) {
	switch t := OptimizerType(s); t {
	case OptSGD, OptMomentum, OptAdam:
		return t, nil
	default:
		return "", fmt.Errorf("unknown optimizer %q (want sgd, momentum or adam)", s)
	}
}

func NewOptimizer(nw *NeuralNetwork, cfg OptimizerConfig) Optimizer {
	switch cfg.Type {
	case OptAdam:
		// Set defaults if 0
		beta1 := cfg.AdamBeta1
		if beta1 == 0 {
			beta1 = DefaultAdamConfig.Beta1
		}
		beta2 := cfg.AdamBeta2
		if beta2 == 0 {
			beta2 = DefaultAdamConfig.Beta2
		}
		eps := cfg.AdamEps
		if eps == 0 {
			eps = DefaultAdamConfig.Epsilon
		}
		return NewAdamOptimizer(nw, AdamConfig{
			Beta1:        beta1,
			Beta2:        beta2,
			Epsilon:      eps,
			LearningRate: cfg.LearningRate,
		})

	case OptMomentum:
		opt := NewMomentumOptimizer(nw, cfg.LearningRate, cfg.MomentumMu)
		opt.WeightDecay = cfg.WeightDecay
		return opt

	default:
		return &SGDOptimizer{lr: cfg.LearningRate, WeightDecay: cfg.WeightDecay}
	}
}

func NewAdamOptimizer(nw *NeuralNetwork, cfg AdamConfig) *AdamOptimizer {
	return NewParamAdam(nw.Params(), cfg)
}

// NewParamAdam builds an Adam optimizer over arbitrary parameter matrices,
// e.g. embedding tables that are not part of a NeuralNetwork.
func NewParamAdam(params []*Matrix, cfg AdamConfig) *AdamOptimizer {
	opt := &AdamOptimizer{cfg: cfg}

	// Initialize zero-matrices for every parameter
	for _, p := range params {
		opt.m = append(opt.m, NewMatrix(p.rows, p.cols))
		opt.v = append(opt.v, NewMatrix(p.rows, p.cols))
	}
	return opt
}

func NewMomentumOptimizer(nw *NeuralNetwork, lr, mu float64) *MomentumOptimizer {
	if mu == 0 {
		mu = 0.9
	} // Default

	opt := &MomentumOptimizer{
		lr:          lr,
		Mu:          mu,
		layerStates: make([]*LayerState, len(nw.Layers)),
	}

	// Pre-allocate memory for velocities (held in LayerState matrices)
	for i, layer := range nw.Layers {
		opt.layerStates[i] = &LayerState{
			mW: NewMatrix(layer.Weights.rows, layer.Weights.cols),
			mB: NewMatrix(layer.Biases.rows, layer.Biases.cols),
		}
	}
	return opt
}

// ------ ADAM OPTIMIZER METHODS ------ //
func (opt *AdamOptimizer) LearningRate() float64      { return opt.cfg.LearningRate }
func (opt *AdamOptimizer) SetLearningRate(lr float64) { opt.cfg.LearningRate = lr }

// Update applies the Adam update rule to the network's weights and biases
func (opt *AdamOptimizer) Update(nw *NeuralNetwork, grads []GradientSet) {
	flat := make([]*Matrix, 0, 2*len(grads))
	for _, g := range grads {
		flat = append(flat, g.dW, g.db)
	}
	opt.Step(nw.Params(), flat)
}

// Step applies one Adam update to params given grads in the same order as
// the params the optimizer was built with.
func (opt *AdamOptimizer) Step(params, grads []*Matrix) {
	if len(params) != len(opt.m) || len(grads) != len(opt.m) {
		panic(fmt.Sprintf("Adam: %d params / %d grads for %d moment buffers", len(params), len(grads), len(opt.m)))
	}
	opt.timeStep++
	t := float64(opt.timeStep)

	// correction1 = 1 - beta1^t, correction2 = 1 - beta2^t
	correction1 := 1.0 - math.Pow(opt.cfg.Beta1, t)
	correction2 := 1.0 - math.Pow(opt.cfg.Beta2, t)

	apply := func(params, grads, m, v []float64) {
		beta1 := opt.cfg.Beta1
		beta2 := opt.cfg.Beta2
		eps := opt.cfg.Epsilon
		lr := opt.cfg.LearningRate

		for i := range params {
			g := grads[i]

			// m_t = beta1 * m_{t-1} + (1 - beta1) * g
			m[i] = beta1*m[i] + (1.0-beta1)*g
			// v_t = beta2 * v_{t-1} + (1 - beta2) * g^2
			v[i] = beta2*v[i] + (1.0-beta2)*(g*g)

			mHat := m[i] / correction1
			vHat := v[i] / correction2

			// theta = theta - lr * mHat / (sqrt(vHat) + eps)
			params[i] -= lr * mHat / (math.Sqrt(vHat) + eps)
		}
	}

	for i, p := range params {
		apply(p.data, grads[i].data, opt.m[i].data, opt.v[i].data)
	}
}

// ------ MOMENTUM OPTIMIZER METHODS ------ //
func (opt *MomentumOptimizer) LearningRate() float64      { return opt.lr }
func (opt *MomentumOptimizer) SetLearningRate(lr float64) { opt.lr = lr }

func (opt *MomentumOptimizer) Update(nw *NeuralNetwork, grads []GradientSet) {
	// v = mu * v - lr * (grad + wd * w)
	// w = w + v
	applyMomentum := func(params, grads, velocity []float64) {
		for i := range params {
			g := grads[i] + opt.WeightDecay*params[i]
			velocity[i] = (opt.Mu * velocity[i]) - (opt.lr * g)
			params[i] += velocity[i]
		}
	}

	for i, layer := range nw.Layers {
		state := opt.layerStates[i]
		applyMomentum(layer.Weights.data, grads[i].dW.data, state.mW.data)
		applyMomentum(layer.Biases.data, grads[i].db.data, state.mB.data)
	}
}

// ------ SGD OPTIMIZER METHODS ------ //
func (opt *SGDOptimizer) LearningRate() float64      { return opt.lr }
func (opt *SGDOptimizer) SetLearningRate(lr float64) { opt.lr = lr }

func (opt *SGDOptimizer) Update(nw *NeuralNetwork, grads []GradientSet) {
	for i, layer := range nw.Layers {
		if opt.WeightDecay != 0 {
			floats.Scale(1-opt.lr*opt.WeightDecay, layer.Weights.data)
			floats.Scale(1-opt.lr*opt.WeightDecay, layer.Biases.data)
		}
		// W = W - (lr * gradient)
		floats.AddScaled(layer.Weights.data, -opt.lr, grads[i].dW.data)
		floats.AddScaled(layer.Biases.data, -opt.lr, grads[i].db.data)
	}
}

// AdjustLearningRate returns the learning rate for epoch (0-based): a
// half-cycle cosine decay when cosine is set, otherwise a 10x drop at every
// milestone already reached.
func AdjustLearningRate(base float64, epoch, epochs int, milestones []int, cosine bool) float64 {
	lr := base
	if cosine {
		return lr * 0.5 * (1.0 + math.Cos(math.Pi*float64(epoch)/float64(epochs)))
	}
	for _, m := range milestones {
		if epoch >= m {
			lr *= 0.1
		}
	}
	return lr
}
