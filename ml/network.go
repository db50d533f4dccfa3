package ml

import (
	"encoding/gob"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"

	"gonum.org/v1/gonum/floats"
)

type NeuralNetwork struct {
	Layers []*Layer

	// Training selects batch statistics in BatchNorm layers; eval mode uses
	// the running estimates.
	Training bool

	inputDim  int
	batchSize int
}

// LayerData is the persisted form of a Layer.
type LayerData struct {
	Kind        LayerKind
	ActType     ActivationType
	Weights     *Matrix
	Biases      *Matrix
	RunningMean *Matrix
	RunningVar  *Matrix
	Eps         float64
	Momentum    float64
}

// NetworkData is the persisted form of a NeuralNetwork.
type NetworkData struct {
	InputDim int
	Layers   []LayerData
}

// Neural Network Builder
func NewNetwork(configs ...LayerConfig) *NeuralNetwork {
	src := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	return NewNetworkWithSource(src, configs...)
}

// NewNetworkWithSource builds a network whose initial weights are drawn
// from src, so two calls with equally seeded sources agree exactly.
func NewNetworkWithSource(src *rand.Rand, configs ...LayerConfig) *NeuralNetwork {
	if len(configs) < 2 {
		panic("Network must have at least Input and one Output layer")
	}
	if !configs[0].IsInput {
		panic("First layer must be Input()")
	}

	nn := &NeuralNetwork{Training: true, inputDim: configs[0].Neurons}
	prevOutputSize := configs[0].Neurons

	for i := 1; i < len(configs); i++ {
		cfg := configs[i]
		if cfg.IsInput {
			panic(fmt.Sprintf("Layer %d: Input() is only allowed first", i))
		}

		layer := &Layer{Kind: cfg.Kind, ActType: cfg.Activation}

		switch cfg.Kind {
		case KindBatchNorm:
			n := prevOutputSize
			layer.Weights = NewMatrix(1, n)
			layer.Weights.Fill(1)
			layer.Biases = NewMatrix(1, n)
			layer.RunningMean = NewMatrix(1, n)
			layer.RunningVar = NewMatrix(1, n)
			layer.RunningVar.Fill(1)
			layer.Eps = cfg.Eps
			layer.Momentum = cfg.Momentum

		default:
			if cfg.Neurons <= 0 {
				panic(fmt.Sprintf("Layer %d: Dense needs a positive size", i))
			}
			layer.Weights = NewMatrix(prevOutputSize, cfg.Neurons)
			layer.Biases = NewMatrix(1, cfg.Neurons)
			if cfg.Activation == ActRelu {
				layer.Weights.Randomize(src)
			} else {
				layer.Weights.RandomizeXavier(src)
			}
			prevOutputSize = cfg.Neurons
		}

		nn.Layers = append(nn.Layers, layer)
	}

	return nn
}

// -------- NEURAL NETWORK METHODS -------- //
func (nw *NeuralNetwork) InputDim() int { return nw.inputDim }

func (nw *NeuralNetwork) OutputDim() int {
	return nw.Layers[len(nw.Layers)-1].Biases.cols
}

func (nw *NeuralNetwork) InitializeBuffers(batchSize int) {
	for _, layer := range nw.Layers {
		outputDim := layer.Biases.cols
		layer.Z = NewMatrix(batchSize, outputDim)
		layer.A = NewMatrix(batchSize, outputDim)
		layer.dZ = NewMatrix(batchSize, outputDim)
		if layer.Kind == KindBatchNorm {
			layer.xhat = NewMatrix(batchSize, outputDim)
			layer.invStd = make([]float64, outputDim)
		}
	}
	nw.batchSize = batchSize
}

// Params lists the trainable tensors in a fixed order: per layer, weights
// (or gamma) then biases (or beta).
func (nw *NeuralNetwork) Params() []*Matrix {
	params := make([]*Matrix, 0, 2*len(nw.Layers))
	for _, l := range nw.Layers {
		params = append(params, l.Weights, l.Biases)
	}
	return params
}

// NewGradients allocates one zeroed GradientSet per layer.
func (nw *NeuralNetwork) NewGradients() []GradientSet {
	grads := make([]GradientSet, len(nw.Layers))
	for l, layer := range nw.Layers {
		grads[l].dW = NewMatrix(layer.Weights.rows, layer.Weights.cols)
		grads[l].db = NewMatrix(layer.Biases.rows, layer.Biases.cols)
	}
	return grads
}

// Clone returns a deep copy sharing no memory with nw.
func (nw *NeuralNetwork) Clone() *NeuralNetwork {
	newNN := &NeuralNetwork{
		Training: nw.Training,
		inputDim: nw.inputDim,
		Layers:   make([]*Layer, len(nw.Layers)),
	}
	for i, l := range nw.Layers {
		newNN.Layers[i] = &Layer{
			Kind:     l.Kind,
			ActType:  l.ActType,
			Weights:  l.Weights.Clone(),
			Biases:   l.Biases.Clone(),
			Eps:      l.Eps,
			Momentum: l.Momentum,
		}
		if l.Kind == KindBatchNorm {
			newNN.Layers[i].RunningMean = l.RunningMean.Clone()
			newNN.Layers[i].RunningVar = l.RunningVar.Clone()
		}
	}
	return newNN
}

// CloneStructure returns a replica that shares trainable parameters with nw
// but owns its activation buffers and BatchNorm running statistics.
func (nw *NeuralNetwork) CloneStructure() *NeuralNetwork {
	newNN := &NeuralNetwork{
		Training: nw.Training,
		inputDim: nw.inputDim,
		Layers:   make([]*Layer, len(nw.Layers)),
	}
	for i, l := range nw.Layers {
		newNN.Layers[i] = &Layer{
			Kind:     l.Kind,
			ActType:  l.ActType,
			Weights:  l.Weights,
			Biases:   l.Biases,
			Eps:      l.Eps,
			Momentum: l.Momentum,
		}
		if l.Kind == KindBatchNorm {
			newNN.Layers[i].RunningMean = l.RunningMean.Clone()
			newNN.Layers[i].RunningVar = l.RunningVar.Clone()
		}
	}
	return newNN
}

// CopyBuffersFrom overwrites the BatchNorm running statistics with src's.
func (nw *NeuralNetwork) CopyBuffersFrom(src *NeuralNetwork) {
	for i, l := range nw.Layers {
		if l.Kind != KindBatchNorm {
			continue
		}
		l.RunningMean.CopyFrom(src.Layers[i].RunningMean)
		l.RunningVar.CopyFrom(src.Layers[i].RunningVar)
	}
}

// Forward runs the batch through every layer and returns the last layer's
// activation buffer. The buffer is reused by the next call.
func (nw *NeuralNetwork) Forward(input *Matrix) *Matrix {
	if input.cols != nw.inputDim {
		panic(fmt.Sprintf("Input size mismatch. Expected %d, got %d", nw.inputDim, input.cols))
	}
	if nw.batchSize != input.rows || nw.Layers[0].Z == nil {
		nw.InitializeBuffers(input.rows)
	}

	activation := input
	for _, layer := range nw.Layers {
		switch layer.Kind {
		case KindBatchNorm:
			if nw.Training {
				batchNormTrainForward(layer, activation)
			} else {
				batchNormEvalForward(layer, activation)
			}
		default:
			MatMul(activation.dense, layer.Weights.dense, layer.Z)
			layer.Z.AddVector(layer.Biases)
		}

		copy(layer.A.data, layer.Z.data)
		switch layer.ActType {
		case ActRelu:
			layer.A.ApplyRelu()
		case ActLinear:
		default:
			panic("Unknown activation type")
		}
		activation = layer.A
	}
	return activation
}

func batchNormTrainForward(layer *Layer, x *Matrix) {
	n, cols := x.rows, x.cols
	gamma, beta := layer.Weights.data, layer.Biases.data

	for c := 0; c < cols; c++ {
		mean := 0.0
		for r := 0; r < n; r++ {
			mean += x.data[r*cols+c]
		}
		mean /= float64(n)

		variance := 0.0
		for r := 0; r < n; r++ {
			d := x.data[r*cols+c] - mean
			variance += d * d
		}
		variance /= float64(n)

		inv := 1.0 / math.Sqrt(variance+layer.Eps)
		layer.invStd[c] = inv
		for r := 0; r < n; r++ {
			xh := (x.data[r*cols+c] - mean) * inv
			layer.xhat.data[r*cols+c] = xh
			layer.Z.data[r*cols+c] = gamma[c]*xh + beta[c]
		}

		// Running variance tracks the unbiased estimate
		unbiased := variance
		if n > 1 {
			unbiased = variance * float64(n) / float64(n-1)
		}
		mom := layer.Momentum
		layer.RunningMean.data[c] = (1-mom)*layer.RunningMean.data[c] + mom*mean
		layer.RunningVar.data[c] = (1-mom)*layer.RunningVar.data[c] + mom*unbiased
	}
}

func batchNormEvalForward(layer *Layer, x *Matrix) {
	cols := x.cols
	gamma, beta := layer.Weights.data, layer.Biases.data
	for c := 0; c < cols; c++ {
		inv := 1.0 / math.Sqrt(layer.RunningVar.data[c]+layer.Eps)
		mean := layer.RunningMean.data[c]
		for r := 0; r < x.rows; r++ {
			layer.Z.data[r*cols+c] = gamma[c]*(x.data[r*cols+c]-mean)*inv + beta[c]
		}
	}
}

// Backward propagates dOut (gradient of the loss w.r.t. the network output,
// already averaged over the batch) through the cached forward pass and writes
// parameter gradients into grads. Returns the gradient w.r.t. input.
func (nw *NeuralNetwork) Backward(input, dOut *Matrix, grads []GradientSet) *Matrix {
	last := nw.Layers[len(nw.Layers)-1]
	if !dOut.SameShape(last.A) {
		panic(fmt.Sprintf("Gradient shape mismatch: got [%d, %d], want [%d, %d]",
			dOut.rows, dOut.cols, last.A.rows, last.A.cols))
	}
	if !nw.Training {
		panic("Backward called in eval mode")
	}

	dA := dOut
	for i := len(nw.Layers) - 1; i >= 0; i-- {
		layer := nw.Layers[i]

		var aPrev *Matrix
		if i == 0 {
			aPrev = input
		} else {
			aPrev = nw.Layers[i-1].A
		}

		// 1. Activation derivative
		copy(layer.dZ.data, dA.data)
		if layer.ActType == ActRelu {
			zData := layer.Z.data
			for k := range layer.dZ.data {
				if zData[k] <= 0 {
					layer.dZ.data[k] = 0
				}
			}
		}

		dX := NewMatrix(aPrev.rows, aPrev.cols)
		switch layer.Kind {
		case KindBatchNorm:
			batchNormBackward(layer, grads[i], dX)
		default:
			// --- STANDARD DENSE BACKWARD ---
			MatMul(aPrev.dense.T(), layer.dZ.dense, grads[i].dW)

			grads[i].db.Reset()
			dbData := grads[i].db.data
			for r := 0; r < layer.dZ.rows; r++ {
				floats.Add(dbData, layer.dZ.Row(r))
			}

			MatMul(layer.dZ.dense, layer.Weights.dense.T(), dX)
		}
		dA = dX
	}
	return dA
}

func batchNormBackward(layer *Layer, grads GradientSet, dX *Matrix) {
	n, cols := layer.dZ.rows, layer.dZ.cols
	gamma := layer.Weights.data
	dGamma, dBeta := grads.dW.data, grads.db.data
	nf := float64(n)

	for c := 0; c < cols; c++ {
		sumDy, sumDyXhat := 0.0, 0.0
		for r := 0; r < n; r++ {
			dy := layer.dZ.data[r*cols+c]
			sumDy += dy
			sumDyXhat += dy * layer.xhat.data[r*cols+c]
		}
		dGamma[c] = sumDyXhat
		dBeta[c] = sumDy

		// dx = gamma*invStd/N * (N*dy - sum(dy) - xhat*sum(dy*xhat))
		k := gamma[c] * layer.invStd[c] / nf
		for r := 0; r < n; r++ {
			idx := r*cols + c
			dX.data[idx] = k * (nf*layer.dZ.data[idx] - sumDy - layer.xhat.data[idx]*sumDyXhat)
		}
	}
}

// State returns a deep copy of everything needed to rebuild the network.
func (nw *NeuralNetwork) State() NetworkData {
	clone := nw.Clone()
	ld := make([]LayerData, len(clone.Layers))
	for i, l := range clone.Layers {
		ld[i] = LayerData{
			Kind:        l.Kind,
			ActType:     l.ActType,
			Weights:     l.Weights,
			Biases:      l.Biases,
			RunningMean: l.RunningMean,
			RunningVar:  l.RunningVar,
			Eps:         l.Eps,
			Momentum:    l.Momentum,
		}
	}
	return NetworkData{InputDim: nw.inputDim, Layers: ld}
}

// LoadState copies a persisted state into nw after checking that the
// architecture matches.
func (nw *NeuralNetwork) LoadState(data NetworkData) error {
	if data.InputDim != nw.inputDim {
		return fmt.Errorf("architecture mismatch: input dim %d, state has %d", nw.inputDim, data.InputDim)
	}
	if len(nw.Layers) != len(data.Layers) {
		return fmt.Errorf("architecture mismatch: current network has %d layers, state has %d",
			len(nw.Layers), len(data.Layers))
	}

	// Helper to check matrix dimensions
	checkDims := func(name string, layerIdx int, current, loaded *Matrix) error {
		if current == nil && loaded == nil {
			return nil
		}
		if current == nil || loaded == nil {
			return fmt.Errorf("layer %d %s mismatch: one is nil", layerIdx, name)
		}
		if current.rows != loaded.rows || current.cols != loaded.cols {
			return fmt.Errorf("layer %d %s shape mismatch: expected [%d, %d], got [%d, %d]",
				layerIdx, name,
				current.rows, current.cols,
				loaded.rows, loaded.cols,
			)
		}
		return nil
	}

	for i, curr := range nw.Layers {
		loaded := data.Layers[i]
		if curr.Kind != loaded.Kind || curr.ActType != loaded.ActType {
			return fmt.Errorf("layer %d mismatch: expected kind %v/%v, got %v/%v",
				i, curr.Kind, curr.ActType, loaded.Kind, loaded.ActType)
		}
		if err := checkDims("Weights", i, curr.Weights, loaded.Weights); err != nil {
			return err
		}
		if err := checkDims("Biases", i, curr.Biases, loaded.Biases); err != nil {
			return err
		}
		if err := checkDims("RunningMean", i, curr.RunningMean, loaded.RunningMean); err != nil {
			return err
		}
		if err := checkDims("RunningVar", i, curr.RunningVar, loaded.RunningVar); err != nil {
			return err
		}
	}

	// Safe to overwrite now
	for i, curr := range nw.Layers {
		loaded := data.Layers[i]
		curr.Weights.CopyFrom(loaded.Weights)
		curr.Biases.CopyFrom(loaded.Biases)
		if curr.Kind == KindBatchNorm {
			curr.RunningMean.CopyFrom(loaded.RunningMean)
			curr.RunningVar.CopyFrom(loaded.RunningVar)
			curr.Eps = loaded.Eps
			curr.Momentum = loaded.Momentum
		}
	}
	return nil
}

// SaveToFile saves the network parameters and buffers to a gob file.
func (nw *NeuralNetwork) SaveToFile(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	log.Printf("[Encoder] saving weights to %s", filename)
	return gob.NewEncoder(file).Encode(nw.State())
}

func (nw *NeuralNetwork) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	var loaded NetworkData
	if err := gob.NewDecoder(file).Decode(&loaded); err != nil {
		return fmt.Errorf("failed to decode gob file: %v", err)
	}
	if err := nw.LoadState(loaded); err != nil {
		return err
	}
	log.Printf("[Encoder] loaded weights from %s", filename)
	return nil
}
