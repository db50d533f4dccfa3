package ml

const (
	ActLinear ActivationType = iota
	ActRelu
)

const (
	KindDense LayerKind = iota
	KindBatchNorm
)

const (
	defaultBNEps      = 1e-5
	defaultBNMomentum = 0.1
)

var activationMap = map[string]ActivationType{
	"linear": ActLinear,
	"relu":   ActRelu,
}

// -------- TYPE DEFINITIONS -------- //
type ActivationType int
type LayerKind int
type LayerOption func(*LayerConfig)

// LayerConfig holds the blueprint for a layer
type LayerConfig struct {
	Neurons    int
	IsInput    bool
	Kind       LayerKind
	Activation ActivationType

	// BatchNorm fields
	Eps      float64
	Momentum float64 // running-stat update rate, PyTorch convention
}

// Layer is either a fully connected layer (Weights [in, out], Biases [1, out])
// or a batch normalization layer (Weights = gamma [1, n], Biases = beta [1, n]).
type Layer struct {
	Kind    LayerKind
	ActType ActivationType

	Weights *Matrix
	Biases  *Matrix

	// BatchNorm buffers. Not trainable, never shared between replicas.
	RunningMean *Matrix
	RunningVar  *Matrix
	Eps         float64
	Momentum    float64

	// Forward State
	Z *Matrix
	A *Matrix

	// Backward State
	dZ *Matrix

	// BatchNorm cache (training mode only)
	xhat   *Matrix
	invStd []float64
}

// GradientSet holds the calculated gradients for one layer
type GradientSet struct {
	dW *Matrix
	db *Matrix
}

func (g GradientSet) DW() *Matrix { return g.dW }
func (g GradientSet) DB() *Matrix { return g.db }

// ------- LAYER CONFIG HELPERS ------- //
// Input defines the entry point dimensions
func Input(size int) LayerConfig {
	return LayerConfig{
		Neurons:    size,
		IsInput:    true,
		Activation: ActLinear,
	}
}

// Dense defines a fully connected layer.
func Dense(size int, opts ...LayerOption) LayerConfig {
	d := LayerConfig{
		Neurons:    size,
		Kind:       KindDense,
		Activation: ActRelu, // Default for hidden layers
	}

	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// BatchNorm normalizes each feature over the batch. Its width is inherited
// from the previous layer.
func BatchNorm(opts ...LayerOption) LayerConfig {
	cfg := LayerConfig{
		Kind:       KindBatchNorm,
		Activation: ActLinear,
		Eps:        defaultBNEps,
		Momentum:   defaultBNMomentum,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func Activation(activation string) LayerOption {
	return func(lc *LayerConfig) {
		act, exists := activationMap[activation]
		if !exists {
			panic("Unknown activation: " + activation)
		}
		lc.Activation = act
	}
}

func BNMomentum(m float64) LayerOption {
	return func(lc *LayerConfig) { lc.Momentum = m }
}
