package moco

import (
	"fmt"

	"github.com/b0tShaman/moco-go/ml"
)

// Model owns the query and key encoders and the negative queue of one
// training run. It is the single-worker entry point; Trainer drives several
// workers over the same state.
type Model struct {
	cfg   Config
	Query *ml.NeuralNetwork
	Key   *ml.NeuralNetwork
	Queue *Queue

	replica *Replica

	// last step, kept for Backward
	last     *StepOutput
	lastNegs *ml.Matrix
}

// New builds both encoders (the key encoder an exact copy of the query
// encoder) and a zeroed queue sized for keysPerStep new keys per step.
func New(cfg Config, keysPerStep int) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	query := cfg.NewEncoder(cfg.source())
	queue, err := NewQueue(cfg.Capacity, cfg.Dim, keysPerStep)
	if err != nil {
		return nil, err
	}
	return newModel(cfg, query, query.Clone(), queue)
}

func newModel(cfg Config, query, key *ml.NeuralNetwork, queue *Queue) (*Model, error) {
	if query.OutputDim() != cfg.Dim || key.OutputDim() != cfg.Dim {
		return nil, fmt.Errorf("%w: encoder output dims %d/%d, configured dim %d",
			ErrConfig, query.OutputDim(), key.OutputDim(), cfg.Dim)
	}
	if queue.Dim() != cfg.Dim {
		return nil, fmt.Errorf("%w: queue dim %d, configured dim %d", ErrConfig, queue.Dim(), cfg.Dim)
	}

	m := &Model{cfg: cfg, Query: query, Key: key, Queue: queue}
	comm := NewLocalGroup(1).Member(0)
	m.replica = NewReplica(query, key, comm, NewShuffler(comm, cfg.source()), m.Scorer())
	return m, nil
}

func (m *Model) Config() Config { return m.cfg }

func (m *Model) Scorer() Scorer { return Scorer{Temperature: m.cfg.Temperature} }

// validNegatives is how many queue rows may be scored against.
func (m *Model) validNegatives() int {
	if m.cfg.MaskWarmup {
		return m.Queue.Filled()
	}
	return m.Queue.Capacity()
}

// Forward runs one step on a single worker: it scores view A's queries
// against view B's keys and the pre-step queue, then enqueues the new keys.
// Both views must hold exactly one step's worth of keys so the queue cursor
// stays on a batch boundary. The returned labels are all PositiveIndex.
func (m *Model) Forward(viewA, viewB *ml.Matrix) (*ml.Matrix, []int, error) {
	if viewA.Rows() != m.Queue.KeysPerStep() || !viewA.SameShape(viewB) {
		return nil, nil, fmt.Errorf("%w: forward expects two [%d, %d] views, got [%d, %d] and [%d, %d]",
			ErrShape, m.Queue.KeysPerStep(), m.cfg.InputDim,
			viewA.Rows(), viewA.Cols(), viewB.Rows(), viewB.Cols())
	}
	negatives := m.Queue.Snapshot()
	out, err := m.replica.Forward(viewA, viewB, negatives, m.validNegatives())
	if err != nil {
		return nil, nil, err
	}
	if err := m.Queue.Enqueue(out.GlobalKeys); err != nil {
		return nil, nil, err
	}
	m.last, m.lastNegs = out, negatives
	return out.Logits, out.Labels, nil
}

// Loss is the cross-entropy of the last Forward.
func (m *Model) Loss() float64 {
	if m.last == nil {
		return 0
	}
	return m.last.Loss
}

// Backward computes query-encoder gradients for the last Forward.
func (m *Model) Backward() ([]ml.GradientSet, error) {
	if m.last == nil {
		return nil, fmt.Errorf("moco: Backward called before Forward")
	}
	m.replica.Backward(m.last, m.lastNegs)
	m.last, m.lastNegs = nil, nil
	return m.replica.Grads, nil
}

// UpdateMomentum is the step-boundary hook run after each optimizer step.
func (m *Model) UpdateMomentum() error {
	return MomentumUpdate(m.Key, m.Query, m.cfg.Momentum)
}

// Embed encodes x with the query encoder in eval mode and returns
// normalized embeddings.
func (m *Model) Embed(x *ml.Matrix) *ml.Matrix {
	return Embed(m.Query, x)
}

// Embed runs a copy of enc in eval mode over x and L2-normalizes the
// output rows. enc itself is left untouched.
func Embed(enc *ml.NeuralNetwork, x *ml.Matrix) *ml.Matrix {
	enc = enc.Clone()
	enc.Training = false
	out := enc.Forward(x).Clone()
	ml.NormalizeRows(out)
	return out
}
