package moco

import (
	"fmt"

	"github.com/b0tShaman/moco-go/ml"
)

// Replica runs one worker's share of a training step. Its networks share
// parameters with the master encoders but own activation buffers and
// BatchNorm statistics.
type Replica struct {
	Query *ml.NeuralNetwork
	Key   *ml.NeuralNetwork
	Grads []ml.GradientSet

	comm     Communicator
	shuffler *Shuffler
	scorer   Scorer
}

// StepOutput is what one replica produced for one step.
type StepOutput struct {
	Logits *ml.Matrix
	Labels []int
	Loss   float64

	Q          *ml.Matrix // normalized queries
	K          *ml.Matrix // normalized keys, original order
	GlobalKeys *ml.Matrix // keys of every worker, rank order

	viewA   *ml.Matrix
	qNorms  []float64
	dLogits *ml.Matrix
}

func NewReplica(query, key *ml.NeuralNetwork, comm Communicator, shuffler *Shuffler, scorer Scorer) *Replica {
	return &Replica{
		Query:    query,
		Key:      key,
		Grads:    query.NewGradients(),
		comm:     comm,
		shuffler: shuffler,
		scorer:   scorer,
	}
}

// Forward encodes both views, scores the queries against their keys and the
// first valid rows of negatives, and gathers the keys of all workers for the
// queue. negatives must not change until Backward returns.
func (r *Replica) Forward(viewA, viewB, negatives *ml.Matrix, valid int) (*StepOutput, error) {
	if !viewA.SameShape(viewB) {
		return nil, fmt.Errorf("%w: views [%d, %d] and [%d, %d]",
			ErrShape, viewA.Rows(), viewA.Cols(), viewB.Rows(), viewB.Cols())
	}

	// 1. Queries, with gradient bookkeeping
	q := r.Query.Forward(viewA).Clone()
	qNorms := ml.NormalizeRows(q)

	// 2. Keys: shuffle across workers, encode, restore order
	shuffled, inverse, err := r.shuffler.Shuffle(viewB)
	if err != nil {
		return nil, fmt.Errorf("shuffle: %w", err)
	}
	k := r.Key.Forward(shuffled).Clone()
	ml.NormalizeRows(k)
	k, err = r.shuffler.Unshuffle(k, inverse)
	if err != nil {
		return nil, fmt.Errorf("unshuffle: %w", err)
	}

	// 3. Scores and loss
	logits, labels, err := r.scorer.Logits(q, k, negatives, valid)
	if err != nil {
		return nil, err
	}
	loss, dLogits := CrossEntropy(logits, labels)

	// 4. Keys from every worker, in the same order on every worker
	global, err := r.comm.AllGather(k)
	if err != nil {
		return nil, fmt.Errorf("gather keys: %w", err)
	}

	return &StepOutput{
		Logits:     logits,
		Labels:     labels,
		Loss:       loss,
		Q:          q,
		K:          k,
		GlobalKeys: global,
		viewA:      viewA,
		qNorms:     qNorms,
		dLogits:    dLogits,
	}, nil
}

// Backward propagates the step's loss into the query encoder only, filling
// r.Grads. The key encoder is never differentiated.
func (r *Replica) Backward(out *StepOutput, negatives *ml.Matrix) {
	dq := r.scorer.QueryGradient(out.dLogits, out.K, negatives)
	dz := ml.NormalizeRowsBackward(out.Q, dq, out.qNorms)
	r.Query.Backward(out.viewA, dz, r.Grads)
}
