package moco

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/b0tShaman/moco-go/ml"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// ViewSource yields two augmented views of the requested examples.
type ViewSource interface {
	Len() int
	Views(indices []int) (viewA, viewB *ml.Matrix)
}

type TrainingConfig struct {
	Epochs     int
	StartEpoch int
	StartStep  int // global step count already taken, when resuming
	StartBatch int // batches of StartEpoch already applied, when resuming
	BatchSize  int // global batch, split evenly across workers
	NumWorkers int

	Optimizer  ml.OptimizerConfig
	Schedule   []int // epochs at which the learning rate drops 10x
	Cosine     bool  // cosine schedule instead of Schedule
	PrintFreq  int   // steps between progress lines
	SaveDir    string
	RunID      string
	Seed       uint64
	Output     io.Writer
	SaveOnStop bool // write a checkpoint when the context is cancelled
}

// StepStats summarizes one global step.
type StepStats struct {
	Loss float64
	Acc1 float64
	Acc5 float64
}

// Trainer drives data-parallel MoCo steps: every worker computes its share
// in lockstep, then a single goroutine applies the optimizer, the momentum
// update and the queue write.
type Trainer struct {
	cfg   TrainingConfig
	model *Model

	group      *LocalGroup
	replicas   []*Replica
	finalGrads []ml.GradientSet
	opt        ml.Optimizer
	src        *rand.Rand

	step int
}

func validateTrainingConfig(cfg TrainingConfig) error {
	if cfg.NumWorkers <= 0 {
		return fmt.Errorf("%w: NumWorkers must be positive, got %d", ErrConfig, cfg.NumWorkers)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("%w: BatchSize must be positive, got %d", ErrConfig, cfg.BatchSize)
	}
	if cfg.BatchSize%cfg.NumWorkers != 0 {
		return fmt.Errorf("%w: BatchSize %d must be divisible by NumWorkers %d",
			ErrConfig, cfg.BatchSize, cfg.NumWorkers)
	}
	if cfg.StartBatch < 0 {
		return fmt.Errorf("%w: start batch must be >= 0, got %d", ErrConfig, cfg.StartBatch)
	}
	if cfg.Epochs < cfg.StartEpoch {
		return fmt.Errorf("%w: start epoch %d after last epoch %d", ErrConfig, cfg.StartEpoch, cfg.Epochs)
	}
	return nil
}

// NewTrainer wires NumWorkers replicas over model. The model's queue must
// take exactly one global batch of keys per step.
func NewTrainer(model *Model, cfg TrainingConfig) (*Trainer, error) {
	if err := validateTrainingConfig(cfg); err != nil {
		return nil, err
	}
	if model.Queue.KeysPerStep() != cfg.BatchSize {
		return nil, fmt.Errorf("%w: queue expects %d keys per step, global batch is %d",
			ErrConfig, model.Queue.KeysPerStep(), cfg.BatchSize)
	}
	if cfg.PrintFreq <= 0 {
		cfg.PrintFreq = 10
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	t := &Trainer{
		cfg:        cfg,
		model:      model,
		group:      NewLocalGroup(cfg.NumWorkers),
		finalGrads: model.Query.NewGradients(),
		opt:        ml.NewOptimizer(model.Query, cfg.Optimizer),
		src:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
		step:       cfg.StartStep,
	}
	t.replicas = initializeWorkers(model, t.group, cfg.Seed)
	return t, nil
}

// initializeWorkers creates one replica per rank over the shared encoders.
func initializeWorkers(model *Model, group *LocalGroup, seed uint64) []*Replica {
	replicas := make([]*Replica, group.Size())
	for rank := range replicas {
		comm := group.Member(rank)
		shufSrc := rand.New(rand.NewPCG(seed, uint64(rank)+0x5bd1e995))
		replicas[rank] = NewReplica(
			model.Query.CloneStructure(),
			model.Key.CloneStructure(),
			comm,
			NewShuffler(comm, shufSrc),
			model.Scorer(),
		)
	}
	return replicas
}

func (t *Trainer) Model() *Model          { return t.model }
func (t *Trainer) RunID() string          { return t.cfg.RunID }
func (t *Trainer) Optimizer() ml.Optimizer { return t.opt }

// Step runs one global step on a batch of BatchSize examples per view.
func (t *Trainer) Step(viewA, viewB *ml.Matrix) (StepStats, error) {
	if viewA.Rows() != t.cfg.BatchSize || !viewA.SameShape(viewB) {
		return StepStats{}, fmt.Errorf("%w: step expects two [%d, %d] views, got [%d, %d] and [%d, %d]",
			ErrShape, t.cfg.BatchSize, t.model.Query.InputDim(),
			viewA.Rows(), viewA.Cols(), viewB.Rows(), viewB.Cols())
	}

	numWorkers := t.cfg.NumWorkers
	local := t.cfg.BatchSize / numWorkers
	cols := viewA.Cols()

	// Read-only for the whole parallel phase
	negatives := t.model.Queue.negatives()
	valid := t.model.validNegatives()

	// --- A. Data Parallelism: Dispatch Workers ---
	outputs := make([]*StepOutput, numWorkers)
	var g errgroup.Group
	for i := 0; i < numWorkers; i++ {
		g.Go(func() error {
			start, end := i*local*cols, (i+1)*local*cols
			a := ml.NewMatrixFromSlice(local, cols, viewA.Data()[start:end])
			b := ml.NewMatrixFromSlice(local, cols, viewB.Data()[start:end])

			out, err := t.replicas[i].Forward(a, b, negatives, valid)
			if err != nil {
				t.group.Abort(err)
				return fmt.Errorf("worker %d: %w", i, err)
			}
			t.replicas[i].Backward(out, negatives)
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StepStats{}, err
	}

	// --- B. Aggregation Logic ---
	scale := 1.0 / float64(numWorkers)
	for l := range t.finalGrads {
		finalDW := t.finalGrads[l].DW().Data()
		finalDB := t.finalGrads[l].DB().Data()

		// Initialize with Worker 0
		copy(finalDW, t.replicas[0].Grads[l].DW().Data())
		copy(finalDB, t.replicas[0].Grads[l].DB().Data())

		// Sum remaining workers
		for w := 1; w < numWorkers; w++ {
			floats.Add(finalDW, t.replicas[w].Grads[l].DW().Data())
			floats.Add(finalDB, t.replicas[w].Grads[l].DB().Data())
		}

		floats.Scale(scale, finalDW)
		floats.Scale(scale, finalDB)
	}

	// --- C. Optimization, momentum encoder, queue ---
	t.opt.Update(t.model.Query, t.finalGrads)
	if err := t.model.UpdateMomentum(); err != nil {
		return StepStats{}, err
	}
	if err := t.model.Queue.Enqueue(outputs[0].GlobalKeys); err != nil {
		return StepStats{}, err
	}
	t.syncBuffers()
	t.step++

	var stats StepStats
	for _, out := range outputs {
		acc := Accuracy(out.Logits, out.Labels, 1, 5)
		stats.Loss += out.Loss * scale
		stats.Acc1 += acc[0] * scale
		stats.Acc5 += acc[1] * scale
	}
	return stats, nil
}

// syncBuffers makes rank 0's BatchNorm statistics authoritative, on the
// master encoders and on every replica.
func (t *Trainer) syncBuffers() {
	t.model.Query.CopyBuffersFrom(t.replicas[0].Query)
	t.model.Key.CopyBuffersFrom(t.replicas[0].Key)
	for _, r := range t.replicas[1:] {
		r.Query.CopyBuffersFrom(t.model.Query)
		r.Key.CopyBuffersFrom(t.model.Key)
	}
}

// Train runs epochs [StartEpoch, Epochs) over src, dropping the last
// partial batch of each epoch and skipping the StartBatch batches of
// StartEpoch a resumed run already applied. When ctx is cancelled the
// current step finishes, an optional StopCheckpointName checkpoint is
// written and ctx.Err() is returned.
func (t *Trainer) Train(ctx context.Context, src ViewSource) error {
	numSamples := src.Len()
	numBatches := numSamples / t.cfg.BatchSize
	if numBatches == 0 {
		return fmt.Errorf("%w: %d samples is less than one batch of %d", ErrConfig, numSamples, t.cfg.BatchSize)
	}

	out := t.cfg.Output
	fmt.Fprintf(out, "Run %s: %d samples, %d workers (worker batch %d), queue %d x %d\n",
		t.cfg.RunID, numSamples, t.cfg.NumWorkers, t.cfg.BatchSize/t.cfg.NumWorkers,
		t.model.Queue.Capacity(), t.model.Queue.Dim())

	globalIndices := ml.NewIndexList(numSamples)
	start := time.Now()

	for epoch := t.cfg.StartEpoch; epoch < t.cfg.Epochs; epoch++ {
		lr := ml.AdjustLearningRate(t.cfg.Optimizer.LearningRate, epoch, t.cfg.Epochs, t.cfg.Schedule, t.cfg.Cosine)
		t.opt.SetLearningRate(lr)
		ml.ShuffleIndices(t.src, globalIndices)

		batchTime := NewAverageMeter("Time", "%6.3f")
		dataTime := NewAverageMeter("Data", "%6.3f")
		losses := NewAverageMeter("Loss", "%.4e")
		top1 := NewAverageMeter("Acc@1", "%6.2f")
		top5 := NewAverageMeter("Acc@5", "%6.2f")
		progress := NewProgressMeter(numBatches, fmt.Sprintf("Epoch: [%d]", epoch),
			batchTime, dataTime, losses, top1, top5)

		first := 0
		if epoch == t.cfg.StartEpoch {
			first = min(t.cfg.StartBatch, numBatches)
		}

		end := time.Now()
		for i := first; i < numBatches; i++ {
			if err := ctx.Err(); err != nil {
				if t.cfg.SaveOnStop {
					if serr := t.saveStop(epoch, i); serr != nil {
						fmt.Fprintf(out, "checkpoint on stop failed: %v\n", serr)
					}
				}
				return err
			}

			viewA, viewB := src.Views(globalIndices[i*t.cfg.BatchSize : (i+1)*t.cfg.BatchSize])
			dataTime.Update(time.Since(end).Seconds(), 1)

			stats, err := t.Step(viewA, viewB)
			if err != nil {
				return fmt.Errorf("epoch %d step %d: %w", epoch, i, err)
			}
			losses.Update(stats.Loss, t.cfg.BatchSize)
			top1.Update(stats.Acc1, t.cfg.BatchSize)
			top5.Update(stats.Acc5, t.cfg.BatchSize)

			batchTime.Update(time.Since(end).Seconds(), 1)
			end = time.Now()

			if i%t.cfg.PrintFreq == 0 {
				progress.Display(out, i)
			}
		}

		if err := t.save(epoch + 1); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "Training Complete. Total Time: %v\n", time.Since(start))
	return nil
}

func (t *Trainer) save(nextEpoch int) error {
	if t.cfg.SaveDir == "" {
		return nil
	}
	path := filepath.Join(t.cfg.SaveDir, CheckpointName(t.cfg.RunID, nextEpoch))
	return SaveCheckpoint(path, t.model.Checkpoint(t.cfg.RunID, nextEpoch, t.step))
}

// saveStop records the state after batch batches of epoch under a name of
// its own, leaving the last epoch-boundary checkpoint intact.
func (t *Trainer) saveStop(epoch, batch int) error {
	if t.cfg.SaveDir == "" {
		return nil
	}
	c := t.model.Checkpoint(t.cfg.RunID, epoch, t.step)
	c.Batch = batch
	return SaveCheckpoint(filepath.Join(t.cfg.SaveDir, StopCheckpointName(t.cfg.RunID, epoch, t.step)), c)
}
