package rec

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"time"

	"github.com/b0tShaman/moco-go/data"
	"github.com/b0tShaman/moco-go/ml"

	"gonum.org/v1/gonum/floats"
)

// Losses are the summed terms of one batch.
type Losses struct {
	BPR float64
	Reg float64
	Con float64
}

func (l Losses) Total(conWeight float64) float64 { return l.BPR + l.Reg + conWeight*l.Con }

// Trainer optimizes every table of a Model with Adam.
type Trainer struct {
	model *Model
	opt   *ml.AdamOptimizer
	src   *rand.Rand

	dUsers, dItems *ml.Matrix
	dMLP           []ml.GradientSet
}

func NewTrainer(m *Model) *Trainer {
	cfg := ml.DefaultAdamConfig
	cfg.LearningRate = m.cfg.LearningRate
	t := &Trainer{
		model:  m,
		opt:    ml.NewParamAdam(m.Params(), cfg),
		src:    rand.New(rand.NewPCG(m.cfg.Seed, m.cfg.Seed^0x2545f4914f6cdd1d)),
		dUsers: ml.NewMatrix(m.Users.Rows(), m.Users.Cols()),
		dItems: ml.NewMatrix(m.Items.Rows(), m.Items.Cols()),
	}
	if m.MLP != nil {
		t.dMLP = m.MLP.NewGradients()
	}
	return t
}

func (t *Trainer) useContrast() bool {
	return t.model.MLP != nil && t.model.cfg.ConWeight > 0
}

// Step computes all loss terms for b and applies one Adam update. On error
// nothing is modified.
func (t *Trainer) Step(b Batch) (Losses, error) {
	m := t.model
	t.dUsers.Reset()
	t.dItems.Reset()

	var l Losses
	grads := []*ml.Matrix{t.dUsers, t.dItems}
	if t.useContrast() {
		conUsers := ml.NewMatrix(t.dUsers.Rows(), t.dUsers.Cols())
		conItems := ml.NewMatrix(t.dItems.Rows(), t.dItems.Cols())
		con, err := m.ConLoss(b, conUsers, conItems, t.dMLP)
		if err != nil {
			return Losses{}, err
		}
		l.Con = con

		w := m.cfg.ConWeight
		floats.AddScaled(t.dUsers.Data(), w, conUsers.Data())
		floats.AddScaled(t.dItems.Data(), w, conItems.Data())
		for _, g := range t.dMLP {
			floats.Scale(w, g.DW().Data())
			floats.Scale(w, g.DB().Data())
			grads = append(grads, g.DW(), g.DB())
		}
	} else if m.MLP != nil {
		for _, g := range t.dMLP {
			g.DW().Reset()
			g.DB().Reset()
			grads = append(grads, g.DW(), g.DB())
		}
	}

	l.BPR = m.BPRLoss(b, t.dUsers, t.dItems)
	l.Reg = m.Regs(b, t.dUsers, t.dItems)

	t.opt.Step(m.Params(), grads)
	return l, nil
}

// Train runs cfg.Epochs passes over ds. Every EvalEvery epochs it prints
// the last batch's losses and, when valid is non-empty, HitRate/NDCG@TopK.
func (t *Trainer) Train(ctx context.Context, ds *Dataset, valid []data.Interaction, out io.Writer) error {
	cfg := t.model.cfg
	start := time.Now()

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		sampler, err := NewSampler(ds, cfg.BatchSize, t.src)
		if err != nil {
			return err
		}
		if sampler.NumBatches() == 0 {
			return fmt.Errorf("rec: %d interactions is less than one batch of %d", len(ds.Train), cfg.BatchSize)
		}

		var last, sum Losses
		for {
			b, ok := sampler.Next()
			if !ok {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			last, err = t.Step(b)
			if err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
			sum.BPR += last.BPR
			sum.Con += last.Con
		}

		if cfg.EvalEvery > 0 && (epoch+1)%cfg.EvalEvery == 0 {
			fmt.Fprintf(out, "Epoch %d: loss_bpr %.4f loss_con %.4f (epoch mean %.4f / %.4f)\n",
				epoch, last.BPR, last.Con,
				sum.BPR/float64(sampler.NumBatches()), sum.Con/float64(sampler.NumBatches()))
			if len(valid) > 0 {
				metrics, err := t.model.Evaluate(valid, ds, cfg.TopK, false)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "  valid: %s\n", metrics)
			}
		}
	}
	fmt.Fprintf(out, "Training Complete. Total Time: %v\n", time.Since(start))
	return nil
}

// Metrics are leave-one-out ranking metrics over held-out pairs.
type Metrics struct {
	K       int
	HitRate float64
	NDCG    float64
	Pairs   int
}

func (m Metrics) String() string {
	return fmt.Sprintf("HR@%d %.4f NDCG@%d %.4f (%d pairs)", m.K, m.HitRate, m.K, m.NDCG, m.Pairs)
}

// Evaluate ranks each held-out item against every item the user has not
// interacted with in training. cold scores items through the feature MLP
// instead of their embeddings.
func (m *Model) Evaluate(test []data.Interaction, ds *Dataset, k int, cold bool) (Metrics, error) {
	res := Metrics{K: k, Pairs: len(test)}
	if len(test) == 0 {
		return res, nil
	}

	items := m.Items
	if cold {
		if m.MLP == nil {
			return Metrics{}, fmt.Errorf("rec: cold evaluation needs item features")
		}
		items = m.MLP.Forward(m.Features).Clone()
	}

	scores := ml.NewMatrix(1, items.Rows())
	for _, p := range test {
		if p.User >= m.Users.Rows() || p.Item >= items.Rows() {
			return Metrics{}, fmt.Errorf("rec: test pair (%d, %d) outside %d users / %d items",
				p.User, p.Item, m.Users.Rows(), items.Rows())
		}
		user := ml.NewMatrixFromSlice(1, m.cfg.Dim, m.Users.Row(p.User))
		ml.MatMul(user.Dense(), items.Dense().T(), scores)

		row := scores.Row(0)
		target := row[p.Item]
		rank := 0
		for j, s := range row {
			if j != p.Item && s > target && !ds.Seen(p.User, j) {
				rank++
			}
		}
		if rank < k {
			res.HitRate++
			res.NDCG += 1 / math.Log2(float64(rank)+2)
		}
	}
	res.HitRate /= float64(len(test))
	res.NDCG /= float64(len(test))
	return res, nil
}
