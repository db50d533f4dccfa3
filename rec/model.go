package rec

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/b0tShaman/moco-go/ml"

	"gonum.org/v1/gonum/floats"
)

// ContrastKind selects the item-feature contrastive term.
type ContrastKind string

const (
	// ContrastCosine scores items by the cosine of their user-affinity
	// profiles, exponentiated.
	ContrastCosine ContrastKind = "cosine"
	// ContrastDistance scores items by squared embedding distance.
	ContrastDistance ContrastKind = "distance"
)

// distanceScale weights the distance variant of the contrastive term.
const distanceScale = 0.07

type Config struct {
	Dim          int
	BatchSize    int
	Epochs       int
	LearningRate float64
	Reg          float64      // L2 weight on the embeddings of each batch
	ConWeight    float64      // weight of the contrastive term, 0 disables it
	Contrast     ContrastKind
	EvalEvery    int // epochs between evaluation lines
	TopK         int
	Seed         uint64
}

func DefaultConfig() Config {
	return Config{
		Dim:          64,
		BatchSize:    256,
		Epochs:       20,
		LearningRate: 0.001,
		ConWeight:    1,
		Contrast:     ContrastCosine,
		EvalEvery:    2,
		TopK:         10,
	}
}

func (c Config) Validate() error {
	if c.Dim <= 0 || c.BatchSize <= 0 || c.Epochs <= 0 {
		return fmt.Errorf("rec: dim, batch size and epochs must be positive (%d, %d, %d)", c.Dim, c.BatchSize, c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("rec: learning rate must be positive, got %g", c.LearningRate)
	}
	if c.Reg < 0 || c.ConWeight < 0 {
		return fmt.Errorf("rec: reg and contrastive weight must be >= 0 (%g, %g)", c.Reg, c.ConWeight)
	}
	switch c.Contrast {
	case ContrastCosine, ContrastDistance:
	default:
		return fmt.Errorf("rec: unknown contrastive loss %q", c.Contrast)
	}
	return nil
}

// Model scores (user, item) pairs by the dot product of their embeddings.
// With item features, an MLP maps features into the item embedding space
// so unseen items can be scored too.
type Model struct {
	cfg Config

	Users *ml.Matrix // NumUsers x Dim
	Items *ml.Matrix // NumItems x Dim

	Features *ml.Matrix        // NumItems x F, nil without side information
	MLP      *ml.NeuralNetwork // F -> Dim
}

func NewModel(cfg Config, numUsers, numItems int, features *ml.Matrix) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if features != nil && features.Rows() != numItems {
		return nil, fmt.Errorf("rec: %d feature rows for %d items", features.Rows(), numItems)
	}

	src := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	m := &Model{
		cfg:      cfg,
		Users:    normalTable(src, numUsers, cfg.Dim, 0.01),
		Items:    normalTable(src, numItems, cfg.Dim, 0.01),
		Features: features,
	}
	if features != nil {
		m.MLP = ml.NewNetworkWithSource(src,
			ml.Input(features.Cols()),
			ml.Dense(cfg.Dim),
			ml.Dense(cfg.Dim, ml.Activation("linear")),
		)
	}
	return m, nil
}

func normalTable(src *rand.Rand, rows, cols int, std float64) *ml.Matrix {
	m := ml.NewMatrix(rows, cols)
	for i := range m.Data() {
		m.Data()[i] = std * src.NormFloat64()
	}
	return m
}

func (m *Model) Config() Config { return m.cfg }

// Params lists every trainable matrix: users, items, then the MLP.
func (m *Model) Params() []*ml.Matrix {
	params := []*ml.Matrix{m.Users, m.Items}
	if m.MLP != nil {
		params = append(params, m.MLP.Params()...)
	}
	return params
}

// Predict returns the score of every (users[k], items[k]) pair.
func (m *Model) Predict(users, items []int) []float64 {
	out := make([]float64, len(users))
	for k := range users {
		out[k] = floats.Dot(m.Users.Row(users[k]), m.Items.Row(items[k]))
	}
	return out
}

// PredictCold scores pairs with feature-derived item vectors instead of
// the learned item embeddings.
func (m *Model) PredictCold(users, items []int) ([]float64, error) {
	if m.MLP == nil {
		return nil, fmt.Errorf("rec: model has no item features")
	}
	fixed := m.MLP.Forward(m.Features.SelectRows(items))
	out := make([]float64, len(users))
	for k := range users {
		out[k] = floats.Dot(m.Users.Row(users[k]), fixed.Row(k))
	}
	return out, nil
}

// BPRLoss is sum_k softplus(-(x_ui - x_uj)) over the batch. When dUsers and
// dItems are non-nil the gradients are accumulated into them.
func (m *Model) BPRLoss(b Batch, dUsers, dItems *ml.Matrix) float64 {
	loss := 0.0
	diff := make([]float64, m.cfg.Dim)
	for k := 0; k < b.Len(); k++ {
		u, i, j := m.Users.Row(b.Users[k]), m.Items.Row(b.Pos[k]), m.Items.Row(b.Neg[k])
		floats.SubTo(diff, i, j)
		dev := floats.Dot(u, diff)
		loss += softplus(-dev)

		if dUsers == nil {
			continue
		}
		g := -sigmoid(-dev)
		floats.AddScaled(dUsers.Row(b.Users[k]), g, diff)
		floats.AddScaled(dItems.Row(b.Pos[k]), g, u)
		floats.AddScaled(dItems.Row(b.Neg[k]), -g, u)
	}
	return loss
}

// Regs is reg * (|u|^2 + |i|^2 + |j|^2) summed over the batch.
func (m *Model) Regs(b Batch, dUsers, dItems *ml.Matrix) float64 {
	reg := m.cfg.Reg
	if reg == 0 {
		return 0
	}
	total := 0.0
	for k := 0; k < b.Len(); k++ {
		for _, ref := range []struct {
			table, grad *ml.Matrix
			id          int
		}{{m.Users, dUsers, b.Users[k]}, {m.Items, dItems, b.Pos[k]}, {m.Items, dItems, b.Neg[k]}} {
			row := ref.table.Row(ref.id)
			total += floats.Dot(row, row)
			if ref.grad != nil {
				floats.AddScaled(ref.grad.Row(ref.id), 2*reg, row)
			}
		}
	}
	return reg * total
}

func unique(ids []int) []int {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// ConLoss is the contrastive term pulling each positive item's embedding
// toward its feature-derived vector and away from the batch's negatives.
// It needs item features. Gradients are accumulated when dUsers, dItems and
// dMLP are non-nil.
func (m *Model) ConLoss(b Batch, dUsers, dItems *ml.Matrix, dMLP []ml.GradientSet) (float64, error) {
	if m.MLP == nil {
		return 0, fmt.Errorf("rec: contrastive loss needs item features")
	}
	posIDs, negIDs := unique(b.Pos), unique(b.Neg)
	feats := m.Features.SelectRows(posIDs)
	fixed := m.MLP.Forward(feats).Clone()

	var dFixed *ml.Matrix
	if dMLP != nil {
		dFixed = ml.NewMatrix(fixed.Rows(), fixed.Cols())
	}

	var loss float64
	var err error
	if m.cfg.Contrast == ContrastDistance {
		loss, err = m.distanceLoss(fixed, posIDs, negIDs, dFixed, dItems)
	} else {
		loss, err = m.cosineLoss(fixed, b.Users, posIDs, negIDs, dFixed, dUsers, dItems)
	}
	if err != nil {
		return 0, err
	}
	if dMLP != nil {
		m.MLP.Backward(feats, dFixed, dMLP)
	}
	return loss, nil
}

// cosineLoss projects every vector onto the batch users (x -> U_b x) and
// compares the projections by cosine similarity: for each positive item,
// -log(e^cos(a, p) / (e^cos(a, p) + sum_j e^cos(a, n_j))) where a comes
// from the item's features, p from its embedding and n_j from the negatives.
func (m *Model) cosineLoss(fixed *ml.Matrix, users, posIDs, negIDs []int, dFixed, dUsers, dItems *ml.Matrix) (float64, error) {
	ub := m.Users.SelectRows(users)
	pos := m.Items.SelectRows(posIDs)
	neg := m.Items.SelectRows(negIDs)
	n, c := len(posIDs), len(users)

	A := ml.NewMatrix(n, c)
	P := ml.NewMatrix(n, c)
	Q := ml.NewMatrix(len(negIDs), c)
	ml.MatMul(fixed.Dense(), ub.Dense().T(), A)
	ml.MatMul(pos.Dense(), ub.Dense().T(), P)
	ml.MatMul(neg.Dense(), ub.Dense().T(), Q)

	dA := ml.NewMatrix(n, c)
	dP := ml.NewMatrix(n, c)
	dQ := ml.NewMatrix(len(negIDs), c)
	negScores := make([]float64, len(negIDs))

	total := 0.0
	for r := 0; r < n; r++ {
		a, p := A.Row(r), P.Row(r)
		posScore := expCos(a, p)
		for j := range negIDs {
			negScores[j] = expCos(a, Q.Row(j))
		}

		l, dPos, dNeg, err := ratioLoss(posScore, negScores)
		if err != nil {
			return 0, fmt.Errorf("item %d: %w", posIDs[r], err)
		}
		total += l

		// d/ds e^s = e^s
		gp := dPos * posScore
		addCosineGrad(dA.Row(r), a, p, gp)
		addCosineGrad(dP.Row(r), p, a, gp)
		for j := range negIDs {
			gn := dNeg * negScores[j]
			addCosineGrad(dA.Row(r), a, Q.Row(j), gn)
			addCosineGrad(dQ.Row(j), Q.Row(j), a, gn)
		}
	}

	if dFixed == nil {
		return total, nil
	}

	// A = F U_b^T, P = I_pos U_b^T, Q = I_neg U_b^T
	ml.MatMul(dA.Dense(), ub.Dense(), dFixed)
	dPos := ml.NewMatrix(n, m.cfg.Dim)
	dNeg := ml.NewMatrix(len(negIDs), m.cfg.Dim)
	ml.MatMul(dP.Dense(), ub.Dense(), dPos)
	ml.MatMul(dQ.Dense(), ub.Dense(), dNeg)

	dUb := ml.NewMatrix(c, m.cfg.Dim)
	tmp := ml.NewMatrix(c, m.cfg.Dim)
	for _, pair := range []struct{ grad, vecs *ml.Matrix }{{dA, fixed}, {dP, pos}, {dQ, neg}} {
		ml.MatMul(pair.grad.Dense().T(), pair.vecs.Dense(), tmp)
		dUb.Add(tmp)
	}

	for k, u := range users {
		floats.Add(dUsers.Row(u), dUb.Row(k))
	}
	for r, id := range posIDs {
		floats.Add(dItems.Row(id), dPos.Row(r))
	}
	for j, id := range negIDs {
		floats.Add(dItems.Row(id), dNeg.Row(j))
	}
	return total, nil
}

func expCos(x, y []float64) float64 {
	return math.Exp(cosine(x, y))
}

// distanceLoss is distanceScale * sum over positive items of
// -log(d(f, p) / (d(f, p) + sum_j d(f, n_j))) with d the squared distance.
// A feature vector that exactly matches its item embedding has d = 0 and
// is reported as ErrNonPositiveRatio.
func (m *Model) distanceLoss(fixed *ml.Matrix, posIDs, negIDs []int, dFixed, dItems *ml.Matrix) (float64, error) {
	diffPos := make([]float64, m.cfg.Dim)
	diffNeg := make([][]float64, len(negIDs))
	negScores := make([]float64, len(negIDs))

	total := 0.0
	for r, id := range posIDs {
		f := fixed.Row(r)
		floats.SubTo(diffPos, f, m.Items.Row(id))
		posScore := floats.Dot(diffPos, diffPos)
		for j, nid := range negIDs {
			if diffNeg[j] == nil {
				diffNeg[j] = make([]float64, m.cfg.Dim)
			}
			floats.SubTo(diffNeg[j], f, m.Items.Row(nid))
			negScores[j] = floats.Dot(diffNeg[j], diffNeg[j])
		}

		l, dPos, dNeg, err := ratioLoss(posScore, negScores)
		if err != nil {
			return 0, fmt.Errorf("item %d: %w", id, err)
		}
		total += l

		if dFixed == nil {
			continue
		}
		// d|f - e|^2 / df = 2(f - e)
		g := 2 * distanceScale * dPos
		floats.AddScaled(dFixed.Row(r), g, diffPos)
		floats.AddScaled(dItems.Row(id), -g, diffPos)
		for j, nid := range negIDs {
			g := 2 * distanceScale * dNeg
			floats.AddScaled(dFixed.Row(r), g, diffNeg[j])
			floats.AddScaled(dItems.Row(nid), -g, diffNeg[j])
		}
	}
	return distanceScale * total, nil
}
