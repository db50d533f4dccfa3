package rec

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/b0tShaman/moco-go/data"
	"github.com/b0tShaman/moco-go/ml"
)

func TestRatioLoss(t *testing.T) {
	got, err := RatioLoss(1, []float64{1})
	if err != nil {
		t.Fatalf("RatioLoss: %v", err)
	}
	if math.Abs(got-math.Ln2) > 1e-12 {
		t.Errorf("loss = %v, want ln 2", got)
	}
	if got, _ := RatioLoss(2, nil); got != 0 {
		t.Errorf("loss without negatives = %v, want 0", got)
	}
}

func TestRatioLossFaults(t *testing.T) {
	tests := []struct {
		name string
		pos  float64
		negs []float64
	}{
		{"negative positive score", -0.1, []float64{0.5, 0.2}},
		{"zero positive score", 0, []float64{1}},
		{"NaN positive score", math.NaN(), []float64{1}},
		{"infinite negative", 1, []float64{math.Inf(1)}},
		{"negative denominator", 1, []float64{-3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loss, err := RatioLoss(tt.pos, tt.negs)
			if !errors.Is(err, ErrNonPositiveRatio) {
				t.Fatalf("err = %v, want ErrNonPositiveRatio", err)
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				t.Errorf("faulted call returned non-finite loss %v", loss)
			}
		})
	}
}

func testModel(t *testing.T, cfg Config, users, items int, features *ml.Matrix) *Model {
	t.Helper()
	m, err := NewModel(cfg, users, items, features)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}
	// Larger embeddings than the 0.01 init keep the gradient checks well
	// conditioned
	src := rand.New(rand.NewPCG(8, 9))
	for _, table := range []*ml.Matrix{m.Users, m.Items} {
		for i := range table.Data() {
			table.Data()[i] = src.NormFloat64()
		}
	}
	return m
}

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Dim = 3
	cfg.BatchSize = 4
	cfg.Reg = 0.01
	cfg.Seed = 3
	return cfg
}

func smallFeatures() *ml.Matrix {
	src := rand.New(rand.NewPCG(4, 5))
	f := ml.NewMatrix(5, 2)
	for i := range f.Data() {
		f.Data()[i] = src.NormFloat64()
	}
	return f
}

var smallBatch = Batch{
	Users: []int{0, 1, 2, 0},
	Pos:   []int{0, 1, 1, 2},
	Neg:   []int{3, 4, 3, 4},
}

// checkGrad compares grad against central differences of loss w.r.t. param.
func checkGrad(t *testing.T, name string, param, grad *ml.Matrix, loss func() float64) {
	t.Helper()
	const h = 1e-6
	for k := range param.Data() {
		orig := param.Data()[k]
		param.Data()[k] = orig + h
		up := loss()
		param.Data()[k] = orig - h
		down := loss()
		param.Data()[k] = orig

		numeric := (up - down) / (2 * h)
		if math.Abs(numeric-grad.Data()[k]) > 1e-5*max(1, math.Abs(numeric)) {
			t.Fatalf("%s[%d]: analytic %v, numeric %v", name, k, grad.Data()[k], numeric)
		}
	}
}

func TestBPRAndRegGradients(t *testing.T) {
	m := testModel(t, smallConfig(), 3, 5, nil)
	dUsers, dItems := ml.NewMatrix(3, 3), ml.NewMatrix(5, 3)

	m.BPRLoss(smallBatch, dUsers, dItems)
	m.Regs(smallBatch, dUsers, dItems)

	loss := func() float64 {
		return m.BPRLoss(smallBatch, nil, nil) + m.Regs(smallBatch, nil, nil)
	}
	checkGrad(t, "users", m.Users, dUsers, loss)
	checkGrad(t, "items", m.Items, dItems, loss)
}

func TestBPRLossValue(t *testing.T) {
	cfg := smallConfig()
	cfg.Dim = 1
	m := testModel(t, cfg, 1, 2, nil)
	m.Users.Set(0, 0, 2)
	m.Items.Set(0, 0, 1)
	m.Items.Set(1, 0, 0.5)

	// dev = 2 * (1 - 0.5) = 1
	got := m.BPRLoss(Batch{Users: []int{0}, Pos: []int{0}, Neg: []int{1}}, nil, nil)
	if want := math.Log1p(math.Exp(-1)); math.Abs(got-want) > 1e-12 {
		t.Errorf("loss = %v, want %v", got, want)
	}
}

func TestConLossGradients(t *testing.T) {
	for _, kind := range []ContrastKind{ContrastCosine, ContrastDistance} {
		t.Run(string(kind), func(t *testing.T) {
			cfg := smallConfig()
			cfg.Contrast = kind
			m := testModel(t, cfg, 3, 5, smallFeatures())

			dUsers, dItems := ml.NewMatrix(3, 3), ml.NewMatrix(5, 3)
			dMLP := m.MLP.NewGradients()
			if _, err := m.ConLoss(smallBatch, dUsers, dItems, dMLP); err != nil {
				t.Fatalf("ConLoss: %v", err)
			}

			loss := func() float64 {
				l, err := m.ConLoss(smallBatch, nil, nil, nil)
				if err != nil {
					t.Fatalf("ConLoss: %v", err)
				}
				return l
			}
			checkGrad(t, "items", m.Items, dItems, loss)
			if kind == ContrastCosine {
				checkGrad(t, "users", m.Users, dUsers, loss)
			}
			for l, layer := range m.MLP.Layers {
				checkGrad(t, "mlp W", layer.Weights, dMLP[l].DW(), loss)
				checkGrad(t, "mlp b", layer.Biases, dMLP[l].DB(), loss)
			}
		})
	}
}

func TestDistanceLossFaultsOnExactMatch(t *testing.T) {
	cfg := smallConfig()
	cfg.Contrast = ContrastDistance
	m := testModel(t, cfg, 3, 5, smallFeatures())

	fixed := m.MLP.Forward(m.Features.SelectRows([]int{0}))
	copy(m.Items.Row(0), fixed.Row(0))

	b := Batch{Users: []int{0}, Pos: []int{0}, Neg: []int{1}}
	if _, err := m.ConLoss(b, nil, nil, nil); !errors.Is(err, ErrNonPositiveRatio) {
		t.Errorf("err = %v, want ErrNonPositiveRatio", err)
	}
}

func interactions(pairs ...[2]int) []data.Interaction {
	out := make([]data.Interaction, len(pairs))
	for i, p := range pairs {
		out[i] = data.Interaction{User: p[0], Item: p[1]}
	}
	return out
}

func TestNewDataset(t *testing.T) {
	ds, err := NewDataset(interactions([2]int{0, 1}, [2]int{2, 3}), 0, 0)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}
	if ds.NumUsers != 3 || ds.NumItems != 4 {
		t.Errorf("sizes = %d users / %d items, want 3 / 4", ds.NumUsers, ds.NumItems)
	}
	if !ds.Seen(2, 3) || ds.Seen(2, 1) || ds.Seen(1, 1) {
		t.Error("Seen lookup wrong")
	}

	if _, err := NewDataset(interactions([2]int{0, 0}, [2]int{0, 1}), 1, 2); !errors.Is(err, ErrNoNegative) {
		t.Errorf("user with every item: err = %v, want ErrNoNegative", err)
	}
	if _, err := NewDataset(nil, 0, 0); err == nil {
		t.Error("expected error for empty training set")
	}
	if _, err := NewDataset(interactions([2]int{5, 0}), 2, 2); err == nil {
		t.Error("expected error for user id beyond table")
	}
}

func TestSamplerTerminates(t *testing.T) {
	var pairs [][2]int
	for u := 0; u < 5; u++ {
		pairs = append(pairs, [2]int{u, u}, [2]int{u, (u + 1) % 6})
	}
	ds, err := NewDataset(interactions(pairs...), 5, 6)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}

	s, err := NewSampler(ds, 3, rand.New(rand.NewPCG(1, 1)))
	if err != nil {
		t.Fatalf("NewSampler: %v", err)
	}
	if s.NumBatches() != 3 {
		t.Fatalf("NumBatches = %d, want 3", s.NumBatches())
	}

	var seen []int
	batches := 0
	for {
		b, ok := s.Next()
		if !ok {
			break
		}
		batches++
		if b.Len() != 3 {
			t.Fatalf("batch %d has %d triples", batches, b.Len())
		}
		for k := 0; k < b.Len(); k++ {
			if !ds.Seen(b.Users[k], b.Pos[k]) {
				t.Errorf("positive (%d, %d) not in training set", b.Users[k], b.Pos[k])
			}
			if ds.Seen(b.Users[k], b.Neg[k]) {
				t.Errorf("negative (%d, %d) was seen in training", b.Users[k], b.Neg[k])
			}
			seen = append(seen, b.Users[k]*10+b.Pos[k])
		}
	}
	if batches != 3 {
		t.Errorf("sampler yielded %d batches, want 3", batches)
	}
	if _, ok := s.Next(); ok {
		t.Error("exhausted sampler yielded another batch")
	}
	slices.Sort(seen)
	if len(slices.Compact(seen)) != 9 {
		t.Errorf("pairs repeated within a pass: %v", seen)
	}
}

func TestSamplerSmallerThanBatch(t *testing.T) {
	ds, _ := NewDataset(interactions([2]int{0, 0}), 1, 3)
	s, _ := NewSampler(ds, 4, rand.New(rand.NewPCG(1, 1)))
	if b, ok := s.Next(); ok {
		t.Errorf("got batch %v from a set smaller than one batch", b)
	}
}

// groupedData builds two user groups that each like a disjoint block of
// five items. One item per user is held out for evaluation.
func groupedData() (train, test []data.Interaction) {
	for u := 0; u < 8; u++ {
		g := u % 2
		held := g*5 + (u/2)%5
		for i := g * 5; i < g*5+5; i++ {
			if i == held {
				test = append(test, data.Interaction{User: u, Item: i})
			} else {
				train = append(train, data.Interaction{User: u, Item: i})
			}
		}
	}
	return train, test
}

func TestTrainerLearnsGroups(t *testing.T) {
	train, test := groupedData()
	ds, err := NewDataset(train, 8, 10)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Dim = 8
	cfg.BatchSize = 4
	cfg.Epochs = 50
	cfg.LearningRate = 0.05
	cfg.ConWeight = 0
	cfg.EvalEvery = 0
	cfg.Seed = 11
	m, err := NewModel(cfg, ds.NumUsers, ds.NumItems, nil)
	if err != nil {
		t.Fatalf("NewModel: %v", err)
	}

	tr := NewTrainer(m)
	if err := tr.Train(context.Background(), ds, test, io.Discard); err != nil {
		t.Fatalf("Train: %v", err)
	}

	after, err := m.Evaluate(test, ds, 3, false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if after.HitRate < 0.75 {
		t.Errorf("held-out %s after training, want HR@3 >= 0.75", after)
	}
}

func TestTrainerStepWithFeatures(t *testing.T) {
	cfg := smallConfig()
	m := testModel(t, cfg, 3, 5, smallFeatures())
	tr := NewTrainer(m)

	users := m.Users.Clone()
	mlpW := m.MLP.Layers[0].Weights.Clone()

	l, err := tr.Step(smallBatch)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	for _, v := range []float64{l.BPR, l.Reg, l.Con} {
		if math.IsNaN(v) || v < 0 {
			t.Fatalf("losses = %+v", l)
		}
	}
	if slices.Equal(users.Data(), m.Users.Data()) {
		t.Error("user embeddings did not move")
	}
	if slices.Equal(mlpW.Data(), m.MLP.Layers[0].Weights.Data()) {
		t.Error("feature MLP did not move")
	}
}

func TestTrainStopsOnCancel(t *testing.T) {
	train, _ := groupedData()
	ds, _ := NewDataset(train, 8, 10)
	cfg := DefaultConfig()
	cfg.BatchSize = 4
	m, _ := NewModel(cfg, 8, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewTrainer(m).Train(ctx, ds, nil, io.Discard); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestPredict(t *testing.T) {
	cfg := smallConfig()
	m := testModel(t, cfg, 3, 5, smallFeatures())

	got := m.Predict([]int{1}, []int{2})
	want := 0.0
	for d := 0; d < cfg.Dim; d++ {
		want += m.Users.At(1, d) * m.Items.At(2, d)
	}
	if math.Abs(got[0]-want) > 1e-12 {
		t.Errorf("Predict = %v, want %v", got[0], want)
	}

	cold, err := m.PredictCold([]int{0, 1}, []int{4, 4})
	if err != nil || len(cold) != 2 {
		t.Fatalf("PredictCold = %v, %v", cold, err)
	}

	plain := testModel(t, cfg, 3, 5, nil)
	if _, err := plain.PredictCold([]int{0}, []int{0}); err == nil {
		t.Error("PredictCold without features should fail")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dim", func(c *Config) { c.Dim = 0 }},
		{"zero lr", func(c *Config) { c.LearningRate = 0 }},
		{"negative reg", func(c *Config) { c.Reg = -1 }},
		{"unknown contrast", func(c *Config) { c.Contrast = "euclid" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
