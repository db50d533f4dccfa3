package moco

import (
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/b0tShaman/moco-go/ml"

	"gonum.org/v1/gonum/floats"
)

func trainSteps(t *testing.T, m *Model, src *rand.Rand, steps int) {
	t.Helper()
	opt := ml.NewOptimizer(m.Query, ml.OptimizerConfig{Type: ml.OptMomentum, LearningRate: 0.1, MomentumMu: 0.9})
	for i := 0; i < steps; i++ {
		viewA, viewB := noisyViews(src, m.Queue.KeysPerStep(), m.Config().InputDim)
		if _, _, err := m.Forward(viewA, viewB); err != nil {
			t.Fatalf("Forward: %v", err)
		}
		grads, err := m.Backward()
		if err != nil {
			t.Fatalf("Backward: %v", err)
		}
		opt.Update(m.Query, grads)
		if err := m.UpdateMomentum(); err != nil {
			t.Fatalf("UpdateMomentum: %v", err)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg, 4)
	trainSteps(t, m, rand.New(rand.NewPCG(1, 1)), 5)

	path := filepath.Join(t.TempDir(), CheckpointName("run", 3))
	if err := SaveCheckpoint(path, m.Checkpoint("run", 3, 5)); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	c, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if c.RunID != "run" || c.Epoch != 3 || c.Step != 5 {
		t.Errorf("metadata = %q/%d/%d", c.RunID, c.Epoch, c.Step)
	}

	restored, err := NewFromCheckpoint(c)
	if err != nil {
		t.Fatalf("NewFromCheckpoint: %v", err)
	}
	if !paramsEqual(m.Query, restored.Query, 0) || !paramsEqual(m.Key, restored.Key, 0) {
		t.Fatal("encoder parameters differ after restore")
	}
	if restored.Queue.Ptr() != m.Queue.Ptr() || restored.Queue.Filled() != m.Queue.Filled() {
		t.Errorf("queue cursor %d/%d, want %d/%d",
			restored.Queue.Ptr(), restored.Queue.Filled(), m.Queue.Ptr(), m.Queue.Filled())
	}
	if !floats.Equal(restored.Queue.Snapshot().Data(), m.Queue.Snapshot().Data()) {
		t.Fatal("queue contents differ after restore")
	}

	// Resumed training continues exactly where the original left off
	viewA, viewB := noisyViews(rand.New(rand.NewPCG(2, 2)), 4, cfg.InputDim)
	want, _, _ := m.Forward(viewA, viewB)
	got, _, err := restored.Forward(viewA, viewB)
	if err != nil {
		t.Fatalf("Forward after restore: %v", err)
	}
	if !floats.Same(got.Data(), want.Data()) {
		t.Error("logits differ between original and restored model")
	}
}

func TestCheckpointIsDeepCopy(t *testing.T) {
	m := newTestModel(t, testConfig(), 4)
	c := m.Checkpoint("run", 0, 0)
	trainSteps(t, m, rand.New(rand.NewPCG(3, 3)), 2)

	if c.QueueFilled != 0 || floats.Sum(c.Queue.Data()) != 0 {
		t.Error("checkpoint queue follows the live queue")
	}
	if floats.Equal(c.Query.Layers[0].Weights.Data(), m.Query.Params()[0].Data()) {
		t.Error("checkpoint weights follow the live encoder")
	}
}

func TestNewFromCheckpointRejectsCorruptState(t *testing.T) {
	m := newTestModel(t, testConfig(), 4)

	c := m.Checkpoint("run", 0, 0)
	c.QueuePtr = c.Queue.Rows()
	if _, err := NewFromCheckpoint(c); !errors.Is(err, ErrConfig) {
		t.Errorf("cursor past capacity: err = %v, want ErrConfig", err)
	}

	c = m.Checkpoint("run", 0, 0)
	c.QueuePtr, c.QueueFilled = 8, 4
	if _, err := NewFromCheckpoint(c); !errors.Is(err, ErrConfig) {
		t.Errorf("cursor and fill count disagree: err = %v, want ErrConfig", err)
	}

	c = m.Checkpoint("run", 0, 0)
	c.Config.Dim++
	if _, err := NewFromCheckpoint(c); !errors.Is(err, ErrConfig) {
		t.Errorf("dim mismatch: err = %v, want ErrConfig", err)
	}

	c = m.Checkpoint("run", 0, 0)
	c.Queue = nil
	if _, err := NewFromCheckpoint(c); !errors.Is(err, ErrConfig) {
		t.Errorf("missing queue: err = %v, want ErrConfig", err)
	}
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "nope.gob")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExportedEncoderEmbedsLikeModel(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg, 4)
	src := rand.New(rand.NewPCG(3, 4))
	trainSteps(t, m, src, 3)

	path := filepath.Join(t.TempDir(), "encoder.gob")
	if err := m.Query.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	other := cfg
	other.Seed = 99
	enc, err := LoadEncoder(other, path)
	if err != nil {
		t.Fatalf("LoadEncoder: %v", err)
	}
	x := randomMatrix(src, 5, cfg.InputDim)
	if !floats.EqualApprox(Embed(enc, x).Data(), m.Embed(x).Data(), 1e-12) {
		t.Error("exported encoder embeds differently from the model")
	}

	wrong := cfg
	wrong.Dim = cfg.Dim + 1
	if _, err := LoadEncoder(wrong, path); err == nil {
		t.Error("expected error for mismatched embedding dim")
	}
	wrong = cfg
	wrong.Temperature = 0
	if _, err := LoadEncoder(wrong, path); !errors.Is(err, ErrConfig) {
		t.Errorf("invalid config: err = %v, want ErrConfig", err)
	}
}
