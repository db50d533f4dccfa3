// ABOUTME: Tests for train and embed commands
// ABOUTME: Runs a tiny end-to-end pre-training, resume and embedding pass
package commands

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/b0tShaman/moco-go/config"
	"github.com/b0tShaman/moco-go/moco"
)

// tinyEnv configures a model small enough to train in milliseconds.
func tinyEnv(t *testing.T, dir string) {
	t.Helper()
	for k, v := range map[string]string{
		"MOCO_DIM":       "3",
		"MOCO_HIDDEN":    "5",
		"MOCO_K":         "8",
		"MOCO_M":         "0.9",
		"MOCO_T":         "0.2",
		"BATCH_SIZE":     "4",
		"NUM_WORKERS":    "2",
		"EPOCHS":         "2",
		"SEED":           "1",
		"PRINT_FREQ":     "1",
		"CHECKPOINT_DIR": dir,
		"RESUME":         "",
	} {
		t.Setenv(k, v)
	}
}

func writeFeatureCSV(t *testing.T, path string, rows, cols int) {
	t.Helper()
	src := rand.New(rand.NewPCG(3, 4))
	var b strings.Builder
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if j > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%.4f", src.Float64())
		}
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewTrainCmd(t *testing.T) {
	cmd := NewTrainCmd()

	if cmd.Use != "train" {
		t.Errorf("Use = %q, want %q", cmd.Use, "train")
	}
	if cmd.RunE == nil {
		t.Error("RunE should be set")
	}
	for _, name := range []string{"data", "label-col", "epochs", "batch-size", "workers", "queue", "lr", "resume", "checkpoint-dir"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("--%s flag not found", name)
		}
	}
}

func TestTrainCmd_RequiresData(t *testing.T) {
	if _, err := execute(t, "train"); err == nil {
		t.Error("train without --data should fail")
	}
}

func TestApplyTrainFlags(t *testing.T) {
	cmd := NewTrainCmd()
	if err := cmd.ParseFlags([]string{"--epochs", "7", "--workers", "8"}); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{Epochs: 200, NumWorkers: 1, BatchSize: 256}
	applyTrainFlags(cmd.Flags(), cfg)

	if cfg.Epochs != 7 || cfg.NumWorkers != 8 {
		t.Errorf("Epochs/NumWorkers = %d/%d, want 7/8", cfg.Epochs, cfg.NumWorkers)
	}
	if cfg.BatchSize != 256 {
		t.Errorf("unset --batch-size changed BatchSize to %d", cfg.BatchSize)
	}
}

type trainSummary struct {
	RunID       string `json:"run_id"`
	Epochs      int    `json:"epochs"`
	QueueFilled int    `json:"queue_filled"`
	Checkpoint  string `json:"checkpoint"`
}

func TestTrainEmbedWorkflow(t *testing.T) {
	dir := t.TempDir()
	tinyEnv(t, dir)
	dataPath := filepath.Join(dir, "features.csv")
	writeFeatureCSV(t, dataPath, 16, 6)

	out, err := execute(t, "--quiet", "--format", "json", "train", "--data", dataPath)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	var summary trainSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if summary.Epochs != 2 || summary.QueueFilled != 8 {
		t.Errorf("summary = %+v", summary)
	}

	ckptPath := filepath.Join(dir, summary.Checkpoint)
	ck, err := moco.LoadCheckpoint(ckptPath)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if ck.Epoch != 2 || ck.Step != 8 || ck.Config.InputDim != 6 {
		t.Errorf("checkpoint epoch/step/input = %d/%d/%d, want 2/8/6", ck.Epoch, ck.Step, ck.Config.InputDim)
	}

	// Resume for one more epoch
	out, err = execute(t, "--quiet", "--format", "json", "train", "--data", dataPath,
		"--resume", ckptPath, "--epochs", "3")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	var resumed trainSummary
	if err := json.Unmarshal([]byte(out), &resumed); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if resumed.RunID != summary.RunID {
		t.Errorf("resumed run id %s, want %s", resumed.RunID, summary.RunID)
	}
	ck, err = moco.LoadCheckpoint(filepath.Join(dir, resumed.Checkpoint))
	if err != nil {
		t.Fatalf("LoadCheckpoint after resume: %v", err)
	}
	if ck.Epoch != 3 || ck.Step != 12 {
		t.Errorf("resumed checkpoint epoch/step = %d/%d, want 3/12", ck.Epoch, ck.Step)
	}

	embPath := filepath.Join(dir, "emb.csv")
	if _, err := execute(t, "embed", "--checkpoint", ckptPath, "--data", dataPath, "--out", embPath); err != nil {
		t.Fatalf("embed: %v", err)
	}
	f, err := os.Open(embPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 16 || len(records[0]) != 1+3 {
		t.Errorf("embeddings = %d rows x %d cols, want 16 x 4", len(records), len(records[0]))
	}
	if records[5][0] != "5" {
		t.Errorf("row id = %q, want 5", records[5][0])
	}
}

func TestTrainCmd_ResumeInputMismatch(t *testing.T) {
	dir := t.TempDir()
	tinyEnv(t, dir)
	dataPath := filepath.Join(dir, "features.csv")
	writeFeatureCSV(t, dataPath, 16, 6)
	if _, err := execute(t, "--quiet", "train", "--data", dataPath, "--epochs", "1"); err != nil {
		t.Fatalf("train: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "checkpoint_*_0001.gob"))
	if len(matches) != 1 {
		t.Fatalf("checkpoints = %v", matches)
	}

	wide := filepath.Join(dir, "wide.csv")
	writeFeatureCSV(t, wide, 16, 9)
	_, err := execute(t, "--quiet", "train", "--data", wide, "--resume", matches[0], "--epochs", "2")
	if err == nil || !strings.Contains(err.Error(), "input features") {
		t.Errorf("err = %v, want input feature mismatch", err)
	}
}

func TestEmbedCmd_RequiredFlags(t *testing.T) {
	cmd := NewEmbedCmd()
	flag := cmd.Flags().Lookup("data")
	if flag == nil {
		t.Fatal("--data flag not found")
	}
	if _, ok := flag.Annotations["cobra_annotation_bash_completion_one_required_flag"]; !ok {
		t.Error("--data should be required")
	}

	missing := filepath.Join(t.TempDir(), "missing.csv")
	if _, err := execute(t, "embed", "--data", missing); err == nil {
		t.Error("embed without --checkpoint or --encoder should fail")
	}
	_, err := execute(t, "embed", "--data", missing, "--checkpoint", "a.gob", "--encoder", "b.gob")
	if err == nil || !strings.Contains(err.Error(), "checkpoint") {
		t.Errorf("err = %v, want --checkpoint and --encoder to be exclusive", err)
	}
}

func TestExportEmbedWorkflow(t *testing.T) {
	dir := t.TempDir()
	tinyEnv(t, dir)
	dataPath := filepath.Join(dir, "features.csv")
	writeFeatureCSV(t, dataPath, 16, 6)
	encPath := filepath.Join(dir, "encoder.gob")

	out, err := execute(t, "--quiet", "--format", "json", "train", "--data", dataPath, "--export", encPath)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	var summary struct {
		Checkpoint string `json:"checkpoint"`
		Encoder    string `json:"encoder"`
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	if summary.Encoder != encPath {
		t.Errorf("summary encoder = %q, want %q", summary.Encoder, encPath)
	}

	fromCkpt := filepath.Join(dir, "ckpt.csv")
	if _, err := execute(t, "--quiet", "embed", "--checkpoint", filepath.Join(dir, summary.Checkpoint),
		"--data", dataPath, "--out", fromCkpt); err != nil {
		t.Fatalf("embed --checkpoint: %v", err)
	}
	fromEnc := filepath.Join(dir, "enc.csv")
	if _, err := execute(t, "--quiet", "embed", "--encoder", encPath, "--data", dataPath, "--out", fromEnc); err != nil {
		t.Fatalf("embed --encoder: %v", err)
	}

	a, err := os.ReadFile(fromCkpt)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(fromEnc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("exported encoder and checkpoint produce different embeddings")
	}

	// A different architecture cannot read the export
	t.Setenv("MOCO_DIM", "4")
	if _, err := execute(t, "--quiet", "embed", "--encoder", encPath, "--data", dataPath,
		"--out", filepath.Join(dir, "bad.csv")); err == nil {
		t.Error("embed with a mismatched MOCO_DIM should fail")
	}
}

func TestInterruptMessage(t *testing.T) {
	if msg := interruptMessage("ckpts"); !strings.Contains(msg, "saved under ckpts") {
		t.Errorf("interruptMessage(ckpts) = %q", msg)
	}
	if msg := interruptMessage(""); strings.Contains(msg, "saved") {
		t.Errorf("interruptMessage(\"\") claims a save: %q", msg)
	}
}
