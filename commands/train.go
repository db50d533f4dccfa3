// ABOUTME: CLI command for momentum-contrastive pre-training
// ABOUTME: Loads data, builds or resumes a model and runs the data-parallel trainer
package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/b0tShaman/moco-go/config"
	"github.com/b0tShaman/moco-go/data"
	"github.com/b0tShaman/moco-go/moco"
)

var (
	trainData     string
	trainLabelCol int
	trainEpochs   int
	trainBatch    int
	trainWorkers  int
	trainQueue    int
	trainLR       float64
	trainCosine   bool
	trainMLP      bool
	trainResume   string
	trainSaveDir  string
	trainExport   string
)

// NewTrainCmd creates the train command
func NewTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Pre-train an encoder with momentum contrast",
		Long: `Train a query/key encoder pair on unlabeled data.

--data is either a CSV of feature rows (a header row is skipped) or a
directory of JPEG/PNG images, which are resized to IMAGE_WIDTH x IMAGE_HEIGHT
grayscale. A checkpoint is written after every epoch and on Ctrl-C.

Examples:
  moco train --data digits.csv --label-col 0 --epochs 50
  moco train --data ./images --workers 4 --batch-size 128 --queue 4096
  moco train --data digits.csv --resume checkpoints/checkpoint_<run>_0010.gob
  moco train --data digits.csv --export encoder.gob`,
		Args: cobra.NoArgs,
		RunE: runTrain,
	}

	cmd.Flags().StringVar(&trainData, "data", "", "CSV file or image directory")
	cmd.Flags().IntVar(&trainLabelCol, "label-col", data.NoLabel, "CSV column to drop (labels are unused)")
	cmd.Flags().IntVar(&trainEpochs, "epochs", 0, "Number of epochs (EPOCHS)")
	cmd.Flags().IntVar(&trainBatch, "batch-size", 0, "Global batch size (BATCH_SIZE)")
	cmd.Flags().IntVar(&trainWorkers, "workers", 0, "Data-parallel workers (NUM_WORKERS)")
	cmd.Flags().IntVar(&trainQueue, "queue", 0, "Negative queue size (MOCO_K)")
	cmd.Flags().Float64Var(&trainLR, "lr", 0, "Base learning rate (LEARNING_RATE)")
	cmd.Flags().BoolVar(&trainCosine, "cosine", false, "Cosine learning-rate schedule (LR_COSINE)")
	cmd.Flags().BoolVar(&trainMLP, "mlp", false, "Add the MLP projection head (MOCO_MLP)")
	cmd.Flags().StringVar(&trainResume, "resume", "", "Checkpoint to resume from (RESUME)")
	cmd.Flags().StringVar(&trainSaveDir, "checkpoint-dir", "", "Checkpoint directory (CHECKPOINT_DIR)")
	cmd.Flags().StringVar(&trainExport, "export", "", "Also write the trained query encoder weights to this file")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

// applyTrainFlags copies explicitly set flags over the environment config.
func applyTrainFlags(flags *pflag.FlagSet, cfg *config.Config) {
	if flags.Changed("epochs") {
		cfg.Epochs = trainEpochs
	}
	if flags.Changed("batch-size") {
		cfg.BatchSize = trainBatch
	}
	if flags.Changed("workers") {
		cfg.NumWorkers = trainWorkers
	}
	if flags.Changed("queue") {
		cfg.QueueSize = trainQueue
	}
	if flags.Changed("lr") {
		cfg.LearningRate = trainLR
	}
	if flags.Changed("cosine") {
		cfg.Cosine = trainCosine
	}
	if flags.Changed("mlp") {
		cfg.MLP = trainMLP
	}
	if flags.Changed("resume") {
		cfg.Resume = trainResume
	}
	if flags.Changed("checkpoint-dir") {
		cfg.CheckpointDir = trainSaveDir
	}
}

func runTrain(cmd *cobra.Command, args []string) error {
	// Load .env for defaults
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyTrainFlags(cmd.Flags(), cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	x, _, images, err := loadInputs(trainData, trainLabelCol, cfg)
	if err != nil {
		return fmt.Errorf("loading data: %w", err)
	}
	src, err := data.NewTwoViewSource(x, cfg.Augment(images), cfg.Seed)
	if err != nil {
		return fmt.Errorf("building augmentation: %w", err)
	}

	tc := cfg.Training()
	tc.Output = progressOut(cmd)
	model, err := buildModel(cfg, x.Cols(), &tc)
	if err != nil {
		return err
	}
	trainer, err := moco.NewTrainer(model, tc)
	if err != nil {
		return fmt.Errorf("creating trainer: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if verbose {
		log.Printf("[Train] run %s: %d x %d inputs, images=%v, epochs %d-%d",
			trainer.RunID(), x.Rows(), x.Cols(), images, tc.StartEpoch, tc.Epochs)
	}
	err = trainer.Train(ctx, src)
	if errors.Is(err, context.Canceled) {
		log.Print(interruptMessage(tc.SaveDir))
		return nil
	}
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}

	if trainExport != "" {
		if err := model.Query.SaveToFile(trainExport); err != nil {
			return fmt.Errorf("exporting encoder: %w", err)
		}
	}

	summary := struct {
		RunID       string `json:"run_id"`
		Epochs      int    `json:"epochs"`
		QueueFilled int    `json:"queue_filled"`
		Checkpoint  string `json:"checkpoint"`
		Encoder     string `json:"encoder,omitempty"`
	}{trainer.RunID(), tc.Epochs, model.Queue.Filled(), moco.CheckpointName(trainer.RunID(), tc.Epochs), trainExport}
	return printResult(cmd.OutOrStdout(), summary,
		fmt.Sprintf("Run %s finished: %s", summary.RunID, summary.Checkpoint))
}

// buildModel creates a fresh model or restores cfg.Resume, in which case
// tc continues the saved run.
func buildModel(cfg *config.Config, inputDim int, tc *moco.TrainingConfig) (*moco.Model, error) {
	if cfg.Resume == "" {
		model, err := moco.New(cfg.MoCo(inputDim), tc.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("creating model: %w", err)
		}
		return model, nil
	}

	ck, err := moco.LoadCheckpoint(cfg.Resume)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	model, err := moco.NewFromCheckpoint(ck)
	if err != nil {
		return nil, fmt.Errorf("restoring checkpoint: %w", err)
	}
	if got := model.Config().InputDim; got != inputDim {
		return nil, fmt.Errorf("checkpoint expects %d input features, data has %d", got, inputDim)
	}

	tc.StartEpoch, tc.StartBatch, tc.StartStep, tc.RunID = ck.Epoch, ck.Batch, ck.Step, ck.RunID
	log.Printf("[Train] resuming run %s at epoch %d batch %d (step %d)", ck.RunID, ck.Epoch, ck.Batch, ck.Step)
	return model, nil
}

func interruptMessage(saveDir string) string {
	if saveDir == "" {
		return "[Train] interrupted, no checkpoint directory configured"
	}
	return "[Train] interrupted, state saved under " + saveDir
}
