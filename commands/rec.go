// ABOUTME: CLI command to train the BPR recommender with item-feature contrast
// ABOUTME: Loads interaction CSVs, trains, and reports HR/NDCG on held-out pairs
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

	"github.com/b0tShaman/moco-go/config"
	"github.com/b0tShaman/moco-go/data"
	"github.com/b0tShaman/moco-go/ml"
	"github.com/b0tShaman/moco-go/rec"
)

var (
	recData     string
	recTest     string
	recFeatures string
	recEpochs   int
	recDim      int
	recTopK     int
	recContrast string
	recCold     bool
)

// NewRecCmd creates the rec command
func NewRecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rec",
		Short: "Train the BPR recommender",
		Long: `Train user and item embeddings with the BPR loss on implicit feedback.

--data and --test are CSVs of "user,item" id pairs. With --features (one
row of item features per item id) a feature MLP is trained jointly through
a contrastive term, and --cold also reports metrics with items scored from
their features alone.

Examples:
  moco rec --data train.csv --test test.csv
  moco rec --data train.csv --test test.csv --features items.csv --contrast distance --cold`,
		Args: cobra.NoArgs,
		RunE: runRec,
	}

	cmd.Flags().StringVar(&recData, "data", "", "Training interactions CSV")
	cmd.Flags().StringVar(&recTest, "test", "", "Held-out interactions CSV")
	cmd.Flags().StringVar(&recFeatures, "features", "", "Item features CSV")
	cmd.Flags().IntVar(&recEpochs, "epochs", 0, "Number of epochs (REC_EPOCHS)")
	cmd.Flags().IntVar(&recDim, "dim", 0, "Embedding size (REC_DIM)")
	cmd.Flags().IntVar(&recTopK, "topk", 0, "Cutoff for HR/NDCG (REC_TOPK)")
	cmd.Flags().StringVar(&recContrast, "contrast", "", "Contrastive term: cosine or distance (REC_CONTRAST)")
	cmd.Flags().BoolVar(&recCold, "cold", false, "Also evaluate with feature-derived item vectors")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

func runRec(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	rc := cfg.Rec()
	if cmd.Flags().Changed("epochs") {
		rc.Epochs = recEpochs
	}
	if cmd.Flags().Changed("dim") {
		rc.Dim = recDim
	}
	if cmd.Flags().Changed("topk") {
		if err := validatePositiveInt(recTopK, "--topk"); err != nil {
			return err
		}
		rc.TopK = recTopK
	}
	if cmd.Flags().Changed("contrast") {
		rc.Contrast = rec.ContrastKind(recContrast)
	}
	if err := rc.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	train, err := data.LoadInteractions(recData)
	if err != nil {
		return fmt.Errorf("loading interactions: %w", err)
	}
	var test []data.Interaction
	if recTest != "" {
		if test, err = data.LoadInteractions(recTest); err != nil {
			return fmt.Errorf("loading test interactions: %w", err)
		}
	}

	var features *ml.Matrix
	numUsers, numItems := tableSizes(train, test)
	if recFeatures != "" {
		rows, _, err := data.LoadCSV(recFeatures, data.NoLabel)
		if err != nil {
			return fmt.Errorf("loading item features: %w", err)
		}
		data.MinMaxNormalize(rows)
		features = ml.NewMatrixFromRows(rows)
		if features.Rows() < numItems {
			return fmt.Errorf("%d feature rows, but item ids go up to %d", features.Rows(), numItems-1)
		}
		numItems = features.Rows()
	}

	ds, err := rec.NewDataset(train, numUsers, numItems)
	if err != nil {
		return err
	}
	model, err := rec.NewModel(rc, ds.NumUsers, ds.NumItems, features)
	if err != nil {
		return err
	}
	if verbose {
		log.Printf("[Rec] %d interactions, %d users, %d items, features=%v",
			len(train), ds.NumUsers, ds.NumItems, features != nil)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = rec.NewTrainer(model).Train(ctx, ds, test, progressOut(cmd))
	if errors.Is(err, context.Canceled) {
		log.Printf("[Rec] interrupted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}
	if len(test) == 0 {
		return nil
	}

	results := map[string]rec.Metrics{}
	metrics, err := model.Evaluate(test, ds, rc.TopK, false)
	if err != nil {
		return err
	}
	results["test"] = metrics
	text := "test: " + metrics.String()

	if recCold && features != nil {
		cold, err := model.Evaluate(test, ds, rc.TopK, true)
		if err != nil {
			return err
		}
		results["cold"] = cold
		text += "\ncold: " + cold.String()
	}
	return printResult(cmd.OutOrStdout(), results, text)
}

// tableSizes returns one past the largest user and item id in any set.
func tableSizes(sets ...[]data.Interaction) (users, items int) {
	for _, set := range sets {
		for _, p := range set {
			users, items = max(users, p.User+1), max(items, p.Item+1)
		}
	}
	return users, items
}
