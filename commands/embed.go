// ABOUTME: CLI command to encode inputs with a trained query encoder
// ABOUTME: Writes one normalized embedding per input row to CSV
package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/b0tShaman/moco-go/config"
	"github.com/b0tShaman/moco-go/data"
	"github.com/b0tShaman/moco-go/ml"
	"github.com/b0tShaman/moco-go/moco"
)

var (
	embedCheckpoint string
	embedEncoder    string
	embedData       string
	embedLabelCol   int
	embedOut        string
)

// NewEmbedCmd creates the embed command
func NewEmbedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Encode inputs with a trained encoder",
		Long: `Run the query encoder of a checkpoint in eval mode over --data and write
the L2-normalized embeddings to --out, one row per input, prefixed by the
row number or image file name.

--encoder reads weights written by "train --export" instead of a full
checkpoint. The architecture then comes from the MOCO_* environment, which
must match the run that exported it.

Examples:
  moco embed --checkpoint checkpoints/checkpoint_<run>_0200.gob --data digits.csv --out emb.csv
  moco embed --checkpoint run.gob --data ./images --out emb.csv
  moco embed --encoder encoder.gob --data digits.csv`,
		Args: cobra.NoArgs,
		RunE: runEmbed,
	}

	cmd.Flags().StringVar(&embedCheckpoint, "checkpoint", "", "Checkpoint file")
	cmd.Flags().StringVar(&embedEncoder, "encoder", "", "Encoder weights written by train --export")
	cmd.Flags().StringVar(&embedData, "data", "", "CSV file or image directory")
	cmd.Flags().IntVar(&embedLabelCol, "label-col", data.NoLabel, "CSV column to drop")
	cmd.Flags().StringVar(&embedOut, "out", "embeddings.csv", "Output CSV")
	_ = cmd.MarkFlagRequired("data")
	cmd.MarkFlagsOneRequired("checkpoint", "encoder")
	cmd.MarkFlagsMutuallyExclusive("checkpoint", "encoder")

	return cmd
}

func runEmbed(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	x, ids, _, err := loadInputs(embedData, embedLabelCol, cfg)
	if err != nil {
		return fmt.Errorf("loading data: %w", err)
	}

	enc, err := loadQueryEncoder(cfg, x.Cols())
	if err != nil {
		return err
	}

	emb := moco.Embed(enc, x)
	if err := data.WriteCSV(embedOut, ids, emb); err != nil {
		return fmt.Errorf("writing embeddings: %w", err)
	}

	result := struct {
		Rows int    `json:"rows"`
		Dim  int    `json:"dim"`
		Out  string `json:"out"`
	}{emb.Rows(), emb.Cols(), embedOut}
	if quiet {
		return nil
	}
	return printResult(cmd.OutOrStdout(), result,
		fmt.Sprintf("Wrote %d embeddings of dim %d to %s", result.Rows, result.Dim, result.Out))
}

// loadQueryEncoder returns the encoder named by --checkpoint or --encoder
// for inputs of width inputDim.
func loadQueryEncoder(cfg *config.Config, inputDim int) (*ml.NeuralNetwork, error) {
	if embedEncoder != "" {
		enc, err := moco.LoadEncoder(cfg.MoCo(inputDim), embedEncoder)
		if err != nil {
			return nil, fmt.Errorf("restoring encoder: %w", err)
		}
		return enc, nil
	}

	ck, err := moco.LoadCheckpoint(embedCheckpoint)
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
	return model.Query, nil
}
