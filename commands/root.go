// ABOUTME: Root command and global flags for the moco CLI
// ABOUTME: Wires subcommands and shared verbosity handling
package commands

import (
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"
)

var (
	verbose bool
	quiet   bool
	format  string
)

// NewRootCmd creates the root command with every subcommand attached
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "moco",
		Short: "Momentum-contrastive representation learning",
		Long: `moco trains an encoder with momentum contrast: a query encoder learns to
match each input's key, produced by a slowly moving copy of itself, against
a queue of keys from earlier batches.

Configuration comes from the environment (and a .env file); flags override it.

Examples:
  moco train --data digits.csv --epochs 50
  moco embed --checkpoint checkpoints/run_0050.gob --data digits.csv --out emb.csv
  moco rec --data train.csv --test test.csv`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose && quiet {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			switch format {
			case "auto", "text", "json":
			default:
				return fmt.Errorf("unknown --format %q (want auto, text or json)", format)
			}
			if quiet {
				log.SetOutput(io.Discard)
			} else {
				log.SetOutput(cmd.ErrOrStderr())
			}
			if verbose {
				log.SetFlags(log.LstdFlags | log.Lmicroseconds)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed output")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only print errors")
	cmd.PersistentFlags().StringVar(&format, "format", "auto", "Result format: auto, text or json")

	cmd.AddCommand(
		NewTrainCmd(),
		NewEmbedCmd(),
		NewRecCmd(),
		NewVersionCmd(),
	)
	return cmd
}

// Execute runs the CLI
func Execute() error {
	return NewRootCmd().Execute()
}

// progressOut is where training progress lines go.
func progressOut(cmd *cobra.Command) io.Writer {
	if quiet {
		return io.Discard
	}
	return cmd.OutOrStdout()
}
