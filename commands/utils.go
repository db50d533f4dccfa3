// ABOUTME: Shared helpers for CLI commands
// ABOUTME: Dataset loading and result printing used by train, embed and rec
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/b0tShaman/moco-go/config"
	"github.com/b0tShaman/moco-go/data"
	"github.com/b0tShaman/moco-go/ml"
)

// loadInputs reads a CSV of feature rows or, when path is a directory, every
// image inside it. Rows are scaled to [0, 1]. ids are image file names or
// row numbers.
func loadInputs(path string, labelCol int, cfg *config.Config) (x *ml.Matrix, ids []string, images bool, err error) {
	if path == "" {
		return nil, nil, false, fmt.Errorf("--data is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, false, err
	}

	if info.IsDir() {
		rows, names, err := data.LoadImageFolder(path, cfg.ImageWidth, cfg.ImageHeight)
		if err != nil {
			return nil, nil, false, err
		}
		return ml.NewMatrixFromRows(rows), names, true, nil
	}

	rows, _, err := data.LoadCSV(path, labelCol)
	if err != nil {
		return nil, nil, false, err
	}
	data.MinMaxNormalize(rows)
	ids = make([]string, len(rows))
	for i := range ids {
		ids[i] = strconv.Itoa(i)
	}
	return ml.NewMatrixFromRows(rows), ids, false, nil
}

// printResult writes v as JSON under --format json, otherwise the text line.
func printResult(w io.Writer, v any, text string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

// validatePositiveInt returns error if n is not positive
func validatePositiveInt(n int, name string) error {
	if n <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, n)
	}
	return nil
}
