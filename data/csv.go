package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/b0tShaman/moco-go/ml"
)

// NoLabel tells LoadCSV that every column is a feature.
const NoLabel = -1

// LoadCSV reads a numeric CSV file. When labelCol >= 0 that column is split
// off and returned as Y. A first row that does not parse as numbers is
// treated as a header and skipped.
func LoadCSV(path string, labelCol int) (X [][]float64, Y []float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.ReuseRecord = true

	width := -1
	for line := 1; ; line++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}

		values, perr := parseRow(record)
		if perr != nil {
			if line == 1 {
				continue // header
			}
			return nil, nil, fmt.Errorf("%s line %d: %w", path, line, perr)
		}
		if width < 0 {
			width = len(values)
			if labelCol >= width {
				return nil, nil, fmt.Errorf("%s: label column %d out of range for %d columns", path, labelCol, width)
			}
		}
		if len(values) != width {
			return nil, nil, fmt.Errorf("%s line %d: %d columns, want %d", path, line, len(values), width)
		}

		if labelCol >= 0 {
			Y = append(Y, values[labelCol])
			values = append(values[:labelCol], values[labelCol+1:]...)
		}
		X = append(X, values)
	}

	if len(X) == 0 {
		return nil, nil, fmt.Errorf("%s: no data rows", path)
	}
	return X, Y, nil
}

func parseRow(record []string) ([]float64, error) {
	values := make([]float64, len(record))
	for i, field := range record {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		values[i] = v
	}
	return values, nil
}

// MinMaxNormalize rescales every column of X to [0, 1] in place. Constant
// columns become 0.
func MinMaxNormalize(X [][]float64) {
	if len(X) == 0 {
		return
	}
	cols := len(X[0])
	for c := 0; c < cols; c++ {
		lo, hi := X[0][c], X[0][c]
		for _, row := range X {
			lo = min(lo, row[c])
			hi = max(hi, row[c])
		}
		span := hi - lo
		for _, row := range X {
			if span == 0 {
				row[c] = 0
			} else {
				row[c] = (row[c] - lo) / span
			}
		}
	}
}

// WriteCSV writes m one row per line, optionally preceded by ids in the
// first column.
func WriteCSV(path string, ids []string, m *ml.Matrix) error {
	if ids != nil && len(ids) != m.Rows() {
		return fmt.Errorf("%d ids for %d rows", len(ids), m.Rows())
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)

	record := make([]string, 0, m.Cols()+1)
	for i := 0; i < m.Rows(); i++ {
		record = record[:0]
		if ids != nil {
			record = append(record, ids[i])
		}
		for _, v := range m.Row(i) {
			record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := w.Write(record); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
