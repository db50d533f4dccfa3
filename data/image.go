package data

import (
	"fmt"
	"image"
	_ "image/jpeg" // Essential: Registers JPEG format
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/image/draw"
)

var imageExts = []string{".jpg", ".jpeg", ".png"}

// ConvertImage1D decodes an image of any size, resizes it to
// targetW x targetH and returns its grayscale pixels, row-major, in [0, 1].
func ConvertImage1D(path string, targetW, targetH int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	draw.CatmullRom.Scale(dst, dst.Rect, src, src.Bounds(), draw.Over, nil)

	out := make([]float64, 0, targetW*targetH)
	bounds := dst.Bounds()

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := dst.At(x, y).RGBA()
			// Standard Grayscale formula
			gray := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			out = append(out, gray/255)
		}
	}
	return out, nil
}

// LoadImageFolder converts every JPEG/PNG directly inside dir, in name
// order. It returns the pixel rows and the matching file names.
func LoadImageFolder(dir string, targetW, targetH int) ([][]float64, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}

	var X [][]float64
	var names []string
	for _, e := range entries {
		if e.IsDir() || !slices.Contains(imageExts, strings.ToLower(filepath.Ext(e.Name()))) {
			continue
		}
		row, err := ConvertImage1D(filepath.Join(dir, e.Name()), targetW, targetH)
		if err != nil {
			return nil, nil, err
		}
		X = append(X, row)
		names = append(names, e.Name())
	}
	if len(X) == 0 {
		return nil, nil, fmt.Errorf("%s: no images found", dir)
	}
	return X, names, nil
}
