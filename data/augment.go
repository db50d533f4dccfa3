package data

import (
	"fmt"
	"image"
	"math"
	"math/rand/v2"

	"github.com/b0tShaman/moco-go/ml"

	"golang.org/x/image/draw"
)

// AugmentConfig describes the random transform applied to each view.
type AugmentConfig struct {
	NoiseStd float64 // gaussian noise added to every feature
	DropProb float64 // probability of zeroing a feature

	// Image geometry. Width*Height must equal the row width when set; zero
	// disables cropping and flipping.
	Width, Height int
	MinCropScale  float64 // smallest crop area as a fraction of the image
	FlipProb      float64
}

func DefaultAugmentConfig() AugmentConfig {
	return AugmentConfig{NoiseStd: 0.05, DropProb: 0.1, MinCropScale: 0.2, FlipProb: 0.5}
}

// TwoViewSource yields two independently augmented views of the same rows.
// It is not safe for concurrent use.
type TwoViewSource struct {
	data  *ml.Matrix
	cfg   AugmentConfig
	src   *rand.Rand
	batch *ml.Matrix // raw rows of the current batch
}

func NewTwoViewSource(data *ml.Matrix, cfg AugmentConfig, seed uint64) (*TwoViewSource, error) {
	if cfg.DropProb < 0 || cfg.DropProb >= 1 {
		return nil, fmt.Errorf("drop probability must be in [0, 1), got %g", cfg.DropProb)
	}
	if cfg.NoiseStd < 0 {
		return nil, fmt.Errorf("noise std must be >= 0, got %g", cfg.NoiseStd)
	}
	if cfg.Width > 0 || cfg.Height > 0 {
		if cfg.Width*cfg.Height != data.Cols() {
			return nil, fmt.Errorf("image geometry %dx%d does not match %d features", cfg.Width, cfg.Height, data.Cols())
		}
		if cfg.MinCropScale <= 0 || cfg.MinCropScale > 1 {
			return nil, fmt.Errorf("min crop scale must be in (0, 1], got %g", cfg.MinCropScale)
		}
	}
	return &TwoViewSource{
		data: data,
		cfg:  cfg,
		src:  rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb)),
	}, nil
}

func (s *TwoViewSource) Len() int { return s.data.Rows() }

func (s *TwoViewSource) Views(indices []int) (viewA, viewB *ml.Matrix) {
	cols := s.data.Cols()
	if s.batch == nil || s.batch.Rows() < len(indices) {
		s.batch = ml.NewMatrix(len(indices), cols)
	}
	ml.Gather(indices, s.data, s.batch)

	viewA = ml.NewMatrix(len(indices), cols)
	viewB = ml.NewMatrix(len(indices), cols)
	for i := range indices {
		row := s.batch.Row(i)
		s.augment(row, viewA.Row(i))
		s.augment(row, viewB.Row(i))
	}
	return viewA, viewB
}

func (s *TwoViewSource) augment(row, dst []float64) {
	if s.cfg.Width > 0 {
		s.randomResizedCrop(row, dst)
	} else {
		copy(dst, row)
	}
	for j := range dst {
		if s.cfg.DropProb > 0 && s.src.Float64() < s.cfg.DropProb {
			dst[j] = 0
			continue
		}
		if s.cfg.NoiseStd > 0 {
			dst[j] += s.cfg.NoiseStd * s.src.NormFloat64()
		}
	}
}

// randomResizedCrop picks a random sub-rectangle covering MinCropScale..1 of
// the image with aspect ratio in [3/4, 4/3], scales it back to full size and
// optionally mirrors it. Pixels are expected in [0, 1].
func (s *TwoViewSource) randomResizedCrop(row, dst []float64) {
	w, h := s.cfg.Width, s.cfg.Height
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i, v := range row {
		img.Pix[i] = uint8(math.Round(255 * min(1, max(0, v))))
	}

	rect := img.Bounds()
	area := float64(w * h)
	logLo, logHi := math.Log(3.0/4), math.Log(4.0/3)
	for attempt := 0; attempt < 10; attempt++ {
		target := area * (s.cfg.MinCropScale + s.src.Float64()*(1-s.cfg.MinCropScale))
		ratio := math.Exp(logLo + s.src.Float64()*(logHi-logLo))
		cw := int(math.Round(math.Sqrt(target * ratio)))
		ch := int(math.Round(math.Sqrt(target / ratio)))
		if cw > 0 && ch > 0 && cw <= w && ch <= h {
			x0, y0 := s.src.IntN(w-cw+1), s.src.IntN(h-ch+1)
			rect = image.Rect(x0, y0, x0+cw, y0+ch)
			break
		}
	}

	out := image.NewGray(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(out, out.Bounds(), img, rect, draw.Src, nil)

	flip := s.src.Float64() < s.cfg.FlipProb
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			tx := x
			if flip {
				tx = w - 1 - x
			}
			dst[y*w+tx] = float64(out.Pix[y*out.Stride+x]) / 255
		}
	}
}
