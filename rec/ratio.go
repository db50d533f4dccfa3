package rec

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// cosEps clamps vector norms before dividing, as in row normalization.
const cosEps = 1e-12

// RatioLoss is -log(pos / (pos + sum(negs))). pos must be strictly
// positive, every score finite and the ratio strictly positive; otherwise
// it returns ErrNonPositiveRatio instead of a non-finite loss.
func RatioLoss(pos float64, negs []float64) (float64, error) {
	loss, _, _, err := ratioLoss(pos, negs)
	return loss, err
}

// ratioLoss also returns dL/dpos and dL/dneg (the same for every negative).
func ratioLoss(pos float64, negs []float64) (loss, dPos, dNeg float64, err error) {
	sum := floats.Sum(negs)
	if math.IsNaN(pos) || math.IsInf(pos, 0) || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0, 0, 0, fmt.Errorf("%w: non-finite scores (pos %g, negatives sum %g)", ErrNonPositiveRatio, pos, sum)
	}
	if pos <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: positive score %g", ErrNonPositiveRatio, pos)
	}
	denom := pos + sum
	ratio := pos / denom
	if denom <= 0 || !(ratio > 0) || math.IsInf(ratio, 0) {
		return 0, 0, 0, fmt.Errorf("%w: ratio %g / %g", ErrNonPositiveRatio, pos, denom)
	}
	return -math.Log(ratio), -1/pos + 1/denom, 1 / denom, nil
}

func cosine(x, y []float64) float64 {
	nx := max(floats.Norm(x, 2), cosEps)
	ny := max(floats.Norm(y, 2), cosEps)
	return floats.Dot(x, y) / (nx * ny)
}

// addCosineGrad adds scale * d cos(x, y) / dx to dst.
func addCosineGrad(dst, x, y []float64, scale float64) {
	nx := max(floats.Norm(x, 2), cosEps)
	ny := max(floats.Norm(y, 2), cosEps)
	c := floats.Dot(x, y) / (nx * ny)
	floats.AddScaled(dst, scale/(nx*ny), y)
	floats.AddScaled(dst, -scale*c/(nx*nx), x)
}

// softplus is log(1 + e^x) without overflow.
func softplus(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
