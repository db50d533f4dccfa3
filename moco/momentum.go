package moco

import (
	"fmt"

	"github.com/b0tShaman/moco-go/ml"

	"gonum.org/v1/gonum/floats"
)

// MomentumUpdate moves every key parameter toward its query counterpart:
// k = m*k + (1-m)*q. The networks must list identically shaped parameters in
// the same order; a mismatch is a configuration error and nothing is
// modified.
func MomentumUpdate(key, query *ml.NeuralNetwork, m float64) error {
	if m < 0 || m > 1 {
		return fmt.Errorf("%w: momentum must be in [0, 1], got %g", ErrConfig, m)
	}

	kp, qp := key.Params(), query.Params()
	if len(kp) != len(qp) {
		return fmt.Errorf("%w: key encoder has %d parameter tensors, query encoder has %d",
			ErrConfig, len(kp), len(qp))
	}
	for i := range kp {
		if !kp[i].SameShape(qp[i]) {
			return fmt.Errorf("%w: parameter %d shape [%d, %d] vs [%d, %d]", ErrConfig, i,
				kp[i].Rows(), kp[i].Cols(), qp[i].Rows(), qp[i].Cols())
		}
	}

	for i := range kp {
		k := kp[i].Data()
		floats.Scale(m, k)
		floats.AddScaled(k, 1-m, qp[i].Data())
	}
	return nil
}
