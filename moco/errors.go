package moco

import "errors"

var (
	// ErrConfig marks a configuration defect detected at startup: capacity
	// not divisible by the per-step key count, encoder mismatch, bad
	// temperature or momentum.
	ErrConfig = errors.New("moco: invalid configuration")

	// ErrShape marks tensors whose dimensions do not line up.
	ErrShape = errors.New("moco: shape mismatch")

	// ErrCollective marks a collective operation whose participants
	// disagree, e.g. different local batch sizes.
	ErrCollective = errors.New("moco: collective mismatch")
)
