package rec

import "errors"

var (
	// ErrNonPositiveRatio is returned when a score ratio that feeds a
	// logarithm is zero, negative or not finite.
	ErrNonPositiveRatio = errors.New("rec: non-positive ratio inside logarithm")

	// ErrNoNegative is returned when a user has interacted with every item,
	// so no negative can be sampled for them.
	ErrNoNegative = errors.New("rec: no negative item available")
)
