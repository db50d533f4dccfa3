package data

import (
	"fmt"
	"math"
)

// Interaction is one observed (user, item) pair.
type Interaction struct {
	User, Item int
}

// LoadInteractions reads "user,item[,...]" rows of non-negative integer
// ids. Extra columns such as ratings or timestamps are ignored.
func LoadInteractions(path string) ([]Interaction, error) {
	X, _, err := LoadCSV(path, NoLabel)
	if err != nil {
		return nil, err
	}
	if len(X[0]) < 2 {
		return nil, fmt.Errorf("%s: need user and item columns, got %d", path, len(X[0]))
	}

	out := make([]Interaction, len(X))
	for i, row := range X {
		u, it := row[0], row[1]
		if u < 0 || it < 0 || u != math.Trunc(u) || it != math.Trunc(it) {
			return nil, fmt.Errorf("%s row %d: ids must be non-negative integers, got %v,%v", path, i+1, u, it)
		}
		out[i] = Interaction{User: int(u), Item: int(it)}
	}
	return out, nil
}
