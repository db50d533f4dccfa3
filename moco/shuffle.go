package moco

import (
	"fmt"
	"math/rand/v2"

	"github.com/b0tShaman/moco-go/ml"
)

// Shuffler reorders the key-view batch across all workers before the key
// encoder runs and restores the original order afterwards, so BatchNorm in
// the key encoder never sees the same mini-batch as the query encoder.
type Shuffler struct {
	comm Communicator
	src  *rand.Rand // only rank 0 draws permutations
}

func NewShuffler(comm Communicator, src *rand.Rand) *Shuffler {
	return &Shuffler{comm: comm, src: src}
}

// Shuffle returns this worker's slice of the globally permuted batch and the
// inverse permutation needed by Unshuffle.
func (s *Shuffler) Shuffle(x *ml.Matrix) (*ml.Matrix, []int, error) {
	if s.comm.WorldSize() == 1 {
		return x.Clone(), ml.NewIndexList(x.Rows()), nil
	}

	all, err := s.comm.AllGather(x)
	if err != nil {
		return nil, nil, err
	}
	total, local, rank := all.Rows(), x.Rows(), s.comm.Rank()

	var perm []int
	if rank == 0 {
		perm = s.src.Perm(total)
	}
	perm, err = s.comm.Broadcast(perm, 0)
	if err != nil {
		return nil, nil, err
	}
	if len(perm) != total {
		return nil, nil, fmt.Errorf("%w: permutation of %d for global batch %d", ErrCollective, len(perm), total)
	}

	idx := perm[rank*local : (rank+1)*local]
	return all.SelectRows(idx), ml.InversePermutation(perm), nil
}

// Unshuffle gathers the encoded rows from every worker and returns the rows
// belonging to this worker's original examples, in their original order.
func (s *Shuffler) Unshuffle(y *ml.Matrix, inverse []int) (*ml.Matrix, error) {
	if s.comm.WorldSize() == 1 {
		if len(inverse) != y.Rows() {
			return nil, fmt.Errorf("%w: inverse of %d for batch %d", ErrShape, len(inverse), y.Rows())
		}
		return y.SelectRows(inverse), nil
	}

	all, err := s.comm.AllGather(y)
	if err != nil {
		return nil, err
	}
	if all.Rows() != len(inverse) {
		return nil, fmt.Errorf("%w: inverse of %d for global batch %d", ErrCollective, len(inverse), all.Rows())
	}

	local, rank := y.Rows(), s.comm.Rank()
	return all.SelectRows(inverse[rank*local : (rank+1)*local]), nil
}
