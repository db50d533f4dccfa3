package ml

import (
	"math/rand/v2"
)

// ------ DATA HANDLING HELPERS ------
func NewIndexList(size int) []int {
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

func ShuffleIndices(src *rand.Rand, indices []int) {
	src.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
}

// InversePermutation returns inv such that inv[perm[i]] = i.
func InversePermutation(perm []int) []int {
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv
}

// Gather copies rows batchIndices of global into the first rows of dest,
// so a batch can be read contiguously without reordering the dataset.
func Gather(batchIndices []int, global *Matrix, dest *Matrix) {
	rowSize := global.cols
	if dest.cols != rowSize || dest.rows < len(batchIndices) {
		panic("Gather: destination too small")
	}

	for localRowIdx, realDataIdx := range batchIndices {
		srcStart := realDataIdx * rowSize
		dstStart := localRowIdx * rowSize
		copy(dest.data[dstStart:dstStart+rowSize], global.data[srcStart:srcStart+rowSize])
	}
}
