package moco

import (
	"fmt"
	"log"

	"github.com/b0tShaman/moco-go/ml"
)

// Queue is a fixed-capacity FIFO ring buffer of normalized key embeddings.
// Enqueue overwrites the oldest rows; there is no separate eviction.
type Queue struct {
	buf         *ml.Matrix // capacity x dim
	ptr         int        // next row to write
	filled      int        // rows written at least once, saturates at capacity
	keysPerStep int
}

// NewQueue allocates a zeroed queue. capacity must be a multiple of
// keysPerStep so that every step starts on a batch boundary.
func NewQueue(capacity, dim, keysPerStep int) (*Queue, error) {
	if capacity <= 0 || dim <= 0 || keysPerStep <= 0 {
		return nil, fmt.Errorf("%w: queue sizes must be positive (capacity %d, dim %d, keys per step %d)",
			ErrConfig, capacity, dim, keysPerStep)
	}
	if capacity%keysPerStep != 0 {
		return nil, fmt.Errorf("%w: queue capacity %d is not a multiple of keys per step %d",
			ErrConfig, capacity, keysPerStep)
	}
	return &Queue{
		buf:         ml.NewMatrix(capacity, dim),
		keysPerStep: keysPerStep,
	}, nil
}

func (q *Queue) Capacity() int    { return q.buf.Rows() }
func (q *Queue) Dim() int         { return q.buf.Cols() }
func (q *Queue) Ptr() int         { return q.ptr }
func (q *Queue) Filled() int      { return q.filled }
func (q *Queue) KeysPerStep() int { return q.keysPerStep }

// Primed reports whether every slot holds a real key.
func (q *Queue) Primed() bool { return q.filled == q.Capacity() }

// Valid reports whether slot j has been written. Slots fill in order from
// row 0, so the written slots are always [0, Filled()).
func (q *Queue) Valid(j int) bool { return j < q.filled }

// Snapshot returns a copy of the full buffer, unaffected by later enqueues.
func (q *Queue) Snapshot() *ml.Matrix {
	return q.buf.Clone()
}

// negatives exposes the live buffer. Callers must finish reading before the
// next Enqueue.
func (q *Queue) negatives() *ml.Matrix {
	return q.buf
}

// Enqueue writes keys at the cursor, wrapping around the end of the buffer,
// and advances the cursor by len(keys) modulo capacity.
func (q *Queue) Enqueue(keys *ml.Matrix) error {
	n, capacity := keys.Rows(), q.Capacity()
	if keys.Cols() != q.Dim() {
		return fmt.Errorf("%w: key dim %d, queue dim %d", ErrShape, keys.Cols(), q.Dim())
	}
	if n > capacity {
		return fmt.Errorf("%w: %d keys exceed queue capacity %d", ErrShape, n, capacity)
	}

	dim := q.Dim()
	src, dst := keys.Data(), q.buf.Data()

	// First segment up to the end of the buffer, then the wrapped remainder
	head := min(n, capacity-q.ptr)
	copy(dst[q.ptr*dim:(q.ptr+head)*dim], src[:head*dim])
	if head < n {
		copy(dst[:(n-head)*dim], src[head*dim:n*dim])
	}

	wasPrimed := q.Primed()
	q.ptr = (q.ptr + n) % capacity
	q.filled = min(q.filled+n, capacity)
	if !wasPrimed && q.Primed() {
		log.Printf("[Queue] all %d slots filled", capacity)
	}
	return nil
}

// restoreQueue rebuilds a queue from persisted state.
func restoreQueue(buf *ml.Matrix, ptr, filled, keysPerStep int) (*Queue, error) {
	q, err := NewQueue(buf.Rows(), buf.Cols(), keysPerStep)
	if err != nil {
		return nil, err
	}
	if ptr < 0 || ptr >= buf.Rows() || filled < 0 || filled > buf.Rows() {
		return nil, fmt.Errorf("%w: queue cursor %d / filled %d out of range for capacity %d",
			ErrConfig, ptr, filled, buf.Rows())
	}
	// Until the ring wraps, the written slots are exactly [0, ptr)
	if filled < buf.Rows() && ptr != filled {
		return nil, fmt.Errorf("%w: queue cursor %d does not match %d filled slots", ErrConfig, ptr, filled)
	}
	q.buf.CopyFrom(buf)
	q.ptr = ptr
	q.filled = filled
	return q, nil
}
