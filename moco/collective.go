package moco

import (
	"fmt"
	"sync"

	"github.com/b0tShaman/moco-go/ml"
)

// Communicator is one participant's handle on a group of workers running
// the same step in lockstep. Every method is a collective: all members must
// call it, in the same order, or the group blocks.
type Communicator interface {
	Rank() int
	WorldSize() int

	// AllGather concatenates every member's rows in rank order. Members must
	// contribute the same number of rows and columns.
	AllGather(local *ml.Matrix) (*ml.Matrix, error)

	// Broadcast returns root's values to every member. Non-root values are
	// ignored.
	Broadcast(values []int, root int) ([]int, error)
}

// LocalGroup connects goroutine workers inside one process. Each round is a
// rendezvous: the last member to arrive publishes the round's payloads and
// wakes the others.
type LocalGroup struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	gen     uint64
	arrived int
	slots   []any
	result  []any
	err     error
}

func NewLocalGroup(size int) *LocalGroup {
	if size <= 0 {
		panic(fmt.Sprintf("LocalGroup size must be positive, got %d", size))
	}
	g := &LocalGroup{size: size, slots: make([]any, size)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *LocalGroup) Size() int { return g.size }

// Member returns the communicator for rank.
func (g *LocalGroup) Member(rank int) Communicator {
	if rank < 0 || rank >= g.size {
		panic(fmt.Sprintf("rank %d out of range for group of %d", rank, g.size))
	}
	return &localMember{group: g, rank: rank}
}

// Abort fails the current and every later collective with err. Used when a
// member cannot reach the next rendezvous.
func (g *LocalGroup) Abort(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil {
		g.err = err
	}
	g.cond.Broadcast()
}

func (g *LocalGroup) exchange(rank int, payload any) ([]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}

	myGen := g.gen
	g.slots[rank] = payload
	g.arrived++
	if g.arrived == g.size {
		g.result = g.slots
		g.slots = make([]any, g.size)
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
		return g.result, nil
	}
	for g.gen == myGen && g.err == nil {
		g.cond.Wait()
	}
	if g.gen == myGen {
		return nil, g.err
	}
	// result stays valid until this member joins the next round
	return g.result, nil
}

type localMember struct {
	group *LocalGroup
	rank  int
}

func (m *localMember) Rank() int      { return m.rank }
func (m *localMember) WorldSize() int { return m.group.size }

func (m *localMember) AllGather(local *ml.Matrix) (*ml.Matrix, error) {
	parts, err := m.group.exchange(m.rank, local)
	if err != nil {
		return nil, err
	}

	rows, cols := local.Rows(), local.Cols()
	for r, p := range parts {
		pm := p.(*ml.Matrix)
		if pm.Rows() != rows || pm.Cols() != cols {
			return nil, fmt.Errorf("%w: rank %d contributed [%d, %d], rank %d contributed [%d, %d]",
				ErrCollective, r, pm.Rows(), pm.Cols(), m.rank, rows, cols)
		}
	}

	out := ml.NewMatrix(rows*len(parts), cols)
	for r, p := range parts {
		copy(out.Data()[r*rows*cols:(r+1)*rows*cols], p.(*ml.Matrix).Data())
	}
	return out, nil
}

func (m *localMember) Broadcast(values []int, root int) ([]int, error) {
	if root < 0 || root >= m.group.size {
		return nil, fmt.Errorf("%w: broadcast root %d out of range", ErrCollective, root)
	}
	parts, err := m.group.exchange(m.rank, values)
	if err != nil {
		return nil, err
	}
	src, _ := parts[root].([]int)
	out := make([]int, len(src))
	copy(out, src)
	return out, nil
}
