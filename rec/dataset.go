package rec

import (
	"fmt"
	"math/rand/v2"

	"github.com/b0tShaman/moco-go/data"
	"github.com/b0tShaman/moco-go/ml"
)

// Dataset is the training interaction list plus per-user lookup of the
// items each user has interacted with.
type Dataset struct {
	Train    []data.Interaction
	NumUsers int
	NumItems int

	seen []map[int]struct{}
}

// NewDataset indexes train. numUsers and numItems may be 0 to size the
// tables from the largest ids present.
func NewDataset(train []data.Interaction, numUsers, numItems int) (*Dataset, error) {
	if len(train) == 0 {
		return nil, fmt.Errorf("rec: empty training set")
	}
	maxU, maxI := 0, 0
	for _, p := range train {
		maxU, maxI = max(maxU, p.User), max(maxI, p.Item)
	}
	if numUsers == 0 {
		numUsers = maxU + 1
	}
	if numItems == 0 {
		numItems = maxI + 1
	}
	if maxU >= numUsers || maxI >= numItems {
		return nil, fmt.Errorf("rec: ids up to user %d / item %d exceed %d users / %d items",
			maxU, maxI, numUsers, numItems)
	}

	d := &Dataset{
		Train:    train,
		NumUsers: numUsers,
		NumItems: numItems,
		seen:     make([]map[int]struct{}, numUsers),
	}
	for _, p := range train {
		if d.seen[p.User] == nil {
			d.seen[p.User] = make(map[int]struct{})
		}
		d.seen[p.User][p.Item] = struct{}{}
	}
	for u, items := range d.seen {
		if len(items) == numItems {
			return nil, fmt.Errorf("%w: user %d has seen all %d items", ErrNoNegative, u, numItems)
		}
	}
	return d, nil
}

// Seen reports whether user u interacted with item i in the training set.
func (d *Dataset) Seen(u, i int) bool {
	_, ok := d.seen[u][i]
	return ok
}

// Batch holds parallel slices of (user, positive item, negative item).
type Batch struct {
	Users []int
	Pos   []int
	Neg   []int
}

func (b Batch) Len() int { return len(b.Users) }

// Sampler walks one shuffled pass over the training pairs in full batches,
// drawing for each pair a negative item the user has not interacted with.
// A trailing partial batch is dropped.
type Sampler struct {
	ds        *Dataset
	order     []int
	batchSize int
	next      int
	src       *rand.Rand
}

func NewSampler(ds *Dataset, batchSize int, src *rand.Rand) (*Sampler, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("rec: batch size must be positive, got %d", batchSize)
	}
	order := ml.NewIndexList(len(ds.Train))
	ml.ShuffleIndices(src, order)
	return &Sampler{ds: ds, order: order, batchSize: batchSize, src: src}, nil
}

// NumBatches is the number of batches a fresh sampler yields.
func (s *Sampler) NumBatches() int { return len(s.order) / s.batchSize }

// Next returns the next batch, or false once the pass is exhausted. A
// returned batch always holds exactly batchSize triples.
func (s *Sampler) Next() (Batch, bool) {
	if s.next+s.batchSize > len(s.order) {
		return Batch{}, false
	}

	b := Batch{
		Users: make([]int, s.batchSize),
		Pos:   make([]int, s.batchSize),
		Neg:   make([]int, s.batchSize),
	}
	for k, idx := range s.order[s.next : s.next+s.batchSize] {
		p := s.ds.Train[idx]
		neg := p.Item
		for s.ds.Seen(p.User, neg) {
			neg = s.src.IntN(s.ds.NumItems)
		}
		b.Users[k], b.Pos[k], b.Neg[k] = p.User, p.Item, neg
	}
	s.next += s.batchSize
	return b, true
}
