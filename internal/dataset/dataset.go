// Package dataset loads digit images, normalizes them and groups them into
// batches for the classifier.
package dataset

import (
	"fmt"
	"math/rand"
)

// ImageSize is the side length of every digit image.
const ImageSize = 28

// Item is one grayscale digit image and its class.
type Item struct {
	Pixels [ImageSize * ImageSize]byte
	Label  int
}

// At returns the pixel at row y, column x.
func (it *Item) At(y, x int) byte { return it.Pixels[y*ImageSize+x] }

// Dataset is random-access storage of items.
type Dataset interface {
	Len() int
	Get(i int) (Item, error)
}

// InMemory is a Dataset backed by a slice.
type InMemory struct {
	items []Item
}

// NewInMemory wraps items without copying.
func NewInMemory(items []Item) *InMemory {
	return &InMemory{items: items}
}

// Len returns the number of items.
func (d *InMemory) Len() int { return len(d.items) }

// Get returns item i.
func (d *InMemory) Get(i int) (Item, error) {
	if i < 0 || i >= len(d.items) {
		return Item{}, fmt.Errorf("dataset: index %d out of range [0, %d)", i, len(d.items))
	}
	return d.items[i], nil
}

// Subset is a view of selected indices of another dataset.
type Subset struct {
	parent  Dataset
	indices []int
}

// Len returns the number of selected items.
func (s *Subset) Len() int { return len(s.indices) }

// Get returns the i-th selected item of the parent dataset.
func (s *Subset) Get(i int) (Item, error) {
	if i < 0 || i >= len(s.indices) {
		return Item{}, fmt.Errorf("dataset: index %d out of range [0, %d)", i, len(s.indices))
	}
	return s.parent.Get(s.indices[i])
}

// SplitAt partitions d into the first n items and the rest.
func SplitAt(d Dataset, n int) (*Subset, *Subset) {
	if n < 0 {
		n = 0
	}
	if n > d.Len() {
		n = d.Len()
	}
	head := make([]int, n)
	tail := make([]int, d.Len()-n)
	for i := range head {
		head[i] = i
	}
	for i := range tail {
		tail[i] = n + i
	}
	return &Subset{parent: d, indices: head}, &Subset{parent: d, indices: tail}
}

// Shuffled returns a permuted view of d.
func Shuffled(d Dataset, rng *rand.Rand) *Subset {
	return &Subset{parent: d, indices: rng.Perm(d.Len())}
}

// Take returns a view of at most n leading items.
func Take(d Dataset, n int) *Subset {
	head, _ := SplitAt(d, n)
	return head
}
