package dataset

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"digitnet/internal/backend"
	"digitnet/internal/model"
)

// Normalization constants of the MNIST training set.
const (
	Mean = 0.1307
	Std  = 0.3081
)

// Normalize maps a raw pixel to the range the classifier was trained on.
func Normalize(v byte) float64 {
	return (float64(v)/255 - Mean) / Std
}

// Batcher turns items into device tensors.
type Batcher struct {
	Backend backend.Backend
}

// Batch stacks items into an image tensor [len(items), 28, 28].
func (b Batcher) Batch(items []Item) (model.Batch, error) {
	if len(items) == 0 {
		return model.Batch{}, errors.New("batcher: no items")
	}
	data := make([]float64, len(items)*ImageSize*ImageSize)
	labels := make([]int, len(items))
	for i, it := range items {
		dst := data[i*ImageSize*ImageSize : (i+1)*ImageSize*ImageSize]
		for j, v := range it.Pixels {
			dst[j] = Normalize(v)
		}
		labels[i] = it.Label
	}
	images, err := b.Backend.FromData(data, len(items), ImageSize, ImageSize)
	if err != nil {
		return model.Batch{}, fmt.Errorf("batcher: %w", err)
	}
	return model.Batch{Images: images, Labels: labels}, nil
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	BatchSize  int
	NumWorkers int
	// Shuffle reorders items each epoch using Seed.
	Shuffle bool
	Seed    int64
}

// Loader builds batches of a dataset on worker goroutines and hands them out
// in order.
type Loader struct {
	ds      Dataset
	batcher Batcher
	opts    LoaderOptions
	rng     *rand.Rand
}

// NewLoader validates opts and returns a loader over ds.
func NewLoader(ds Dataset, batcher Batcher, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if batcher.Backend == nil {
		return nil, errors.New("loader: batcher has no backend")
	}
	return &Loader{ds: ds, batcher: batcher, opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}, nil
}

// NumBatches returns the number of batches per epoch.
func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Len returns the number of items per epoch.
func (l *Loader) Len() int { return l.ds.Len() }

type batchJob struct {
	id      int
	indices []int
}

type batchResult struct {
	id    int
	batch model.Batch
	err   error
}

// Epoch streams one pass over the dataset. The error channel yields at most
// one error and is closed together with the batch channel. Callers that stop
// reading early must cancel ctx.
func (l *Loader) Epoch(ctx context.Context) (<-chan model.Batch, <-chan error) {
	order := make([]int, l.ds.Len())
	if l.opts.Shuffle {
		order = l.rng.Perm(len(order))
	} else {
		for i := range order {
			order[i] = i
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	jobs := make(chan batchJob, l.opts.NumWorkers)
	results := make(chan batchResult, l.opts.NumWorkers)
	out := make(chan model.Batch, l.opts.NumWorkers)
	errCh := make(chan error, 1)

	go func() {
		defer close(jobs)
		for id, start := 0, 0; start < len(order); id, start = id+1, start+l.opts.BatchSize {
			end := min(start+l.opts.BatchSize, len(order))
			select {
			case <-ctx.Done():
				return
			case jobs <- batchJob{id: id, indices: order[start:end]}:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < l.opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				batch, err := l.build(job.indices)
				select {
				case <-ctx.Done():
					return
				case results <- batchResult{id: job.id, batch: batch, err: err}:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		pending := make(map[int]batchResult)
		next := 0
		for res := range results {
			pending[res.id] = res
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				if r.err != nil {
					errCh <- r.err
					return
				}
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- r.batch:
				}
			}
		}
		if err := ctx.Err(); err != nil {
			errCh <- err
		}
	}()
	return out, errCh
}

func (l *Loader) build(indices []int) (model.Batch, error) {
	items := make([]Item, len(indices))
	for i, idx := range indices {
		it, err := l.ds.Get(idx)
		if err != nil {
			return model.Batch{}, err
		}
		items[i] = it
	}
	return l.batcher.Batch(items)
}
