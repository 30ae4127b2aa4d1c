package dataset

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
)

// SamplerOptions configures the multi-root sampler.
type SamplerOptions struct {
	Roots      map[string][]string
	Seed       int64
	NumWorkers int
	PendingCap int
}

// StartSampler streams every shard of every root exactly once. Shards are
// visited in a seeded round-robin order across roots and read by NumWorkers
// goroutines; samples come out in that order regardless of which worker
// finishes first.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	if len(opts.Roots) == 0 {
		return nil, nil, errors.New("sampler: no dataset roots provided")
	}
	total := 0
	for _, shards := range opts.Roots {
		total += len(shards)
	}
	if total == 0 {
		return nil, nil, errors.New("sampler: no shards discovered")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan shardJob, opts.NumWorkers)
	cursors := make(chan shardCursor, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, opts.NumWorkers)

	order := buildRoundRobinOrder(opts.Roots, rand.New(rand.NewSource(opts.Seed)))
	go produceJobs(ctx, jobs, order)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, cursors, opts.PendingCap)
		}()
	}

	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, cursors, out, errCh)
	}()

	return out, errCh, nil
}

type shardJob struct {
	id   int64
	root string
	path string
}

type shardCursor struct {
	id      int64
	samples <-chan Sample
	errCh   <-chan error
}

func worker(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor, pendingCap int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			samples, errCh := StreamShard(ctx, job.path, pendingCap)
			cursor := shardCursor{id: job.id, samples: samples, errCh: errCh}
			select {
			case <-ctx.Done():
				return
			case cursors <- cursor:
			}
		}
	}
}

// runAggregator forwards shards strictly by job id.
func runAggregator(ctx context.Context, cursors <-chan shardCursor, out chan<- Sample, errCh chan<- error) {
	pending := make(map[int64]shardCursor)
	var nextID int64
	for {
		cursor, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case c, open := <-cursors:
				if !open {
					return
				}
				pending[c.id] = c
			}
			continue
		}

		for sample := range cursor.samples {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- sample:
			}
		}
		if err := <-cursor.errCh; err != nil {
			errCh <- err
			return
		}
		delete(pending, nextID)
		nextID++
	}
}

func produceJobs(ctx context.Context, jobs chan<- shardJob, order []orderEntry) {
	defer close(jobs)
	for id, entry := range order {
		select {
		case <-ctx.Done():
			return
		case jobs <- shardJob{id: int64(id), root: entry.root, path: entry.path}:
		}
	}
}

type orderEntry struct {
	root string
	path string
}

func buildRoundRobinOrder(roots map[string][]string, rng *rand.Rand) []orderEntry {
	rootNames := make([]string, 0, len(roots))
	copied := make(map[string][]string, len(roots))
	for root, shards := range roots {
		if len(shards) == 0 {
			continue
		}
		rootNames = append(rootNames, root)
		copied[root] = append([]string(nil), shards...)
	}
	sort.Strings(rootNames)
	if rng != nil {
		for _, root := range rootNames {
			s := copied[root]
			rng.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		}
	}
	var order []orderEntry
	for {
		advanced := false
		for _, root := range rootNames {
			shards := copied[root]
			if len(shards) == 0 {
				continue
			}
			order = append(order, orderEntry{root: root, path: shards[0]})
			copied[root] = shards[1:]
			advanced = true
		}
		if !advanced {
			break
		}
	}
	return order
}

// LoadShards reads every shard under roots into memory in sampler order.
func LoadShards(ctx context.Context, roots []string, numWorkers int, seed int64) (*InMemory, error) {
	byRoot, err := DiscoverByRoot(roots)
	if err != nil {
		return nil, err
	}
	samples, errCh, err := StartSampler(ctx, SamplerOptions{Roots: byRoot, Seed: seed, NumWorkers: numWorkers})
	if err != nil {
		return nil, err
	}
	var items []Item
	for s := range samples {
		items = append(items, s.Item)
	}
	for err := range errCh {
		if err != nil {
			return nil, err
		}
	}
	return NewInMemory(items), nil
}
