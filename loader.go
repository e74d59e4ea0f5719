package main

import (
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrDuplicateIdentity is returned when a batch would gather the same
// projection row twice.
var ErrDuplicateIdentity = errors.New("identity appears twice in one batch")

// Batch is a mini-batch of samples with distinct identities.
type Batch struct {
	Identities   []int
	Frames       *Tensor // (B*K, D) references, grouped per sample
	Sketches     *Tensor // (B*K, D)
	Target       *Tensor // (B, D)
	TargetSketch *Tensor // (B, D)
	Backfilled   int
}

// Size returns the number of samples.
func (b *Batch) Size() int { return len(b.Identities) }

// Loader turns a dataset into batches. Each epoch visits the identities in
// a fresh permutation derived from the seed and the epoch number, so a
// resumed run sees the same order as an uninterrupted one.
type Loader struct {
	ds        *Dataset
	batchSize int
	k         int
	workers   int
	seed      int64
	log       *zap.Logger
}

// NewLoader creates a loader. workers decode samples in parallel.
func NewLoader(ds *Dataset, batchSize, k, workers int, seed int64, log *zap.Logger) *Loader {
	return &Loader{
		ds:        ds,
		batchSize: batchSize,
		k:         k,
		workers:   workers,
		seed:      seed,
		log:       log,
	}
}

// NumBatches is the number of full batches per epoch. The last partial
// batch is dropped.
func (l *Loader) NumBatches() int {
	return l.ds.Len() / l.batchSize
}

// Permutation returns the identity order of epoch.
func (l *Loader) Permutation(epoch int) []int {
	return rand.New(rand.NewSource(deriveSeed(l.seed, int64(epoch), -1))).Perm(l.ds.Len())
}

// deriveSeed mixes a base seed with two coordinates (splitmix64 finalizer)
// so nearby coordinates give unrelated streams.
func deriveSeed(seed, a, b int64) int64 {
	z := uint64(seed) + 0x9e3779b97f4a7c15*uint64(a+1) + 0xbf58476d1ce4e5b9*uint64(b+2)
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}

type sampleResult struct {
	sample *Sample
	err    error
}

// EpochIterator yields the batches of one epoch.
type EpochIterator struct {
	l      *Loader
	epoch  int
	perm   []int
	cursor int // permutation positions consumed

	slots  chan chan sampleResult
	pool   *WorkerPool
	cancel context.CancelFunc
}

// Epoch starts iterating epoch from permutation position cursor. Samples
// are decoded ahead on the worker pool and handed out in permutation
// order. Close must be called when done.
func (l *Loader) Epoch(ctx context.Context, epoch, cursor int) *EpochIterator {
	ctx, cancel := context.WithCancel(ctx)
	it := &EpochIterator{
		l:      l,
		epoch:  epoch,
		perm:   l.Permutation(epoch),
		cursor: cursor,
		slots:  make(chan chan sampleResult, 2*l.workers+l.batchSize),
		pool:   NewWorkerPool(ctx, l.workers),
		cancel: cancel,
	}
	it.pool.Start()
	go it.produce(ctx)
	return it
}

func (it *EpochIterator) produce(ctx context.Context) {
	defer close(it.slots)
	for pos := it.cursor; pos < len(it.perm); pos++ {
		slot := make(chan sampleResult, 1)
		select {
		case it.slots <- slot:
		case <-ctx.Done():
			return
		}

		pos := pos
		if !it.pool.Submit(func() { slot <- it.load(pos) }) {
			return
		}
	}
}

func (it *EpochIterator) load(pos int) sampleResult {
	rng := rand.New(rand.NewSource(deriveSeed(it.l.seed, int64(it.epoch), int64(pos))))
	s, err := it.l.ds.Sample(it.perm[pos], rng)
	return sampleResult{sample: s, err: err}
}

// Cursor returns the number of permutation positions consumed so far.
func (it *EpochIterator) Cursor() int { return it.cursor }

// Next assembles the next batch. It returns io.EOF when fewer than a full
// batch of identities remain. Identities whose sample cannot be extracted
// are skipped with a warning and the next identity takes their place.
func (it *EpochIterator) Next(ctx context.Context) (*Batch, error) {
	var samples []*Sample
	for len(samples) < it.l.batchSize {
		var slot chan sampleResult
		var ok bool
		select {
		case slot, ok = <-it.slots:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}

		var res sampleResult
		select {
		case res = <-slot:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		it.cursor++

		if res.err != nil {
			if errors.Cause(res.err) == ErrExtraction {
				it.l.log.Warn("skipping identity", zap.Error(res.err))
				continue
			}
			return nil, res.err
		}
		samples = append(samples, res.sample)
	}
	return assembleBatch(samples, it.l.k)
}

// Close stops the prefetching workers.
func (it *EpochIterator) Close() error {
	it.cancel()
	return it.pool.Shutdown(5 * time.Second)
}

// assembleBatch stacks samples into tensors. Identities must be distinct.
func assembleBatch(samples []*Sample, k int) (*Batch, error) {
	seen := make(map[int]bool, len(samples))
	for _, s := range samples {
		if seen[s.Identity] {
			return nil, errors.Wrapf(ErrDuplicateIdentity, "identity %d", s.Identity)
		}
		seen[s.Identity] = true
	}

	b := len(samples)
	d := len(samples[0].Target)
	batch := &Batch{
		Frames:       NewTensor(b*k, d),
		Sketches:     NewTensor(b*k, d),
		Target:       NewTensor(b, d),
		TargetSketch: NewTensor(b, d),
	}
	for i, s := range samples {
		batch.Identities = append(batch.Identities, s.Identity)
		batch.Backfilled += s.Backfilled
		for j := 0; j < k; j++ {
			copy(batch.Frames.Row(i*k+j), s.Frames[j])
			copy(batch.Sketches.Row(i*k+j), s.Sketches[j])
		}
		copy(batch.Target.Row(i), s.Target)
		copy(batch.TargetSketch.Row(i), s.TargetSketch)
	}
	return batch, nil
}
