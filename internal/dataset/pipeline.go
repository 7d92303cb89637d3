package dataset

import (
	"context"
	"math/rand"
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"

	"netforge/internal/model"
	"netforge/internal/tensor"
)

// ErrPipelineClosed is returned by Next after Close or once the pipeline
// has stopped.
var ErrPipelineClosed = errors.New("dataset: pipeline closed")

// PipelineOptions configures the training input pipeline.
type PipelineOptions struct {
	Items      []Item
	Shape      Shape
	BatchSize  int
	NumWorkers int
	Prefetch   int
	Augment    bool
	Seed       int64
}

// AutoWorkers sizes the decode pool from the logical core count.
func AutoWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Pipeline streams shuffled, repeated, fixed-size batches. A producer cuts
// batches from a fresh permutation every epoch, a worker pool decodes them
// in parallel and an aggregator hands them out in production order through
// a bounded prefetch queue.
type Pipeline struct {
	out    <-chan batchResult
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type batchJob struct {
	id    int64
	items []Item
	seed  int64
}

type batchResult struct {
	id    int64
	batch model.Batch
	err   error
}

// StartPipeline launches the background goroutines. Call Close to stop them.
func StartPipeline(parent context.Context, opts PipelineOptions) (*Pipeline, error) {
	if len(opts.Items) == 0 {
		return nil, ErrNoImages
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("dataset: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = AutoWorkers()
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}

	ctx, cancel := context.WithCancel(parent)
	p := &Pipeline{cancel: cancel}

	jobs := make(chan batchJob, opts.NumWorkers)
	results := make(chan batchResult, opts.NumWorkers)
	out := make(chan batchResult, opts.Prefetch)
	p.out = out

	rng := rand.New(rand.NewSource(opts.Seed))
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(jobs)
		produceJobs(ctx, jobs, opts.Items, opts.BatchSize, rng)
	}()

	var workers sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			worker(ctx, jobs, results, opts.Shape, opts.Augment)
		}()
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		workers.Wait()
		close(results)
	}()

	go func() {
		defer p.wg.Done()
		defer close(out)
		runAggregator(ctx, results, out)
	}()

	return p, nil
}

// Next blocks until the next batch is ready.
func (p *Pipeline) Next(ctx context.Context) (model.Batch, error) {
	select {
	case <-ctx.Done():
		return model.Batch{}, ctx.Err()
	case res, ok := <-p.out:
		if !ok {
			return model.Batch{}, ErrPipelineClosed
		}
		if res.err != nil {
			return model.Batch{}, res.err
		}
		return res.batch, nil
	}
}

// Close stops every goroutine and waits for them to exit.
func (p *Pipeline) Close() {
	p.cancel()
	// drain so a blocked aggregator can observe cancellation
	go func() {
		for range p.out {
		}
	}()
	p.wg.Wait()
}

func produceJobs(ctx context.Context, jobs chan<- batchJob, items []Item, batchSize int, rng *rand.Rand) {
	var jobID int64
	var carry []Item
	for {
		epoch := append([]Item(nil), items...)
		rng.Shuffle(len(epoch), func(i, j int) {
			epoch[i], epoch[j] = epoch[j], epoch[i]
		})
		carry = append(carry, epoch...)
		for len(carry) >= batchSize {
			job := batchJob{id: jobID, items: carry[:batchSize:batchSize], seed: rng.Int63()}
			carry = carry[batchSize:]
			select {
			case <-ctx.Done():
				return
			case jobs <- job:
				jobID++
			}
		}
		carry = append([]Item(nil), carry...)
	}
}

func worker(ctx context.Context, jobs <-chan batchJob, results chan<- batchResult, shape Shape, augment bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			res := decodeBatch(job, shape, augment)
			select {
			case <-ctx.Done():
				return
			case results <- res:
			}
		}
	}
}

func decodeBatch(job batchJob, shape Shape, augment bool) batchResult {
	var rng *rand.Rand
	if augment {
		rng = rand.New(rand.NewSource(job.seed))
	}
	samples := make([]*tensor.Tensor, len(job.items))
	labels := make([]int, len(job.items))
	for i, it := range job.items {
		img, err := DecodeFile(it.Path)
		if err != nil {
			return batchResult{id: job.id, err: err}
		}
		t, err := Preprocess(img, shape, rng)
		if err != nil {
			return batchResult{id: job.id, err: errors.Wrap(err, it.Path)}
		}
		samples[i] = t
		labels[i] = it.Label
	}
	images, err := tensor.Stack(samples)
	if err != nil {
		return batchResult{id: job.id, err: err}
	}
	return batchResult{id: job.id, batch: model.Batch{Images: images, Labels: labels}}
}

// runAggregator restores production order; an error result is forwarded
// in order and ends the stream.
func runAggregator(ctx context.Context, results <-chan batchResult, out chan<- batchResult) {
	pending := make(map[int64]batchResult)
	var nextID int64
	for {
		res, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case r, open := <-results:
				if !open {
					return
				}
				pending[r.id] = r
			}
			continue
		}
		delete(pending, nextID)
		nextID++
		select {
		case <-ctx.Done():
			return
		case out <- res:
		}
		if res.err != nil {
			return
		}
	}
}
