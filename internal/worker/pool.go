// Package worker runs classifications off the caller's goroutine.
package worker

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/leftright/internal/classifier"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Classifier is the pipeline the workers execute.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) (classifier.Prediction, error)
}

// Result is the outcome delivered through a Future.
type Result struct {
	Prediction classifier.Prediction
	Latency    time.Duration
	Err        error
}

// Future resolves once a worker has handled the submitted photo.
type Future struct {
	done   chan struct{}
	result Result
}

// Wait blocks until the result is ready or ctx ends. An abandoned job still
// runs to completion unless its own context was cancelled first.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.result.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type job struct {
	ctx    context.Context
	img    image.Image
	future *Future
}

// Pool is a fixed set of goroutines consuming a bounded job queue.
type Pool struct {
	cls    Classifier
	jobs   chan job
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts workers goroutines with a queue of queueSize pending jobs.
func New(cls Classifier, workers, queueSize int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		cls:    cls,
		jobs:   make(chan job, queueSize),
		logger: logger.Named("worker_pool"),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run(i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", workers), zap.Int("queue", queueSize))
	return p
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		if err := j.ctx.Err(); err != nil {
			j.future.result = Result{Err: err}
			close(j.future.done)
			continue
		}
		start := time.Now()
		pred, err := p.cls.Classify(j.ctx, j.img)
		j.future.result = Result{Prediction: pred, Latency: time.Since(start), Err: err}
		close(j.future.done)
		if err != nil {
			p.logger.Debug("classification failed", zap.Int("worker", id), zap.Error(err))
		}
	}
}

// Submit queues img. It blocks while the queue is full, until ctx ends.
func (p *Pool) Submit(ctx context.Context, img image.Image) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	f := &Future{done: make(chan struct{})}
	select {
	case p.jobs <- job{ctx: ctx, img: img, future: f}:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Classify submits img and waits for its result.
func (p *Pool) Classify(ctx context.Context, img image.Image) (Result, error) {
	f, err := p.Submit(ctx, img)
	if err != nil {
		return Result{}, err
	}
	return f.Wait(ctx)
}

// ClassifyBatch classifies every image, preserving order. The first failure
// cancels the rest.
func (p *Pool) ClassifyBatch(ctx context.Context, imgs []image.Image) ([]Result, error) {
	results := make([]Result, len(imgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, img := range imgs {
		i, img := i, img
		g.Go(func() error {
			res, err := p.Classify(gctx, img)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Close stops accepting jobs, lets queued ones finish and waits for the
// workers to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}
