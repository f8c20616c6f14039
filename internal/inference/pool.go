package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/example/leftright/internal/preprocess"
)

// ErrPoolClosed is returned by Run after Close.
var ErrPoolClosed = errors.New("model pool closed")

// Pool keeps a fixed number of warm models and hands each to one caller at a
// time.
type Pool struct {
	models    chan Model
	size      int
	closed    chan struct{}
	closeOnce sync.Once
}

// NewPool opens size models with open. Models already opened are closed if a
// later one fails.
func NewPool(size int, open func() (Model, error)) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	p := &Pool{
		models: make(chan Model, size),
		size:   size,
		closed: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		m, err := open()
		if err != nil {
			close(p.models)
			for opened := range p.models {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("open model %d/%d: %w", i+1, size, err)
		}
		p.models <- m
	}
	return p, nil
}

// Size is the number of models the pool owns.
func (p *Pool) Size() int { return p.size }

// Run borrows a model, waiting until one is free or ctx ends.
func (p *Pool) Run(ctx context.Context, in *preprocess.Tensor) ([]float32, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	default:
	}

	var m Model
	select {
	case m = <-p.models:
	case <-p.closed:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.models <- m }()

	return safeRun(ctx, m, in)
}

func safeRun(ctx context.Context, m Model, in *preprocess.Tensor) (out []float32, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: panic: %v", ErrInference, r)
		}
	}()
	return m.Run(ctx, in)
}

// Close waits for borrowed models to come back and closes every model.
func (p *Pool) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.closed)
		for i := 0; i < p.size; i++ {
			if err := (<-p.models).Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
