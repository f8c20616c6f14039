package inference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/leftright/internal/config"
	"github.com/example/leftright/internal/preprocess"
)

type stubModel struct {
	scores []float32
	err    error
	panics bool
	block  chan struct{}
	closed int32
}

func (s *stubModel) Run(ctx context.Context, in *preprocess.Tensor) ([]float32, error) {
	if s.block != nil {
		<-s.block
	}
	if s.panics {
		panic("backend exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.scores, nil
}

func (s *stubModel) Close() error {
	atomic.AddInt32(&s.closed, 1)
	return nil
}

func tensor() *preprocess.Tensor {
	return &preprocess.Tensor{Shape: []int64{1, 1, 1, 3}, Data: []float32{1, 2, 3}}
}

func TestPoolRunReturnsScores(t *testing.T) {
	pool, err := NewPool(2, func() (Model, error) {
		return &stubModel{scores: []float32{0.7, 0.3}}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer pool.Close()

	scores, err := pool.Run(context.Background(), tensor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scores) != 2 || scores[0] != 0.7 {
		t.Fatalf("unexpected scores: %v", scores)
	}
}

func TestNewPoolClosesOpenedModelsOnFailure(t *testing.T) {
	var opened []*stubModel
	calls := 0
	_, err := NewPool(3, func() (Model, error) {
		calls++
		if calls == 3 {
			return nil, errors.New("no such file")
		}
		m := &stubModel{}
		opened = append(opened, m)
		return m, nil
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for i, m := range opened {
		if atomic.LoadInt32(&m.closed) != 1 {
			t.Fatalf("model %d was not closed", i)
		}
	}
}

func TestPoolConvertsPanicToError(t *testing.T) {
	pool, err := NewPool(1, func() (Model, error) { return &stubModel{panics: true}, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Run(context.Background(), tensor()); !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
	// The model must have been returned to the pool after the panic.
	if _, err := pool.Run(context.Background(), tensor()); !errors.Is(err, ErrInference) {
		t.Fatalf("expected second run to reach the model, got %v", err)
	}
}

func TestPoolRunHonoursContextWhileWaiting(t *testing.T) {
	block := make(chan struct{})
	pool, err := NewPool(1, func() (Model, error) {
		return &stubModel{block: block, scores: []float32{1}}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = pool.Run(context.Background(), tensor())
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Run(ctx, tensor()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(block)
	wg.Wait()
	if err := pool.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}

func TestPoolRejectsRunAfterClose(t *testing.T) {
	m := &stubModel{}
	pool, err := NewPool(1, func() (Model, error) { return m, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if atomic.LoadInt32(&m.closed) != 1 {
		t.Fatalf("expected model closed once, got %d", m.closed)
	}
	if _, err := pool.Run(context.Background(), tensor()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestCheckContract(t *testing.T) {
	cfg := config.DefaultModelConfig()

	if err := checkContract(cfg, []int64{1, 224, 224, 3}, 2); err != nil {
		t.Fatalf("expected matching contract, got %v", err)
	}
	if err := checkContract(cfg, []int64{-1, 224, 224, 3}, elements([]int64{-1, 2})); err != nil {
		t.Fatalf("expected dynamic batch to be accepted, got %v", err)
	}
	if err := checkContract(cfg, []int64{1, 3, 224, 224}, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected NCHW model to be rejected, got %v", err)
	}
	if err := checkContract(cfg, []int64{1, 224, 224, 3}, 3); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected label count mismatch, got %v", err)
	}
}

func TestOpenTFLiteWithoutBuildTag(t *testing.T) {
	_, err := Open(Options{Backend: "tflite", Path: "model.tflite", Model: config.DefaultModelConfig()})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(Options{Backend: "caffe", Model: config.DefaultModelConfig()}); err == nil {
		t.Fatal("expected error, got nil")
	}
}
