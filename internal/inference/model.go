// Package inference runs pretrained classifiers on preprocessed tensors.
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/leftright/internal/config"
	"github.com/example/leftright/internal/preprocess"
)

var (
	// ErrShapeMismatch means the model artifact disagrees with the configured
	// input size or label count.
	ErrShapeMismatch = errors.New("model shape does not match configuration")
	// ErrBackendUnavailable means the binary was built without the backend.
	ErrBackendUnavailable = errors.New("inference backend not available in this build")
	// ErrInference wraps failures raised inside a backend.
	ErrInference = errors.New("inference failed")
)

// Model is one loaded, fixed-weight classifier. Implementations are not safe
// for concurrent use; share them through a Pool.
type Model interface {
	Run(ctx context.Context, in *preprocess.Tensor) ([]float32, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend string
	Path    string
	Model   config.ModelConfig
	Threads int
	// LibraryPath locates the onnxruntime shared library; empty uses the
	// platform default.
	LibraryPath string
}

// Open loads the model at opts.Path with the requested backend and checks it
// against the configured tensor contract.
func Open(opts Options) (Model, error) {
	if err := opts.Model.Validate(); err != nil {
		return nil, err
	}
	switch opts.Backend {
	case "onnx", "":
		return openONNX(opts)
	case "tflite":
		return openTFLite(opts)
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}
}

// checkContract validates the model's declared input dims and output element
// count. Non-positive dims are dynamic and accepted.
func checkContract(cfg config.ModelConfig, input []int64, outputElems int64) error {
	want := cfg.InputShape()
	if len(input) != len(want) {
		return fmt.Errorf("%w: input rank %d, want %d", ErrShapeMismatch, len(input), len(want))
	}
	for i, d := range input {
		if d > 0 && d != want[i] {
			return fmt.Errorf("%w: input shape %v, want %v", ErrShapeMismatch, input, want)
		}
	}
	if outputElems != int64(len(cfg.Labels)) {
		return fmt.Errorf("%w: model yields %d scores for %d labels", ErrShapeMismatch, outputElems, len(cfg.Labels))
	}
	return nil
}

// elements multiplies dims, treating dynamic dims as 1.
func elements(dims []int64) int64 {
	n := int64(1)
	for _, d := range dims {
		if d > 0 {
			n *= d
		}
	}
	return n
}

func checkInput(in *preprocess.Tensor, want int) error {
	if in == nil {
		return fmt.Errorf("%w: nil input tensor", ErrShapeMismatch)
	}
	if len(in.Data) != want || in.Len() != want {
		return fmt.Errorf("%w: input has %d values, model expects %d", ErrShapeMismatch, len(in.Data), want)
	}
	return nil
}
