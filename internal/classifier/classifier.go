// Package classifier turns photos into labelled predictions.
package classifier

import (
	"context"
	"fmt"
	"image"

	"github.com/example/leftright/internal/config"
	"github.com/example/leftright/internal/inference"
	"github.com/example/leftright/internal/preprocess"
)

// Runner executes the model on a preprocessed tensor. *inference.Pool
// satisfies it.
type Runner interface {
	Run(ctx context.Context, in *preprocess.Tensor) ([]float32, error)
}

// Classifier chains preprocessing, inference and arg-max selection.
type Classifier struct {
	pre    *preprocess.Preprocessor
	runner Runner
	labels []string
}

// New builds a Classifier for the given tensor contract.
func New(cfg config.ModelConfig, runner Runner) (*Classifier, error) {
	pre, err := preprocess.New(cfg)
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(cfg.Labels))
	copy(labels, cfg.Labels)
	return &Classifier{pre: pre, runner: runner, labels: labels}, nil
}

// Labels returns the label order the classifier reports against.
func (c *Classifier) Labels() []string {
	return append([]string(nil), c.labels...)
}

// Classify runs the whole pipeline on one upright photo.
func (c *Classifier) Classify(ctx context.Context, img image.Image) (Prediction, error) {
	tensor, err := c.pre.Preprocess(img)
	if err != nil {
		return Prediction{}, err
	}

	scores, err := c.runner.Run(ctx, tensor)
	if err != nil {
		return Prediction{}, err
	}
	if len(scores) != 0 && len(scores) != len(c.labels) {
		return Prediction{}, fmt.Errorf("%w: got %d scores for %d labels", inference.ErrShapeMismatch, len(scores), len(c.labels))
	}

	return Select(scores, c.labels), nil
}
