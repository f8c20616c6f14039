//go:build !tflite

package inference

import "fmt"

// TFLite links against the TensorFlow Lite C library; build with -tags tflite.
func openTFLite(opts Options) (Model, error) {
	return nil, fmt.Errorf("%w: tflite (model %s)", ErrBackendUnavailable, opts.Path)
}
