//go:build tflite

package inference

import (
	"context"
	"fmt"

	"github.com/mattn/go-tflite"

	"github.com/example/leftright/internal/preprocess"
)

type tfliteModel struct {
	model   *tflite.Model
	options *tflite.InterpreterOptions
	interp  *tflite.Interpreter
	inLen   int
}

func openTFLite(opts Options) (Model, error) {
	model := tflite.NewModelFromFile(opts.Path)
	if model == nil {
		return nil, fmt.Errorf("load tflite model %s", opts.Path)
	}

	options := tflite.NewInterpreterOptions()
	if opts.Threads > 0 {
		options.SetNumThread(opts.Threads)
	}

	interp := tflite.NewInterpreter(model, options)
	if interp == nil {
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("create tflite interpreter for %s", opts.Path)
	}

	m := &tfliteModel{model: model, options: options, interp: interp}
	if status := interp.AllocateTensors(); status != tflite.OK {
		m.Close()
		return nil, fmt.Errorf("allocate tflite tensors: status %d", status)
	}
	if interp.GetInputTensorCount() != 1 || interp.GetOutputTensorCount() != 1 {
		m.Close()
		return nil, fmt.Errorf("%w: expected 1 input and 1 output", ErrShapeMismatch)
	}

	input := interp.GetInputTensor(0)
	output := interp.GetOutputTensor(0)
	if input.Type() != tflite.Float32 || output.Type() != tflite.Float32 {
		m.Close()
		return nil, fmt.Errorf("%w: only float32 models are supported", ErrShapeMismatch)
	}

	if err := checkContract(opts.Model, dims(input), elements(dims(output))); err != nil {
		m.Close()
		return nil, err
	}
	m.inLen = int(elements(dims(input)))
	return m, nil
}

func dims(t *tflite.Tensor) []int64 {
	out := make([]int64, t.NumDims())
	for i := range out {
		out[i] = int64(t.Dim(i))
	}
	return out
}

func (m *tfliteModel) Run(ctx context.Context, in *preprocess.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkInput(in, m.inLen); err != nil {
		return nil, err
	}
	copy(m.interp.GetInputTensor(0).Float32s(), in.Data)
	if status := m.interp.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("%w: tflite status %d", ErrInference, status)
	}
	return append([]float32(nil), m.interp.GetOutputTensor(0).Float32s()...), nil
}

func (m *tfliteModel) Close() error {
	if m.interp != nil {
		m.interp.Delete()
		m.interp = nil
	}
	if m.options != nil {
		m.options.Delete()
		m.options = nil
	}
	if m.model != nil {
		m.model.Delete()
		m.model = nil
	}
	return nil
}
