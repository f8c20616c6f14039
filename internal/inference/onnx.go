package inference

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/leftright/internal/preprocess"
)

var (
	ortMu    sync.Mutex
	ortUsers int
)

// acquireEnvironment initializes the shared ONNX Runtime environment on first
// use. libraryPath is only honoured before initialization.
func acquireEnvironment(libraryPath string) error {
	ortMu.Lock()
	defer ortMu.Unlock()
	if ortUsers == 0 && !ort.IsInitialized() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}
	ortUsers++
	return nil
}

func releaseEnvironment() error {
	ortMu.Lock()
	defer ortMu.Unlock()
	ortUsers--
	if ortUsers > 0 {
		return nil
	}
	ortUsers = 0
	return ort.DestroyEnvironment()
}

type onnxModel struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	inLen   int
	closed  bool
}

func openONNX(opts Options) (Model, error) {
	if err := acquireEnvironment(opts.LibraryPath); err != nil {
		return nil, err
	}
	m, err := newONNXModel(opts)
	if err != nil {
		_ = releaseEnvironment()
		return nil, err
	}
	return m, nil
}

func newONNXModel(opts Options) (*onnxModel, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("read model info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return nil, fmt.Errorf("%w: expected 1 input and 1 output, got %d and %d", ErrShapeMismatch, len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]
	if in.DataType != ort.TensorElementDataTypeFloat || out.DataType != ort.TensorElementDataTypeFloat {
		return nil, fmt.Errorf("%w: only float32 models are supported", ErrShapeMismatch)
	}
	if err := checkContract(opts.Model, in.Dimensions, elements(out.Dimensions)); err != nil {
		return nil, err
	}

	inputShape := ort.NewShape(opts.Model.InputShape()...)
	outputShape := ort.NewShape(concrete(out.Dimensions)...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	var sessionOpts *ort.SessionOptions
	if opts.Threads > 0 {
		sessionOpts, err = ort.NewSessionOptions()
		if err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("create session options: %w", err)
		}
		defer sessionOpts.Destroy()
		if err := sessionOpts.SetIntraOpNumThreads(opts.Threads); err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(opts.Path,
		[]string{in.Name}, []string{out.Name},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		sessionOpts)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &onnxModel{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		inLen:   int(inputShape.FlattenedSize()),
	}, nil
}

// concrete replaces dynamic dims with 1.
func concrete(dims []int64) []int64 {
	out := make([]int64, len(dims))
	for i, d := range dims {
		if d <= 0 {
			d = 1
		}
		out[i] = d
	}
	return out
}

func (m *onnxModel) Run(ctx context.Context, in *preprocess.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkInput(in, m.inLen); err != nil {
		return nil, err
	}
	copy(m.input.GetData(), in.Data)
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	return append([]float32(nil), m.output.GetData()...), nil
}

func (m *onnxModel) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.input.Destroy()
	m.output.Destroy()
	if err := m.session.Destroy(); err != nil {
		_ = releaseEnvironment()
		return err
	}
	return releaseEnvironment()
}
