// Package preprocess turns decoded photos into model input tensors.
package preprocess

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/nfnt/resize"

	"github.com/example/leftright/internal/config"
)

// ErrEmptyImage is returned for nil images and images with no pixels.
var ErrEmptyImage = errors.New("image has no pixels")

// Tensor is a dense float32 tensor in NHWC layout.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// Len is the number of elements implied by Shape.
func (t *Tensor) Len() int {
	if t == nil || len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// Preprocessor resizes photos to the model's fixed input size.
type Preprocessor struct {
	width    int
	height   int
	channels int
}

// New returns a Preprocessor for the given model contract.
func New(cfg config.ModelConfig) (*Preprocessor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	return &Preprocessor{width: cfg.InputWidth, height: cfg.InputHeight, channels: cfg.Channels}, nil
}

// Preprocess bilinearly resizes img to the configured size and lays out the
// RGB values, in the 0-255 range, as a 1xHxWxC tensor. Alpha is dropped.
func (p *Preprocessor) Preprocess(img image.Image) (*Tensor, error) {
	if img == nil {
		return nil, ErrEmptyImage
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrEmptyImage
	}

	resized := resize.Resize(uint(p.width), uint(p.height), img, resize.Bilinear)
	rb := resized.Bounds()
	if rb.Dx() != p.width || rb.Dy() != p.height {
		return nil, fmt.Errorf("preprocess: resize produced %dx%d, want %dx%d", rb.Dx(), rb.Dy(), p.width, p.height)
	}

	data := make([]float32, p.width*p.height*p.channels)
	i := 0
	for y := rb.Min.Y; y < rb.Max.Y; y++ {
		for x := rb.Min.X; x < rb.Max.X; x++ {
			c := color.NRGBAModel.Convert(resized.At(x, y)).(color.NRGBA)
			data[i] = float32(c.R)
			data[i+1] = float32(c.G)
			data[i+2] = float32(c.B)
			i += p.channels
		}
	}

	return &Tensor{
		Shape: []int64{1, int64(p.height), int64(p.width), int64(p.channels)},
		Data:  data,
	}, nil
}
