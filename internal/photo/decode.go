// Package photo decodes uploaded photos upright and keeps captured ones on
// disk.
package photo

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
)

// MaxPixels bounds the raster size Decode will allocate.
const MaxPixels = 40_000_000

var (
	// ErrNoImage is returned when there is nothing to predict on.
	ErrNoImage = errors.New("no image to predict")
	// ErrImageTooLarge is returned for images whose header declares more
	// than MaxPixels pixels.
	ErrImageTooLarge = errors.New("image too large")
)

// EXIF orientation tag values.
const (
	OrientationNormal     = 1
	OrientationFlipH      = 2
	OrientationRotate180  = 3
	OrientationFlipV      = 4
	OrientationTranspose  = 5
	OrientationRotate90   = 6
	OrientationTransverse = 7
	OrientationRotate270  = 8
)

// Decoded is an upright photo plus what was done to get it there.
type Decoded struct {
	Image       image.Image
	Format      string
	Orientation int
}

// Decode decodes a JPEG or PNG and applies its EXIF orientation. Photos
// without readable EXIF data are returned as stored. The header is checked
// against MaxPixels before any pixel data is decoded.
func Decode(data []byte) (*Decoded, error) {
	if len(data) == 0 {
		return nil, ErrNoImage
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image header: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	orientation := ReadOrientation(data)
	return &Decoded{
		Image:       Orient(img, orientation),
		Format:      format,
		Orientation: orientation,
	}, nil
}

// ReadOrientation returns the EXIF orientation of data, or
// OrientationNormal when the tag is absent or invalid.
func ReadOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return OrientationNormal
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return OrientationNormal
	}
	v, err := tag.Int(0)
	if err != nil || v < OrientationNormal || v > OrientationRotate270 {
		return OrientationNormal
	}
	return v
}

// Orient applies an EXIF orientation so the image displays upright.
// Rotate90 means the camera needs a 90 degree clockwise turn.
func Orient(img image.Image, orientation int) image.Image {
	switch orientation {
	case OrientationFlipH:
		return imaging.FlipH(img)
	case OrientationRotate180:
		return imaging.Rotate180(img)
	case OrientationFlipV:
		return imaging.FlipV(img)
	case OrientationTranspose:
		return imaging.Transpose(img)
	case OrientationRotate90:
		return imaging.Rotate270(img)
	case OrientationTransverse:
		return imaging.Transverse(img)
	case OrientationRotate270:
		return imaging.Rotate90(img)
	default:
		return img
	}
}
