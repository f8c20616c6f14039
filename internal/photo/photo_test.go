package photo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
	"time"

	"go.uber.org/zap"
)

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
)

func twoPixels() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, red)
	img.SetNRGBA(1, 0, blue)
	return img
}

func at(img image.Image, x, y int) color.NRGBA {
	b := img.Bounds()
	return color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
}

func TestOrientRotations(t *testing.T) {
	cases := []struct {
		orientation int
		w, h        int
		first       color.NRGBA
	}{
		{OrientationNormal, 2, 1, red},
		{OrientationRotate180, 2, 1, blue},
		{OrientationRotate90, 1, 2, red},
		{OrientationRotate270, 1, 2, blue},
		{OrientationFlipH, 2, 1, blue},
		{OrientationTranspose, 1, 2, red},
		{OrientationTransverse, 1, 2, blue},
		{OrientationFlipV, 2, 1, red},
	}
	for _, tc := range cases {
		got := Orient(twoPixels(), tc.orientation)
		if got.Bounds().Dx() != tc.w || got.Bounds().Dy() != tc.h {
			t.Fatalf("orientation %d: expected %dx%d, got %v", tc.orientation, tc.w, tc.h, got.Bounds())
		}
		if c := at(got, 0, 0); c != tc.first {
			t.Fatalf("orientation %d: unexpected first pixel %v", tc.orientation, c)
		}
	}
}

func TestOrientFlipVertical(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 2))
	img.SetNRGBA(0, 0, red)
	img.SetNRGBA(0, 1, blue)

	got := Orient(img, OrientationFlipV)
	if c := at(got, 0, 0); c != blue {
		t.Fatalf("expected blue on top after vertical flip, got %v", c)
	}
	if c := at(got, 0, 1); c != red {
		t.Fatalf("expected red at the bottom after vertical flip, got %v", c)
	}
}

// pngHeader returns a PNG signature and IHDR chunk declaring a w x h 8-bit
// grayscale image, with no pixel data after it.
func pngHeader(w, h uint32) []byte {
	chunk := make([]byte, 0, 17)
	chunk = append(chunk, "IHDR"...)
	chunk = binary.BigEndian.AppendUint32(chunk, w)
	chunk = binary.BigEndian.AppendUint32(chunk, h)
	chunk = append(chunk, 8, 0, 0, 0, 0)

	out := []byte("\x89PNG\r\n\x1a\n")
	out = binary.BigEndian.AppendUint32(out, 13)
	out = append(out, chunk...)
	return binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(chunk))
}

func TestDecodeRejectsOversizedImage(t *testing.T) {
	data := pngHeader(20000, 20000)

	_, err := Decode(data)
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
}

func TestDecodeAcceptsImageAtPixelLimit(t *testing.T) {
	// The header passes the limit; the missing pixel data then fails decoding.
	_, err := Decode(pngHeader(8000, 5000))
	if err == nil || errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected a plain decode error, got %v", err)
	}
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// withOrientation splices a minimal little-endian EXIF APP1 segment carrying
// only the orientation tag after the JPEG SOI marker.
func withOrientation(jpg []byte, orientation byte) []byte {
	tiff := []byte{
		'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00,
		0x01, 0x00,
		0x12, 0x01, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, orientation, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}
	payload := append([]byte("Exif\x00\x00"), tiff...)
	length := len(payload) + 2
	segment := append([]byte{0xFF, 0xE1, byte(length >> 8), byte(length)}, payload...)

	out := append([]byte{}, jpg[:2]...)
	out = append(out, segment...)
	return append(out, jpg[2:]...)
}

func TestDecodeAppliesExifOrientation(t *testing.T) {
	data := withOrientation(encodeJPEG(t, 40, 20), OrientationRotate90)

	if got := ReadOrientation(data); got != OrientationRotate90 {
		t.Fatalf("expected orientation 6, got %d", got)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.Format != "jpeg" {
		t.Fatalf("unexpected format %s", decoded.Format)
	}
	if b := decoded.Image.Bounds(); b.Dx() != 20 || b.Dy() != 40 {
		t.Fatalf("expected 20x40 after rotation, got %v", b)
	}
}

func TestDecodeWithoutExifKeepsImage(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, twoPixels()); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}

	decoded, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.Orientation != OrientationNormal {
		t.Fatalf("expected normal orientation, got %d", decoded.Orientation)
	}
	if c := at(decoded.Image, 1, 0); c != blue {
		t.Fatalf("expected pixels untouched, got %v", c)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
	if _, err := Decode([]byte("definitely not an image")); err == nil {
		t.Fatal("expected decode error, got nil")
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	s.now = func() time.Time { return time.Date(2024, 3, 9, 17, 4, 5, 123_000_000, time.Local) }
	return s
}

func TestStoreSaveReadDelete(t *testing.T) {
	s := newStore(t)
	data := encodeJPEG(t, 4, 4)

	first, err := s.Save(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Name != "2024-03-09-17-04-05-123.jpg" {
		t.Fatalf("unexpected name %s", first.Name)
	}
	second, err := s.Save(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Name == first.Name {
		t.Fatal("expected a distinct name for a second capture in the same millisecond")
	}

	read, err := s.Read(first.Name)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(read, data) {
		t.Fatal("read bytes differ from saved bytes")
	}

	photos, err := s.List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(photos) != 2 {
		t.Fatalf("expected 2 photos, got %d", len(photos))
	}
	if photos[0].Name != second.Name {
		t.Fatalf("expected the later capture first, got %s", photos[0].Name)
	}
	if want := time.Date(2024, 3, 9, 17, 4, 5, 123_000_000, time.Local); !photos[1].CreatedAt.Equal(want) {
		t.Fatalf("expected created time from the name, got %s", photos[1].CreatedAt)
	}

	if err := s.Delete(first.Name); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Delete(first.Name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Read(first.Name); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	s := newStore(t)
	data := encodeJPEG(t, 2, 2)

	stamps := []time.Time{
		time.Date(2024, 3, 9, 17, 4, 5, 900_000_000, time.Local),
		time.Date(2024, 3, 9, 17, 4, 6, 5_000_000, time.Local),
		time.Date(2024, 3, 9, 17, 4, 5, 900_000_000, time.Local),
	}
	for _, stamp := range stamps {
		stamp := stamp
		s.now = func() time.Time { return stamp }
		if _, err := s.Save(data); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	photos, err := s.List()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{
		"2024-03-09-17-04-06-005.jpg",
		"2024-03-09-17-04-05-900-1.jpg",
		"2024-03-09-17-04-05-900.jpg",
	}
	if len(photos) != len(want) {
		t.Fatalf("expected %d photos, got %d", len(want), len(photos))
	}
	for i, p := range photos {
		if p.Name != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], p.Name)
		}
	}
}

func TestStoreRejectsBadInput(t *testing.T) {
	s := newStore(t)

	if _, err := s.Save(nil); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
	if _, err := s.Save([]byte("hello")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	for _, name := range []string{"", "../secret.jpg", "a/b.jpg", ".hidden.jpg", "notes.txt", "holiday.jpg", "2024-03-09-17-04-05.123.jpg", "2024-03-09-17-04-05-123-x.jpg"} {
		if err := s.Delete(name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("%q: expected ErrInvalidName, got %v", name, err)
		}
	}
}
