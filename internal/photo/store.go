package photo

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// NameLayout is the timestamp layout of stored capture names, followed by
// a dash and the three-digit millisecond, e.g. 2024-03-09-17-04-05-123.jpg.
const NameLayout = "2006-01-02-15-04-05"

// stampLen is len("2006-01-02-15-04-05-000").
const stampLen = len(NameLayout) + 4

var (
	// ErrNotFound is returned for names with no stored photo.
	ErrNotFound = errors.New("photo not found")
	// ErrInvalidName is returned for names that are not plain capture names.
	ErrInvalidName = errors.New("invalid photo name")
	// ErrUnsupportedFormat is returned when saving something other than
	// JPEG or PNG.
	ErrUnsupportedFormat = errors.New("unsupported photo format")
)

// Photo describes a stored capture.
type Photo struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps captures as files in one directory.
type Store struct {
	dir    string
	now    func() time.Time
	logger *zap.Logger
}

// NewStore creates dir if needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create photo dir: %w", err)
	}
	return &Store{dir: dir, now: time.Now, logger: logger.Named("photo_store")}, nil
}

// Save writes data under a timestamped name and returns the stored photo.
func (s *Store) Save(data []byte) (*Photo, error) {
	if len(data) == 0 {
		return nil, ErrNoImage
	}

	ext, err := extensionFor(data)
	if err != nil {
		return nil, err
	}

	created := s.now().Local()
	base := captureStamp(created)
	for attempt := 0; attempt < 100; attempt++ {
		name := base + ext
		if attempt > 0 {
			name = fmt.Sprintf("%s-%d%s", base, attempt, ext)
		}
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create photo: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("write photo: %w", err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("close photo: %w", err)
		}
		s.logger.Info("photo saved", zap.String("name", name), zap.Int("bytes", len(data)))
		return &Photo{Name: name, Size: int64(len(data)), CreatedAt: created}, nil
	}
	return nil, fmt.Errorf("no free name for photo at %s", base)
}

// Read returns the bytes of a stored photo.
func (s *Store) Read(name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete removes a stored photo.
func (s *Store) Delete(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete photo: %w", err)
	}
	s.logger.Info("photo deleted", zap.String("name", name))
	return nil
}

// List returns stored photos, newest first.
func (s *Store) List() ([]Photo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list photos: %w", err)
	}
	photos := make([]Photo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || validateName(e.Name()) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		created, _, _ := parseName(e.Name())
		photos = append(photos, Photo{Name: e.Name(), Size: info.Size(), CreatedAt: created})
	}
	sort.Slice(photos, func(i, j int) bool {
		ti, si, _ := parseName(photos[i].Name)
		tj, sj, _ := parseName(photos[j].Name)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return si > sj
	})
	return photos, nil
}

func captureStamp(t time.Time) string {
	return t.Format(NameLayout) + fmt.Sprintf("-%03d", t.Nanosecond()/int(time.Millisecond))
}

// parseName splits a capture name into its local timestamp and the
// collision sequence (0 for the first capture in a millisecond).
func parseName(name string) (time.Time, int, error) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if len(stem) < stampLen || stem[len(NameLayout)] != '-' {
		return time.Time{}, 0, ErrInvalidName
	}
	created, err := time.ParseInLocation(NameLayout, stem[:len(NameLayout)], time.Local)
	if err != nil {
		return time.Time{}, 0, ErrInvalidName
	}
	ms, err := strconv.Atoi(stem[len(NameLayout)+1 : stampLen])
	if err != nil || ms < 0 {
		return time.Time{}, 0, ErrInvalidName
	}
	seq := 0
	if rest := stem[stampLen:]; rest != "" {
		if rest[0] != '-' {
			return time.Time{}, 0, ErrInvalidName
		}
		if seq, err = strconv.Atoi(rest[1:]); err != nil || seq < 1 {
			return time.Time{}, 0, ErrInvalidName
		}
	}
	return created.Add(time.Duration(ms) * time.Millisecond), seq, nil
}

func (s *Store) path(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

func validateName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return ErrInvalidName
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".png":
	default:
		return ErrInvalidName
	}
	_, _, err := parseName(name)
	return err
}

func extensionFor(data []byte) (string, error) {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg", nil
	case "image/png":
		return ".png", nil
	}
	return "", ErrUnsupportedFormat
}
