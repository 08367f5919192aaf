/**
 * Artifact storage for normalized capture images.
 *
 * Backends:
 * - FileStore: JPEG files in a local directory, named by capture timestamp
 * - HTTPStore: upload to the FileProcess artifact API
 *
 * Both return an opaque reference (file:// URI or download URL) that the
 * orchestrator reports in the capture result.
 */

package artifact

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/adverant/nexus/capture-worker/internal/logging"
	"github.com/adverant/nexus/capture-worker/internal/transform"
)

// DefaultQuality matches the quality the capture app has always written.
const DefaultQuality = 100

// Store persists a normalized image and returns a reference to it.
type Store interface {
	Persist(ctx context.Context, img *transform.NormalizedImage) (string, error)
}

// FileStore writes JPEGs into Dir.
type FileStore struct {
	Dir     string
	Quality int

	now    func() time.Time
	logger *logging.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, quality int) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	return &FileStore{
		Dir:     dir,
		Quality: quality,
		now:     time.Now,
		logger:  logging.NewLogger("FileStore"),
	}, nil
}

// FileName formats t as yyyy-MM-dd-HH-mm-ss-SSS.jpg.
func FileName(t time.Time) string {
	return fmt.Sprintf("%s-%03d.jpg", t.Format("2006-01-02-15-04-05"), t.Nanosecond()/int(time.Millisecond))
}

// Persist encodes img to a new file and returns its file:// URI. The file is
// closed on every path and removed if anything after creation fails.
func (s *FileStore) Persist(ctx context.Context, img *transform.NormalizedImage) (ref string, err error) {
	if img == nil {
		return "", fmt.Errorf("image is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path, fh, err := s.create(s.now())
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := fh.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	w := bufio.NewWriter(fh)
	if err := img.EncodeJPEG(w, s.Quality); err != nil {
		return "", fmt.Errorf("failed to encode jpeg: %w", err)
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	s.logger.Debug("Image persisted", "path", abs, "width", img.Width(), "height", img.Height())
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// create opens a new file for t, adding a counter suffix if the millisecond
// name is already taken.
func (s *FileStore) create(t time.Time) (string, *os.File, error) {
	base := FileName(t)
	name := base
	for i := 1; ; i++ {
		path := filepath.Join(s.Dir, name)
		fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return path, fh, nil
		}
		if !errors.Is(err, os.ErrExist) || i > 100 {
			return "", nil, fmt.Errorf("failed to create %s: %w", path, err)
		}
		name = fmt.Sprintf("%s-%d.jpg", base[:len(base)-len(".jpg")], i)
	}
}
