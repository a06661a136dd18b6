package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ShoshinNikita/rpreview/pkg/metrics"
	"github.com/ShoshinNikita/rpreview/rpreview"
)

// DiskCache stores files in a flat directory. Keys are used as filenames, so the caller
// is responsible for generating safe keys.
type DiskCache struct {
	absDir string
}

func NewDiskCache(dir string) (*DiskCache, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("couldn't get absolute path: %w", err)
	}
	return &DiskCache{
		absDir: absDir,
	}, nil
}

func (c *DiskCache) Dir() string {
	return c.absDir
}

// Stat returns info of the cache file. If the file is not cached, it returns [rpreview.ErrCacheMiss].
func (c *DiskCache) Stat(key string) (fs.FileInfo, error) {
	info, err := os.Stat(c.GetFilepath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			metrics.CacheMisses.Inc()
			return nil, rpreview.ErrCacheMiss
		}

		metrics.CacheErrors.Inc()
		return nil, err
	}

	metrics.CacheHits.Inc()
	return info, nil
}

// GetFilepath returns the absolute path of the cache file associated with the passed key.
// The file may not exist.
func (c *DiskCache) GetFilepath(key string) string {
	return filepath.Join(c.absDir, key)
}

// Write copies the content of the passed [io.Reader] to the cache file associated with the key.
// It creates the cache directory if needed.
func (c *DiskCache) Write(key string, r io.Reader) (written int64, err error) {
	if err := os.MkdirAll(c.absDir, 0o700); err != nil {
		return 0, fmt.Errorf("couldn't create dir %q: %w", c.absDir, err)
	}

	f, err := os.Create(c.GetFilepath(key))
	if err != nil {
		return 0, fmt.Errorf("couldn't create file: %w", err)
	}
	defer f.Close()

	written, err = io.Copy(f, r)
	if err != nil {
		return written, fmt.Errorf("couldn't write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return written, fmt.Errorf("couldn't close file: %w", err)
	}
	return written, nil
}

// Remove removes the cache file associated with the passed key. To control the total size
// of the cache use [Cleaner], cache files should be manually removed only in case of an error.
func (c *DiskCache) Remove(key string) error {
	return os.Remove(c.GetFilepath(key))
}

// Clear removes all cache files and recreates the cache directory.
func (c *DiskCache) Clear() error {
	if err := os.RemoveAll(c.absDir); err != nil {
		return fmt.Errorf("couldn't remove dir %q: %w", c.absDir, err)
	}
	if err := os.MkdirAll(c.absDir, 0o700); err != nil {
		return fmt.Errorf("couldn't create dir %q: %w", c.absDir, err)
	}
	return nil
}
