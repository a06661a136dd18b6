package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/ShoshinNikita/rpreview/pkg/metrics"
	"github.com/ShoshinNikita/rpreview/pkg/misc"
	"github.com/ShoshinNikita/rpreview/pkg/rlog"
)

// Cleaner controls the total size of the cache directory: it removes the oldest files
// (by modification time, not by access time) until the total size is under the limit.
type Cleaner struct {
	dir              string
	maxTotalFileSize int64 // in bytes
}

type fileInfo struct {
	path    string
	modTime time.Time
	size    int64
}

func NewCleaner(dir string, maxTotalFileSize int64) *Cleaner {
	return &Cleaner{
		dir:              dir,
		maxTotalFileSize: maxTotalFileSize,
	}
}

// Cleanup removes files until the total size is less than or equal to the limit. Files
// with paths from exclude are never removed. A missing directory is not an error.
func (c *Cleaner) Cleanup(exclude ...string) (removedFiles int, cleanedSpace int64, err error) {
	allFiles, err := c.loadAllFiles()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("couldn't load files to clean: %w", err)
	}

	filesToRemove := c.getFilesToRemove(allFiles, exclude)
	if len(filesToRemove) == 0 {
		rlog.Debug("no files to remove from cache")
		return 0, 0, nil
	}

	removedFiles, cleanedSpace, errs := c.removeFiles(filesToRemove)
	for _, err := range errs {
		rlog.Error(err)
	}
	if removedFiles > 0 {
		metrics.EvictedFiles.Add(float64(removedFiles))
		metrics.EvictedBytes.Add(float64(cleanedSpace))

		rlog.Infof(
			"%d files have been removed from cache for a total of %s freed, got %d errors",
			removedFiles, misc.FormatFileSize(cleanedSpace), len(errs),
		)
	}
	return removedFiles, cleanedSpace, errors.Join(errs...)
}

func (c *Cleaner) loadAllFiles() (files []fileInfo, err error) {
	err = filepath.Walk(c.dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		files = append(files, fileInfo{
			path:    path,
			modTime: info.ModTime(),
			size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (c *Cleaner) getFilesToRemove(files []fileInfo, exclude []string) []fileInfo {
	var totalSize int64
	for _, file := range files {
		totalSize += file.size
	}
	if totalSize <= c.maxTotalFileSize {
		return nil
	}

	files = slices.Clone(files)

	// Remove old files first.
	slices.SortStableFunc(files, func(a, b fileInfo) int {
		return a.modTime.Compare(b.modTime)
	})

	var res []fileInfo
	for _, file := range files {
		if totalSize <= c.maxTotalFileSize {
			break
		}
		if slices.Contains(exclude, file.path) {
			continue
		}
		res = append(res, file)
		totalSize -= file.size
	}
	return res
}

func (c *Cleaner) removeFiles(files []fileInfo) (removedFiles int, cleanedSpace int64, errs []error) {
	for _, file := range files {
		err := os.Remove(file.path)
		if err != nil {
			errs = append(errs, fmt.Errorf("couldn't remove file %q from cache: %w", file.path, err))
			continue
		}
		removedFiles++
		cleanedSpace += file.size
	}
	return removedFiles, cleanedSpace, errs
}
