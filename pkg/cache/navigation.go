package cache

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/ShoshinNikita/rpreview/pkg/metrics"
	"github.com/ShoshinNikita/rpreview/pkg/rlog"
	"github.com/ShoshinNikita/rpreview/rpreview"
)

const (
	navigationWindow     = 5
	navigationMaxEntries = 20
)

// Previewer renders a quick preview of a file.
type Previewer interface {
	QuicklookImage(path string, size rpreview.Size) (*image.NRGBA, error)
}

// NavigationCache keeps previews of sibling files, so stepping forward and backward
// through a list of files doesn't render the same file twice. Entries are keyed by
// sibling index and are trusted only while the file modification time is unchanged.
//
// NavigationCache is not safe for concurrent use.
type NavigationCache struct {
	previewer Previewer
	size      rpreview.Size

	entries map[int]navigationEntry
}

type navigationEntry struct {
	img     *image.NRGBA
	modTime int64
}

func NewNavigationCache(previewer Previewer, size rpreview.Size) *NavigationCache {
	return &NavigationCache{
		previewer: previewer,
		size:      size,
		entries:   make(map[int]navigationEntry),
	}
}

// Get returns a preview of the file at index. The cached image is returned only if the
// file still has the same modification time, otherwise a new preview is rendered.
// The returned image is a copy and can be modified by the caller.
func (c *NavigationCache) Get(index int, siblings []string) (*image.NRGBA, error) {
	if index < 0 || index >= len(siblings) {
		return nil, fmt.Errorf("index %d is out of range [0, %d)", index, len(siblings))
	}
	path := siblings[index]

	if entry, ok := c.entries[index]; ok {
		modTime := rpreview.ModTime(path)
		if modTime != 0 && modTime == entry.modTime {
			metrics.NavigationCacheHits.Inc()
			return imaging.Clone(entry.img), nil
		}

		rlog.Debugf("invalidate navigation cache entry %d for %q", index, path)
		delete(c.entries, index)
	}
	metrics.NavigationCacheMisses.Inc()

	img, err := c.render(index, path)
	if err != nil {
		return nil, err
	}
	return imaging.Clone(img), nil
}

// PreloadNeighbors renders previews for index-1 and index+1 if they are not cached yet.
func (c *NavigationCache) PreloadNeighbors(index int, siblings []string) {
	for _, i := range []int{index - 1, index + 1} {
		if i < 0 || i >= len(siblings) {
			continue
		}
		if _, ok := c.entries[i]; ok {
			continue
		}
		if _, err := c.render(i, siblings[i]); err != nil {
			rlog.Debugf("couldn't preload preview for %q: %s", siblings[i], err)
		}
	}
}

// EvictWindow removes all entries except ones within ±5 of index. Entries of indexes
// that are out of range of siblings are removed too, so a shrunk list doesn't keep
// previews of missing files. If there are still too many entries, the cache is cleared.
func (c *NavigationCache) EvictWindow(index int, siblings []string) {
	for i := range c.entries {
		if i < index-navigationWindow || i > index+navigationWindow || i >= len(siblings) {
			delete(c.entries, i)
		}
	}
	if len(c.entries) > navigationMaxEntries {
		c.Clear()
	}
}

func (c *NavigationCache) Clear() {
	clear(c.entries)
}

func (c *NavigationCache) Len() int {
	return len(c.entries)
}

// Indexes returns indexes of all cached entries in no particular order.
func (c *NavigationCache) Indexes() []int {
	res := make([]int, 0, len(c.entries))
	for i := range c.entries {
		res = append(res, i)
	}
	return res
}

// render renders a preview and saves its copy. Failed renders are not cached.
func (c *NavigationCache) render(index int, path string) (*image.NRGBA, error) {
	// Capture the modification time before rendering: if the file changes during rendering,
	// the entry will be invalidated on the next access.
	modTime := rpreview.ModTime(path)

	img, err := c.previewer.QuicklookImage(path, c.size)
	if err != nil {
		return nil, err
	}
	if !rpreview.IsValidImage(img) {
		return nil, rpreview.ErrInvalidImage
	}

	c.entries[index] = navigationEntry{
		img:     imaging.Clone(img),
		modTime: modTime,
	}
	return img, nil
}
