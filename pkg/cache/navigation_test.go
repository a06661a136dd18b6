package cache

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/rpreview/rpreview"
)

type testPreviewer struct {
	calls map[string]int
	fail  map[string]bool
}

func newTestPreviewer() *testPreviewer {
	return &testPreviewer{
		calls: make(map[string]int),
		fail:  make(map[string]bool),
	}
}

func (p *testPreviewer) QuicklookImage(path string, size rpreview.Size) (*image.NRGBA, error) {
	p.calls[path]++
	if p.fail[path] {
		return nil, errors.New("test error")
	}
	// Each render produces a different image to be able to distinguish cached ones.
	c := uint8(p.calls[path])
	return imaging.New(size.Width, size.Height, color.NRGBA{R: c, G: c, B: c, A: 255}), nil
}

func prepareSiblings(t *testing.T, n int) []string {
	t.Helper()

	dir := t.TempDir()
	siblings := make([]string, 0, n)
	for i := range n {
		path := filepath.Join(dir, fmt.Sprintf("%02d.png", i))
		require.NoError(t, os.WriteFile(path, []byte("test"), 0o600))
		siblings = append(siblings, path)
	}
	return siblings
}

func TestNavigationCache_Get(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	siblings := prepareSiblings(t, 3)
	previewer := newTestPreviewer()
	c := NewNavigationCache(previewer, rpreview.Size{Width: 10, Height: 10})

	img1, err := c.Get(1, siblings)
	r.NoError(err)
	img2, err := c.Get(1, siblings)
	r.NoError(err)

	r.Equal(img1.Pix, img2.Pix)
	r.Equal(1, previewer.calls[siblings[1]])

	t.Run("returned image is a copy", func(t *testing.T) {
		r := require.New(t)

		img1.Pix[0] = 100

		img3, err := c.Get(1, siblings)
		r.NoError(err)
		r.Equal(img2.Pix, img3.Pix)
		r.Equal(1, previewer.calls[siblings[1]])
	})

	t.Run("modified file", func(t *testing.T) {
		r := require.New(t)

		modTime := time.Now().Add(time.Hour)
		r.NoError(os.Chtimes(siblings[1], modTime, modTime))

		img, err := c.Get(1, siblings)
		r.NoError(err)
		r.Equal(2, previewer.calls[siblings[1]])
		r.NotEqual(img2.Pix, img.Pix)

		_, err = c.Get(1, siblings)
		r.NoError(err)
		r.Equal(2, previewer.calls[siblings[1]])
	})

	t.Run("removed file", func(t *testing.T) {
		r := require.New(t)

		_, err := c.Get(2, siblings)
		r.NoError(err)
		r.Equal(1, previewer.calls[siblings[2]])

		r.NoError(os.Remove(siblings[2]))

		_, err = c.Get(2, siblings)
		r.NoError(err)
		r.Equal(2, previewer.calls[siblings[2]])

		// Missing files are never trusted.
		_, err = c.Get(2, siblings)
		r.NoError(err)
		r.Equal(3, previewer.calls[siblings[2]])
	})

	t.Run("failed render is not cached", func(t *testing.T) {
		r := require.New(t)

		previewer.fail[siblings[0]] = true

		_, err := c.Get(0, siblings)
		r.Error(err)
		_, err = c.Get(0, siblings)
		r.Error(err)
		r.Equal(2, previewer.calls[siblings[0]])
		r.NotContains(c.Indexes(), 0)
	})

	t.Run("out of range", func(t *testing.T) {
		r := require.New(t)

		_, err := c.Get(-1, siblings)
		r.Error(err)
		_, err = c.Get(3, siblings)
		r.Error(err)
	})
}

func TestNavigationCache_PreloadNeighbors(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	siblings := prepareSiblings(t, 5)
	previewer := newTestPreviewer()
	c := NewNavigationCache(previewer, rpreview.Size{Width: 10, Height: 10})

	c.PreloadNeighbors(0, siblings)
	r.ElementsMatch([]int{1}, c.Indexes())

	c.PreloadNeighbors(2, siblings)
	r.ElementsMatch([]int{1, 3}, c.Indexes())
	r.Equal(1, previewer.calls[siblings[1]])

	c.PreloadNeighbors(4, siblings)
	r.ElementsMatch([]int{1, 3}, c.Indexes())
	r.Equal(1, previewer.calls[siblings[3]])

	// Preloaded entries are used by Get.
	_, err := c.Get(3, siblings)
	r.NoError(err)
	r.Equal(1, previewer.calls[siblings[3]])
}

func TestNavigationCache_EvictWindow(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	siblings := prepareSiblings(t, 30)
	c := NewNavigationCache(newTestPreviewer(), rpreview.Size{Width: 10, Height: 10})

	for i := range 30 {
		_, err := c.Get(i, siblings)
		r.NoError(err)
	}
	r.Equal(30, c.Len())

	c.EvictWindow(10, siblings)

	got := c.Indexes()
	slices.Sort(got)
	r.Equal([]int{5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, got)

	c.EvictWindow(100, siblings)
	r.Zero(c.Len())
}

func TestNavigationCache_EvictWindowShrunkList(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	siblings := prepareSiblings(t, 12)
	c := NewNavigationCache(newTestPreviewer(), rpreview.Size{Width: 10, Height: 10})

	for i := 2; i <= 10; i++ {
		_, err := c.Get(i, siblings)
		r.NoError(err)
	}

	c.EvictWindow(6, siblings[:8])

	got := c.Indexes()
	slices.Sort(got)
	r.Equal([]int{2, 3, 4, 5, 6, 7}, got)
}

func TestNavigationCache_NavigateForward(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	siblings := prepareSiblings(t, 12)
	c := NewNavigationCache(newTestPreviewer(), rpreview.Size{Width: 10, Height: 10})

	for i := range siblings {
		_, err := c.Get(i, siblings)
		r.NoError(err)
		c.PreloadNeighbors(i, siblings)
		c.EvictWindow(i, siblings)

		r.LessOrEqual(c.Len(), 2*5+1)
	}

	got := c.Indexes()
	slices.Sort(got)
	r.Equal([]int{6, 7, 8, 9, 10, 11}, got)
}
