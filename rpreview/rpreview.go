package rpreview

import (
	"errors"
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"
)

var (
	ErrCacheMiss       = errors.New("cache miss")
	ErrNotConverted    = errors.New("document was not converted")
	ErrUnsupportedFile = errors.New("unsupported file type")
	ErrInvalidImage    = errors.New("invalid image")
	ErrSourceNotFound  = errors.New("source file not found")
)

// Kind is a kind of background work. The orchestrator allows at most one live task per kind.
type Kind string

const (
	KindRenderPage      Kind = "render_page"
	KindConvertDocument Kind = "convert_document"
	KindSweepThumbnails Kind = "sweep_thumbnails"
)

func AllKinds() []Kind {
	return []Kind{KindRenderPage, KindConvertDocument, KindSweepThumbnails}
}

// Size is a target size in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return strconv.Itoa(s.Width) + "x" + strconv.Itoa(s.Height)
}

// Scale multiplies both dimensions by the passed ratio, for example, by a device pixel ratio.
func (s Size) Scale(ratio float64) Size {
	if ratio <= 0 {
		ratio = 1
	}
	return Size{
		Width:  int(float64(s.Width) * ratio),
		Height: int(float64(s.Height) * ratio),
	}
}

func (s Size) MarshalText() (text []byte, err error) {
	return []byte(s.String()), nil
}

func (s *Size) UnmarshalText(data []byte) error {
	w, h, ok := strings.Cut(strings.ToLower(string(data)), "x")
	if !ok {
		return errors.New("size must be in format <width>x<height>")
	}

	width, err := strconv.Atoi(w)
	if err != nil {
		return fmt.Errorf("invalid width: %w", err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return fmt.Errorf("invalid height: %w", err)
	}
	if width <= 0 || height <= 0 {
		return errors.New("width and height must be > 0")
	}

	*s = Size{Width: width, Height: height}
	return nil
}

// IsValidImage reports whether the image can be passed to a caller: it must be non-nil,
// have positive dimensions and a non-empty pixel buffer.
func IsValidImage(img *image.NRGBA) bool {
	if img == nil {
		return false
	}
	b := img.Bounds()
	return b.Dx() > 0 && b.Dy() > 0 && len(img.Pix) > 0
}

// ModTime returns the modification time of a file in nanoseconds. It returns 0 if the
// file doesn't exist or can't be accessed.
func ModTime(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}

// CheckSource returns an error if the file doesn't exist, is a directory or can't be read.
func CheckSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %q", ErrSourceNotFound, path)
		}
		return fmt.Errorf("couldn't stat %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%q is a directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("couldn't open %q: %w", path, err)
	}
	return f.Close()
}
