package renderer

import (
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"

	"github.com/ShoshinNikita/rpreview/pkg/metrics"
	"github.com/ShoshinNikita/rpreview/pkg/rlog"
	"github.com/ShoshinNikita/rpreview/rpreview"
)

const (
	// MinTargetSize is the minimal width and height of a target box for page rendering.
	MinTargetSize = 50

	// minZoomFactor defines the legibility floor: pages are never rendered smaller
	// than 80% of the target box's linear fill.
	minZoomFactor = 0.8
	thumbnailZoom = 0.5

	// defaultDPI is the resolution of the page coordinate system.
	defaultDPI = 72
)

var (
	ErrTargetTooSmall = errors.New("target size is too small")
	ErrNoPages        = errors.New("document has no pages")
	ErrPageOutOfRange = errors.New("page is out of range")
)

// document is a subset of [fitz.Document] methods.
type document interface {
	NumPage() int
	Bound(pageNumber int) (image.Rectangle, error)
	ImageDPI(pageNumber int, dpi float64) (*image.RGBA, error)
	Close() error
}

// Renderer renders paginated documents, images and text files. Renderer is stateless
// and safe for concurrent use.
type Renderer struct {
	devicePixelRatio float64
	openFn           func(path string) (document, error)
}

func NewRenderer(devicePixelRatio float64) *Renderer {
	if devicePixelRatio <= 0 {
		devicePixelRatio = 1
	}
	return &Renderer{
		devicePixelRatio: devicePixelRatio,
		openFn:           openWithFitz,
	}
}

func openWithFitz(path string) (document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ComputeZoom returns the zoom level for a page of native size (pw, ph) rendered into
// a box of (tw, th) device pixels. The result is the largest zoom that keeps the whole
// page inside the box, but not less than the legibility floor. So, pages with extreme
// aspect ratios can overflow the box.
func ComputeZoom(tw, th, pw, ph float64) float64 {
	zoomFit := math.Min(tw/pw, th/ph)
	zoomMin := math.Max(minZoomFactor*tw/pw, minZoomFactor*th/ph)
	return math.Max(zoomFit, zoomMin)
}

// PageCount returns the number of pages in the document. It returns 0 if the document
// can't be opened.
func (r *Renderer) PageCount(path string) (count int) {
	err := r.withDocument(path, func(doc document) error {
		count = doc.NumPage()
		return nil
	})
	if err != nil {
		rlog.Debugf("couldn't get page count of %q: %s", path, err)
		return 0
	}
	return count
}

// RenderPage renders a page to fit the target box. Both dimensions of the target size
// must be at least [MinTargetSize].
func (r *Renderer) RenderPage(path string, size rpreview.Size, page int) (img *image.NRGBA, err error) {
	if size.Width < MinTargetSize || size.Height < MinTargetSize {
		return nil, fmt.Errorf("%w: %s, min size is %dx%d", ErrTargetTooSmall, size, MinTargetSize, MinTargetSize)
	}

	defer observeRender("page", time.Now(), &err)

	err = r.withDocument(path, func(doc document) error {
		if err := checkPage(doc, page); err != nil {
			return err
		}

		bound, err := doc.Bound(page)
		if err != nil {
			return fmt.Errorf("couldn't get page bounds: %w", err)
		}
		pw, ph := float64(bound.Dx()), float64(bound.Dy())
		if pw <= 0 || ph <= 0 {
			return fmt.Errorf("invalid page size: %vx%v", pw, ph)
		}

		target := size.Scale(r.devicePixelRatio)
		zoom := ComputeZoom(float64(target.Width), float64(target.Height), pw, ph)

		img, err = drawPage(doc, page, zoom)
		return err
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// RenderThumbnail renders a page at a low zoom and downscales it to fit the passed size
// preserving the aspect ratio.
func (r *Renderer) RenderThumbnail(path string, page int, size rpreview.Size) (img *image.NRGBA, err error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrTargetTooSmall, size)
	}

	defer observeRender("thumbnail", time.Now(), &err)

	err = r.withDocument(path, func(doc document) error {
		if err := checkPage(doc, page); err != nil {
			return err
		}

		img, err = drawPage(doc, page, thumbnailZoom)
		if err != nil {
			return err
		}
		img = imaging.Fit(img, size.Width, size.Height, imaging.Lanczos)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !rpreview.IsValidImage(img) {
		return nil, rpreview.ErrInvalidImage
	}
	return img, nil
}

// withDocument opens the document, calls fn and closes the document on every exit path.
// Panics of the rendering engine are converted to errors.
func (r *Renderer) withDocument(path string, fn func(doc document) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during rendering of %q: %v", path, p)
		}
	}()

	doc, err := r.openFn(path)
	if err != nil {
		return fmt.Errorf("couldn't open document: %w", err)
	}
	defer func() {
		if err := doc.Close(); err != nil {
			rlog.Warnf("couldn't close document %q: %s", path, err)
		}
	}()

	return fn(doc)
}

func checkPage(doc document, page int) error {
	count := doc.NumPage()
	if count <= 0 {
		return ErrNoPages
	}
	if page < 0 || page >= count {
		return fmt.Errorf("%w: page %d, page count %d", ErrPageOutOfRange, page, count)
	}
	return nil
}

func drawPage(doc document, page int, zoom float64) (*image.NRGBA, error) {
	rgba, err := doc.ImageDPI(page, defaultDPI*zoom)
	if err != nil {
		return nil, fmt.Errorf("couldn't draw page %d: %w", page, err)
	}
	if rgba == nil {
		return nil, rpreview.ErrInvalidImage
	}

	img := imaging.Clone(rgba)
	if !rpreview.IsValidImage(img) {
		return nil, rpreview.ErrInvalidImage
	}
	return img, nil
}

func observeRender(typ string, start time.Time, err *error) {
	if *err != nil {
		metrics.RenderErrors.WithLabelValues(typ).Inc()
		return
	}
	metrics.RenderDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
}
