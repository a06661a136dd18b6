package renderer

import (
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // register webp decoder

	"github.com/ShoshinNikita/rpreview/rpreview"
)

// RenderImage decodes an image file and downscales it to fit the target box. Small images
// are not upscaled.
func (r *Renderer) RenderImage(path string, size rpreview.Size) (img *image.NRGBA, err error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrTargetTooSmall, size)
	}

	defer observeRender("image", time.Now(), &err)

	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("couldn't decode image: %w", err)
	}

	target := size.Scale(r.devicePixelRatio)
	img = imaging.Fit(src, target.Width, target.Height, imaging.Lanczos)
	if !rpreview.IsValidImage(img) {
		return nil, rpreview.ErrInvalidImage
	}
	return img, nil
}
