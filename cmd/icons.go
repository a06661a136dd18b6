package cmd

import (
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/ShoshinNikita/rpreview/pkg/misc"
	"github.com/ShoshinNikita/rpreview/rpreview"
)

var (
	iconBackground = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	iconPaper      = color.NRGBA{R: 220, G: 224, B: 230, A: 255}
	iconLabel      = color.NRGBA{R: 60, G: 64, B: 72, A: 255}
)

// IconProvider draws a generic file glyph labelled with the file extension.
type IconProvider struct{}

func NewIconProvider() *IconProvider {
	return &IconProvider{}
}

func (*IconProvider) Icon(path string, size rpreview.Size) (*image.NRGBA, error) {
	w, h := max(size.Width, 1), max(size.Height, 1)

	img := imaging.New(w, h, iconBackground)

	side := min(w, h) * 3 / 4
	if side > 0 {
		paper := imaging.New(side*3/4, side, iconPaper)
		img = imaging.PasteCenter(img, paper)
	}

	label := strings.ToUpper(strings.TrimPrefix(rpreview.GetExt(path), "."))
	if label == "" {
		label = "FILE"
	}
	label = misc.Truncate(label, 6)

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(iconLabel),
		Face: face,
	}
	width := d.MeasureString(label).Ceil()
	d.Dot = fixed.P((w-width)/2, (h+face.Ascent)/2)
	d.DrawString(label)

	return img, nil
}
