package renderer

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ShoshinNikita/rpreview/rpreview"
)

const (
	maxTextSize = 64 << 10 // 64 KiB

	textMargin     = 8
	textLineHeight = 15
	tabWidth       = 4
)

// RenderText draws the beginning of a text file on a white canvas. Markdown files are
// flattened to plain text.
func (r *Renderer) RenderText(path string, size rpreview.Size) (img *image.NRGBA, err error) {
	if size.Width <= 0 || size.Height <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrTargetTooSmall, size)
	}

	defer observeRender("text", time.Now(), &err)

	raw, err := readHead(path, maxTextSize)
	if err != nil {
		return nil, err
	}

	content := decodeText(raw, len(raw) == maxTextSize)

	var lines []string
	switch rpreview.GetExt(path) {
	case ".md", ".markdown":
		lines = markdownLines(content)
	default:
		lines = strings.Split(string(content), "\n")
	}

	target := size.Scale(r.devicePixelRatio)
	img = drawLines(lines, target)
	if !rpreview.IsValidImage(img) {
		return nil, rpreview.ErrInvalidImage
	}
	return img, nil
}

func readHead(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't open file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, n))
	if err != nil {
		return nil, fmt.Errorf("couldn't read file: %w", err)
	}
	return data, nil
}

// decodeText converts the raw content to UTF-8. It respects BOM and falls back to
// Windows-1252 for content that is not valid UTF-8. If the content was truncated,
// an incomplete trailing character is dropped.
func decodeText(raw []byte, truncated bool) []byte {
	// Content without BOM is passed as-is.
	res, _, err := transform.Bytes(unicode.BOMOverride(transform.Nop), raw)
	if err != nil {
		res = raw
	}
	if truncated {
		res = trimIncompleteRune(res)
	}
	if utf8.Valid(res) {
		return res
	}

	res, err = charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return bytes.ToValidUTF8(raw, []byte("?"))
	}
	return res
}

func trimIncompleteRune(data []byte) []byte {
	for i := 1; i < utf8.UTFMax && i <= len(data); i++ {
		if !utf8.RuneStart(data[len(data)-i]) {
			continue
		}
		if !utf8.FullRune(data[len(data)-i:]) {
			return data[:len(data)-i]
		}
		break
	}
	return data
}

// markdownLines converts markdown to plain text lines: headings keep their '#' markers,
// list items start with '-', code blocks are indented.
func markdownLines(src []byte) []string {
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var (
		lines []string
		cur   strings.Builder
	)
	flush := func() {
		if line := strings.TrimRight(cur.String(), " "); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n := n.(type) {
		case *ast.Text:
			if entering {
				cur.Write(n.Segment.Value(src))
				switch {
				case n.HardLineBreak():
					flush()
				case n.SoftLineBreak():
					cur.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				cur.Write(n.Value)
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				flush()
				segments := n.Lines()
				for i := range segments.Len() {
					seg := segments.At(i)
					line := seg.Value(src)
					lines = append(lines, "    "+strings.TrimRight(string(line), "\r\n"))
				}
				return ast.WalkSkipChildren, nil
			}
		case *ast.Heading:
			flush()
			if entering {
				cur.WriteString(strings.Repeat("#", n.Level) + " ")
			}
		case *ast.ListItem:
			flush()
			if entering {
				cur.WriteString("- ")
			}
		case *ast.Paragraph, *ast.TextBlock:
			if !entering {
				flush()
			}
		case *ast.ThematicBreak:
			if entering {
				flush()
				lines = append(lines, "----")
			}
		}
		return ast.WalkContinue, nil
	})
	flush()

	return lines
}

func drawLines(lines []string, size rpreview.Size) *image.NRGBA {
	canvas := imaging.New(size.Width, size.Height, color.White)

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}

	maxChars := (size.Width - 2*textMargin) / face.Advance
	if maxChars <= 0 {
		return canvas
	}

	for i, line := range lines {
		y := textMargin + (i+1)*textLineHeight
		if y > size.Height-textMargin {
			break
		}

		line = strings.TrimRight(strings.ReplaceAll(line, "\t", strings.Repeat(" ", tabWidth)), "\r")
		if utf8.RuneCountInString(line) > maxChars {
			line = string([]rune(line)[:maxChars])
		}

		d.Dot = fixed.P(textMargin, y)
		d.DrawString(line)
	}
	return canvas
}
