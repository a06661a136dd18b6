package cmd

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/rpreview/history"
	"github.com/ShoshinNikita/rpreview/preview"
	"github.com/ShoshinNikita/rpreview/rpreview"
)

func TestSafeShutdown(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	err := safeShutdown(ctx, nil)
	r.NoError(err)

	err = safeShutdown(ctx, (*testShutdowner)(nil))
	r.NoError(err)

	err = safeShutdown(ctx, new(testShutdowner))
	r.Equal("test", err.Error())
}

type testShutdowner struct{}

func (*testShutdowner) Shutdown(context.Context) error { return errors.New("test") }

func TestApp_ShutdownWithoutPrepare(t *testing.T) {
	r := require.New(t)

	app := NewApp(rpreview.DefaultConfig())
	r.NoError(app.Shutdown(context.Background()))
}

func TestIconProvider(t *testing.T) {
	t.Parallel()

	icons := NewIconProvider()
	for _, tt := range []struct {
		path string
		size rpreview.Size
	}{
		{path: "archive.zip", size: rpreview.Size{Width: 160, Height: 160}},
		{path: "Makefile", size: rpreview.Size{Width: 300, Height: 100}},
		{path: "file.verylongextension", size: rpreview.Size{Width: 64, Height: 64}},
		{path: "tiny.bin", size: rpreview.Size{Width: 1, Height: 1}},
		{path: "zero.bin", size: rpreview.Size{}},
	} {
		t.Run(tt.path, func(t *testing.T) {
			r := require.New(t)

			img, err := icons.Icon(tt.path, tt.size)
			r.NoError(err)
			r.True(rpreview.IsValidImage(img))
			r.Equal(max(tt.size.Width, 1), img.Bounds().Dx())
			r.Equal(max(tt.size.Height, 1), img.Bounds().Dy())
		})
	}
}

func TestListSiblings(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	dir := t.TempDir()
	for _, name := range []string{"b.pdf", "a.png", "c.zip", "d.MD", "e.docx"} {
		r.NoError(os.WriteFile(filepath.Join(dir, name), []byte("test"), 0o600))
	}
	r.NoError(os.Mkdir(filepath.Join(dir, "f.pdf"), 0o700))

	siblings, err := listSiblings(dir, rpreview.DefaultExtensionTable())
	r.NoError(err)
	r.Equal([]string{
		filepath.Join(dir, "a.png"),
		filepath.Join(dir, "b.pdf"),
		filepath.Join(dir, "d.MD"),
		filepath.Join(dir, "e.docx"),
	}, siblings)

	_, err = listSiblings(filepath.Join(dir, "missing"), rpreview.DefaultExtensionTable())
	r.Error(err)
}

func TestPrintHistory(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	path := filepath.Join(t.TempDir(), "1.pdf")
	r.NoError(os.WriteFile(path, make([]byte, 2048), 0o600))

	var buf bytes.Buffer
	printHistory(&buf, []history.Entry{
		{Path: path, Action: history.ActionRender, CreatedAt: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)},
		{Path: "/missing.pdf", Action: history.ActionConvert, CreatedAt: time.Date(2024, 5, 9, 12, 0, 0, 0, time.UTC)},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	r.Len(lines, 2)
	r.Contains(lines[0], "2024-05-10 12:00:00 UTC")
	r.Contains(lines[0], "render")
	r.Contains(lines[0], "2 KiB")
	r.Contains(lines[0], path)
	r.Contains(lines[1], "convert")
	r.Contains(lines[1], " - ")
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()

	var buf bytes.Buffer
	app := NewCLIApp()
	app.Writer = &buf

	err := app.Run(append([]string{"rpreview"}, args...))
	require.NoError(t, err)

	return buf.String()
}

func TestCLI_Quicklook(t *testing.T) {
	r := require.New(t)

	var (
		dataDir = t.TempDir()
		srcDir  = t.TempDir()
		outDir  = t.TempDir()
	)

	src := filepath.Join(srcDir, "photo.png")
	r.NoError(imaging.Save(imaging.New(400, 200, color.NRGBA{R: 255, A: 255}), src))

	out := filepath.Join(outDir, "preview.png")
	output := runCLI(t, "--dir", dataDir, "quicklook", "--size", "100x100", "--out", out, src)
	r.Equal(out, strings.TrimSpace(output))

	img, err := imaging.Open(out)
	r.NoError(err)
	r.Equal(100, img.Bounds().Dx())
	r.Equal(50, img.Bounds().Dy())

	// Unsupported files get an icon.
	unsupported := filepath.Join(srcDir, "archive.zip")
	r.NoError(os.WriteFile(unsupported, []byte("test"), 0o600))

	runCLI(t, "--dir", dataDir, "quicklook", "--size", "64x64", "--out", out, unsupported)

	img, err = imaging.Open(out)
	r.NoError(err)
	r.Equal(64, img.Bounds().Dx())

	output = runCLI(t, "--dir", dataDir, "history")
	lines := strings.Split(strings.TrimSpace(output), "\n")
	r.Len(lines, 2)
	r.Contains(lines[0], "archive.zip")
	r.Contains(lines[1], "photo.png")
}

func TestCLI_Navigate(t *testing.T) {
	r := require.New(t)

	var (
		dataDir = t.TempDir()
		srcDir  = t.TempDir()
		outDir  = t.TempDir()
	)
	for _, name := range []string{"1.png", "2.png", "3.png"} {
		r.NoError(imaging.Save(imaging.New(50, 50, color.NRGBA{B: 255, A: 255}), filepath.Join(srcDir, name)))
	}

	output := runCLI(t, "--dir", dataDir, "--history=false", "navigate", "--start", "2", "--steps", "-2", "--out-dir", outDir, srcDir)
	r.Equal([]string{
		filepath.Join(outDir, "3.png.png"),
		filepath.Join(outDir, "2.png.png"),
	}, strings.Split(strings.TrimSpace(output), "\n"))
}

// touchingRenderer modifies the source file during every render.
type touchingRenderer struct{}

func (touchingRenderer) PageCount(string) int { return 1 }

func (r touchingRenderer) RenderPage(path string, size rpreview.Size, _ int) (*image.NRGBA, error) {
	return r.touch(path, size)
}

func (r touchingRenderer) RenderThumbnail(path string, _ int, size rpreview.Size) (*image.NRGBA, error) {
	return r.touch(path, size)
}

func (r touchingRenderer) RenderImage(path string, size rpreview.Size) (*image.NRGBA, error) {
	return r.touch(path, size)
}

func (r touchingRenderer) RenderText(path string, size rpreview.Size) (*image.NRGBA, error) {
	return r.touch(path, size)
}

func (touchingRenderer) touch(path string, size rpreview.Size) (*image.NRGBA, error) {
	modTime := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		return nil, err
	}
	return image.NewNRGBA(image.Rect(0, 0, size.Width, size.Height)), nil
}

type nopConverter struct{}

func (nopConverter) Convert(context.Context, string) (string, error) { return "", rpreview.ErrNotConverted }

func TestSubmitAndWait_SourceChanged(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "1.pdf")
	require.NoError(t, os.WriteFile(path, []byte("test"), 0o600))

	o := preview.NewOrchestrator(touchingRenderer{}, nopConverter{}, rpreview.DefaultExtensionTable(), preview.Options{})
	t.Cleanup(o.StopAll)

	for _, kind := range []rpreview.Kind{rpreview.KindRenderPage, rpreview.KindSweepThumbnails} {
		t.Run(string(kind), func(t *testing.T) {
			r := require.New(t)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			req := preview.Request{Kind: kind, Path: path, Size: rpreview.Size{Width: 100, Height: 100}}
			_, err := submitAndWait(ctx, o, req, nil)
			r.ErrorIs(err, ErrSourceChanged)
		})
	}
}
