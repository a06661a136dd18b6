package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/urfave/cli/v2"

	"github.com/ShoshinNikita/rpreview/history"
	"github.com/ShoshinNikita/rpreview/pkg/cache"
	"github.com/ShoshinNikita/rpreview/pkg/misc"
	"github.com/ShoshinNikita/rpreview/pkg/rlog"
	"github.com/ShoshinNikita/rpreview/preview"
	"github.com/ShoshinNikita/rpreview/rpreview"
)

var (
	ErrRejected      = errors.New("request was rejected: previous task is still running")
	ErrSourceChanged = errors.New("source file was modified during rendering, retry")
)

// NewCLIApp creates the CLI application with all commands. Config flags are global,
// the app is prepared before any command and shut down after it.
func NewCLIApp() *cli.App {
	var app *App

	flags := []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "Path to a YAML config file with flag names as keys"},
		&cli.StringFlag{Name: "env-file", Usage: "Path to a dotenv file with " + rpreview.EnvPrefix + "* variables"},
		&cli.BoolFlag{Name: "print-config", Usage: "Print build info and config on start"},
	}
	for _, def := range rpreview.DefaultConfig().FlagDefs() {
		flags = append(flags, &cli.StringFlag{
			Name:        def.Name,
			Usage:       def.Desc + " (env: " + def.EnvVar + ")",
			DefaultText: def.Default,
		})
	}

	cliApp := &cli.App{
		Name:  "rpreview",
		Usage: "Render previews of documents, images and text files",
		Flags: flags,
		Before: func(c *cli.Context) error {
			cfg, err := rpreview.LoadConfig(rpreview.LoadOptions{
				ConfigFile: c.String("config"),
				EnvFile:    c.String("env-file"),
				LookupFlag: func(name string) (string, bool) {
					if !c.IsSet(name) {
						return "", false
					}
					return c.String(name), true
				},
			})
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			rlog.SetLevel(cfg.LogLevel)
			if c.Bool("print-config") {
				cfg.BuildInfo.Print()
				cfg.Print()
			}

			app = NewApp(cfg)
			return app.Prepare()
		},
		After: func(*cli.Context) error {
			if app == nil {
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			return app.Shutdown(ctx)
		},
		Commands: []*cli.Command{
			renderCmd(&app),
			thumbnailsCmd(&app),
			convertCmd(&app),
			quicklookCmd(&app),
			navigateCmd(&app),
			pageCountCmd(&app),
			clearCacheCmd(&app),
			historyCmd(&app),
		},
	}
	return cliApp
}

func newSizeFlag() *cli.StringFlag {
	return &cli.StringFlag{Name: "size", Aliases: []string{"s"}, Value: "800x600", Usage: "Target size, WxH"}
}

func parseSize(c *cli.Context) (rpreview.Size, error) {
	var size rpreview.Size
	if err := size.UnmarshalText([]byte(c.String("size"))); err != nil {
		return size, fmt.Errorf("invalid size: %w", err)
	}
	return size, nil
}

func requireFile(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", errors.New("exactly one file must be passed")
	}
	return c.Args().First(), nil
}

func renderCmd(app **App) *cli.Command {
	return &cli.Command{
		Name:      "render",
		Usage:     "Render a page of a document. Word-processing documents are converted first",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			newSizeFlag(),
			&cli.IntFlag{Name: "page", Aliases: []string{"p"}, Usage: "Zero-based page index"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "page.png", Usage: "Output image"},
		},
		Action: func(c *cli.Context) error {
			a := *app

			path, err := requireFile(c)
			if err != nil {
				return err
			}
			size, err := parseSize(c)
			if err != nil {
				return err
			}

			docPath := path
			if a.extensions.IsWordProcessing(path) {
				res, err := submitAndWait(c.Context, a.orchestrator, preview.Request{
					Kind: rpreview.KindConvertDocument, Path: path,
				}, nil)
				if err != nil {
					return fmt.Errorf("couldn't convert document: %w", err)
				}
				docPath = res.Path
			}

			res, err := submitAndWait(c.Context, a.orchestrator, preview.Request{
				Kind: rpreview.KindRenderPage, Path: docPath, Size: size, Page: c.Int("page"),
			}, nil)
			if err != nil {
				return fmt.Errorf("couldn't render page: %w", err)
			}

			if err := saveImage(c.String("out"), res.Image); err != nil {
				return err
			}
			a.record(c.Context, path, history.ActionRender)

			fmt.Fprintln(c.App.Writer, c.String("out"))
			return nil
		},
	}
}

func thumbnailsCmd(app **App) *cli.Command {
	return &cli.Command{
		Name:      "thumbnails",
		Usage:     "Render thumbnails of all pages of a document",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out-dir", Aliases: []string{"o"}, Value: "thumbnails", Usage: "Output directory"},
		},
		Action: func(c *cli.Context) error {
			a := *app

			path, err := requireFile(c)
			if err != nil {
				return err
			}

			outDir := c.String("out-dir")
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("couldn't create output dir: %w", err)
			}

			onProgress := func(page int, img *image.NRGBA) {
				out := filepath.Join(outDir, "page-"+strconv.Itoa(page+1)+".png")
				if err := saveImage(out, img); err != nil {
					rlog.Error(err)
					return
				}
				fmt.Fprintln(c.App.Writer, out)
			}

			res, err := submitAndWait(c.Context, a.orchestrator, preview.Request{
				Kind: rpreview.KindSweepThumbnails, Path: path, Size: a.cfg.ThumbnailSize,
			}, onProgress)
			if err != nil {
				return fmt.Errorf("couldn't render thumbnails: %w", err)
			}
			a.record(c.Context, path, history.ActionThumbnails)

			rlog.Infof("rendered %d thumbnail(s) of %q", res.Pages, path)
			return nil
		},
	}
}

func convertCmd(app **App) *cli.Command {
	return &cli.Command{
		Name:      "convert",
		Usage:     "Convert a word-processing document to PDF and print the path of the cached file",
		ArgsUsage: "<file>",
		Action: func(c *cli.Context) error {
			a := *app

			path, err := requireFile(c)
			if err != nil {
				return err
			}

			res, err := submitAndWait(c.Context, a.orchestrator, preview.Request{
				Kind: rpreview.KindConvertDocument, Path: path,
			}, nil)
			if err != nil {
				return fmt.Errorf("couldn't convert document: %w", err)
			}
			a.record(c.Context, path, history.ActionConvert)

			fmt.Fprintln(c.App.Writer, res.Path)
			return nil
		},
	}
}

func quicklookCmd(app **App) *cli.Command {
	return &cli.Command{
		Name:      "quicklook",
		Usage:     "Render a quick preview of any file",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			newSizeFlag(),
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "quicklook.png", Usage: "Output image"},
		},
		Action: func(c *cli.Context) error {
			a := *app

			path, err := requireFile(c)
			if err != nil {
				return err
			}
			size, err := parseSize(c)
			if err != nil {
				return err
			}

			img, err := a.orchestrator.QuicklookImage(path, size)
			if err != nil {
				return fmt.Errorf("couldn't render preview: %w", err)
			}
			if err := saveImage(c.String("out"), img); err != nil {
				return err
			}
			a.record(c.Context, path, history.ActionQuicklook)

			fmt.Fprintln(c.App.Writer, c.String("out"))
			return nil
		},
	}
}

func navigateCmd(app **App) *cli.Command {
	return &cli.Command{
		Name:      "navigate",
		Usage:     "Step through previews of files in a directory",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			newSizeFlag(),
			&cli.IntFlag{Name: "start", Usage: "Index of the first file"},
			&cli.IntFlag{Name: "steps", Value: 1, Usage: "Number of files to preview, negative to step backward"},
			&cli.StringFlag{Name: "out-dir", Aliases: []string{"o"}, Value: "previews", Usage: "Output directory"},
		},
		Action: func(c *cli.Context) error {
			a := *app

			dir, err := requireFile(c)
			if err != nil {
				return err
			}
			size, err := parseSize(c)
			if err != nil {
				return err
			}

			siblings, err := listSiblings(dir, a.extensions)
			if err != nil {
				return err
			}
			if len(siblings) == 0 {
				return fmt.Errorf("no supported files in %q", dir)
			}

			outDir := c.String("out-dir")
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("couldn't create output dir: %w", err)
			}

			var (
				navCache = cache.NewNavigationCache(a.orchestrator, size)
				index    = c.Int("start")
				steps    = c.Int("steps")
				step     = 1
			)
			if steps < 0 {
				step, steps = -1, -steps
			}
			for range steps {
				if index < 0 || index >= len(siblings) {
					break
				}

				img, err := navCache.Get(index, siblings)
				if err != nil {
					rlog.Errorf("couldn't render preview of %q: %s", siblings[index], err)
				} else {
					out := filepath.Join(outDir, filepath.Base(siblings[index])+".png")
					if err := saveImage(out, img); err != nil {
						return err
					}
					a.record(c.Context, siblings[index], history.ActionNavigate)

					fmt.Fprintln(c.App.Writer, out)
				}

				navCache.PreloadNeighbors(index, siblings)
				navCache.EvictWindow(index, siblings)

				index += step
			}
			return nil
		},
	}
}

// listSiblings returns supported files of a directory sorted by name.
func listSiblings(dir string, extensions rpreview.ExtensionTable) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("couldn't read dir: %w", err)
	}

	var res []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if extensions.Classify(entry.Name()) == rpreview.CategoryUnsupported {
			continue
		}
		res = append(res, filepath.Join(dir, entry.Name()))
	}
	slices.Sort(res)

	return res, nil
}

func pageCountCmd(app **App) *cli.Command {
	return &cli.Command{
		Name:      "page-count",
		Usage:     "Print the number of pages of a document, 0 if it can't be opened",
		ArgsUsage: "<file>",
		Action: func(c *cli.Context) error {
			path, err := requireFile(c)
			if err != nil {
				return err
			}

			fmt.Fprintln(c.App.Writer, (*app).orchestrator.PageCount(path))
			return nil
		},
	}
}

func clearCacheCmd(app **App) *cli.Command {
	return &cli.Command{
		Name:  "clear-cache",
		Usage: "Remove all converted documents",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "history", Usage: "Remove history entries too"},
		},
		Action: func(c *cli.Context) error {
			a := *app

			a.converter.Clear()

			if c.Bool("history") && a.history != nil {
				if err := a.history.Clear(c.Context); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func historyCmd(app **App) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recently previewed files",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Max number of entries"},
		},
		Action: func(c *cli.Context) error {
			a := *app
			if a.history == nil {
				return errors.New("history is disabled")
			}

			entries, err := a.history.List(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			printHistory(c.App.Writer, entries)
			return nil
		},
	}
}

func printHistory(w io.Writer, entries []history.Entry) {
	for _, entry := range entries {
		var size string
		if info, err := os.Stat(entry.Path); err == nil {
			size = misc.FormatFileSize(info.Size())
		} else {
			size = "-"
		}
		fmt.Fprintf(w, "%s  %-10s  %8s  %s\n", misc.FormatModTime(entry.CreatedAt), entry.Action, size, entry.Path)
	}
}

// submitAndWait submits a request and waits for its final result. Progress events
// of sweeps are passed to onProgress.
func submitAndWait(
	ctx context.Context, o *preview.Orchestrator, req preview.Request, onProgress func(int, *image.NRGBA),
) (preview.Result, error) {

	type result struct {
		res preview.Result
		err error
	}
	done := make(chan result, 1)

	_, ok := o.Submit(req, preview.Callbacks{
		OnSuccess:  func(res preview.Result) { done <- result{res: res} },
		OnError:    func(err error) { done <- result{err: err} },
		OnProgress: onProgress,
		OnDropped:  func() { done <- result{err: ErrSourceChanged} },
	})
	if !ok {
		return preview.Result{}, ErrRejected
	}

	select {
	case <-ctx.Done():
		o.StopAll()
		return preview.Result{}, ctx.Err()
	case r := <-done:
		return r.res, r.err
	}
}

func saveImage(path string, img *image.NRGBA) error {
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("couldn't save image %q: %w", path, err)
	}
	return nil
}
