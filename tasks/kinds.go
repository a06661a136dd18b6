package tasks

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/ShoshinNikita/rpreview/pkg/rlog"
	"github.com/ShoshinNikita/rpreview/rpreview"
)

type PageRenderer interface {
	PageCount(path string) int
	RenderPage(path string, size rpreview.Size, page int) (*image.NRGBA, error)
	RenderThumbnail(path string, page int, size rpreview.Size) (*image.NRGBA, error)
}

type DocumentConverter interface {
	Convert(ctx context.Context, source string) (string, error)
}

// NewRenderTask prepares a task that renders a single page of a document.
func NewRenderTask(id, path string, size rpreview.Size, page int, renderer PageRenderer) *Task {
	return newTask(id, rpreview.KindRenderPage, path, func(t *Task) (Event, error) {
		if err := rpreview.CheckSource(path); err != nil {
			return Event{}, err
		}

		img, err := renderer.RenderPage(path, size, page)
		if err := t.checkpoint(); err != nil {
			return Event{}, err
		}
		if err != nil {
			return Event{}, fmt.Errorf("couldn't render page %d: %w", page, err)
		}
		return Event{Image: img, Page: page}, nil
	})
}

// NewConvertTask prepares a task that converts a word-processing document to PDF.
func NewConvertTask(id, path string, converter DocumentConverter) *Task {
	return newTask(id, rpreview.KindConvertDocument, path, func(t *Task) (Event, error) {
		if err := rpreview.CheckSource(path); err != nil {
			return Event{}, err
		}

		convertedPath, err := converter.Convert(t.ctx, path)
		if err := t.checkpoint(); err != nil {
			return Event{}, err
		}
		if err != nil {
			return Event{}, err
		}
		return Event{Path: convertedPath}, nil
	})
}

// NewSweepTask prepares a task that renders thumbnails of all pages of a document.
// Every rendered page is reported with a progress event. Pages that can't be rendered
// are skipped.
func NewSweepTask(id, path string, size rpreview.Size, renderer PageRenderer) *Task {
	return newTask(id, rpreview.KindSweepThumbnails, path, func(t *Task) (Event, error) {
		if err := rpreview.CheckSource(path); err != nil {
			return Event{}, err
		}

		count := renderer.PageCount(path)
		if err := t.checkpoint(); err != nil {
			return Event{}, err
		}
		if count == 0 {
			return Event{}, fmt.Errorf("couldn't open document %q", path)
		}

		var pages int
		for page := range count {
			if err := t.checkpoint(); err != nil {
				return Event{Pages: pages}, err
			}

			img, err := renderer.RenderThumbnail(path, page, size)
			if err != nil {
				rlog.Debugf("couldn't render thumbnail for page %d of %q: %s", page, path, err)
				continue
			}

			err = t.emitProgress(Event{Image: img, Page: page})
			if err != nil {
				if errors.Is(err, ErrStale) {
					return Event{Pages: pages}, ErrCancelled
				}
				return Event{Pages: pages}, err
			}
			pages++
		}
		return Event{Pages: pages}, nil
	})
}
