package tasks

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/rpreview/rpreview"
)

type testRenderer struct {
	pages int
	err   error
	panic bool

	// beforeReturn is called before returning the result of any render call.
	beforeReturn func(page int)
}

func (r *testRenderer) PageCount(string) int {
	return r.pages
}

func (r *testRenderer) RenderPage(_ string, size rpreview.Size, page int) (*image.NRGBA, error) {
	return r.render(page, size)
}

func (r *testRenderer) RenderThumbnail(_ string, page int, size rpreview.Size) (*image.NRGBA, error) {
	return r.render(page, size)
}

func (r *testRenderer) render(page int, size rpreview.Size) (*image.NRGBA, error) {
	if r.beforeReturn != nil {
		r.beforeReturn(page)
	}
	if r.panic {
		panic("renderer crashed")
	}
	if r.err != nil {
		return nil, r.err
	}
	return image.NewNRGBA(image.Rect(0, 0, size.Width, size.Height)), nil
}

type testConverter struct {
	path  string
	block bool
	// started is closed when the first conversion starts.
	started chan struct{}
}

func (c *testConverter) Convert(ctx context.Context, _ string) (string, error) {
	if c.started != nil {
		close(c.started)
	}
	if c.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return c.path, nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) onEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
}

func (r *eventRecorder) get() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Event(nil), r.events...)
}

func writeSource(t *testing.T, name string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("test"), 0o600))
	return path
}

func touch(t *testing.T, path string) {
	t.Helper()

	modTime := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func runTask(t *testing.T, task *Task) []Event {
	t.Helper()

	rec := &eventRecorder{}
	task.Start(rec.onEvent)

	require.True(t, task.Wait(5*time.Second), "task is still running")
	return rec.get()
}

var testSize = rpreview.Size{Width: 100, Height: 80}

func TestRenderTask(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		r := require.New(t)

		path := writeSource(t, "1.pdf")
		task := NewRenderTask("id-1", path, testSize, 2, &testRenderer{pages: 3})
		r.Equal(StateCreated, task.State())

		events := runTask(t, task)
		r.Len(events, 1)
		r.Equal("id-1", events[0].TaskID)
		r.Equal(rpreview.KindRenderPage, events[0].Kind)
		r.True(events[0].Final)
		r.NoError(events[0].Err)
		r.Equal(2, events[0].Page)
		r.True(rpreview.IsValidImage(events[0].Image))
		r.Equal(StateCompleted, task.State())
	})

	t.Run("render error", func(t *testing.T) {
		r := require.New(t)

		renderErr := errors.New("render error")
		task := NewRenderTask("id", writeSource(t, "1.pdf"), testSize, 0, &testRenderer{err: renderErr})

		events := runTask(t, task)
		r.Len(events, 1)
		r.ErrorIs(events[0].Err, renderErr)
		r.Nil(events[0].Image)
		r.Equal(StateFailed, task.State())
	})

	t.Run("panic", func(t *testing.T) {
		r := require.New(t)

		task := NewRenderTask("id", writeSource(t, "1.pdf"), testSize, 0, &testRenderer{panic: true})

		events := runTask(t, task)
		r.Len(events, 1)
		r.ErrorContains(events[0].Err, "renderer crashed")
		r.Equal(StateFailed, task.State())
	})

	t.Run("missing source", func(t *testing.T) {
		r := require.New(t)

		renderer := &testRenderer{
			beforeReturn: func(int) { t.Error("renderer must not be called") },
		}
		task := NewRenderTask("id", filepath.Join(t.TempDir(), "missing.pdf"), testSize, 0, renderer)

		events := runTask(t, task)
		r.Len(events, 1)
		r.ErrorIs(events[0].Err, rpreview.ErrSourceNotFound)
		r.Equal(StateFailed, task.State())
	})

	t.Run("cancelled during render", func(t *testing.T) {
		r := require.New(t)

		var task *Task
		renderer := &testRenderer{
			beforeReturn: func(int) { task.Cancel() },
		}
		task = NewRenderTask("id", writeSource(t, "1.pdf"), testSize, 0, renderer)

		events := runTask(t, task)
		r.Empty(events)
		r.Equal(StateCancelled, task.State())
	})

	t.Run("cancelled before start", func(t *testing.T) {
		r := require.New(t)

		renderer := &testRenderer{
			beforeReturn: func(int) { t.Error("renderer must not be called") },
		}
		task := NewRenderTask("id", writeSource(t, "1.pdf"), testSize, 0, renderer)
		task.Cancel()

		events := runTask(t, task)
		r.Empty(events)
		r.Equal(StateCancelled, task.State())
	})

	t.Run("source modified during render", func(t *testing.T) {
		r := require.New(t)

		path := writeSource(t, "1.pdf")
		renderer := &testRenderer{
			beforeReturn: func(int) { touch(t, path) },
		}
		task := NewRenderTask("id", path, testSize, 0, renderer)

		events := runTask(t, task)
		r.Empty(events)
		r.Equal(StateCancelled, task.State())
	})

	t.Run("source modified and render failed", func(t *testing.T) {
		r := require.New(t)

		path := writeSource(t, "1.pdf")
		renderer := &testRenderer{err: errors.New("broken file")}
		renderer.beforeReturn = func(int) { touch(t, path) }
		task := NewRenderTask("id", path, testSize, 0, renderer)

		events := runTask(t, task)
		r.Empty(events)
		r.Equal(StateCancelled, task.State())
	})

	t.Run("source removed during render", func(t *testing.T) {
		r := require.New(t)

		path := writeSource(t, "1.pdf")
		renderer := &testRenderer{err: errors.New("no such file")}
		renderer.beforeReturn = func(int) { r.NoError(os.Remove(path)) }
		task := NewRenderTask("id", path, testSize, 0, renderer)

		events := runTask(t, task)
		r.Empty(events)
		r.Equal(StateCancelled, task.State())
	})
}

func TestConvertTask(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		r := require.New(t)

		task := NewConvertTask("id", writeSource(t, "1.docx"), &testConverter{path: "/cache/1.pdf"})

		events := runTask(t, task)
		r.Len(events, 1)
		r.NoError(events[0].Err)
		r.Equal("/cache/1.pdf", events[0].Path)
		r.Equal(rpreview.KindConvertDocument, events[0].Kind)
		r.Equal(StateCompleted, task.State())
	})

	t.Run("force stop", func(t *testing.T) {
		r := require.New(t)

		converter := &testConverter{block: true, started: make(chan struct{})}
		task := NewConvertTask("id", writeSource(t, "1.docx"), converter)

		rec := &eventRecorder{}
		task.Start(rec.onEvent)
		<-converter.started

		task.Cancel()
		r.False(task.Wait(50 * time.Millisecond))

		task.ForceStop()
		r.True(task.Wait(5 * time.Second))

		r.Empty(rec.get())
		r.Equal(StateCancelled, task.State())
	})
}

func TestSweepTask(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		r := require.New(t)

		task := NewSweepTask("id", writeSource(t, "1.pdf"), testSize, &testRenderer{pages: 3})

		events := runTask(t, task)
		r.Len(events, 4)
		for i := range 3 {
			r.False(events[i].Final)
			r.Equal(i, events[i].Page)
			r.True(rpreview.IsValidImage(events[i].Image))
		}
		r.True(events[3].Final)
		r.NoError(events[3].Err)
		r.Equal(3, events[3].Pages)
		r.Equal(StateCompleted, task.State())
	})

	t.Run("failed pages are skipped", func(t *testing.T) {
		r := require.New(t)

		renderer := &testRenderer{pages: 3}
		renderer.beforeReturn = func(page int) {
			renderer.err = nil
			if page == 1 {
				renderer.err = errors.New("broken page")
			}
		}
		task := NewSweepTask("id", writeSource(t, "1.pdf"), testSize, renderer)

		events := runTask(t, task)
		r.Len(events, 3)
		r.Equal(0, events[0].Page)
		r.Equal(2, events[1].Page)
		r.True(events[2].Final)
		r.Equal(2, events[2].Pages)
	})

	t.Run("cancelled", func(t *testing.T) {
		r := require.New(t)

		task := NewSweepTask("id", writeSource(t, "1.pdf"), testSize, &testRenderer{pages: 5})

		rec := &eventRecorder{}
		task.Start(func(ev Event) {
			rec.onEvent(ev)
			if !ev.Final && ev.Page == 1 {
				task.Cancel()
			}
		})
		r.True(task.Wait(5 * time.Second))

		events := rec.get()
		r.Len(events, 3)
		r.Equal(0, events[0].Page)
		r.Equal(1, events[1].Page)
		r.True(events[2].Final)
		r.ErrorIs(events[2].Err, ErrCancelled)
		r.Equal(2, events[2].Pages)
		r.Equal(StateCancelled, task.State())
	})

	t.Run("source modified", func(t *testing.T) {
		r := require.New(t)

		path := writeSource(t, "1.pdf")
		renderer := &testRenderer{pages: 5}
		renderer.beforeReturn = func(page int) {
			if page == 2 {
				touch(t, path)
			}
		}
		task := NewSweepTask("id", path, testSize, renderer)

		events := runTask(t, task)
		r.Len(events, 3)
		r.False(events[1].Final)
		r.True(events[2].Final)
		r.ErrorIs(events[2].Err, ErrCancelled)
		r.Equal(StateCancelled, task.State())
	})

	t.Run("no pages", func(t *testing.T) {
		r := require.New(t)

		task := NewSweepTask("id", writeSource(t, "1.pdf"), testSize, &testRenderer{})

		events := runTask(t, task)
		r.Len(events, 1)
		r.True(events[0].Final)
		r.Error(events[0].Err)
		r.Equal(StateFailed, task.State())
	})
}

func TestTask_StartAndWait(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	task := NewRenderTask("id", writeSource(t, "1.pdf"), testSize, 0, &testRenderer{pages: 1})

	// Not started tasks are considered stopped.
	r.True(task.Wait(time.Millisecond))

	rec := &eventRecorder{}
	task.Start(rec.onEvent)
	task.Start(rec.onEvent)
	r.True(task.Wait(5 * time.Second))
	r.Len(rec.get(), 1)
	r.True(task.State().IsTerminal())
}
