package preview

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShoshinNikita/rpreview/pkg/metrics"
	"github.com/ShoshinNikita/rpreview/pkg/rlog"
	"github.com/ShoshinNikita/rpreview/rpreview"
	"github.com/ShoshinNikita/rpreview/tasks"
)

const (
	DefaultCancelTimeout  = 2 * time.Second
	DefaultForceStopGrace = 500 * time.Millisecond
)

type Renderer interface {
	tasks.PageRenderer

	RenderImage(path string, size rpreview.Size) (*image.NRGBA, error)
	RenderText(path string, size rpreview.Size) (*image.NRGBA, error)
}

type Converter interface {
	tasks.DocumentConverter
}

// IconProvider provides a fallback image for files that can't be previewed.
type IconProvider interface {
	Icon(path string, size rpreview.Size) (*image.NRGBA, error)
}

type Request struct {
	Kind rpreview.Kind
	Path string
	// Size is the target size for page rendering and the thumbnail size for sweeps.
	Size rpreview.Size
	Page int
}

type Result struct {
	ID    string
	Image *image.NRGBA
	// Path is the path of a converted document.
	Path string
	// Pages is the number of pages reported by a sweep.
	Pages int
}

// Callbacks are called from the task goroutine. They must not call [Orchestrator.Submit]
// for the same kind synchronously: replacement waits for the task, including its callbacks.
type Callbacks struct {
	OnSuccess  func(Result)
	OnError    func(error)
	OnProgress func(page int, img *image.NRGBA)
	// OnDropped is called when the task has stopped without a result because the source
	// file was modified. It is not called for replaced or stopped tasks. OnDropped can be
	// called from a goroutine other than the task goroutine.
	OnDropped func()
}

type Options struct {
	CancelTimeout  time.Duration
	ForceStopGrace time.Duration
	Icons          IconProvider
}

// Orchestrator runs preview tasks in background and delivers their results. It allows
// at most one live task per kind: a new request cancels the previous one.
type Orchestrator struct {
	renderer   Renderer
	converter  Converter
	extensions rpreview.ExtensionTable
	icons      IconProvider

	cancelTimeout  time.Duration
	forceStopGrace time.Duration

	newID   func() string
	newTask func(id string, req Request) *tasks.Task

	slots map[rpreview.Kind]*slot
}

type slot struct {
	// submitMu serializes replacement of the task.
	submitMu sync.Mutex

	mu        sync.Mutex
	task      *tasks.Task
	currentID string
	callbacks Callbacks
}

func NewOrchestrator(
	renderer Renderer, converter Converter, extensions rpreview.ExtensionTable, opts Options,
) *Orchestrator {

	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = DefaultCancelTimeout
	}
	if opts.ForceStopGrace <= 0 {
		opts.ForceStopGrace = DefaultForceStopGrace
	}

	o := &Orchestrator{
		renderer:       renderer,
		converter:      converter,
		extensions:     extensions,
		icons:          opts.Icons,
		cancelTimeout:  opts.CancelTimeout,
		forceStopGrace: opts.ForceStopGrace,
		newID:          uuid.NewString,
		slots:          make(map[rpreview.Kind]*slot),
	}
	o.newTask = o.newDefaultTask

	for _, kind := range rpreview.AllKinds() {
		o.slots[kind] = &slot{}
	}
	return o
}

func (o *Orchestrator) newDefaultTask(id string, req Request) *tasks.Task {
	switch req.Kind {
	case rpreview.KindRenderPage:
		return tasks.NewRenderTask(id, req.Path, req.Size, req.Page, o.renderer)
	case rpreview.KindConvertDocument:
		return tasks.NewConvertTask(id, req.Path, o.converter)
	case rpreview.KindSweepThumbnails:
		return tasks.NewSweepTask(id, req.Path, req.Size, o.renderer)
	default:
		return nil
	}
}

// Submit starts a new task. If a task of the same kind is still running, Submit cancels it
// and waits for it to stop. If the task doesn't stop in time, it is force-stopped.
// Submit returns false if the previous task is still running after that, or the kind is
// unknown: callers must not assume every submission succeeds.
//
// Results of replaced tasks are never delivered.
func (o *Orchestrator) Submit(req Request, callbacks Callbacks) (id string, ok bool) {
	s, ok := o.slots[req.Kind]
	if !ok {
		rlog.Errorf("unknown task kind %q", req.Kind)
		return "", false
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if !o.stopSlot(s, req.Kind) {
		metrics.TasksRejected.WithLabelValues(string(req.Kind)).Inc()
		rlog.Warnf("reject %s request for %q: previous task is still running", req.Kind, req.Path)
		return "", false
	}

	id = o.newID()
	task := o.newTask(id, req)

	s.mu.Lock()
	s.task = task
	s.currentID = id
	s.callbacks = callbacks
	s.mu.Unlock()

	task.Start(func(ev tasks.Event) {
		o.deliver(s, ev)
	})
	go func() {
		<-task.Done()
		o.finish(s, id, req.Kind)
	}()

	rlog.Debugf("task %s (%s) for %q was started", id, req.Kind, req.Path)

	return id, true
}

// stopSlot disconnects the slot's task from callbacks and stops it. It returns false
// if the task is still running.
func (o *Orchestrator) stopSlot(s *slot, kind rpreview.Kind) (stopped bool) {
	s.mu.Lock()
	task := s.task
	s.currentID = ""
	s.callbacks = Callbacks{}
	s.mu.Unlock()

	if task == nil {
		return true
	}

	task.Cancel()
	if task.Wait(o.cancelTimeout) {
		return true
	}

	rlog.Warnf("task %s (%s) didn't stop in %s, force stop it", task.ID(), kind, o.cancelTimeout)
	task.ForceStop()

	return task.Wait(o.forceStopGrace)
}

// deliver validates events and calls callbacks. Events of replaced tasks are dropped.
func (o *Orchestrator) deliver(s *slot, ev tasks.Event) {
	s.mu.Lock()
	if ev.TaskID != s.currentID {
		s.mu.Unlock()

		metrics.TaskResultsDropped.WithLabelValues(string(ev.Kind)).Inc()
		rlog.Debugf("drop result of replaced task %s (%s)", ev.TaskID, ev.Kind)
		return
	}
	callbacks := s.callbacks
	if ev.Final {
		// Exactly one final delivery per request.
		s.currentID = ""
		s.callbacks = Callbacks{}
	}
	s.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			rlog.Errorf("panic in callback of task %s (%s): %v\n%s", ev.TaskID, ev.Kind, p, debug.Stack())
		}
	}()

	switch ev.Kind {
	case rpreview.KindRenderPage:
		switch {
		case ev.Err != nil:
			fail(ev.TaskID, callbacks, ev.Err)
		case !rpreview.IsValidImage(ev.Image):
			fail(ev.TaskID, callbacks, rpreview.ErrInvalidImage)
		default:
			succeed(callbacks, Result{ID: ev.TaskID, Image: ev.Image})
		}

	case rpreview.KindConvertDocument:
		switch {
		case ev.Err != nil:
			fail(ev.TaskID, callbacks, ev.Err)
		case ev.Path == "":
			fail(ev.TaskID, callbacks, rpreview.ErrNotConverted)
		default:
			succeed(callbacks, Result{ID: ev.TaskID, Path: ev.Path})
		}

	case rpreview.KindSweepThumbnails:
		switch {
		case !ev.Final:
			if rpreview.IsValidImage(ev.Image) && callbacks.OnProgress != nil {
				callbacks.OnProgress(ev.Page, ev.Image)
			}
		case errors.Is(ev.Err, tasks.ErrCancelled), errors.Is(ev.Err, tasks.ErrStale):
			rlog.Debugf("sweep %s was cancelled: %s", ev.TaskID, ev.Err)
			dropped(callbacks)
		case ev.Err != nil:
			fail(ev.TaskID, callbacks, ev.Err)
		default:
			succeed(callbacks, Result{ID: ev.TaskID, Pages: ev.Pages})
		}
	}
}

// finish is called after the task has stopped. If the task is still current, it
// finished without a final event.
func (o *Orchestrator) finish(s *slot, id string, kind rpreview.Kind) {
	s.mu.Lock()
	if s.currentID != id {
		s.mu.Unlock()
		return
	}
	callbacks := s.callbacks
	s.currentID = ""
	s.callbacks = Callbacks{}
	s.mu.Unlock()

	metrics.TaskResultsDropped.WithLabelValues(string(kind)).Inc()
	rlog.Debugf("task %s (%s) finished without a result", id, kind)

	defer func() {
		if p := recover(); p != nil {
			rlog.Errorf("panic in callback of task %s (%s): %v\n%s", id, kind, p, debug.Stack())
		}
	}()
	dropped(callbacks)
}

func dropped(callbacks Callbacks) {
	if callbacks.OnDropped != nil {
		callbacks.OnDropped()
	}
}

func succeed(callbacks Callbacks, res Result) {
	if callbacks.OnSuccess != nil {
		callbacks.OnSuccess(res)
	}
}

// fail calls OnError. If there is no OnError, OnSuccess is called with an empty result,
// so the caller can show a fallback.
func fail(id string, callbacks Callbacks, err error) {
	switch {
	case callbacks.OnError != nil:
		callbacks.OnError(err)
	case callbacks.OnSuccess != nil:
		callbacks.OnSuccess(Result{ID: id})
	}
}

// StopAll cancels all tasks and waits for them to stop. No callbacks are called after
// StopAll returns, unless a task didn't stop even after force stop.
func (o *Orchestrator) StopAll() {
	var wg sync.WaitGroup
	for kind, s := range o.slots {
		wg.Add(1)
		go func() {
			defer wg.Done()

			s.submitMu.Lock()
			defer s.submitMu.Unlock()

			if !o.stopSlot(s, kind) {
				rlog.Errorf("couldn't stop %s task", kind)
			}
		}()
	}
	wg.Wait()
}

// Shutdown stops all tasks with respect of the passed context.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.StopAll()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// IsRunning reports whether a task of the passed kind is running.
func (o *Orchestrator) IsRunning(kind rpreview.Kind) bool {
	s, ok := o.slots[kind]
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.task != nil && !s.task.State().IsTerminal()
}

// PageCount returns the number of pages of a document or 0 if the document can't be opened.
func (o *Orchestrator) PageCount(path string) int {
	return o.renderer.PageCount(path)
}

// RenderPageSync renders a page in the current goroutine.
func (o *Orchestrator) RenderPageSync(path string, size rpreview.Size, page int) (*image.NRGBA, error) {
	return validate(o.renderer.RenderPage(path, size, page))
}

// RenderThumbnailSync renders a page thumbnail in the current goroutine.
func (o *Orchestrator) RenderThumbnailSync(path string, page int, size rpreview.Size) (*image.NRGBA, error) {
	return validate(o.renderer.RenderThumbnail(path, page, size))
}

// QuicklookImage renders a preview of any supported file in the current goroutine:
// images and text files are rendered directly, word-processing documents are converted
// first, and the first page of pdf-like documents is rendered. If the preview can't be
// produced, the icon provider is used.
func (o *Orchestrator) QuicklookImage(path string, size rpreview.Size) (*image.NRGBA, error) {
	img, err := validate(o.quicklook(path, size))
	if err == nil {
		return img, nil
	}
	rlog.Debugf("couldn't render quicklook image for %q: %s", path, err)

	if o.icons == nil {
		return nil, err
	}

	icon, iconErr := validate(o.icons.Icon(path, size))
	if iconErr != nil {
		return nil, fmt.Errorf("couldn't get icon: %w, original error: %w", iconErr, err)
	}
	return icon, nil
}

func (o *Orchestrator) quicklook(path string, size rpreview.Size) (*image.NRGBA, error) {
	category := o.extensions.Classify(path)
	if category == rpreview.CategoryUnsupported {
		return nil, fmt.Errorf("%w: %q", rpreview.ErrUnsupportedFile, path)
	}
	if err := rpreview.CheckSource(path); err != nil {
		return nil, err
	}

	switch category {
	case rpreview.CategoryImage:
		return o.renderer.RenderImage(path, size)

	case rpreview.CategoryText:
		return o.renderer.RenderText(path, size)

	case rpreview.CategoryPDFLike:
		docPath := path
		if o.extensions.IsWordProcessing(path) {
			var err error
			docPath, err = o.converter.Convert(context.Background(), path)
			if err != nil {
				return nil, err
			}
		}
		return o.renderer.RenderPage(docPath, size, 0)

	default:
		return nil, fmt.Errorf("%w: %q", rpreview.ErrUnsupportedFile, path)
	}
}

func validate(img *image.NRGBA, err error) (*image.NRGBA, error) {
	if err != nil {
		return nil, err
	}
	if !rpreview.IsValidImage(img) {
		return nil, rpreview.ErrInvalidImage
	}
	return img, nil
}
