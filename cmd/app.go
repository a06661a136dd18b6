package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShoshinNikita/rpreview/converter"
	"github.com/ShoshinNikita/rpreview/history"
	"github.com/ShoshinNikita/rpreview/pkg/rlog"
	"github.com/ShoshinNikita/rpreview/preview"
	"github.com/ShoshinNikita/rpreview/renderer"
	"github.com/ShoshinNikita/rpreview/rpreview"
)

type App struct {
	cfg        rpreview.Config
	extensions rpreview.ExtensionTable

	renderer     *renderer.Renderer
	converter    *converter.Converter
	orchestrator *preview.Orchestrator

	history       *history.Store
	metricsServer *MetricsServer
}

func NewApp(cfg rpreview.Config) *App {
	return &App{
		cfg:        cfg,
		extensions: rpreview.DefaultExtensionTable(),
	}
}

func (a *App) Prepare() (err error) {
	if err := os.MkdirAll(a.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("couldn't create app data dir %q: %w", a.cfg.Dir, err)
	}

	// Converter
	if err := converter.CheckDeps(a.cfg.ConverterBinary); err != nil {
		rlog.Warnf("word-processing documents won't be converted: %s", err)
	}
	a.converter, err = converter.NewConverter(converter.Options{
		Dir:        filepath.Join(a.cfg.Dir, "converted"),
		MaxSize:    a.cfg.ConverterCacheSize.Bytes(),
		Binary:     a.cfg.ConverterBinary,
		Timeout:    a.cfg.ConvertTimeout,
		Extensions: a.extensions,
	})
	if err != nil {
		return fmt.Errorf("couldn't prepare converter: %w", err)
	}

	// Renderer
	a.renderer = renderer.NewRenderer(a.cfg.DevicePixelRatio)

	// Orchestrator
	a.orchestrator = preview.NewOrchestrator(a.renderer, a.converter, a.extensions, preview.Options{
		CancelTimeout: a.cfg.CancelTimeout,
		Icons:         NewIconProvider(),
	})

	// History
	if a.cfg.HistoryEnabled {
		a.history, err = history.Open(a.cfg.Dir)
		if err != nil {
			return fmt.Errorf("couldn't open history: %w", err)
		}
	} else {
		rlog.Debug("history is disabled")
	}

	// Metrics
	if a.cfg.MetricsAddr != "" {
		a.metricsServer = NewMetricsServer(a.cfg.MetricsAddr)
		go func() {
			if err := a.metricsServer.Start(); err != nil {
				rlog.Errorf("metrics server error: %s", err)
			}
		}()
	}

	return nil
}

// record adds a history entry. Errors are only logged.
func (a *App) record(ctx context.Context, path string, action history.Action) {
	if a.history == nil {
		return
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if _, err := a.history.Record(ctx, absPath, action); err != nil {
		rlog.Errorf("couldn't record %s of %q: %s", action, path, err)
	}
}

// Shutdown shutdowns all components. It is safe to call this method even if Prepare has failed.
func (a *App) Shutdown(ctx context.Context) error {
	var failed int
	for _, v := range []struct {
		name string
		s    shutdowner
	}{
		{"orchestrator", a.orchestrator},
		{"metrics server", a.metricsServer},
		{"history", a.history},
	} {
		err := safeShutdown(ctx, v.s)
		if err != nil {
			rlog.Errorf("couldn't gracefully shutdown %s: %s", v.name, err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("couldn't gracefully shutdown %d component(s), see logs for more info", failed)
	}
	return nil
}

type shutdowner interface {
	Shutdown(context.Context) error
}

// safeShutdown calls Shutdown method only on initialized components.
func safeShutdown(ctx context.Context, s shutdowner) error {
	v := reflect.ValueOf(s)
	if !v.IsValid() || v.IsNil() {
		return nil
	}
	return s.Shutdown(ctx)
}

type MetricsServer struct {
	httpServer *http.Server
}

func NewMetricsServer(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/debug/metrics", promhttp.Handler())

	return &MetricsServer{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (s *MetricsServer) Start() error {
	rlog.Infof("start metrics server on %q", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
