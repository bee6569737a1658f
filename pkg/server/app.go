package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"CryptoPull/pkg/config"
	xhttp "CryptoPull/pkg/http"
	applogger "CryptoPull/pkg/logger"
)

// Service is a component with its own start/stop pair, such as the Kafka
// consumer or the job queue.
type Service interface {
	Start() error
	Stop(ctx context.Context) error
}

type runner struct {
	name string
	run  func(ctx context.Context)
}

type service struct {
	name string
	svc  Service
}

type closer struct {
	name  string
	close func() error
}

// App encapsulates the entire application lifecycle. Background loops get
// a shared context that is cancelled on SIGINT/SIGTERM; closers run in
// reverse registration order once every loop has returned.
type App struct {
	cfg        *config.Config
	lgr        *applogger.Logger
	handler    xhttp.Handler
	httpServer *xhttp.Server

	runners  []runner
	services []service
	closers  []closer
}

// Option configures App.
type Option func(*App)

// WithRunner adds a loop that blocks until its context is cancelled.
func WithRunner(name string, run func(ctx context.Context)) Option {
	return func(a *App) { a.runners = append(a.runners, runner{name: name, run: run}) }
}

// WithService adds a component started after the HTTP server and stopped
// before the closers run.
func WithService(name string, svc Service) Option {
	return func(a *App) { a.services = append(a.services, service{name: name, svc: svc}) }
}

// WithCloser adds a resource released at shutdown.
func WithCloser(name string, fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, closer{name: name, close: fn}) }
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, l *applogger.Logger, handler xhttp.Handler, opts ...Option) *App {
	if l == nil {
		l = applogger.NewNop()
	}
	a := &App{cfg: cfg, lgr: l.Component("app"), handler: handler}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply adds options after construction.
func (a *App) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(a)
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext is Run with a caller-owned context.
func (a *App) RunContext(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	metricsPath := ""
	if a.cfg.Metrics.Enabled {
		metricsPath = a.cfg.Metrics.Path
	}
	a.httpServer = xhttp.NewServer(a.handler, a.lgr,
		xhttp.WithHost(a.cfg.Server.Host),
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout),
		xhttp.WithMetricsPath(metricsPath),
		xhttp.WithSlowThreshold(a.cfg.Server.SlowRequest),
		xhttp.WithBodyLimit(a.cfg.Server.BodyLimit),
	)

	var wg sync.WaitGroup
	for _, r := range a.runners {
		wg.Add(1)
		go func(r runner) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					a.lgr.Error("background loop panicked", applogger.String("loop", r.name), applogger.Any("panic", p))
					cancel()
				}
			}()
			r.run(ctx)
			a.lgr.Debug("background loop exited", applogger.String("loop", r.name))
		}(r)
		a.lgr.Info("background loop started", applogger.String("loop", r.name))
	}

	var started []service
	var runErr error
	for _, s := range a.services {
		if err := s.svc.Start(); err != nil {
			runErr = fmt.Errorf("start %s: %w", s.name, err)
			break
		}
		started = append(started, s)
		a.lgr.Info("service started", applogger.String("service", s.name))
	}

	if runErr == nil {
		if err := a.httpServer.Start(); err != nil {
			runErr = fmt.Errorf("start http: %w", err)
		}
	}

	if runErr == nil {
		select {
		case <-ctx.Done():
			a.lgr.Info("shutdown signal received")
		case err := <-a.httpServer.Errors():
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	cancel()
	if err := a.shutdown(started, &wg); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdown stops the HTTP server first so no new commands arrive, then
// joins the loops, stops services and releases resources.
func (a *App) shutdown(started []service, wg *sync.WaitGroup) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.lgr.Info("shutting down", applogger.Duration("timeout", timeout))

	var errs []error
	if err := a.httpServer.Stop(ctx); err != nil {
		errs = append(errs, err)
		a.lgr.Error("http shutdown error", applogger.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("background loops: %w", ctx.Err()))
		a.lgr.Error("background loops did not exit in time")
	}

	for i := len(started) - 1; i >= 0; i-- {
		s := started[i]
		if err := s.svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s.name, err))
			a.lgr.Warn("service stop error", applogger.String("service", s.name), applogger.Error(err))
		}
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			a.lgr.Warn("close error", applogger.String("resource", c.name), applogger.Error(err))
		}
	}

	a.lgr.Info("shutdown complete")
	return errors.Join(errs...)
}
