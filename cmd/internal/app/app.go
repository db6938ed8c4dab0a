// Package app wires the relay server runtime: config, logging, backends, HTTP routes and the
// websocket gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"roomrelay/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

// App is the relay server runtime: it owns the backends, the HTTP server wiring and the gateway.
type App struct {
	cfg Config
	log Logger

	backends *Backends
	registry *prometheus.Registry

	ws  *realtime.WSGateway
	api *realtime.APIHandler
}

// New constructs a fully wired App from config and logger. The caller must Run or Close it.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	backends, err := OpenBackends(ctx, cfg, log, reg)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log)
	ws := realtime.NewWSGateway(log, backends.Relay, backends.Directory, hub, cfg.WS)

	return &App{
		cfg:      cfg,
		log:      log,
		backends: backends,
		registry: reg,
		ws:       ws,
		api:      realtime.NewAPIHandler(log, backends.Relay, hub, backends.Directory),
	}, nil
}

// Handler returns the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.backends, a.ws, a.api,
		promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
// Backends are closed before Run returns.
func (a *App) Run(ctx context.Context) error {
	// Websocket handlers run on hijacked connections that Shutdown does not wait for; canceling the
	// base context tells them to close, Wait then drains them.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "store", a.backends.StoreKind, "broker", a.backends.BrokerKind)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		runErr = errors.Join(runErr, err)
	}
	cancelBase()
	if err := a.ws.Wait(shutdownCtx); err != nil {
		a.log.Warn("server.ws.drain.fail", "err", err)
	}

	if err := a.Close(); err != nil {
		a.log.Error("backends.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// Close releases the backends. Run calls it on the way out.
func (a *App) Close() error {
	return a.backends.Close()
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
