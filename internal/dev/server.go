package dev

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/d-osc/elit-sub004/internal/config"
	"github.com/d-osc/elit-sub004/pkg/server"
	"github.com/d-osc/elit-sub004/pkg/state"
)

// ServerOptions configures the development server.
type ServerOptions struct {
	// Config is the project configuration.
	Config *config.Config

	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger

	// Registry receives the sync server's metrics. When nil, metrics
	// use the default Prometheus registry.
	Registry *prometheus.Registry

	// OnReload is called after each reload broadcast with the number
	// of clients notified.
	OnReload func(clients int)
}

// Server is the development server: one HTTP listener carrying the
// sync endpoint, static files, health, and metrics, plus the file
// watcher feeding reload notifications into the shared connection.
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	store    *state.Store
	sync     *server.Server
	watcher  *Watcher
	notifier *Notifier
	registry *prometheus.Registry
	onReload func(clients int)

	httpServer *http.Server
}

// NewServer wires a development server from the project configuration.
func NewServer(options ServerOptions) *Server {
	cfg := options.Config
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metricsOpts := []server.MetricsOption{}
	if options.Registry != nil {
		metricsOpts = append(metricsOpts, server.WithRegistry(options.Registry))
	}
	metrics := server.NewMetrics(metricsOpts...)

	store := state.NewStore(
		state.WithLogger(logger),
		state.WithBroadcastObserver(metrics),
	)
	syncServer := server.New(store,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
	)

	watcher := NewWatcher(WatcherConfig{
		Paths:    cfg.WatchPaths(),
		Ignore:   cfg.Watch.Ignore,
		Debounce: cfg.Debounce(),
	})

	s := &Server{
		config:   cfg,
		logger:   logger,
		store:    store,
		sync:     syncServer,
		watcher:  watcher,
		notifier: NewNotifier(syncServer, logger),
		registry: options.Registry,
		onReload: options.OnReload,
	}
	watcher.OnChange(s.handleChange)
	return s
}

// Store returns the server-side state store, for registering keys and
// validators before Run.
func (s *Server) Store() *state.Store {
	return s.store
}

// Sync returns the underlying sync server.
func (s *Server) Sync() *server.Server {
	return s.sync
}

// Notifier returns the file-watch notifier, for manual broadcasts.
func (s *Server) Notifier() *Notifier {
	return s.notifier
}

// Handler builds the dev server's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(s.config.SyncPath, s.sync.ServeHTTP)
	r.Get("/_elit/client.js", s.serveClientScript)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	fileServer := http.FileServer(http.Dir(s.config.StaticDir()))
	prefix := s.config.Static.Prefix
	if prefix == "/" {
		r.Handle("/*", fileServer)
	} else {
		r.Handle(prefix+"*", http.StripPrefix(prefix, fileServer))
	}
	return r
}

// Run serves until the context is cancelled, then shuts down
// gracefully. The watcher runs alongside the listener.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.config.Address(),
		Handler: s.Handler(),
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if len(s.watcher.config.Paths) > 0 {
		go s.watcher.Start(watchCtx)
	}

	s.logger.Info("dev server listening",
		"addr", s.httpServer.Addr,
		"sync", s.config.SyncPath,
		"watching", s.watcher.config.Paths,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.sync.Close()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleChange(change Change) {
	s.logger.Debug("file changed", "path", change.Path, "kind", change.Kind)
	s.notifier.HandleChange(change)
	if change.Kind == KindReload && s.onReload != nil {
		s.onReload(s.sync.ConnCount())
	}
}

func (s *Server) serveClientScript(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	script := strings.ReplaceAll(clientScript, "%SYNC_PATH%", s.config.SyncPath)
	w.Write([]byte(script))
}

// clientScript is the browser-side companion served at
// /_elit/client.js. It mirrors the Go client's behavior: one socket,
// in-place stylesheet swaps for update messages, a full reload for
// reload messages, and an error overlay for error messages.
const clientScript = `(function() {
    'use strict';

    var reconnectDelay = 1000;
    var ws = null;

    function connect() {
        ws = new WebSocket('ws://' + location.host + '%SYNC_PATH%');

        ws.onopen = function() {
            console.log('[elit] connected');
            clearErrorOverlay();
        };

        ws.onmessage = function(e) {
            var msg;
            try {
                msg = JSON.parse(e.data);
            } catch (err) {
                return;
            }

            switch (msg.type) {
                case 'reload':
                    location.reload();
                    break;
                case 'update':
                    swapStylesheets();
                    break;
                case 'error':
                    showErrorOverlay(msg.error);
                    break;
            }
        };

        ws.onclose = function() {
            setTimeout(connect, reconnectDelay);
        };

        ws.onerror = function() {
            ws.close();
        };
    }

    function swapStylesheets() {
        document.querySelectorAll('link[rel="stylesheet"]').forEach(function(link) {
            var url = new URL(link.href);
            url.searchParams.set('_elit', Date.now());
            link.href = url.toString();
        });
    }

    function showErrorOverlay(error) {
        clearErrorOverlay();
        var overlay = document.createElement('div');
        overlay.id = 'elit-error-overlay';
        overlay.style.cssText = 'position:fixed;inset:0;background:rgba(0,0,0,0.9);color:#fff;font-family:monospace;padding:20px;overflow:auto;z-index:999999;';
        var pre = document.createElement('pre');
        pre.style.cssText = 'white-space:pre-wrap;background:#1a1a1a;padding:20px;border-radius:8px;';
        pre.textContent = error;
        overlay.appendChild(pre);
        document.body.appendChild(overlay);
    }

    function clearErrorOverlay() {
        var overlay = document.getElementById('elit-error-overlay');
        if (overlay) {
            overlay.remove();
        }
    }

    if (document.readyState === 'loading') {
        document.addEventListener('DOMContentLoaded', connect);
    } else {
        connect();
    }
})();
`
