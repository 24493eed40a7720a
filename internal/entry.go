// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/starford/verdant/internal/api"
	"github.com/starford/verdant/internal/assets"
	"github.com/starford/verdant/internal/cache"
	"github.com/starford/verdant/internal/importer"
	"github.com/starford/verdant/internal/mcpserver"
	"github.com/starford/verdant/internal/models"
	"github.com/starford/verdant/internal/recordservice"
	"github.com/starford/verdant/internal/schema"
	"github.com/starford/verdant/internal/sse"
	"github.com/starford/verdant/internal/storage"
	"github.com/starford/verdant/internal/store"
)

// runtime holds the components shared by every command.
type runtime struct {
	cfg      *Config
	logger   *slog.Logger
	db       *store.DB
	assets   storage.AssetStore
	files    *storage.FS // nil unless the fs driver is used
	svc      *recordservice.Service
	lists    *cache.Set
	importer *importer.Importer // nil when content import is off

	listeners []recordservice.EventCallback
	closers   []func() error
}

// setup builds the logger, record store, asset store, service and importer.
func (app *application) setup(ctx context.Context) (*runtime, error) {
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := app.config
	if app.watch != nil {
		cfg.Content.Watch = *app.watch
	}

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("assets_driver", cfg.Assets.Driver),
		slog.String("content_path", cfg.Content.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	rt := &runtime{cfg: cfg, logger: logger}

	reg, err := schema.Load()
	if err != nil {
		return nil, fmt.Errorf("load kind manifests: %w", err)
	}

	// Initialize SQLite record store.
	rt.db, err = store.Open(cfg.SQLite.Path, reg, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	rt.closers = append(rt.closers, rt.db.Close)

	// Initialize asset storage.
	switch cfg.Assets.Driver {
	case AssetDriverGCS:
		g, err := storage.NewGCS(ctx, storage.GCSConfig{
			Bucket:        cfg.Assets.GCS.Bucket,
			EmulatorHost:  cfg.Assets.GCS.EmulatorHost,
			PublicBaseURL: cfg.Assets.GCS.PublicBaseURL,
		})
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("init asset storage: %w", err)
		}
		rt.assets = g
		rt.closers = append(rt.closers, g.Close)
	default:
		baseURL := cfg.Assets.FS.BaseURL
		if baseURL == "" {
			baseURL = "/assets"
		}
		fs, err := storage.NewFS(cfg.Assets.FS.Root, baseURL)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("init asset storage: %w", err)
		}
		rt.assets, rt.files = fs, fs
	}

	ext := assets.New(rt.assets, cfg.Assets.Namespace, assets.WithLogger(logger))
	rt.svc = recordservice.New(rt.db, ext, reg,
		recordservice.WithLogger(logger),
		recordservice.WithEventCallback(rt.dispatch),
	)
	rt.lists = cache.NewSet(rt.svc, models.ListQuery{}, logger)
	rt.listeners = append(rt.listeners, func(_ string, kind models.Kind, _ string) {
		rt.lists.Invalidate(kind)
	})

	if cfg.Content.Enabled() {
		if err := os.MkdirAll(cfg.Content.Path, 0o755); err != nil {
			rt.close()
			return nil, fmt.Errorf("create content dir: %w", err)
		}
		rt.importer = importer.New(cfg.Content.Path, rt.svc, rt.db, logger)
	}
	return rt, nil
}

// dispatch fans a record event out to every listener.
func (rt *runtime) dispatch(action string, kind models.Kind, id string) {
	for _, l := range rt.listeners {
		l(action, kind, id)
	}
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}

// syncContent runs one import pass if content import is configured.
func (rt *runtime) syncContent(ctx context.Context) (importer.Stats, error) {
	if rt.importer == nil {
		return importer.Stats{}, nil
	}
	st, err := rt.importer.Sync(ctx)
	if err != nil {
		return st, err
	}
	rt.logger.Info("Content imported",
		slog.Int("applied", st.Applied),
		slog.Int("unchanged", st.Unchanged),
		slog.Int("failed", st.Failed),
		slog.Int("forgotten", st.Forgotten))
	return st, nil
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	rt, err := app.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	cfg, logger := rt.cfg, rt.logger

	// Run initial import.
	if _, err := rt.syncContent(ctx); err != nil {
		logger.Warn("initial import failed", slog.String("error", err.Error()))
	}

	// SSE broker.
	broker := sse.NewBroker(cfg.App.ListThrottle)
	defer broker.Close()
	rt.listeners = append(rt.listeners, func(action string, kind models.Kind, id string) {
		broker.PublishRecordEvent(action, string(kind), id)
	})
	// Optimistic edits made through MCP show up before they are stored.
	rt.lists.Subscribe(func(tr cache.Transition) {
		broker.Publish(sse.CacheEvent(string(tr.Kind), tr.ID, tr.State.String()))
	})

	// Build API router.
	ah := api.NewAssetHandler(rt.assets, rt.files)
	apiRouter := api.NewRouter(rt.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker, ah)
	mcpSrv := mcpserver.New(rt.svc, rt.lists)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := rt.db.Ping(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	// Stored assets (unauthenticated, like any public image URL).
	if rt.files != nil {
		r.Get("/assets/*", ah.ServeFile)
	}

	// MCP over streamable HTTP, behind the same auth as the API.
	r.With(api.AuthMiddleware(cfg.Auth.AuthEnabled(), cfg.Auth.Token)).
		Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv.MCPServer()))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Watch the content directory.
	if rt.importer != nil && cfg.Content.Watch {
		g.Go(func() error {
			if err := rt.importer.Watch(gCtx); err != nil {
				logger.Error("content watcher failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the watcher stops with the server.
var errShutdown = errors.New("shutdown")

// Import runs one content import pass and returns.
func Import(ctx context.Context, opts ...Option) (importer.Stats, error) {
	app := newApplication(opts)
	rt, err := app.setup(ctx)
	if err != nil {
		return importer.Stats{}, err
	}
	defer rt.close()
	if rt.importer == nil {
		return importer.Stats{}, fmt.Errorf("content.path is not configured")
	}
	return rt.syncContent(ctx)
}

// ServeMCP serves the MCP tools on stdin/stdout until stdin closes.
func ServeMCP(ctx context.Context, opts ...Option) error {
	app := newApplication(append([]Option{WithLogOutput(os.Stderr)}, opts...))
	rt, err := app.setup(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	rt.logger.Info("MCP server starting on stdio")
	return mcpserver.New(rt.svc, rt.lists).ServeStdio()
}
