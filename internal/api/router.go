package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"autorun/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	svc        *service.Service
	mcpHandler http.Handler
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server. mcpHandler, when non-nil, is
// mounted at /mcp behind the same authentication as the API.
func NewServer(addr, authToken string, svc *service.Service, mcpHandler http.Handler, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		svc:        svc,
		mcpHandler: mcpHandler,
		logger:     logger,
		authToken:  authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	if s.mcpHandler != nil {
		var mcpHandler http.Handler = s.mcpHandler
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Get("/status", s.handleStatus)
		r.Post("/reload", s.handleReload)
		r.Get("/rejections", s.handleRejections)
		r.Post("/cron/preview", s.handleCronPreview)
		r.Post("/history/prune", s.handlePrune)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/run", s.handleRunTask)
				r.Get("/runs", s.handleListRuns)
				r.Get("/stats", s.handleTaskStats)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/running", s.handleRunning)
			r.Get("/{executionID}", s.handleGetRun)
			r.Get("/{executionID}/log", s.handleRunLog)
		})
	})
}
