package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/andresmejia3/castfinder/internal/logging"
	"github.com/andresmejia3/castfinder/internal/tmdb"
	"github.com/andresmejia3/castfinder/internal/types"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	defaultMaxUploadBytes = 2 << 30
	defaultMaxConcurrent  = 1
)

// AnalyzeFunc runs the recognition pipeline on videoPath and writes annotated frames
// to outputDir.
type AnalyzeFunc func(ctx context.Context, videoPath, outputDir string) (types.VideoAnalysis, error)

// MovieLookup finds the films shared by a set of recognised identities.
type MovieLookup interface {
	SharedMovies(ctx context.Context, identities []string) ([]tmdb.Actor, []string, error)
}

// Fetcher downloads a remote video into dir.
type Fetcher interface {
	Download(ctx context.Context, rawURL, dir string) (string, error)
}

// Config holds the web layer settings.
type Config struct {
	Addr           string
	UploadDir      string
	ResultsDir     string
	MaxUploadBytes int64
	MaxConcurrent  int // analyses running at once; extra requests queue
}

// Deps are the collaborators the handlers call into. Movies and Fetcher are optional.
type Deps struct {
	Analyze AnalyzeFunc
	Movies  MovieLookup
	Fetcher Fetcher
	Logger  *slog.Logger
}

// Server represents the web server
type Server struct {
	cfg        Config
	deps       Deps
	logger     *slog.Logger
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer creates a new web server
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}

	r := chi.NewRouter()
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logging.Component(deps.Logger, "web"),
		router: r,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     r,
		ReadTimeout: 5 * time.Minute, // uploads
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.health)
	s.router.With(chiMiddleware.ThrottleBacklog(s.cfg.MaxConcurrent, 16, 30*time.Minute)).
		Post("/analyze", s.analyze)
	s.router.Get("/results/{run}/{file}", s.result)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting web server", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", chiMiddleware.GetReqID(r.Context())))
	})
}
