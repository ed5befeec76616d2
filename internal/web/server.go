package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/faceauth/internal/session"
	"github.com/andresmejia3/faceauth/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const maxFrameBytes = 16 << 20

// CameraSource is a server-side frame source that must be released after use.
type CameraSource interface {
	session.FrameSource
	Close() error
}

// CameraOpener opens the server camera for one session.
type CameraOpener func(ctx context.Context) (CameraSource, error)

type Options struct {
	// FrameScale downsizes uploaded frames before detection; 1 keeps them as is.
	FrameScale float64
	// Camera, when set, drives every started session from the server camera.
	Camera CameraOpener
}

// Server is the HTTP binding of the session controller.
type Server struct {
	manager    *session.Manager
	store      store.EnrollmentStore
	opts       Options
	logger     *slog.Logger
	router     *chi.Mux
	httpServer *http.Server

	frameIndex atomic.Int64
	baseCtx    context.Context
	stop       context.CancelFunc
}

func NewServer(addr string, mgr *session.Manager, st store.EnrollmentStore, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FrameScale <= 0 {
		opts.FrameScale = 1
	}
	r := chi.NewRouter()
	ctx, stop := context.WithCancel(context.Background())

	s := &Server{
		manager: mgr,
		store:   st,
		opts:    opts,
		logger:  logger,
		router:  r,
		baseCtx: ctx,
		stop:    stop,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(s.requestLogger)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: event streams stay open for the whole session.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops camera-driven sessions and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	s.stop()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}
