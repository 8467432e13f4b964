package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"shipdeck/internal/config"
	"shipdeck/internal/history"
	"shipdeck/internal/model"
	"shipdeck/internal/refresh"
	"shipdeck/internal/state"
	"shipdeck/internal/storefront"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// HTTP server timeouts. No write timeout: the event stream is a
	// long-lived response.
	HTTPReadTimeout = 10 * time.Second
	HTTPIdleTimeout = 120 * time.Second

	// Request timeout for middleware on the JSON routes
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute per IP on action routes
	ActionRateLimit = 30

	// SSEHeartbeat keeps idle event streams alive through proxies
	SSEHeartbeat = 25 * time.Second
)

// Refresher is the engine surface the HTTP layer drives.
type Refresher interface {
	Refresh(ctx context.Context, full bool) (*model.State, error)
	ProjectRolloutDetail(ctx context.Context, projectID string) (*refresh.RolloutDetail, error)
}

// BuildTrigger queues a parameterized CI build.
type BuildTrigger interface {
	TriggerBuild(ctx context.Context, jobName string, params map[string]string) error
}

// ActivityLog is the audit surface the HTTP layer reads and writes.
type ActivityLog interface {
	RecordAction(ctx context.Context, record *history.ActionRecord) (int64, error)
	RecentActivity(ctx context.Context, limit int) (*history.Activity, error)
	ProjectActions(ctx context.Context, project string, limit int) ([]history.ActionRecord, error)
}

// Server represents the HTTP server
type Server struct {
	Owner    *state.Owner
	Engine   Refresher
	CI       BuildTrigger
	Stores   map[model.Platform]storefront.Actions
	History  ActivityLog
	Projects []config.Project
	Logger   *slog.Logger
	TestMode bool

	httpSrv *http.Server
}

// NewServer creates a new server instance. CI, Stores and History are
// optional; the matching action routes fail with 503 when unset.
func NewServer(owner *state.Owner, engine Refresher, projects []config.Project, logger *slog.Logger) *Server {
	return &Server{
		Owner:    owner,
		Engine:   engine,
		Stores:   make(map[model.Platform]storefront.Actions),
		Projects: projects,
		Logger:   logger,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	r.Get("/health", s.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// The event stream must stay outside the request timeout
	r.Get("/api/events", s.HandleEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(RequestTimeout))

		r.Get("/api/state", s.HandleState)
		r.Get("/api/state/{projectID}", s.HandleProjectState)
		r.Get("/api/activity", s.HandleActivity)
		r.Get("/api/rollout/{projectID}", s.HandleRolloutDetail)

		// Action routes carry a stricter per-IP rate limit
		r.Group(func(r chi.Router) {
			if !s.TestMode {
				r.Use(NewActionRateLimitMiddleware(ActionRateLimit, s.Logger))
			}
			r.Post("/api/refresh", s.HandleRefresh)
			r.Post("/api/build/{projectID}", s.HandleBuild)
			r.Post("/api/promote/{projectID}", s.HandlePromote)
			r.Post("/api/rollout/{projectID}", s.HandleRollout)
			r.Post("/api/notes/{projectID}", s.HandleNotes)
		})
	})

	return r
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr)

	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: HTTPReadTimeout,
		IdleTimeout: HTTPIdleTimeout,
	}

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
