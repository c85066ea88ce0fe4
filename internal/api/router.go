// Package api serves the primary's HTTP surface: the query and
// registration endpoints under /api/v1, health, metrics, and the worker IPC
// endpoint.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dreamware/signalhub/internal/cluster"
	"github.com/dreamware/signalhub/internal/logging"
	"github.com/dreamware/signalhub/internal/state"
)

// Service is the primary's state and workflow, as seen by the API. Every
// call runs on the primary's event loop.
type Service interface {
	UserStatus(ctx context.Context, username string) (bool, error)
	Users(ctx context.Context) ([]*state.UserContext, error)
	Groups(ctx context.Context) ([]*state.GroupContext, error)
	Group(ctx context.Context, name string) (*state.GroupContext, error)
	RegisterUser(ctx context.Context, id state.ConnectionID, username string) (*state.UserContext, error)
	DeregisterUser(ctx context.Context, username string) error
	JoinGroup(ctx context.Context, username, group string) error
	LeaveGroup(ctx context.Context, username, group string) error
	Snapshot(ctx context.Context) (state.Snapshot, error)
}

// Options configures NewRouter.
type Options struct {
	AllowedOrigins []string
	// Workers lists attached workers with their health.
	Workers func() []cluster.WorkerStatus
	// IPC, when set, is mounted at /ipc for worker links.
	IPC http.Handler
}

// NewRouter creates and configures the HTTP router.
func NewRouter(opts Options, svc Service, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Connection-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := &Handler{svc: svc, workers: opts.Workers, log: logging.Component(logger, "api")}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	if opts.IPC != nil {
		r.Handle("/ipc", opts.IPC)
	}

	r.Route(cluster.APIPrefix, func(r chi.Router) {
		r.Get("/users/status/{username}", h.UserStatus)
		r.Get("/users/active", h.ActiveUsers)
		r.Post("/users/register", h.RegisterUser)
		r.Get("/groups/users/active", h.ActiveGroups)
		r.Post("/groups/register", h.RegisterGroup)
		r.Get("/context", h.Context)
		r.Get("/workers", h.Workers)
	})

	return r
}
