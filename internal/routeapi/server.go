// Package routeapi serves read-only lookups over terminals, pings and
// computed routes.
package routeapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/ph2708/sync-apis/internal/config"
	"github.com/ph2708/sync-apis/internal/metrics"
	"github.com/ph2708/sync-apis/internal/models"
)

// Store is what the API reads
type Store interface {
	Terminals(ctx context.Context) ([]models.Terminal, error)
	Route(ctx context.Context, plate string, day time.Time) (*models.Route, error)
	Routes(ctx context.Context, plate string, first, last time.Time) ([]models.Route, error)
	DayPings(ctx context.Context, plate string, start, end time.Time) ([]models.Position, error)
}

type Server struct {
	cfg     config.Config
	store   Store
	metrics *metrics.Registry
	loc     *time.Location
	now     func() time.Time
}

func New(cfg config.Config, store Store, reg *metrics.Registry) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		metrics: reg,
		loc:     cfg.Location(),
		now:     time.Now,
	}
}

// Router builds the chi router with every endpoint mounted
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if s.cfg.Api.BasicAuth {
			userdb := make(map[string]string)
			for _, v := range s.cfg.Api.Users {
				userdb[v.User] = v.Password
			}
			r.Use(middleware.BasicAuth(s.cfg.Api.ServerName, userdb))
		}

		r.Route("/terminal", func(r chi.Router) {
			r.Mount("/", s.apiTerminalRouter())
		})

		r.Route("/route", func(r chi.Router) {
			r.Mount("/", s.apiRouteRouter())
		})

		r.Route("/position", func(r chi.Router) {
			r.Mount("/", s.apiPositionRouter())
		})
	})

	return r
}

func (s *Server) Run() error {
	log.Printf("routeapi: listening on %s", s.cfg.Api.Listen)

	// Start HTTP Handler
	return http.ListenAndServe(s.cfg.Api.Listen, s.Router())
}
