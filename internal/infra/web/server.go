package web

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"command-codes/internal/domain/model"
	"command-codes/internal/domain/ports/adapter"
	"command-codes/internal/infra/worker"
	"command-codes/internal/usecase"
)

// Registry is the code registry surface the admin API drives.
type Registry interface {
	GenerateBatch(ctx context.Context, payload string, usesAllowed, count int) ([]*model.Code, error)
	Lookup(token string) (*model.Code, error)
	ActiveCodes() []*model.Code
	SpentCodes() []*model.Code
	Redeem(ctx context.Context, principal model.PrincipalID, token string) (*model.Code, error)
	Remove(code *model.Code) bool
	Save(ctx context.Context) error
	Stats() usecase.RegistryStats
}

// Dispatcher executes a redeemed payload; Name labels metrics.
type Dispatcher interface {
	adapter.Dispatcher
	Name() string
}

// Submitter queues background work (a *worker.Pool in production).
type Submitter interface {
	Submit(task worker.Task) error
}

type Options struct {
	APIKey         string
	Auth           *AuthManager // nil disables JWT sessions
	DefaultUses    int
	UUIDPrincipals bool
}

type Server struct {
	reg            Registry
	disp           Dispatcher
	tasks          Submitter
	limiter        adapter.RateLimiter
	auth           *AuthManager
	apiKey         string
	defaultUses    int
	uuidPrincipals bool
	log            *zerolog.Logger
}

func NewServer(reg Registry, disp Dispatcher, tasks Submitter, limiter adapter.RateLimiter, opts Options, logger *zerolog.Logger) *Server {
	if opts.DefaultUses < 1 {
		opts.DefaultUses = 1
	}
	l := logger.With().Str("component", "AdminAPI").Logger()
	return &Server{
		reg:            reg,
		disp:           disp,
		tasks:          tasks,
		limiter:        limiter,
		auth:           opts.Auth,
		apiKey:         opts.APIKey,
		defaultUses:    opts.DefaultUses,
		uuidPrincipals: opts.UUIDPrincipals,
		log:            &l,
	}
}

// Router builds the chi router with middleware and all routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(TraceID, RequestLog(s.log), Recover(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/token", s.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(s.RequireAdmin)
			r.Get("/stats", s.handleStats)
			r.Post("/codes", s.handleGenerate)
			r.Get("/codes", s.handleList)
			r.Get("/codes/{token}", s.handleGet)
			r.Delete("/codes/{token}", s.handleDelete)
			r.Post("/codes/{token}/redeem", s.handleRedeem)
			r.Post("/admin/flush", s.handleFlush)
		})
	})
	return r
}
