package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ventisec/ventiscan/pkg/auth"
	"github.com/ventisec/ventiscan/pkg/config"
	"github.com/ventisec/ventiscan/pkg/events"
	"github.com/ventisec/ventiscan/pkg/log"
	"github.com/ventisec/ventiscan/pkg/merge"
	"github.com/ventisec/ventiscan/pkg/metrics"
	"github.com/ventisec/ventiscan/pkg/partition"
	"github.com/ventisec/ventiscan/pkg/queue"
	"github.com/ventisec/ventiscan/pkg/ratelimit"
	"github.com/ventisec/ventiscan/pkg/registry"
	"github.com/ventisec/ventiscan/pkg/safety"
	"github.com/ventisec/ventiscan/pkg/scan"
	"github.com/ventisec/ventiscan/pkg/specstore"
	"github.com/ventisec/ventiscan/pkg/types"
)

// maxBodyBytes caps any request body. Spec uploads fit comfortably; the
// spec store applies its own tighter cap afterwards.
const maxBodyBytes = 12 << 20

type ctxKey int

const principalKey ctxKey = 0

// Server is the HTTP control plane.
type Server struct {
	cfg       *config.Config
	auth      *auth.Service
	limiter   *ratelimit.Limiter
	validator *safety.Validator
	specs     *specstore.Store
	planner   *partition.Planner
	scans     *scan.Registry
	queue     *queue.Queue
	profiles  *registry.Registry
	merger    *merge.Merger
	broker    *events.Broker
	router    chi.Router
}

// NewServer wires the control plane together.
func NewServer(cfg *config.Config, authSvc *auth.Service, limiter *ratelimit.Limiter, validator *safety.Validator, specs *specstore.Store, planner *partition.Planner, scans *scan.Registry, q *queue.Queue, profiles *registry.Registry, merger *merge.Merger, broker *events.Broker) *Server {
	s := &Server{
		cfg:       cfg,
		auth:      authSvc,
		limiter:   limiter,
		validator: validator,
		specs:     specs,
		planner:   planner,
		scans:     scans,
		queue:     q,
		profiles:  profiles,
		merger:    merger,
		broker:    broker,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.requestMetrics)
	r.Use(s.limitBody)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimitDefault)

		r.Get("/scanners", s.handleListScanners)

		r.Post("/scans", s.handleStartScan)
		r.Get("/scans", s.handleListScans)
		r.Get("/scans/{id}", s.handleGetScan)
		r.Get("/scans/{id}/findings", s.handleGetFindings)
		r.Post("/scans/{id}/cancel", s.handleCancelScan)
		r.Delete("/scans/{id}", s.handleDeleteScan)

		r.Post("/principals", s.handleCreatePrincipal)
		r.Delete("/principals/{login}", s.handleDeletePrincipal)
	})

	return r
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("api").Info().Str("addr", s.cfg.ListenAddr).Msg("control API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// recoverer turns handler panics into opaque 500s.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithComponent("api").Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panic")
				writeError(w, types.ErrInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestMetrics records per-route counters and latency.
func (s *Server) requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		route = r.Method + " " + route
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the bearer token into a live principal.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, types.ErrInvalidToken)
			return
		}
		p, err := s.auth.Verify(token)
		if err != nil {
			s.broker.Publish(&events.Event{
				Type:    events.EventAuthDenied,
				Message: "bearer token rejected",
				Metadata: map[string]string{
					"remote": clientIP(r),
					"path":   r.URL.Path,
				},
			})
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// rateLimitDefault applies the catch-all per-principal bucket. Endpoint
// specific buckets (start-scan, upload) are checked in their handlers.
func (s *Server) rateLimitDefault(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r)
		ok, retryAfter := s.limiter.Allow(ratelimit.BucketDefault, p.ID)
		if !ok {
			s.publishRateLimited(ratelimit.BucketDefault, p.Login, r)
			writeRateLimited(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) publishRateLimited(bucket, principal string, r *http.Request) {
	s.broker.Publish(&events.Event{
		Type:      events.EventRateLimited,
		Principal: principal,
		Message:   "request rate limited",
		Metadata: map[string]string{
			"bucket": bucket,
			"remote": clientIP(r),
		},
	})
}

func principalFrom(r *http.Request) *types.Principal {
	p, _ := r.Context().Value(principalKey).(*types.Principal)
	return p
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
