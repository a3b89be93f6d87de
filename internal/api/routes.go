package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/matthewtrundle/BloomMac-sub009/internal/metrics"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/httputil"
	"github.com/matthewtrundle/BloomMac-sub009/internal/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the settings SetupRoutes needs beyond handlers.
type RouterConfig struct {
	// AdminToken guards /api. Empty disables the check.
	AdminToken     string
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
}

// SetupRoutes configures all HTTP routes.
func SetupRoutes(h *Handlers, hc *HealthChecker, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health and metrics (no auth required)
	r.Get("/health", hc.HandleHealth)
	r.Get("/health/live", hc.HandleLiveness)
	r.Get("/health/ready", hc.HandleReadiness)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// One-click unsubscribe links are signed; no session needed.
	r.Get("/unsubscribe", h.Unsubscribe)

	r.Route("/api", func(r chi.Router) {
		if cfg.AdminToken != "" {
			r.Use(requireToken(cfg.AdminToken))
		} else {
			logger.Warn("[API] ADMIN_TOKEN not set; /api routes are unauthenticated")
		}

		r.Post("/sequences/process", h.ProcessSequences)

		r.Route("/enrollments", func(r chi.Router) {
			r.Post("/trigger", h.TriggerEnrollment)
			r.Post("/{id}/pause", h.PauseEnrollment)
			r.Post("/{id}/resume", h.ResumeEnrollment)
		})
	})

	return r
}

// requireToken accepts "Authorization: Bearer <token>".
func requireToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				httputil.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("[API] request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
