package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bias-lab/biaslab-go/internal/auth"
	"github.com/bias-lab/biaslab-go/internal/ratelimit"
)

// RouterConfig holds everything the HTTP API routes to.
type RouterConfig struct {
	Analyses *AnalysisHandler
	Ops      *OpsHandler
	Auth     *auth.KeyAuth
	Limiter  *ratelimit.Limiter
	// WebSocket serves /ws.
	WebSocket http.HandlerFunc
	// Metrics serves /metrics, usually promhttp.Handler().
	Metrics http.Handler
}

// NewRouter builds the chi router for the public API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)

	rl := cfg.Limiter.Middleware

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("pong"))
	})
	r.Get("/healthz", cfg.Ops.Healthz)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	if cfg.WebSocket != nil {
		r.Get("/ws", cfg.WebSocket)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(cfg.Auth.RequireKey)

		v1.With(rl("analyze")).Post("/analyze", cfg.Analyses.Analyze)
		v1.With(rl("batch")).Post("/analyze/batch", cfg.Analyses.AnalyzeBatch)

		v1.With(rl("analyze")).Post("/jobs", cfg.Analyses.SubmitJob)
		v1.With(rl("api")).Get("/jobs/{id}", cfg.Analyses.GetJob)
		v1.Get("/jobs/{id}/events", cfg.Analyses.JobEvents)

		v1.With(rl("api")).Get("/analyses", cfg.Analyses.ListAnalyses)
		v1.Get("/analyses/stream", cfg.Analyses.StreamAnalyses)
		v1.With(rl("api")).Get("/analyses/{id}", cfg.Analyses.GetAnalysis)
		v1.With(rl("feedback")).Post("/analyses/{id}/feedback", cfg.Analyses.SubmitFeedback)
	})

	r.Route("/api/ops", func(ops chi.Router) {
		ops.Use(cfg.Auth.RequireKey)

		ops.Group(func(g chi.Router) {
			g.Use(rl("api"))
			g.Get("/metrics", cfg.Ops.Metrics)
			g.Get("/performance", cfg.Ops.Performance)
			g.Get("/throughput", cfg.Ops.Throughput)
			g.Get("/portfolio", cfg.Ops.Portfolio)
			g.Get("/log", cfg.Ops.Log)
		})
		ops.With(rl("calibrate")).Post("/calibrate", cfg.Ops.Calibrate)
	})

	return r
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// corsMiddleware allows browser dashboards on other origins to call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
