package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/filify/internal/service/finalize"
)

// Retrier runs the finalization pipeline for one deployment on demand.
type Retrier interface {
	Retry(ctx context.Context, id string) error
	InFlight(id string) bool
}

// FinalizerOptions collects the dependencies of the finalizer agent router.
type FinalizerOptions struct {
	Logger          *slog.Logger
	Retrier         Retrier
	Wallet          http.Handler
	SignerConnected func() bool
	JWTSecret       string
	AllowedOrigins  []string
	Limiter         RateLimiter
	Registerer      prometheus.Registerer
	Gatherer        prometheus.Gatherer
}

// NewFinalizerRouter serves the wallet bridge, manual retries and metrics.
func NewFinalizerRouter(opts FinalizerOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := &Router{
		mux:             chi.NewRouter(),
		logger:          logger.With("component", "http"),
		limiter:         opts.Limiter,
		metrics:         newHTTPMetrics(opts.Registerer, "finalizer"),
		gatherer:        gatherer,
		jwtSecret:       opts.JWTSecret,
		retrier:         opts.Retrier,
		signerConnected: opts.SignerConnected,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}

	m := r.mux
	m.Use(middleware.RequestID)
	m.Use(middleware.Recoverer)
	m.Use(r.audit)
	m.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	m.Get("/healthz", r.handleHealthz)
	m.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	if opts.Wallet != nil {
		m.Method(http.MethodGet, "/wallet", opts.Wallet)
	}
	m.With(r.requireUser, r.rateLimit("retry", rateLimitUserWrite, rateWindowDefault, rateLimitKeyActor)).
		Post("/deployments/{id}/retry", r.handleRetry)
	return r
}

func (r *Router) handleRetry(w http.ResponseWriter, req *http.Request) {
	if r.retrier == nil {
		writeError(w, http.StatusServiceUnavailable, "finalizer unavailable")
		return
	}
	id := strings.TrimSpace(chi.URLParam(req, "id"))
	if r.signerConnected != nil && !r.signerConnected() {
		writeError(w, http.StatusServiceUnavailable, finalize.ErrNoSigner.Error())
		return
	}
	if r.retrier.InFlight(id) {
		writeError(w, http.StatusConflict, finalize.ErrInFlight.Error())
		return
	}
	// Signing waits on the user, so the attempt outlives the request.
	ctx := context.WithoutCancel(req.Context())
	go func() {
		err := r.retrier.Retry(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, finalize.ErrInFlight), errors.Is(err, finalize.ErrNotProcessable):
			r.logger.Info("retry skipped", "deployment_id", id, "reason", err)
		default:
			r.logger.Warn("retry failed", "deployment_id", id, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying", "deployment_id": id})
}
