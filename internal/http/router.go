package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/filify/internal/service/deploy"
	"github.com/splax/filify/internal/service/webhook"
	"github.com/splax/filify/internal/ws"
)

// Router wires the record store endpoints to services.
type Router struct {
	mux          *chi.Mux
	logger       *slog.Logger
	deploy       deploy.Service
	webhook      webhook.Service
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	metrics      *httpMetrics
	gatherer     prometheus.Gatherer
	jwtSecret    string
	builderToken string
	listMaximum  int
	dbHealth     func(context.Context) error
	heartbeat    time.Duration

	retrier         Retrier
	signerConnected func() bool
}

const (
	rateWindowDefault        = time.Minute
	rateWindowRealtime       = 30 * time.Second
	rateLimitUserWrite       = 60
	rateLimitUserRead        = 240
	rateLimitStatusWrite     = 600
	rateLimitWebsocket       = 30
	rateLimitBuilderCallback = 600
	rateLimitWebhook         = 30
	healthCheckTimeout       = 2 * time.Second
	streamHeartbeatInterval  = 15 * time.Second
	defaultListLimit         = 50
)

// Options collects the dependencies of the record store router.
type Options struct {
	Logger         *slog.Logger
	Deployments    deploy.Service
	Webhooks       webhook.Service
	Hub            *ws.Hub
	Limiter        RateLimiter
	JWTSecret      string
	BuilderToken   string
	AllowedOrigins []string
	ListMaximum    int
	DBHealth       func(context.Context) error
	Registerer     prometheus.Registerer
	Gatherer       prometheus.Gatherer
}

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := &Router{
		mux:     chi.NewRouter(),
		logger:  logger.With("component", "http"),
		deploy:  opts.Deployments,
		webhook: opts.Webhooks,
		hub:     opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(opts.AllowedOrigins),
		},
		limiter:      opts.Limiter,
		metrics:      newHTTPMetrics(opts.Registerer, "api"),
		gatherer:     gatherer,
		jwtSecret:    opts.JWTSecret,
		builderToken: strings.TrimSpace(opts.BuilderToken),
		listMaximum:  opts.ListMaximum,
		dbHealth:     opts.DBHealth,
		heartbeat:    streamHeartbeatInterval,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.listMaximum <= 0 {
		r.listMaximum = 200
	}
	r.register(opts.AllowedOrigins)
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register(origins []string) {
	m := r.mux
	m.Use(middleware.RequestID)
	m.Use(middleware.Recoverer)
	m.Use(r.audit)
	m.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Builder-Token"},
		AllowCredentials: true,
	}))

	m.Get("/healthz", r.handleHealthz)
	m.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	m.With(r.rateLimit("webhook", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP)).
		Post("/webhook/{projectID}", r.handleWebhook)
	m.With(r.requireBuilder, r.rateLimit("builder_callback", rateLimitBuilderCallback, rateWindowDefault, rateLimitKeyActor)).
		Post("/builder/callback", r.handleBuilderCallback)

	m.Group(func(g chi.Router) {
		g.Use(r.requireUserOrBuilder)
		g.Use(r.rateLimit("status_write", rateLimitStatusWrite, rateWindowDefault, rateLimitKeyActor))
		g.Post("/deployments/{id}/status", r.handleUpdateStatus)
		g.Post("/deployments/{id}/fail", r.handleMarkFailed)
	})

	m.Group(func(g chi.Router) {
		g.Use(r.requireUser)
		g.With(r.rateLimit("user_read", rateLimitUserRead, rateWindowDefault, rateLimitKeyActor)).Group(func(g chi.Router) {
			g.Get("/deployments", r.handleListDeployments)
			g.Get("/deployments/{id}", r.handleGetDeployment)
		})
		g.With(r.rateLimit("user_write", rateLimitUserWrite, rateWindowDefault, rateLimitKeyActor)).Group(func(g chi.Router) {
			g.Post("/projects/{projectID}/deployments", r.handleCreateDeployment)
			g.Post("/deployments/{id}/cancel", r.handleCancel)
			g.Post("/deployments/{id}/confirm", r.handleConfirm)
		})
		g.With(r.rateLimit("stream", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyActor)).Group(func(g chi.Router) {
			g.Get("/ws/deployments", r.handleDeploymentsWS)
			g.Get("/deployments/stream", r.handleDeploymentStream)
		})
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.signerConnected != nil {
		signer := "disconnected"
		if r.signerConnected() {
			signer = "connected"
		}
		components["signer"] = map[string]any{"status": signer}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.observe(req, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := middleware.GetReqID(req.Context()); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		actor := "anonymous"
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Actor
			fields = append(fields, "subject", info.Subject)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// originChecker allows websocket upgrades from the configured origins, or any
// origin when none are configured.
func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[strings.TrimRight(o, "/")] = struct{}{}
		}
	}
	return func(req *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := req.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed["*"]; ok {
			return true
		}
		_, ok := allowed[strings.TrimRight(origin, "/")]
		return ok
	}
}
