package httpx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/filify/internal/domain"
	"github.com/splax/filify/internal/repository/memory"
	"github.com/splax/filify/internal/service/deploy"
	"github.com/splax/filify/internal/service/finalize"
	"github.com/splax/filify/internal/service/webhook"
	"github.com/splax/filify/internal/ws"
	jwtpkg "github.com/splax/filify/pkg/jwt"
)

const (
	testSecret       = "router-test-secret"
	testBuilderToken = "builder-token"
	testWebhookKey   = "hook-secret"
)

type testEnv struct {
	router *Router
	token  string
	hub    *ws.Hub
	svc    deploy.Service
}

func setupRouter(t *testing.T, limiter RateLimiter) testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub(logger)
	t.Cleanup(hub.Close)
	svc := deploy.New(memory.New(), nil, nil, hub, logger)
	if limiter == nil {
		limiter = newRateLimiterStub()
	}
	router := NewRouter(Options{
		Logger:       logger,
		Deployments:  svc,
		Webhooks:     webhook.New(svc, testWebhookKey, logger),
		Hub:          hub,
		Limiter:      limiter,
		JWTSecret:    testSecret,
		BuilderToken: testBuilderToken,
		ListMaximum:  10,
		Registerer:   prometheus.NewRegistry(),
		Gatherer:     prometheus.NewRegistry(),
	})
	router.heartbeat = 20 * time.Millisecond
	t.Cleanup(router.Close)
	token, err := jwtpkg.GenerateToken("user-123", jwtpkg.ScopeAPI, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return testEnv{router: router, token: token, hub: hub, svc: svc}
}

func (e testEnv) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if _, ok := header["Authorization"]; !ok && header["X-Builder-Token"] == "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	for k, v := range header {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeDeployment(t *testing.T, rr *httptest.ResponseRecorder) domain.Deployment {
	t.Helper()
	var d domain.Deployment
	if err := json.Unmarshal(rr.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode deployment: %v (body %s)", err, rr.Body.String())
	}
	return d
}

func TestCreateAndGetDeployment(t *testing.T) {
	env := setupRouter(t, nil)
	rr := env.do(t, http.MethodPost, "/projects/p1/deployments", map[string]any{"artifact_ref": "builds/site.tar"}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeDeployment(t, rr)
	if created.Status != domain.StatusPendingUpload || created.TriggeredBy != domain.TriggerManual {
		t.Fatalf("unexpected deployment %+v", created)
	}

	rr = env.do(t, http.MethodGet, "/deployments/"+created.ID, nil, nil)
	if rr.Code != http.StatusOK || decodeDeployment(t, rr).ID != created.ID {
		t.Fatalf("unexpected get response %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/projects/p1/deployments", nil, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected busy project to return 409, got %d", rr.Code)
	}
}

func TestGetUnknownDeploymentReturns404(t *testing.T) {
	env := setupRouter(t, nil)
	rr := env.do(t, http.MethodGet, "/deployments/missing", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestListDeploymentsFilters(t *testing.T) {
	env := setupRouter(t, nil)
	for _, project := range []string{"p1", "p2"} {
		if rr := env.do(t, http.MethodPost, "/projects/"+project+"/deployments", map[string]any{"artifact_ref": "builds/x.tar"}, nil); rr.Code != http.StatusCreated {
			t.Fatalf("create: %d", rr.Code)
		}
	}
	rr := env.do(t, http.MethodGet, "/deployments?status=pending_upload,awaiting_signature&project_id=p2&limit=500", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var list []domain.Deployment
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ProjectID != "p2" {
		t.Fatalf("unexpected list %+v", list)
	}

	rr = env.do(t, http.MethodGet, "/deployments?status=deployed", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown status to return 400, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/deployments?limit=-1", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected bad limit to return 400, got %d", rr.Code)
	}
}

func TestUserRoutesRequireAPIToken(t *testing.T) {
	env := setupRouter(t, nil)
	rr := env.do(t, http.MethodGet, "/deployments", nil, map[string]string{"Authorization": ""})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	walletToken, err := jwtpkg.GenerateToken("user-123", jwtpkg.ScopeWallet, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	rr = env.do(t, http.MethodGet, "/deployments", nil, map[string]string{"Authorization": "Bearer " + walletToken})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected wallet-scoped token to be rejected, got %d", rr.Code)
	}
}

func TestStatusWritesAcceptBuilderToken(t *testing.T) {
	env := setupRouter(t, nil)
	created := decodeDeployment(t, env.do(t, http.MethodPost, "/projects/p1/deployments", map[string]any{"artifact_ref": "builds/x.tar"}, nil))

	builder := map[string]string{"X-Builder-Token": testBuilderToken}
	rr := env.do(t, http.MethodPost, "/deployments/"+created.ID+"/status", map[string]any{"status": "uploading"}, builder)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodPost, "/deployments/"+created.ID+"/status", map[string]any{"status": "awaiting_signature"}, builder)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected missing content address to return 422, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/deployments/"+created.ID+"/status", map[string]any{"status": "uploading"}, map[string]string{"X-Builder-Token": "wrong-token!!"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected bad builder token to return 401, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/deployments/"+created.ID+"/status", map[string]any{"status": "bogus"}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown status to return 400, got %d", rr.Code)
	}
}

func TestCancelAndFail(t *testing.T) {
	env := setupRouter(t, nil)
	created := decodeDeployment(t, env.do(t, http.MethodPost, "/projects/p1/deployments", map[string]any{"artifact_ref": "builds/x.tar"}, nil))

	rr := env.do(t, http.MethodPost, "/deployments/"+created.ID+"/cancel", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var result struct {
		Deployment domain.Deployment `json:"deployment"`
		Killed     bool              `json:"killed"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode cancel: %v", err)
	}
	if result.Deployment.Status != domain.StatusCancelled || result.Killed {
		t.Fatalf("unexpected cancel result %+v", result)
	}

	rr = env.do(t, http.MethodPost, "/deployments/"+created.ID+"/fail", map[string]string{"message": "late failure"}, nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected fail after cancel to return 422, got %d", rr.Code)
	}
}

func TestFailRequiresMessage(t *testing.T) {
	env := setupRouter(t, nil)
	created := decodeDeployment(t, env.do(t, http.MethodPost, "/projects/p1/deployments", map[string]any{"artifact_ref": "builds/x.tar"}, nil))
	rr := env.do(t, http.MethodPost, "/deployments/"+created.ID+"/fail", map[string]string{"message": " "}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestConfirmRecordsTransaction(t *testing.T) {
	env := setupRouter(t, nil)
	ctx := context.Background()
	created := decodeDeployment(t, env.do(t, http.MethodPost, "/projects/p1/deployments", map[string]any{"artifact_ref": "builds/x.tar"}, nil))
	if _, err := env.svc.UpdateStatus(ctx, created.ID, domain.StatusUploading, domain.DeploymentFields{}); err != nil {
		t.Fatalf("uploading: %v", err)
	}
	if _, err := env.svc.UpdateStatus(ctx, created.ID, domain.StatusAwaitingSignature, domain.DeploymentFields{ContentAddress: "bafy"}); err != nil {
		t.Fatalf("awaiting_signature: %v", err)
	}

	rr := env.do(t, http.MethodPost, "/deployments/"+created.ID+"/confirm", map[string]string{"tx_ref": "0xabc"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var result struct {
		Deployment domain.Deployment `json:"deployment"`
		Verified   bool              `json:"verified"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode confirm: %v", err)
	}
	if result.Verified || result.Deployment.Status != domain.StatusAwaitingConfirmation || result.Deployment.NamingTxRef != "0xabc" {
		t.Fatalf("unexpected confirm result %+v", result)
	}
}

func TestBuilderCallback(t *testing.T) {
	env := setupRouter(t, nil)
	created := decodeDeployment(t, env.do(t, http.MethodPost, "/projects/p1/deployments", nil, nil))
	payload := deploy.CallbackPayload{DeploymentID: created.ID, ProjectID: "p1", Status: "cloning"}

	rr := env.do(t, http.MethodPost, "/builder/callback", payload, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected user token to be refused, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/builder/callback", payload, map[string]string{"X-Builder-Token": testBuilderToken})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	d, err := env.svc.Get(context.Background(), created.ID)
	if err != nil || d.Status != domain.StatusCloning {
		t.Fatalf("expected cloning, got %+v %v", d, err)
	}
}

func TestWebhookCreatesDeployment(t *testing.T) {
	env := setupRouter(t, nil)
	body := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)
	mac := hmac.New(sha256.New, []byte(testWebhookKey))
	mac.Write(body)
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook/p9", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=00")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook/p9", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signature)
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	list, err := env.svc.List(context.Background(), domain.DeploymentFilter{ProjectID: "p9"})
	if err != nil || len(list) != 1 || list[0].TriggeredBy != domain.TriggerWebhook || list[0].CommitRef != "abc123" {
		t.Fatalf("unexpected webhook deployments %+v %v", list, err)
	}
}

func TestRateLimitedRequestsReturn429(t *testing.T) {
	limiter := newRateLimiterStub()
	reset := time.Unix(1_950_000_000, 0)
	limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: reset}
	}
	env := setupRouter(t, limiter)
	rr := env.do(t, http.MethodGet, "/deployments", nil, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("unexpected remaining header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1950000000" {
		t.Fatalf("unexpected reset header %q", got)
	}
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.calls) != 1 || limiter.calls[0].key != "user_read|user:user-123" {
		t.Fatalf("unexpected limiter calls %+v", limiter.calls)
	}
}

func TestHealthz(t *testing.T) {
	env := setupRouter(t, nil)
	env.router.dbHealth = func(context.Context) error { return assertError("db down") }
	rr := env.do(t, http.MethodGet, "/healthz", nil, map[string]string{"Authorization": ""})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestDeploymentStreamEmitsEvents(t *testing.T) {
	env := setupRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/deployments/stream?project_id=p1", nil)
	req.Header.Set("Authorization", "Bearer "+env.token)
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(ctx)

	recorder := newStreamRecorder()
	done := make(chan struct{})
	go func() {
		env.router.ServeHTTP(recorder, req)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(recorder.body(), ": ping")
	})
	if _, err := env.svc.Create(context.Background(), deploy.CreateInput{ProjectID: "p1", ArtifactRef: "builds/x.tar"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(recorder.body(), "event: deployment")
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream handler did not exit after context cancel")
	}
	if ct := recorder.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	payloads, err := extractSSEPayloads(recorder.body())
	if err != nil {
		t.Fatalf("extract sse payloads: %v", err)
	}
	if len(payloads) == 0 || payloads[0]["type"] != domain.EventCreated {
		t.Fatalf("unexpected payloads %v", payloads)
	}
}

func TestDeploymentStreamRequiresFlusher(t *testing.T) {
	env := setupRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/deployments/stream", nil)
	w := newNoFlushRecorder()
	env.router.handleDeploymentStream(w, req)
	if w.statusCode() != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", w.statusCode())
	}
	if msg := parseError(t, w.body()); msg != "streaming not supported" {
		t.Fatalf("unexpected error message %q", msg)
	}
}

type retrierStub struct {
	mu       sync.Mutex
	inFlight bool
	retried  chan string
}

func (r *retrierStub) Retry(_ context.Context, id string) error {
	r.retried <- id
	return nil
}

func (r *retrierStub) InFlight(string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}

func TestFinalizerRetry(t *testing.T) {
	retrier := &retrierStub{retried: make(chan string, 1)}
	connected := true
	router := NewFinalizerRouter(FinalizerOptions{
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retrier:         retrier,
		SignerConnected: func() bool { return connected },
		JWTSecret:       testSecret,
		Limiter:         newRateLimiterStub(),
		Registerer:      prometheus.NewRegistry(),
		Gatherer:        prometheus.NewRegistry(),
	})
	defer router.Close()
	token, _ := jwtpkg.GenerateToken("user-123", jwtpkg.ScopeAPI, testSecret, time.Hour)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/deployments/D1/retry", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(); rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	select {
	case id := <-retrier.retried:
		if id != "D1" {
			t.Fatalf("unexpected retried id %q", id)
		}
	case <-time.After(time.Second):
		t.Fatal("retry was not started")
	}

	retrier.mu.Lock()
	retrier.inFlight = true
	retrier.mu.Unlock()
	if rr := send(); rr.Code != http.StatusConflict || parseError(t, rr.Body.String()) != finalize.ErrInFlight.Error() {
		t.Fatalf("expected 409 while in flight, got %d", rr.Code)
	}

	connected = false
	if rr := send(); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without signer, got %d", rr.Code)
	}
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []rateLimitCall
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

type rateLimitCall struct {
	key    string
	limit  int
	window time.Duration
}

func newRateLimiterStub() *rateLimiterStub {
	return &rateLimiterStub{}
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, rateLimitCall{key: key, limit: limit, window: window})
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1}
}

func (rl *rateLimiterStub) Close() {}

type assertError string

func (e assertError) Error() string { return string(e) }

type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
	flush  int
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (s *streamRecorder) Header() http.Header {
	return s.header
}

func (s *streamRecorder) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.buf.Write(b)
}

func (s *streamRecorder) WriteHeader(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *streamRecorder) Flush() {
	s.mu.Lock()
	s.flush++
	s.mu.Unlock()
}

func (s *streamRecorder) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func extractSSEPayloads(body string) ([]map[string]any, error) {
	var payloads []map[string]any
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload); err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

type noFlushRecorder struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func newNoFlushRecorder() *noFlushRecorder {
	return &noFlushRecorder{header: make(http.Header)}
}

func (r *noFlushRecorder) Header() http.Header {
	return r.header
}

func (r *noFlushRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.buf.Write(b)
}

func (r *noFlushRecorder) WriteHeader(status int) {
	r.status = status
}

func (r *noFlushRecorder) body() string {
	return r.buf.String()
}

func (r *noFlushRecorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func parseError(t *testing.T, body string) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	v, _ := payload["error"].(string)
	return v
}
