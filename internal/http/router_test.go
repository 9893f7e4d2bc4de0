package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/service/webhook"
	"github.com/splax/shipyard/internal/ws"
	"github.com/splax/shipyard/pkg/config"
	"github.com/splax/shipyard/pkg/jwt"
)

const (
	testSecret   = "hook-secret"
	testRepo     = "acme/voice"
	testRef      = "refs/heads/main"
	testOperator = "operator-secret"
)

type dispatcherStub struct {
	mu       sync.Mutex
	err      error
	triggers []domain.Trigger
}

func (d *dispatcherStub) Dispatch(_ context.Context, trigger domain.Trigger) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.triggers = append(d.triggers, trigger)
	return "run-1", nil
}

func (d *dispatcherStub) calls() []domain.Trigger {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Trigger(nil), d.triggers...)
}

type eventLogStub struct {
	events  []domain.DeployEvent
	err     error
	pingErr error
}

func (l *eventLogStub) Append(_ context.Context, ev domain.DeployEvent) error {
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLogStub) Latest(ctx context.Context) (*domain.DeployEvent, error) {
	events, err := l.List(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, repository.ErrNotFound
	}
	return &events[0], nil
}

func (l *eventLogStub) List(_ context.Context, limit int) ([]domain.DeployEvent, error) {
	if l.err != nil {
		return nil, l.err
	}
	var out []domain.DeployEvent
	for i := len(l.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.events[i])
	}
	return out, nil
}

func (l *eventLogStub) Ping(context.Context) error { return l.pingErr }

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

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, rateLimitCall{key: key, limit: limit, window: window})
	rl.mu.Unlock()
	if rl.allowFn != nil {
		return rl.allowFn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}

type routerFixture struct {
	router     *Router
	dispatcher *dispatcherStub
	events     *eventLogStub
	limiter    *rateLimiterStub
	hub        *ws.Hub
}

func newFixture(t *testing.T, operatorSecret string) *routerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := webhook.New(config.WebhookConfig{Secret: testSecret, Repository: testRepo, Ref: testRef}, logger)
	f := &routerFixture{
		dispatcher: &dispatcherStub{},
		events:     &eventLogStub{},
		limiter:    &rateLimiterStub{},
		hub:        ws.NewHub(),
	}
	f.router = NewRouter(logger, svc, f.dispatcher, f.events, f.hub, f.limiter, operatorSecret)
	t.Cleanup(func() {
		f.router.Close()
		f.hub.Close()
	})
	return f
}

func (f *routerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func pushBody(repo, ref, after string) []byte {
	body, _ := json.Marshal(map[string]any{
		"ref":        ref,
		"after":      after,
		"repository": map[string]string{"full_name": repo},
		"pusher":     map[string]string{"name": "alice"},
	})
	return body
}

func webhookRequest(event string, body []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", signature)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t, "")
	body := pushBody(testRepo, testRef, "abc")

	rec := f.do(webhookRequest(webhook.EventPush, body, webhook.Sign(body, "wrong")))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid signature", decodeBody(t, rec)["error"])
	assert.Empty(t, f.dispatcher.calls())
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	f := newFixture(t, "")
	body := append(pushBody(testRepo, testRef, "abc"), bytes.Repeat([]byte(" "), maxWebhookBody)...)

	rec := f.do(webhookRequest(webhook.EventPush, body, webhook.Sign(body, testSecret)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload too large", decodeBody(t, rec)["error"])
	assert.Empty(t, f.dispatcher.calls())
}

func TestWebhookIgnoresUnhandledDeliveries(t *testing.T) {
	cases := []struct {
		name   string
		event  string
		body   []byte
		reason string
	}{
		{"ping event", "ping", []byte(`{"zen":"keep it simple"}`), "event ping not handled"},
		{"other repo", webhook.EventPush, pushBody("acme/other", testRef, "abc"), "repo/ref mismatch: acme/other refs/heads/main"},
		{"other branch", webhook.EventPush, pushBody(testRepo, "refs/heads/dev", "abc"), "repo/ref mismatch: acme/voice refs/heads/dev"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "")
			rec := f.do(webhookRequest(tc.event, tc.body, webhook.Sign(tc.body, testSecret)))

			require.Equal(t, http.StatusOK, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, "ignored", body["status"])
			assert.Equal(t, tc.reason, body["reason"])
			assert.Empty(t, f.dispatcher.calls())
		})
	}
}

func TestWebhookAcceptsMatchingPush(t *testing.T) {
	f := newFixture(t, "")
	body := pushBody(testRepo, testRef, "0123456789abcdef")

	rec := f.do(webhookRequest(webhook.EventPush, body, webhook.Sign(body, testSecret)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "accepted", resp["status"])
	assert.Equal(t, "run-1", resp["run_id"])
	calls := f.dispatcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.TriggerWebhook, calls[0].Source)
	assert.Equal(t, "0123456789abcdef", calls[0].Commit)
	assert.Equal(t, "alice", calls[0].Actor)
	assert.Equal(t, "webhook|ip:192.0.2.1", f.limiter.calls[0].key)
	assert.Equal(t, rateLimitWebhook, f.limiter.calls[0].limit)
}

func TestWebhookMapsDispatchErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		msg    string
	}{
		{deploy.ErrRunInProgress, http.StatusConflict, "deploy already in progress"},
		{deploy.ErrShuttingDown, http.StatusServiceUnavailable, "dispatcher shutting down"},
		{errors.New("redis down"), http.StatusInternalServerError, "unable to start deploy"},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			f := newFixture(t, "")
			f.dispatcher.err = tc.err
			body := pushBody(testRepo, testRef, "abc")

			rec := f.do(webhookRequest(webhook.EventPush, body, webhook.Sign(body, testSecret)))

			require.Equal(t, tc.status, rec.Code)
			resp := decodeBody(t, rec)
			assert.Equal(t, "rejected", resp["status"])
			assert.Equal(t, tc.msg, resp["error"])
		})
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t, "")
	body := []byte(`{"ref":`)

	rec := f.do(webhookRequest(webhook.EventPush, body, webhook.Sign(body, testSecret)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.dispatcher.calls())
}

func TestWebhookRequiresPost(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(httptest.NewRequest(http.MethodGet, "/webhook/github", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestManualDeployWithoutSecretIsOpen(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(httptest.NewRequest(http.MethodPost, "/deploy/manual", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	calls := f.dispatcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.ManualTrigger(), calls[0])
}

func TestManualDeployRequiresOperatorToken(t *testing.T) {
	f := newFixture(t, testOperator)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/deploy/manual", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/deploy/manual", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = f.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.dispatcher.calls())

	token, err := jwt.GenerateToken("ops", testOperator, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/deploy/manual", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = f.do(req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, f.dispatcher.calls(), 1)
	require.NotEmpty(t, f.limiter.calls)
	assert.Equal(t, "manual|operator:ops", f.limiter.calls[len(f.limiter.calls)-1].key)
}

func TestManualDeployInProgress(t *testing.T) {
	f := newFixture(t, "")
	f.dispatcher.err = deploy.ErrRunInProgress

	rec := f.do(httptest.NewRequest(http.MethodPost, "/deploy/manual", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatusLatest(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/status/latest", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No deploy logs yet", decodeBody(t, rec)["error"])

	f.events.events = []domain.DeployEvent{
		{EventType: domain.EventTypeDeploy, DeployID: "first", Status: domain.Succeeded()},
		{EventType: domain.EventTypeDeploy, DeployID: "second", Status: domain.HealthcheckFailed("status_code=503")},
	}
	rec = f.do(httptest.NewRequest(http.MethodGet, "/status/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var ev domain.DeployEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	assert.Equal(t, "second", ev.DeployID)
	assert.Equal(t, domain.FailedStageHealthcheck, ev.Status.FailedStage())
}

func TestStatusLatestBackendError(t *testing.T) {
	f := newFixture(t, "")
	f.events.err = errors.New("disk gone")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/status/latest", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatusHistory(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/status/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	for _, id := range []string{"a", "b", "c"} {
		f.events.events = append(f.events.events, domain.DeployEvent{DeployID: id, Status: domain.Succeeded()})
	}
	rec = f.do(httptest.NewRequest(http.MethodGet, "/status/history?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var events []domain.DeployEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "c", events[0].DeployID)
	assert.Equal(t, "b", events[1].DeployID)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/status/history?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	f.events.pingErr = errors.New("connection refused")
	rec = f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	component := body["components"].(map[string]any)["event_log"].(map[string]any)
	assert.Equal(t, "down", component["status"])
}

func TestRateLimitedRequestsGet429(t *testing.T) {
	f := newFixture(t, "")
	reset := time.Now().Add(30 * time.Second)
	f.limiter.allowFn = func(string, int, time.Duration) rateDecision {
		return rateDecision{allowed: false, count: rateLimitStatus, windowEnd: reset}
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/status/latest", nil))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "120", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 2; i++ {
		assert.True(t, rl.Allow("k", 2, time.Minute).allowed)
	}
	decision := rl.Allow("k", 2, time.Minute)
	assert.False(t, decision.allowed)
	assert.Equal(t, 2, decision.count)
	assert.True(t, rl.Allow("other", 2, time.Minute).allowed)

	assert.True(t, rl.Allow("short", 1, 10*time.Millisecond).allowed)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, rl.Allow("short", 1, 10*time.Millisecond).allowed)
}

func TestClientIPIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	f := newFixture(t, "")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	assert.Equal(t, "198.51.100.7", f.router.clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "198.51.100.7", f.router.clientIP(req))
}

func TestClientIPHonorsForwardedForFromTrustedProxy(t *testing.T) {
	f := newFixture(t, "")
	WithTrustedProxies([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})(f.router)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", f.router.clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.5")
	assert.Equal(t, "203.0.113.9", f.router.clientIP(req))

	// A client-supplied leftmost entry cannot hide the real hop.
	req.Header.Set("X-Forwarded-For", "192.0.2.200, 203.0.113.9")
	assert.Equal(t, "203.0.113.9", f.router.clientIP(req))
}

func TestSpoofedForwardedForSharesRateLimitBucket(t *testing.T) {
	f := newFixture(t, "")
	for _, spoofed := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		req := httptest.NewRequest(http.MethodGet, "/status/latest", nil)
		req.Header.Set("X-Forwarded-For", spoofed)
		f.do(req)
	}
	require.Len(t, f.limiter.calls, 3)
	for _, call := range f.limiter.calls {
		assert.Equal(t, "status|ip:192.0.2.1", call.key)
	}
}

type streamRecorder struct {
	mu      sync.Mutex
	header  http.Header
	buf     bytes.Buffer
	status  int
	flushes int
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (s *streamRecorder) Header() http.Header { return s.header }

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
	defer s.mu.Unlock()
	s.status = status
}

func (s *streamRecorder) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
}

func (s *streamRecorder) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestDeploysSSEStreamsStages(t *testing.T) {
	f := newFixture(t, "")
	f.router.heartbeat = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events/deploys?run_id=run-7", nil).WithContext(ctx)
	recorder := newStreamRecorder()
	done := make(chan struct{})
	go func() {
		f.router.ServeHTTP(recorder, req)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(recorder.body(), ": ping")
	}, 2*time.Second, 5*time.Millisecond)

	f.hub.OnStage("run-other", domain.StageRecord{Stage: domain.StageRemoteExec, Status: domain.StageStart, At: time.Now()})
	f.hub.OnStage("run-7", domain.StageRecord{Stage: domain.StageRemoteExec, Status: domain.StageOK, Info: "exit_code=0", At: time.Now()})

	require.Eventually(t, func() bool {
		return strings.Contains(recorder.body(), "event: stage\n")
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sse handler did not exit after context cancel")
	}

	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", recorder.Header().Get("Cache-Control"))
	body := recorder.body()
	assert.Contains(t, body, `"run_id":"run-7"`)
	assert.Contains(t, body, `"info":"exit_code=0"`)
	assert.NotContains(t, body, "run-other")
}

func TestServerShutdownEndsOpenStreams(t *testing.T) {
	f := newFixture(t, "")
	srv := httptest.NewServer(f.router)
	defer srv.Close()
	srv.Config.RegisterOnShutdown(f.hub.Close)

	resp, err := srv.Client().Get(srv.URL + "/events/deploys")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, srv.Config.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDeploysWebsocketReceivesStages(t *testing.T) {
	f := newFixture(t, "")
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/deploys?run_id=run-9"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan ws.StageMessage, 1)
	go func() {
		var msg ws.StageMessage
		if err := conn.ReadJSON(&msg); err == nil {
			received <- msg
		}
	}()

	// Registration happens after the handshake, so publish until it lands.
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case msg := <-received:
			assert.Equal(t, "run-9", msg.RunID)
			assert.Equal(t, string(domain.StageHealthcheck), msg.Stage)
			assert.Equal(t, string(domain.StageOK), msg.Status)
			return
		case <-ticker.C:
			f.hub.OnStage("run-9", domain.StageRecord{Stage: domain.StageHealthcheck, Status: domain.StageOK, At: time.Now()})
		case <-deadline:
			t.Fatal("no stage message received")
		}
	}
}
