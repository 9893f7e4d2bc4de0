package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/internal/repository"
	"github.com/splax/shipyard/internal/service/deploy"
	"github.com/splax/shipyard/internal/service/webhook"
	"github.com/splax/shipyard/internal/ws"
)

const (
	rateLimitWebhook = 60
	rateLimitManual  = 10
	rateLimitStatus  = 120
	rateLimitStream  = 30

	rateWindowDefault = time.Minute

	maxWebhookBody     = 5 << 20
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	sseWriteTimeout    = 10 * time.Second
	sseEventName       = "stage"
)

// Dispatcher starts deploy runs in the background.
type Dispatcher interface {
	Dispatch(ctx context.Context, trigger domain.Trigger) (string, error)
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux            *http.ServeMux
	logger         *slog.Logger
	webhook        webhook.Service
	dispatcher     Dispatcher
	events         repository.EventLog
	hub            *ws.Hub
	upgrader       websocket.Upgrader
	limiter        RateLimiter
	operatorSecret string
	trustedProxies []netip.Prefix
	heartbeat      time.Duration

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithTrustedProxies lets peers inside prefixes supply X-Forwarded-For.
func WithTrustedProxies(prefixes []netip.Prefix) RouterOption {
	return func(r *Router) { r.trustedProxies = prefixes }
}

// NewRouter constructs the HTTP router. A nil limiter gets the in-memory one.
func NewRouter(logger *slog.Logger, webhookSvc webhook.Service, dispatcher Dispatcher, events repository.EventLog, hub *ws.Hub, limiter RateLimiter, operatorSecret string, opts ...RouterOption) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		logger:     logger,
		webhook:    webhookSvc,
		dispatcher: dispatcher,
		events:     events,
		hub:        hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:        limiter,
		operatorSecret: strings.TrimSpace(operatorSecret),
		heartbeat:      sseHeartbeat,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.operatorSecret == "" {
		logger.Warn("operator token secret not configured, manual deploys are unauthenticated")
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases limiter resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.instrument("/healthz", r.handleHealthz)))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/webhook/github", r.audit(r.instrument("/webhook/github",
		r.withRateLimit("webhook", rateLimitWebhook, rateWindowDefault, r.rateLimitKeyIP, r.handleWebhook))))
	r.mux.HandleFunc("/deploy/manual", r.audit(r.instrument("/deploy/manual",
		r.operatorRate("manual", rateLimitManual, rateWindowDefault, r.handleManualDeploy))))
	r.mux.HandleFunc("/status/latest", r.audit(r.instrument("/status/latest",
		r.withRateLimit("status", rateLimitStatus, rateWindowDefault, r.rateLimitKeyIP, r.handleStatusLatest))))
	r.mux.HandleFunc("/status/history", r.audit(r.instrument("/status/history",
		r.withRateLimit("status", rateLimitStatus, rateWindowDefault, r.rateLimitKeyIP, r.handleStatusHistory))))
	r.mux.HandleFunc("/ws/deploys", r.audit(
		r.withRateLimit("stream", rateLimitStream, rateWindowDefault, r.rateLimitKeyIP, r.handleDeploysWS)))
	r.mux.HandleFunc("/events/deploys", r.audit(
		r.withRateLimit("stream", rateLimitStream, rateWindowDefault, r.rateLimitKeyIP, r.handleDeploysSSE)))
}

func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	if err := r.webhook.CheckSignature(body, req.Header.Get("X-Hub-Signature-256")); err != nil {
		r.logger.Warn("webhook signature rejected", "delivery", req.Header.Get("X-GitHub-Delivery"))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	trigger, decision, err := r.webhook.Evaluate(req.Header.Get("X-GitHub-Event"), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if !decision.Accepted {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": decision.Reason})
		return
	}
	r.dispatch(w, req, trigger)
}

func (r *Router) handleManualDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	trigger := domain.ManualTrigger()
	if info, ok := authInfoFromContext(req.Context()); ok {
		r.logger.Info("manual deploy requested", "operator", info.Operator)
	}
	r.dispatch(w, req, trigger)
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request, trigger domain.Trigger) {
	runID, err := r.dispatcher.Dispatch(req.Context(), trigger)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "run_id": runID})
	case errors.Is(err, deploy.ErrRunInProgress):
		writeRejected(w, http.StatusConflict, err.Error())
	case errors.Is(err, deploy.ErrShuttingDown):
		writeRejected(w, http.StatusServiceUnavailable, err.Error())
	default:
		r.logger.Error("dispatch failed", "source", trigger.Source, "error", err)
		writeRejected(w, http.StatusInternalServerError, "unable to start deploy")
	}
}

func (r *Router) handleStatusLatest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ev, err := r.events.Latest(req.Context())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "No deploy logs yet")
			return
		}
		r.logger.Error("read latest event failed", "error", err)
		writeError(w, http.StatusInternalServerError, "unable to read deploy log")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (r *Router) handleStatusHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit := repository.DefaultListLimit
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	events, err := r.events.List(req.Context(), repository.ClampLimit(limit))
	if err != nil {
		r.logger.Error("list events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "unable to read deploy log")
		return
	}
	if events == nil {
		events = []domain.DeployEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (r *Router) handleDeploysWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	topic := strings.TrimSpace(req.URL.Query().Get("run_id"))
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleDeploysSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	topic := strings.TrimSpace(req.URL.Query().Get("run_id"))
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewNamedSSEClient(w, flusher, sseEventName, r.logger)
	client.SetWriteTimeout(rc.SetWriteDeadline, sseWriteTimeout)
	r.hub.Register(topic, client)
	defer func() {
		r.hub.Unregister(topic, client)
		client.Close()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.events != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.events.Ping(ctx); err != nil {
			status = "degraded"
			components["event_log"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["event_log"] = map[string]any{"status": "up"}
		}
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

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if ip := r.clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if delivery := strings.TrimSpace(req.Header.Get("X-GitHub-Delivery")); delivery != "" {
			fields = append(fields, "delivery", delivery)
		}
		actor := "anonymous"
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "operator"
			fields = append(fields, "operator", info.Operator)
		} else if strings.HasPrefix(req.URL.Path, "/webhook/") {
			actor = "github"
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
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
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

// Unwrap lets http.ResponseController reach the connection.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
