package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/geogate/adapters/metrics"
	"github.com/artpar/geogate/app"
	"github.com/artpar/geogate/domain/proxy"
	"github.com/artpar/geogate/domain/referrer"
	"github.com/artpar/geogate/domain/target"
	"github.com/artpar/geogate/web"
)

// ProxyHandler turns inbound HTTP requests into dispatcher calls and renders
// the outcome.
type ProxyHandler struct {
	dispatcher *app.Dispatcher
	logger     zerolog.Logger
	metrics    *metrics.Collector
	prefixes   []string
}

// NewProxyHandler creates the proxy handler. prefixes are the listen paths
// whose tails name the destination.
func NewProxyHandler(dispatcher *app.Dispatcher, prefixes []string, logger zerolog.Logger, m *metrics.Collector) *ProxyHandler {
	return &ProxyHandler{
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    m,
		prefixes:   prefixes,
	}
}

// maxBodyBytes caps buffered request bodies. The body must be held in memory
// so the auth-expiry retry can replay it.
const maxBodyBytes = 10 << 20

// ServeHTTP handles one proxied request.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.metrics != nil {
		h.metrics.RequestsInFlight.Inc()
		defer h.metrics.RequestsInFlight.Dec()
	}

	dest := h.extractTarget(r)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, &proxy.ErrBodyTooLarge)
			return
		}
		h.writeError(w, r, &proxy.ErrBadRequest)
		return
	}

	req := proxy.Request{
		Target:    dest,
		Method:    r.Method,
		Headers:   extractHeaders(r),
		Body:      body,
		RemoteIP:  extractIP(r),
		UserAgent: r.UserAgent(),
		TraceID:   middleware.GetReqID(r.Context()),
	}

	result := h.dispatcher.Dispatch(r.Context(), req)
	h.record(result, start)

	if result.Err != nil {
		h.logDenial(r, req, result)
		h.writeError(w, r, result.Err)
		return
	}

	h.writeResponse(w, result.Response)

	h.logger.Debug().
		Str("resource", result.ResourceURL).
		Str("referrer", result.ReferrerKey).
		Int("status", result.Response.Status).
		Bool("retried", result.Retried).
		Int64("upstream_ms", result.Response.LatencyMs).
		Str("request_id", req.TraceID).
		Msg("proxied request")
}

// extractTarget derives the destination tuple from the listen-prefix tail.
// The separator after the prefix may be '/', '&', or '?'; the query style
// carries the whole destination in the raw query itself.
func (h *ProxyHandler) extractTarget(r *http.Request) target.URL {
	path := r.URL.Path
	for _, prefix := range h.prefixes {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		tail := strings.TrimPrefix(path, prefix)
		tail = strings.TrimPrefix(tail, "/")
		tail = strings.TrimPrefix(tail, "&")
		if tail == "" {
			// Query style: everything after '?' names the destination,
			// including its own query string.
			return target.ParseTail(strings.TrimPrefix(r.URL.RawQuery, "&"))
		}
		u := target.ParseTail(tail)
		u.Query = r.URL.RawQuery
		return u
	}
	return target.URL{}
}

// record feeds the request outcome into the collector.
func (h *ProxyHandler) record(result app.Result, start time.Time) {
	if h.metrics == nil {
		return
	}

	status := 0
	switch {
	case result.Err != nil:
		status = result.Err.HTTPStatus()
	default:
		status = result.Response.Status
	}
	label := strconv.Itoa(status)

	h.metrics.RequestsTotal.WithLabelValues(result.ResourceURL, label).Inc()
	h.metrics.RequestDuration.WithLabelValues(result.ResourceURL, label).
		Observe(time.Since(start).Seconds())

	if result.ReferrerDenied {
		h.metrics.ReferrerDenials.WithLabelValues(result.ResourceURL).Inc()
	}
	if result.RateDenied {
		h.metrics.RateDenials.WithLabelValues(result.ResourceURL, result.ReferrerKey).Inc()
	}
	if result.Retried {
		h.metrics.AuthRetries.WithLabelValues(result.ResourceURL).Inc()
	}
}

func (h *ProxyHandler) logDenial(r *http.Request, req proxy.Request, result app.Result) {
	h.logger.Warn().
		Str("method", r.Method).
		Str("target", req.Target.String()).
		Str("resource", result.ResourceURL).
		Str("referrer", result.ReferrerKey).
		Int("code", result.Err.Code).
		Str("reason", result.Err.Message).
		Msg("request denied")
}

// writeResponse streams the upstream response to the client.
func (h *ProxyHandler) writeResponse(w http.ResponseWriter, resp proxy.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	if len(resp.Prefix) > 0 {
		w.Write(resp.Prefix)
	}
	if resp.Rest != nil {
		defer resp.Rest.Close()
		io.Copy(w, resp.Rest)
	}
}

// writeError renders the uniform JSON envelope.
func (h *ProxyHandler) writeError(w http.ResponseWriter, r *http.Request, errResp *proxy.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errResp.HTTPStatus())
	json.NewEncoder(w).Encode(errResp.Envelope(h.extractTarget(r).String()))
}

// extractHeaders copies the inbound headers. Everything rides through to the
// destination; Host is replaced by the forwarder with the destination's own.
func extractHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string)

	if r.Host != "" {
		headers["Host"] = r.Host
	}

	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers
}

// extractIP extracts the client IP from the request.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// PingHandler reports liveness plus how the caller's referrer classifies.
type PingHandler struct {
	dispatcher *app.Dispatcher
	version    string
}

// NewPingHandler creates the ping handler.
func NewPingHandler(dispatcher *app.Dispatcher, version string) *PingHandler {
	return &PingHandler{dispatcher: dispatcher, version: version}
}

func (h *PingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key, ok := referrer.Validate(h.dispatcher.Snapshot().Referrers, r.Header.Get("Referer"))
	if !ok {
		key = "not allowed"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"Proxy Version":      h.version,
		"Configuration File": "OK",
		"Log File":           "OK",
		"referrer":           key,
	})
}

// StatusHandler renders the HTML status page.
type StatusHandler struct {
	status *app.StatusService
	logger zerolog.Logger
}

// NewStatusHandler creates the status handler.
func NewStatusHandler(status *app.StatusService, logger zerolog.Logger) *StatusHandler {
	return &StatusHandler{status: status, logger: logger}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := h.status.Collect(r.Context())
	if err := web.RenderStatus(w, st); err != nil {
		h.logger.Error().Err(err).Msg("render status page")
	}
}

// RouterConfig configures the HTTP surface.
type RouterConfig struct {
	ListenPrefixes []string
	PingPath       string
	StatusPath     string
	StaticDir      string
	MetricsEnabled bool
	MetricsPath    string
	RequestTimeout time.Duration
}

// NewRouter assembles the chi router with the standard middleware stack.
func NewRouter(ph *ProxyHandler, ping *PingHandler, status *StatusHandler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(NewLoggingMiddleware(logger))
	// The '&'-separator form keeps the whole destination inside the path,
	// which no route pattern can express; intercept it before routing.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			for _, prefix := range cfg.ListenPrefixes {
				if strings.HasPrefix(req.URL.Path, prefix+"&") {
					ph.ServeHTTP(w, req)
					return
				}
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Get(cfg.PingPath, ping.ServeHTTP)
	r.Get(cfg.StatusPath, status.ServeHTTP)

	if cfg.MetricsEnabled {
		r.Handle(cfg.MetricsPath, promhttp.Handler())
	}

	for _, prefix := range cfg.ListenPrefixes {
		r.Handle(prefix, ph)
		r.Handle(prefix+"/*", ph)
	}

	if cfg.StaticDir != "" {
		fs := http.FileServer(http.Dir(cfg.StaticDir))
		r.NotFound(fs.ServeHTTP)
	}

	return r
}

// NewLoggingMiddleware logs HTTP requests.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
