// Package http provides the HTTP surface: the inbound proxy handler, the
// outbound upstream client, and the platform token vendor.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/geogate/adapters/metrics"
	"github.com/artpar/geogate/domain/proxy"
	"github.com/artpar/geogate/domain/target"
	"github.com/artpar/geogate/ports"
)

// UpstreamClient forwards proxied requests to their destination hosts.
type UpstreamClient struct {
	client       *http.Client
	inspectLimit int
	metrics      *metrics.Collector
}

// UpstreamConfig contains configuration for the upstream client.
type UpstreamConfig struct {
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	// InspectLimit bounds the body prefix captured for auth inspection.
	InspectLimit int
	// Metrics, when non-nil, records upstream durations and errors.
	Metrics *metrics.Collector
}

// NewUpstreamClient creates a new upstream HTTP client.
func NewUpstreamClient(cfg UpstreamConfig) *UpstreamClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 100
	}

	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}

	inspectLimit := cfg.InspectLimit
	if inspectLimit == 0 {
		inspectLimit = proxy.DefaultInspectLimit
	}

	transport := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
		// Compressed bodies must reach the client unchanged; inspection
		// decompresses its prefix copy separately.
		DisableCompression: true,
	}

	return &UpstreamClient{
		client:       &http.Client{Transport: transport, Timeout: timeout},
		inspectLimit: inspectLimit,
		metrics:      cfg.Metrics,
	}
}

// Hop-by-hop headers never forwarded in either direction.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Forward sends the request to dest and returns the response with a bounded
// body prefix captured for inspection. The caller must close Response.Rest.
func (u *UpstreamClient) Forward(ctx context.Context, req proxy.Request, dest target.URL) (proxy.Response, error) {
	start := time.Now()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, destString(dest), body)
	if err != nil {
		return proxy.Response{}, fmt.Errorf("create request: %w", err)
	}

	for k, v := range req.Headers {
		if hopByHop[strings.ToLower(k)] || strings.EqualFold(k, "Host") {
			continue
		}
		httpReq.Header.Set(k, v)
	}
	// The destination host replaces the inbound one; the original rides
	// along in the forwarding headers.
	httpReq.Header.Set("X-Forwarded-For", req.RemoteIP)
	// The caller's own Referer rides through untouched; the canonical
	// allow-list key substitutes only when the client sent none.
	if httpReq.Header.Get("Referer") == "" &&
		req.ReferrerKey != "" && req.ReferrerKey != target.Wildcard {
		httpReq.Header.Set("Referer", req.ReferrerKey)
	}
	if req.TraceID != "" {
		httpReq.Header.Set("X-Request-ID", req.TraceID)
	}

	if u.metrics != nil {
		u.metrics.UpstreamInFlight.Inc()
	}
	resp, err := u.client.Do(httpReq)
	if u.metrics != nil {
		u.metrics.UpstreamInFlight.Dec()
	}
	if err != nil {
		u.recordError(err)
		return proxy.Response{}, fmt.Errorf("execute request: %w", err)
	}
	if u.metrics != nil {
		u.metrics.UpstreamDuration.
			WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).
			Observe(time.Since(start).Seconds())
	}

	prefix := make([]byte, u.inspectLimit)
	n, err := io.ReadFull(resp.Body, prefix)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		resp.Body.Close()
		return proxy.Response{}, fmt.Errorf("read response: %w", err)
	}
	prefix = prefix[:n]

	headers := make(map[string]string)
	for k, v := range resp.Header {
		if hopByHop[strings.ToLower(k)] {
			continue
		}
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return proxy.Response{
		Status:       resp.StatusCode,
		Headers:      headers,
		Prefix:       prefix,
		Rest:         resp.Body,
		LatencyMs:    time.Since(start).Milliseconds(),
		UpstreamAddr: httpReq.URL.Host,
	}, nil
}

// recordError classifies a transport failure for the error counter.
func (u *UpstreamClient) recordError(err error) {
	if u.metrics == nil {
		return
	}
	kind := "connection"
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = "timeout"
	} else if errors.Is(err, context.Canceled) {
		kind = "canceled"
	}
	u.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
}

// destString renders the destination tuple as a dialable URL.
func destString(dest target.URL) string {
	var b strings.Builder
	proto := dest.Protocol
	if proto == "" || proto == target.Wildcard {
		proto = "http"
	}
	b.WriteString(proto)
	b.WriteString("://")
	b.WriteString(dest.Host)
	if dest.Port != "" && dest.Port != target.Wildcard {
		b.WriteByte(':')
		b.WriteString(dest.Port)
	}
	path := dest.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		b.WriteByte('/')
	}
	b.WriteString(path)
	if dest.Query != "" {
		b.WriteByte('?')
		b.WriteString(dest.Query)
	}
	return b.String()
}

// Close releases idle connections.
func (u *UpstreamClient) Close() error {
	u.client.CloseIdleConnections()
	return nil
}

// Ensure interface compliance.
var _ ports.Upstream = (*UpstreamClient)(nil)
