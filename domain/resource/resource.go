// Package resource provides configured upstream destinations and the
// wildcard matcher that selects one for a request.
package resource

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/artpar/geogate/domain/target"
)

// CredentialMode identifies how a resource authenticates with its upstream.
type CredentialMode int

const (
	// CredentialNone forwards requests without authentication.
	CredentialNone CredentialMode = iota
	// CredentialStatic injects a fixed access token.
	CredentialStatic
	// CredentialUser exchanges username+password for a token.
	CredentialUser
	// CredentialApp exchanges clientId+clientSecret via the OAuth endpoint.
	CredentialApp
)

func (m CredentialMode) String() string {
	switch m {
	case CredentialStatic:
		return "static"
	case CredentialUser:
		return "user"
	case CredentialApp:
		return "app"
	default:
		return "none"
	}
}

// Credentials holds at most one credential mode worth of secrets.
type Credentials struct {
	AccessToken  string
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
}

// Mode derives the credential mode from which fields are populated.
func (c Credentials) Mode() CredentialMode {
	switch {
	case c.ClientID != "" || c.ClientSecret != "":
		return CredentialApp
	case c.Username != "" || c.Password != "":
		return CredentialUser
	case c.AccessToken != "":
		return CredentialStatic
	default:
		return CredentialNone
	}
}

// Validate enforces that exactly zero or one credential mode is configured.
func (c Credentials) Validate() error {
	modes := 0
	if c.AccessToken != "" {
		modes++
	}
	if c.Username != "" || c.Password != "" {
		modes++
	}
	if c.ClientID != "" || c.ClientSecret != "" {
		modes++
	}
	if modes > 1 {
		return fmt.Errorf("at most one credential mode per resource (found %d)", modes)
	}
	return nil
}

// Resource is one configured upstream destination plus its policy.
// Immutable after construction except for Counters.
type Resource struct {
	// URL is the original pattern string from configuration.
	URL string
	// Pattern is the parsed form of URL; any component may be a wildcard.
	Pattern target.URL
	// MatchAll selects exact-path matching; false means prefix matching.
	MatchAll bool

	// HostRedirect, when non-nil, overrides the upstream destination.
	HostRedirect *target.URL

	Credentials Credentials
	// OAuthEndpoint overrides the derived OAuth endpoint for the app flow.
	OAuthEndpoint string
	// TokenParam is the query parameter carrying the token. Default "token".
	TokenParam string

	// RateLimit is the admission cap per window; RateLimitPeriod is in
	// minutes. Both zero means unlimited.
	RateLimit       int
	RateLimitPeriod int

	Counters Counters
}

// WindowSeconds returns the sliding-window length derived from the rate cap:
// rateLimit admissions per (rateLimitPeriod*60) seconds.
func (r *Resource) WindowSeconds() float64 {
	if !r.RateEnabled() {
		return 0
	}
	return float64(r.RateLimitPeriod*60) / float64(r.RateLimit)
}

// RateEnabled reports whether this resource carries a rate cap.
func (r *Resource) RateEnabled() bool {
	return r.RateLimit > 0 && r.RateLimitPeriod > 0
}

// CredentialBearing reports whether the broker can mint tokens for this
// resource (user or app mode).
func (r *Resource) CredentialBearing() bool {
	m := r.Credentials.Mode()
	return m == CredentialUser || m == CredentialApp
}

// Validate checks the invariants established at configuration load.
func (r *Resource) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("resource url is required")
	}
	if err := r.Credentials.Validate(); err != nil {
		return fmt.Errorf("resource %s: %w", r.URL, err)
	}
	if (r.RateLimit > 0) != (r.RateLimitPeriod > 0) {
		return fmt.Errorf("resource %s: rateLimit and rateLimitPeriod must both be positive", r.URL)
	}
	return nil
}

// New builds a Resource from its configured pattern string, precomputing the
// parsed pattern and host redirect.
func New(url string, matchAll bool, hostRedirect string) *Resource {
	r := &Resource{
		URL:      url,
		Pattern:  target.Parse(url),
		MatchAll: matchAll,
	}
	if hostRedirect != "" {
		hr := target.Parse(hostRedirect)
		r.HostRedirect = &hr
	}
	return r
}

// Matches reports whether the request tuple selects this resource.
// Host: segment-wise wildcard equality. Protocol: wildcard on either side.
// Path: exact (or pattern "*") when MatchAll, else case-insensitive prefix.
// Port is parsed but deliberately not consulted; matching has always been
// port-blind and configurations depend on it.
func (r *Resource) Matches(req target.URL) bool {
	if !target.HostSegmentsMatch(r.Pattern.Host, req.Host) {
		return false
	}
	if !target.ProtocolsMatch(r.Pattern.Protocol, req.Protocol) {
		return false
	}
	return r.pathMatches(req.Path)
}

func (r *Resource) pathMatches(path string) bool {
	if target.PathIsWildcard(r.Pattern.Path) {
		return true
	}
	if r.MatchAll {
		return strings.EqualFold(path, r.Pattern.Path)
	}
	return len(path) >= len(r.Pattern.Path) &&
		strings.EqualFold(path[:len(r.Pattern.Path)], r.Pattern.Path)
}

// Match returns the first resource in configuration order whose pattern
// matches the request, or nil. First match wins; the result is
// deterministic for a fixed resource list.
func Match(resources []*Resource, req target.URL) *Resource {
	for _, r := range resources {
		if r.Matches(req) {
			return r
		}
	}
	return nil
}

// Counters tracks per-resource request statistics. Safe for concurrent use.
type Counters struct {
	mu            sync.Mutex
	totalRequests int64
	firstRequest  time.Time
	lastRequest   time.Time
}

// Record notes one dispatched request at the given time.
func (c *Counters) Record(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	if c.firstRequest.IsZero() {
		c.firstRequest = now
	}
	c.lastRequest = now
}

// Snapshot returns a consistent copy of the counter values.
func (c *Counters) Snapshot() (total int64, first, last time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalRequests, c.firstRequest, c.lastRequest
}

// UpstreamTarget composes the tuple the forwarder should dial for a matched
// request. With a host-redirect the redirect's host (and port, when set)
// replace the resource's; the redirect's path wins unless it is empty or a
// wildcard, in which case the request's path is kept. Without a redirect the
// resource's own components are used, falling back to the request's wherever
// the pattern holds a wildcard; for prefix matching the request's trailing
// path elements ride along unchanged.
func (r *Resource) UpstreamTarget(req target.URL) target.URL {
	out := target.URL{
		Protocol: pick(r.Pattern.Protocol, req.Protocol, "http"),
		Host:     pickHost(r.Pattern.Host, req.Host),
		Port:     pick(r.Pattern.Port, req.Port, target.Wildcard),
		Path:     req.Path,
		Query:    req.Query,
	}

	if hr := r.HostRedirect; hr != nil {
		out.Host = hr.Host
		if hr.Port != target.Wildcard && hr.Port != "" {
			out.Port = hr.Port
		}
		if hr.Protocol != target.Wildcard && hr.Protocol != "" {
			out.Protocol = hr.Protocol
		}
		if !target.PathIsWildcard(hr.Path) {
			out.Path = hr.Path
		}
	}
	return out
}

// pick returns the first value that is neither empty nor a wildcard.
func pick(values ...string) string {
	for _, v := range values {
		if v != "" && v != target.Wildcard {
			return v
		}
	}
	return values[len(values)-1]
}

// pickHost resolves a wildcard-bearing pattern host against the request
// host. A pattern with any wildcard segment defers to the request.
func pickHost(pattern, request string) string {
	if pattern == target.Wildcard || strings.Contains(pattern, target.Wildcard) {
		return request
	}
	return pattern
}

// Passthrough builds a synthetic credential-less resource for requests that
// match nothing when must-match is disabled.
func Passthrough(req target.URL) *Resource {
	return &Resource{
		URL:      req.String(),
		Pattern:  req,
		MatchAll: false,
	}
}
