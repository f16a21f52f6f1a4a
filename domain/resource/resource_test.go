package resource_test

import (
	"testing"
	"time"

	"github.com/artpar/geogate/domain/resource"
	"github.com/artpar/geogate/domain/target"
)

func TestMatch_FirstMatchWins(t *testing.T) {
	resources := []*resource.Resource{
		resource.New("http://tiles.example.com/ArcGIS/rest/services", false, ""),
		resource.New("http://tiles.example.com/ArcGIS", false, ""),
	}

	req := target.Parse("http://tiles.example.com/ArcGIS/rest/services/World/MapServer")
	got := resource.Match(resources, req)

	if got != resources[0] {
		t.Fatalf("matched %v, want first resource", got)
	}
}

func TestMatch_Deterministic(t *testing.T) {
	resources := []*resource.Resource{
		resource.New("http://a.example.com/x", false, ""),
		resource.New("http://*.example.com/*", false, ""),
	}
	req := target.Parse("http://a.example.com/x/y")

	first := resource.Match(resources, req)
	for i := 0; i < 10; i++ {
		if got := resource.Match(resources, req); got != first {
			t.Fatal("match result changed between calls")
		}
	}
}

func TestMatches_HostSegmentWildcard(t *testing.T) {
	r := resource.New("http://*.example.com/services", false, "")

	if !r.Matches(target.Parse("http://www.example.com/services/World")) {
		t.Error("*.example.com should match www.example.com")
	}
	if r.Matches(target.Parse("http://deep.www.example.com/services/World")) {
		t.Error("*.example.com should not match deep.www.example.com (segment count)")
	}
}

func TestMatches_ProtocolWildcard(t *testing.T) {
	r := resource.New("*://tiles.example.com/services", false, "")

	if !r.Matches(target.Parse("https://tiles.example.com/services")) {
		t.Error("wildcard protocol should match https")
	}

	strict := resource.New("http://tiles.example.com/services", false, "")
	if strict.Matches(target.Parse("https://tiles.example.com/services")) {
		t.Error("http pattern should not match https request")
	}
	// A request with no scheme carries the wildcard and matches either.
	if !strict.Matches(target.ParseTail("tiles.example.com/services")) {
		t.Error("wildcard request protocol should match http pattern")
	}
}

func TestMatches_MatchAllExactPath(t *testing.T) {
	exact := resource.New("http://tiles.example.com/services", true, "")

	if !exact.Matches(target.Parse("http://tiles.example.com/services")) {
		t.Error("exact path should match itself")
	}
	if exact.Matches(target.Parse("http://tiles.example.com/services/World")) {
		t.Error("matchAll should reject longer paths")
	}

	prefix := resource.New("http://tiles.example.com/services", false, "")
	if !prefix.Matches(target.Parse("http://tiles.example.com/services/World")) {
		t.Error("prefix match should accept longer paths")
	}
}

func TestMatches_PortIgnored(t *testing.T) {
	r := resource.New("http://tiles.example.com/services", false, "")
	if !r.Matches(target.Parse("http://tiles.example.com:6080/services")) {
		t.Error("port must not participate in matching")
	}
}

func TestMatch_NoMatch(t *testing.T) {
	resources := []*resource.Resource{
		resource.New("http://tiles.example.com/services", false, ""),
	}
	if got := resource.Match(resources, target.Parse("http://other.example.org/services")); got != nil {
		t.Errorf("matched %v, want nil", got)
	}
}

func TestCredentials_Mode(t *testing.T) {
	tests := []struct {
		name  string
		creds resource.Credentials
		want  resource.CredentialMode
	}{
		{"none", resource.Credentials{}, resource.CredentialNone},
		{"static", resource.Credentials{AccessToken: "abc"}, resource.CredentialStatic},
		{"user", resource.Credentials{Username: "u", Password: "p"}, resource.CredentialUser},
		{"app", resource.Credentials{ClientID: "c", ClientSecret: "s"}, resource.CredentialApp},
	}
	for _, tt := range tests {
		if got := tt.creds.Mode(); got != tt.want {
			t.Errorf("%s: mode = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCredentials_ValidateRejectsMixedModes(t *testing.T) {
	c := resource.Credentials{AccessToken: "abc", Username: "u"}
	if err := c.Validate(); err == nil {
		t.Error("expected error for mixed credential modes")
	}
}

func TestResource_ValidateRatePairing(t *testing.T) {
	r := resource.New("http://tiles.example.com/services", false, "")
	r.RateLimit = 10
	if err := r.Validate(); err == nil {
		t.Error("expected error when rateLimitPeriod is missing")
	}
	r.RateLimitPeriod = 1
	if err := r.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWindowSeconds(t *testing.T) {
	r := resource.New("http://tiles.example.com/services", false, "")
	r.RateLimit = 3
	r.RateLimitPeriod = 1

	// 3 per 60s -> 20s windows.
	if got := r.WindowSeconds(); got != 20 {
		t.Errorf("windowSeconds = %v, want 20", got)
	}
}

func TestCounters(t *testing.T) {
	var c resource.Counters
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	c.Record(t0)
	c.Record(t0.Add(time.Minute))

	total, first, last := c.Snapshot()
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if !first.Equal(t0) {
		t.Errorf("first = %v, want %v", first, t0)
	}
	if !last.Equal(t0.Add(time.Minute)) {
		t.Errorf("last = %v, want %v", last, t0.Add(time.Minute))
	}
}

func TestPassthrough(t *testing.T) {
	req := target.Parse("http://anything.example.net/some/path")
	r := resource.Passthrough(req)

	if r.CredentialBearing() {
		t.Error("passthrough resource must not bear credentials")
	}
	if r.RateEnabled() {
		t.Error("passthrough resource must not be rate limited")
	}
	if !r.Matches(req) {
		t.Error("passthrough resource should match its own request")
	}
}

func TestUpstreamTarget_FromPattern(t *testing.T) {
	r := resource.New("https://gis.example.com/arcgis/rest/services", false, "")
	req := target.Parse("https://gis.example.com/arcgis/rest/services/Roads/MapServer/0")

	got := r.UpstreamTarget(req)
	if got.Host != "gis.example.com" {
		t.Errorf("host = %q", got.Host)
	}
	if got.Path != "/arcgis/rest/services/Roads/MapServer/0" {
		t.Errorf("path = %q; trailing elements must ride along", got.Path)
	}
	if got.Protocol != "https" {
		t.Errorf("protocol = %q", got.Protocol)
	}
}

func TestUpstreamTarget_WildcardHostUsesRequest(t *testing.T) {
	r := resource.New("*/arcgis/rest/services", false, "")
	req := target.Parse("http://tiles.example.net/arcgis/rest/services/Base/MapServer")

	got := r.UpstreamTarget(req)
	if got.Host != "tiles.example.net" {
		t.Errorf("host = %q, want request host", got.Host)
	}
	if got.Protocol != "http" {
		t.Errorf("protocol = %q", got.Protocol)
	}
}

func TestUpstreamTarget_HostRedirect(t *testing.T) {
	r := resource.New("http://public.example.com/services", false, "https://internal.example.com:8443")
	req := target.Parse("http://public.example.com/services/Roads/MapServer?f=json")

	got := r.UpstreamTarget(req)
	if got.Host != "internal.example.com" {
		t.Errorf("host = %q", got.Host)
	}
	if got.Port != "8443" {
		t.Errorf("port = %q", got.Port)
	}
	if got.Protocol != "https" {
		t.Errorf("protocol = %q", got.Protocol)
	}
	if got.Path != "/services/Roads/MapServer" {
		t.Errorf("path = %q; empty redirect path keeps request path", got.Path)
	}
	if got.Query != "f=json" {
		t.Errorf("query = %q", got.Query)
	}
}

func TestUpstreamTarget_RedirectPathOverrides(t *testing.T) {
	r := resource.New("http://public.example.com/old", false, "http://internal.example.com/new/endpoint")
	req := target.Parse("http://public.example.com/old/ignored")

	got := r.UpstreamTarget(req)
	if got.Path != "/new/endpoint" {
		t.Errorf("path = %q, want redirect path", got.Path)
	}
}
