package app_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/artpar/geogate/adapters/clock"
	"github.com/artpar/geogate/app"
	"github.com/artpar/geogate/domain/meter"
	"github.com/artpar/geogate/domain/proxy"
	"github.com/artpar/geogate/domain/referrer"
	"github.com/artpar/geogate/domain/resource"
	"github.com/artpar/geogate/domain/target"
	"github.com/artpar/geogate/domain/token"
)

// fakeMeterStore applies the admission algorithm over an in-memory map.
type fakeMeterStore struct {
	mu   sync.Mutex
	rows map[meter.Key]meter.Row
	err  error
}

func newFakeMeterStore() *fakeMeterStore {
	return &fakeMeterStore{rows: make(map[meter.Key]meter.Row)}
}

func (s *fakeMeterStore) Init(_ context.Context, rows []meter.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[meter.Key]meter.Row)
	for _, r := range rows {
		s.rows[meter.Key{URL: r.URL, Referrer: r.Referrer}] = r
	}
	return nil
}

func (s *fakeMeterStore) Admit(_ context.Context, key meter.Key, cfg meter.Config, now float64) (meter.Outcome, error) {
	if s.err != nil {
		return meter.Outcome{}, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key]
	if !ok {
		row = meter.Row{URL: key.URL, Referrer: key.Referrer}
	}
	outcome, next := meter.Admit(row, cfg, now)
	s.rows[key] = next
	return outcome, nil
}

func (s *fakeMeterStore) Snapshot(context.Context) ([]meter.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]meter.Row, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out, nil
}

// fakeUpstream returns queued errors and responses and records forwarded
// destinations.
type fakeUpstream struct {
	mu        sync.Mutex
	responses []proxy.Response
	errs      []error
	err       error
	dests     []target.URL
}

func (u *fakeUpstream) Forward(_ context.Context, _ proxy.Request, dest target.URL) (proxy.Response, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dests = append(u.dests, dest)
	if len(u.errs) > 0 {
		err := u.errs[0]
		u.errs = u.errs[1:]
		if err != nil {
			return proxy.Response{}, err
		}
	} else if u.err != nil {
		return proxy.Response{}, u.err
	}
	if len(u.responses) == 0 {
		return proxy.Response{Status: 200, Headers: map[string]string{}}, nil
	}
	resp := u.responses[0]
	u.responses = u.responses[1:]
	return resp, nil
}

// timeoutErr satisfies net.Error with Timeout() == true.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// fakeVendor mints sequenced tokens.
type fakeVendor struct {
	mu     sync.Mutex
	calls  int
	err    error
	prefix string
}

func (v *fakeVendor) mint() (token.Token, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return token.Token{}, v.err
	}
	v.calls++
	return token.Token{
		Value:     fmt.Sprintf("%stok%d", v.prefix, v.calls),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (v *fakeVendor) AppLogin(context.Context, *resource.Resource) (token.Token, error) {
	return v.mint()
}

func (v *fakeVendor) UserLogin(context.Context, *resource.Resource, string) (token.Token, error) {
	return v.mint()
}

func testDispatcher(t *testing.T, snap *app.Snapshot) (*app.Dispatcher, *fakeMeterStore, *fakeUpstream, *fakeVendor) {
	t.Helper()
	meters := newFakeMeterStore()
	upstream := &fakeUpstream{}
	vendor := &fakeVendor{}
	fc := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	broker := app.NewBroker(vendor, fc, time.Second)
	d := app.NewDispatcher(app.DispatcherDeps{
		Meters:   meters,
		Upstream: upstream,
		Broker:   broker,
		Clock:    fc,
	}, snap)
	return d, meters, upstream, vendor
}

func openSnapshot(resources ...*resource.Resource) *app.Snapshot {
	return &app.Snapshot{
		Resources: resources,
		Referrers: referrer.NewPatterns([]string{"*"}, false),
	}
}

func request(raw string) proxy.Request {
	return proxy.Request{
		Target:  target.Parse(raw),
		Method:  "GET",
		Headers: map[string]string{},
	}
}

func TestDispatch_PlainForward(t *testing.T) {
	res := resource.New("http://gis.example.com/services", false, "")
	d, _, upstream, _ := testDispatcher(t, openSnapshot(res))

	result := d.Dispatch(context.Background(), request("http://gis.example.com/services/Roads/MapServer?f=json"))

	if result.Err != nil {
		t.Fatalf("err = %v", result.Err)
	}
	if result.Response.Status != 200 {
		t.Errorf("status = %d", result.Response.Status)
	}
	if len(upstream.dests) != 1 {
		t.Fatalf("forwarded %d times", len(upstream.dests))
	}
	if upstream.dests[0].Query != "f=json" {
		t.Errorf("query = %q", upstream.dests[0].Query)
	}
	if result.ResourceURL != res.URL {
		t.Errorf("resource = %q", result.ResourceURL)
	}
}

func TestDispatch_ReferrerDenied(t *testing.T) {
	res := resource.New("http://gis.example.com/services", false, "")
	snap := &app.Snapshot{
		Resources: []*resource.Resource{res},
		Referrers: referrer.NewPatterns([]string{"http://app.example.com"}, false),
	}
	d, _, upstream, _ := testDispatcher(t, snap)

	req := request("http://gis.example.com/services/Roads")
	req.Headers["Referer"] = "http://evil.example.org/page"
	result := d.Dispatch(context.Background(), req)

	if result.Err == nil || result.Err.Code != 403 {
		t.Fatalf("err = %v, want 403", result.Err)
	}
	if !result.ReferrerDenied {
		t.Error("ReferrerDenied not set")
	}
	if len(upstream.dests) != 0 {
		t.Error("denied request reached upstream")
	}
}

func TestDispatch_NoMatchMustMatch(t *testing.T) {
	res := resource.New("http://gis.example.com/services", false, "")
	snap := openSnapshot(res)
	snap.MustMatch = true
	d, _, _, _ := testDispatcher(t, snap)

	result := d.Dispatch(context.Background(), request("http://unknown.example.net/thing"))

	if result.Err == nil || result.Err.Code != 404 {
		t.Fatalf("err = %v, want 404", result.Err)
	}
}

func TestDispatch_NoMatchPassthrough(t *testing.T) {
	res := resource.New("http://gis.example.com/services", false, "")
	d, _, upstream, _ := testDispatcher(t, openSnapshot(res))

	result := d.Dispatch(context.Background(), request("http://unknown.example.net/thing"))

	if result.Err != nil {
		t.Fatalf("err = %v", result.Err)
	}
	if len(upstream.dests) != 1 || upstream.dests[0].Host != "unknown.example.net" {
		t.Errorf("dests = %+v", upstream.dests)
	}
}

func TestDispatch_RateLimit(t *testing.T) {
	res := resource.New("http://gis.example.com/services", false, "")
	res.RateLimit = 2
	res.RateLimitPeriod = 1
	d, _, _, _ := testDispatcher(t, openSnapshot(res))

	req := request("http://gis.example.com/services/Roads")
	for i := 0; i < 2; i++ {
		if result := d.Dispatch(context.Background(), req); result.Err != nil {
			t.Fatalf("request %d: %v", i, result.Err)
		}
	}
	result := d.Dispatch(context.Background(), req)
	if result.Err == nil || result.Err.Code != 429 {
		t.Fatalf("err = %v, want 429", result.Err)
	}
	if !result.RateDenied {
		t.Error("RateDenied not set")
	}
}

func TestDispatch_LimiterUnavailable(t *testing.T) {
	res := resource.New("http://gis.example.com/services", false, "")
	res.RateLimit = 2
	res.RateLimitPeriod = 1
	d, meters, _, _ := testDispatcher(t, openSnapshot(res))
	meters.err = fmt.Errorf("disk gone")

	result := d.Dispatch(context.Background(), request("http://gis.example.com/services/Roads"))
	if result.Err == nil || result.Err.Code != 420 {
		t.Fatalf("err = %v, want 420", result.Err)
	}
}

func TestDispatch_StaticTokenInjected(t *testing.T) {
	res := resource.New("http://gis.example.com/secure", false, "")
	res.Credentials.AccessToken = "static-secret"
	d, _, upstream, _ := testDispatcher(t, openSnapshot(res))

	result := d.Dispatch(context.Background(), request("http://gis.example.com/secure/MapServer?f=json"))
	if result.Err != nil {
		t.Fatalf("err = %v", result.Err)
	}
	if got := upstream.dests[0].Query; got != "f=json&token=static-secret" {
		t.Errorf("query = %q", got)
	}
}

func TestDispatch_CallerTokenWins(t *testing.T) {
	res := resource.New("http://gis.example.com/secure", false, "")
	res.Credentials.AccessToken = "static-secret"
	d, _, upstream, _ := testDispatcher(t, openSnapshot(res))

	result := d.Dispatch(context.Background(), request("http://gis.example.com/secure/MapServer?token=mine"))
	if result.Err != nil {
		t.Fatalf("err = %v", result.Err)
	}
	if got := upstream.dests[0].Query; got != "token=mine" {
		t.Errorf("query = %q", got)
	}
}

func TestDispatch_BrokeredTokenAndRetry(t *testing.T) {
	res := resource.New("http://gis.example.com/secure", false, "")
	res.Credentials.Username = "svc"
	res.Credentials.Password = "pw"
	d, _, upstream, vendor := testDispatcher(t, openSnapshot(res))

	upstream.responses = []proxy.Response{
		{Status: 200, Headers: map[string]string{}, Prefix: []byte(`{"error":{"code":498,"message":"Invalid token"}}`)},
		{Status: 200, Headers: map[string]string{}, Prefix: []byte(`{"features":[]}`)},
	}

	result := d.Dispatch(context.Background(), request("http://gis.example.com/secure/MapServer?f=json"))
	if result.Err != nil {
		t.Fatalf("err = %v", result.Err)
	}
	if !result.Retried {
		t.Error("Retried not set")
	}
	if vendor.calls != 2 {
		t.Errorf("vendor calls = %d, want 2 (initial + refresh)", vendor.calls)
	}
	if len(upstream.dests) != 2 {
		t.Fatalf("forwarded %d times, want 2", len(upstream.dests))
	}
	if got := upstream.dests[1].Query; got != "f=json&token=tok2" {
		t.Errorf("retry query = %q, want fresh token", got)
	}
}

func TestDispatch_RetryIsOneShot(t *testing.T) {
	res := resource.New("http://gis.example.com/secure", false, "")
	res.Credentials.Username = "svc"
	res.Credentials.Password = "pw"
	d, _, upstream, _ := testDispatcher(t, openSnapshot(res))

	expired := proxy.Response{Status: 200, Headers: map[string]string{},
		Prefix: []byte(`{"error":{"code":499,"message":"Token required"}}`)}
	upstream.responses = []proxy.Response{expired, expired}

	result := d.Dispatch(context.Background(), request("http://gis.example.com/secure/MapServer"))
	if result.Err != nil {
		t.Fatalf("err = %v", result.Err)
	}
	if len(upstream.dests) != 2 {
		t.Errorf("forwarded %d times, want exactly 2", len(upstream.dests))
	}
	// The second expiry is passed through to the caller untouched.
	if result.Response.Status != 200 {
		t.Errorf("status = %d", result.Response.Status)
	}
}

func TestDispatch_TimeoutRetriedOnce(t *testing.T) {
	res := resource.New("http://gis.example.com/services", false, "")
	d, _, upstream, _ := testDispatcher(t, openSnapshot(res))
	upstream.errs = []error{timeoutErr{}}

	result := d.Dispatch(context.Background(), request("http://gis.example.com/services/Roads"))
	if result.Err != nil {
		t.Fatalf("err = %v, want success after the timeout retry", result.Err)
	}
	if len(upstream.dests) != 2 {
		t.Errorf("forwarded %d times, want 2", len(upstream.dests))
	}
}

func TestDispatch_SecondTimeoutIs502(t *testing.T) {
	res := resource.New("http://gis.example.com/services", false, "")
	d, _, upstream, _ := testDispatcher(t, openSnapshot(res))
	upstream.errs = []error{timeoutErr{}, timeoutErr{}}

	result := d.Dispatch(context.Background(), request("http://gis.example.com/services/Roads"))
	if result.Err == nil || result.Err.Code != 502 {
		t.Fatalf("err = %v, want 502", result.Err)
	}
	if len(upstream.dests) != 2 {
		t.Errorf("forwarded %d times, want exactly 2", len(upstream.dests))
	}
}

func TestDispatch_NonTimeoutErrorNotRetried(t *testing.T) {
	res := resource.New("http://gis.example.com/services", false, "")
	d, _, upstream, _ := testDispatcher(t, openSnapshot(res))
	upstream.errs = []error{fmt.Errorf("connection refused")}

	result := d.Dispatch(context.Background(), request("http://gis.example.com/services/Roads"))
	if result.Err == nil || result.Err.Code != 502 {
		t.Fatalf("err = %v, want 502", result.Err)
	}
	if len(upstream.dests) != 1 {
		t.Errorf("forwarded %d times, want 1", len(upstream.dests))
	}
}

func TestDispatch_TokenAcquisitionFailure(t *testing.T) {
	res := resource.New("http://gis.example.com/secure", false, "")
	res.Credentials.ClientID = "id"
	res.Credentials.ClientSecret = "secret"
	d, _, _, vendor := testDispatcher(t, openSnapshot(res))
	vendor.err = fmt.Errorf("portal down")

	result := d.Dispatch(context.Background(), request("http://gis.example.com/secure/MapServer"))
	if result.Err == nil || result.Err.Code != 502 {
		t.Fatalf("err = %v, want 502", result.Err)
	}
}

func TestDispatch_ContentTypeRewritten(t *testing.T) {
	res := resource.New("http://gis.example.com/wms", false, "")
	d, _, upstream, _ := testDispatcher(t, openSnapshot(res))
	upstream.responses = []proxy.Response{
		{Status: 200, Headers: map[string]string{"Content-Type": "application/vnd.ogc.wms_xml; charset=utf-8"}},
	}

	result := d.Dispatch(context.Background(), request("http://gis.example.com/wms?request=GetCapabilities"))
	if result.Err != nil {
		t.Fatalf("err = %v", result.Err)
	}
	if got := result.Response.Headers["Content-Type"]; got != "text/xml; charset=utf-8" {
		t.Errorf("content type = %q", got)
	}
}

func TestDispatch_HostRedirect(t *testing.T) {
	res := resource.New("http://public.example.com/services", false, "https://internal.example.com:8443")
	d, _, upstream, _ := testDispatcher(t, openSnapshot(res))

	result := d.Dispatch(context.Background(), request("http://public.example.com/services/Roads?f=json"))
	if result.Err != nil {
		t.Fatalf("err = %v", result.Err)
	}
	dest := upstream.dests[0]
	if dest.Host != "internal.example.com" || dest.Port != "8443" || dest.Protocol != "https" {
		t.Errorf("dest = %+v", dest)
	}
}

func TestDispatch_ReloadSwapsResources(t *testing.T) {
	res := resource.New("http://gis.example.com/services", false, "")
	d, _, _, _ := testDispatcher(t, openSnapshot(res))

	snap := openSnapshot(resource.New("http://other.example.com/svc", false, ""))
	snap.MustMatch = true
	d.Reload(snap)

	result := d.Dispatch(context.Background(), request("http://gis.example.com/services/Roads"))
	if result.Err == nil || result.Err.Code != 404 {
		t.Fatalf("err = %v, want 404 after reload", result.Err)
	}
}
