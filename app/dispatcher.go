package app

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/artpar/geogate/domain/meter"
	"github.com/artpar/geogate/domain/proxy"
	"github.com/artpar/geogate/domain/referrer"
	"github.com/artpar/geogate/domain/resource"
	"github.com/artpar/geogate/ports"
)

// Snapshot is the hot-reloadable routing configuration: the resource table,
// the referrer allow-list, and the must-match policy.
type Snapshot struct {
	Resources []*resource.Resource
	Referrers []referrer.Pattern
	// MustMatch rejects requests that select no resource instead of
	// forwarding them credential-less.
	MustMatch bool
}

// Result is the outcome of one dispatched request. Exactly one of Response
// and Err is meaningful; the remaining fields feed logging and metrics.
type Result struct {
	Response proxy.Response
	Err      *proxy.ErrorResponse

	ResourceURL    string
	ReferrerKey    string
	TokenFlow      string
	Retried        bool
	ReferrerDenied bool
	RateDenied     bool
}

// Dispatcher runs the proxy pipeline: referrer validation, resource
// matching, rate admission, token injection, forwarding, and the one-shot
// retry after an upstream auth expiry.
type Dispatcher struct {
	meters   ports.MeterStore
	upstream ports.Upstream
	broker   *Broker
	clock    ports.Clock

	snapshot atomic.Pointer[Snapshot]
}

// DispatcherDeps contains dependencies for Dispatcher.
type DispatcherDeps struct {
	Meters   ports.MeterStore
	Upstream ports.Upstream
	Broker   *Broker
	Clock    ports.Clock
}

// NewDispatcher creates a dispatcher with an initial snapshot.
func NewDispatcher(deps DispatcherDeps, snap *Snapshot) *Dispatcher {
	d := &Dispatcher{
		meters:   deps.Meters,
		upstream: deps.Upstream,
		broker:   deps.Broker,
		clock:    deps.Clock,
	}
	d.snapshot.Store(snap)
	return d
}

// Reload swaps the routing snapshot and flushes brokered tokens.
func (d *Dispatcher) Reload(snap *Snapshot) {
	d.snapshot.Store(snap)
	if d.broker != nil {
		d.broker.Flush()
	}
}

// Snapshot returns the current routing snapshot.
func (d *Dispatcher) Snapshot() *Snapshot {
	return d.snapshot.Load()
}

// Dispatch runs one request through the pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, req proxy.Request) Result {
	snap := d.snapshot.Load()
	now := d.clock.Now()

	if req.Target.Host == "" {
		return Result{Err: &proxy.ErrBadRequest}
	}

	key, ok := referrer.Validate(snap.Referrers, req.Headers["Referer"])
	if !ok {
		return Result{Err: &proxy.ErrReferrerDenied, ReferrerDenied: true}
	}
	req.ReferrerKey = key

	res := resource.Match(snap.Resources, req.Target)
	if res == nil {
		if snap.MustMatch {
			return Result{Err: &proxy.ErrNoResource, ReferrerKey: key}
		}
		res = resource.Passthrough(req.Target)
	}
	res.Counters.Record(now)

	result := Result{
		ResourceURL: res.URL,
		ReferrerKey: key,
		TokenFlow:   res.Credentials.Mode().String(),
	}

	if res.RateEnabled() {
		outcome, err := d.meters.Admit(ctx,
			meter.Key{URL: res.URL, Referrer: key},
			meter.Config{Limit: res.RateLimit, WindowSeconds: res.WindowSeconds()},
			float64(now.UnixNano())/float64(time.Second))
		if err != nil {
			result.Err = &proxy.ErrLimiterUnavailable
			return result
		}
		if !outcome.Admitted {
			result.Err = &proxy.ErrRateExceeded
			result.RateDenied = true
			return result
		}
	}

	tokenValue, errResp := d.resolveToken(ctx, res, key)
	if errResp != nil {
		result.Err = errResp
		return result
	}

	resp, err := d.forwardWithRetry(ctx, req, res, tokenValue, false)
	if err != nil {
		result.Err = &proxy.ErrUpstream
		return result
	}

	// A credential-bearing resource whose token the upstream rejected gets
	// one retry with a fresh token.
	if res.CredentialBearing() && proxy.AuthExpired(resp.Prefix, resp.Headers["Content-Encoding"]) {
		closeBody(resp)

		fresh, err := d.broker.Refresh(ctx, res, key)
		if err != nil {
			result.Err = &proxy.ErrTokenAcquisition
			return result
		}
		resp, err = d.forwardWithRetry(ctx, req, res, fresh, true)
		if err != nil {
			result.Err = &proxy.ErrUpstream
			return result
		}
		result.Retried = true
	}

	if ct, ok := resp.Headers["Content-Type"]; ok {
		resp.Headers["Content-Type"] = proxy.RewriteContentType(ct)
	}

	result.Response = resp
	return result
}

// resolveToken produces the token to inject, if any.
func (d *Dispatcher) resolveToken(ctx context.Context, res *resource.Resource, referrerKey string) (string, *proxy.ErrorResponse) {
	switch res.Credentials.Mode() {
	case resource.CredentialStatic:
		return res.Credentials.AccessToken, nil
	case resource.CredentialUser, resource.CredentialApp:
		t, err := d.broker.Token(ctx, res, referrerKey)
		if err != nil {
			return "", &proxy.ErrTokenAcquisition
		}
		return t, nil
	default:
		return "", nil
	}
}

// forwardWithRetry sends the request upstream, re-forwarding once when the
// first attempt times out. A second timeout surfaces to the caller.
func (d *Dispatcher) forwardWithRetry(ctx context.Context, req proxy.Request, res *resource.Resource, tokenValue string, force bool) (proxy.Response, error) {
	resp, err := d.forward(ctx, req, res, tokenValue, force)
	if err != nil && isTimeout(err) {
		resp, err = d.forward(ctx, req, res, tokenValue, force)
	}
	return resp, err
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// forward composes the destination URL with merged parameters and the token
// and sends the request upstream. force replaces a caller-supplied token.
func (d *Dispatcher) forward(ctx context.Context, req proxy.Request, res *resource.Resource, tokenValue string, force bool) (proxy.Response, error) {
	dest := res.UpstreamTarget(req.Target)

	params := proxy.MergeParams(
		proxy.ParseParams(res.Pattern.Query),
		proxy.ParseParams(req.Target.Query))
	if tokenValue != "" {
		if force {
			params = proxy.SetToken(params, res.TokenParam, tokenValue)
		} else {
			params = proxy.WithToken(params, res.TokenParam, tokenValue)
		}
	}
	dest.Query = proxy.EncodeParams(params)

	return d.upstream.Forward(ctx, req, dest)
}

func closeBody(resp proxy.Response) {
	if resp.Rest != nil {
		resp.Rest.Close()
	}
}
