// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/artpar/geogate/domain/resource"
	"github.com/artpar/geogate/domain/token"
	"github.com/artpar/geogate/ports"
)

// Broker caches platform tokens per resource and collapses concurrent
// acquisitions for the same resource into a single vendor call.
type Broker struct {
	vendor  ports.TokenVendor
	clock   ports.Clock
	timeout time.Duration

	// OnAcquire, when set, observes every vendor call with the credential
	// flow name and "ok" or "error". Assigned once during wiring.
	OnAcquire func(flow, outcome string)

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]token.Token
}

// NewBroker creates a token broker. timeout bounds each vendor call.
func NewBroker(vendor ports.TokenVendor, clock ports.Clock, timeout time.Duration) *Broker {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Broker{
		vendor:  vendor,
		clock:   clock,
		timeout: timeout,
		cache:   make(map[string]token.Token),
	}
}

// Token returns a valid token for the resource, acquiring one when the cache
// is empty or expired. User-flow tokens are cached per referrer key since
// the platform binds them to the caller.
func (b *Broker) Token(ctx context.Context, res *resource.Resource, referrerKey string) (string, error) {
	key := b.cacheKey(res, referrerKey)

	b.mu.Lock()
	cached, ok := b.cache[key]
	b.mu.Unlock()
	if ok && cached.Valid(b.clock.Now()) {
		return cached.Value, nil
	}

	return b.acquire(ctx, key, res, referrerKey)
}

// Refresh discards any cached token for the resource and acquires a new one.
// Used after the upstream rejects a token mid-flight.
func (b *Broker) Refresh(ctx context.Context, res *resource.Resource, referrerKey string) (string, error) {
	key := b.cacheKey(res, referrerKey)

	b.mu.Lock()
	delete(b.cache, key)
	b.mu.Unlock()
	b.group.Forget(key)

	return b.acquire(ctx, key, res, referrerKey)
}

func (b *Broker) acquire(ctx context.Context, key string, res *resource.Resource, referrerKey string) (string, error) {
	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		// Detach from the caller so a dropped client connection does not
		// abandon an acquisition other waiters share.
		acquireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer cancel()

		var (
			t   token.Token
			err error
		)
		mode := res.Credentials.Mode()
		switch mode {
		case resource.CredentialApp:
			t, err = b.vendor.AppLogin(acquireCtx, res)
		case resource.CredentialUser:
			t, err = b.vendor.UserLogin(acquireCtx, res, referrerKey)
		default:
			return nil, fmt.Errorf("resource %s has no broker credentials", res.URL)
		}
		if b.OnAcquire != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			b.OnAcquire(mode.String(), outcome)
		}
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		b.cache[key] = t
		b.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return "", err
	}
	return v.(token.Token).Value, nil
}

func (b *Broker) cacheKey(res *resource.Resource, referrerKey string) string {
	if res.Credentials.Mode() == resource.CredentialUser {
		return res.URL + "|" + referrerKey
	}
	return res.URL
}

// Flush drops all cached tokens. Called on configuration reload.
func (b *Broker) Flush() {
	b.mu.Lock()
	b.cache = make(map[string]token.Token)
	b.mu.Unlock()
}
