// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/artpar/geogate/domain/meter"
	"github.com/artpar/geogate/domain/proxy"
	"github.com/artpar/geogate/domain/resource"
	"github.com/artpar/geogate/domain/target"
	"github.com/artpar/geogate/domain/token"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// MeterStore persists per-(resource, referrer) admission windows. Admit must
// be atomic per row: concurrent callers for the same key observe a single
// serialized sequence of window updates.
type MeterStore interface {
	// Init drops all rows and repopulates one row per (resource, referrer)
	// pair. Called at startup and on configuration reload.
	Init(ctx context.Context, rows []meter.Row) error

	// Admit applies one admission decision to the row identified by key and
	// persists the updated window. A missing row is an error.
	Admit(ctx context.Context, key meter.Key, cfg meter.Config, now float64) (meter.Outcome, error)

	// Snapshot returns all rows for status reporting.
	Snapshot(ctx context.Context) ([]meter.Row, error)
}

// -----------------------------------------------------------------------------
// Upstream Ports
// -----------------------------------------------------------------------------

// TokenVendor acquires access tokens from the geospatial platform on behalf
// of a credential-bearing resource.
type TokenVendor interface {
	// AppLogin exchanges the resource's client credentials through the OAuth
	// endpoint for a token.
	AppLogin(ctx context.Context, res *resource.Resource) (token.Token, error)

	// UserLogin discovers the resource's token service and exchanges the
	// configured username and password for a token bound to referrerKey.
	UserLogin(ctx context.Context, res *resource.Resource, referrerKey string) (token.Token, error)
}

// Upstream forwards a proxied request to its destination and returns the
// response with a bounded body prefix captured for inspection.
type Upstream interface {
	Forward(ctx context.Context, req proxy.Request, dest target.URL) (proxy.Response, error)
}
