package app

import (
	"context"
	"time"

	"github.com/artpar/geogate/domain/meter"
	"github.com/artpar/geogate/ports"
)

// Status is a point-in-time operational summary for the status page.
type Status struct {
	Version   string
	StartedAt time.Time
	Uptime    time.Duration
	Resources []ResourceStatus
	Meters    []meter.Row
}

// ResourceStatus summarizes one configured resource.
type ResourceStatus struct {
	URL             string
	CredentialMode  string
	RateLimit       int
	RateLimitPeriod int
	TotalRequests   int64
	FirstRequest    time.Time
	LastRequest     time.Time
}

// StatusService aggregates resource counters and meter rows.
type StatusService struct {
	dispatcher *Dispatcher
	meters     ports.MeterStore
	clock      ports.Clock
	version    string
	startedAt  time.Time
}

// NewStatusService creates a status service.
func NewStatusService(d *Dispatcher, meters ports.MeterStore, clock ports.Clock, version string) *StatusService {
	return &StatusService{
		dispatcher: d,
		meters:     meters,
		clock:      clock,
		version:    version,
		startedAt:  clock.Now(),
	}
}

// Collect builds the current status. Meter rows are best-effort: a store
// failure yields a status without them.
func (s *StatusService) Collect(ctx context.Context) Status {
	now := s.clock.Now()
	snap := s.dispatcher.Snapshot()

	st := Status{
		Version:   s.version,
		StartedAt: s.startedAt,
		Uptime:    now.Sub(s.startedAt).Truncate(time.Second),
	}

	for _, r := range snap.Resources {
		total, first, last := r.Counters.Snapshot()
		st.Resources = append(st.Resources, ResourceStatus{
			URL:             r.URL,
			CredentialMode:  r.Credentials.Mode().String(),
			RateLimit:       r.RateLimit,
			RateLimitPeriod: r.RateLimitPeriod,
			TotalRequests:   total,
			FirstRequest:    first,
			LastRequest:     last,
		})
	}

	if rows, err := s.meters.Snapshot(ctx); err == nil {
		st.Meters = rows
	}
	return st
}
