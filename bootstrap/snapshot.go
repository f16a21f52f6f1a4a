package bootstrap

import (
	"fmt"

	"github.com/artpar/geogate/app"
	"github.com/artpar/geogate/config"
	"github.com/artpar/geogate/domain/meter"
	"github.com/artpar/geogate/domain/referrer"
	"github.com/artpar/geogate/domain/resource"
	"github.com/artpar/geogate/ports"
)

// BuildSnapshot converts loaded configuration into the dispatcher's routing
// snapshot.
func BuildSnapshot(cfg *config.Config) (*app.Snapshot, error) {
	resources := make([]*resource.Resource, 0, len(cfg.Resources))
	for i, rc := range cfg.Resources {
		r := resource.New(rc.URL, rc.MatchAll, rc.HostRedirect)
		r.Credentials = resource.Credentials{
			AccessToken:  rc.AccessToken,
			Username:     rc.Username,
			Password:     rc.Password,
			ClientID:     rc.ClientID,
			ClientSecret: rc.ClientSecret,
		}
		r.OAuthEndpoint = rc.OAuth2Endpoint
		r.TokenParam = rc.TokenParam
		r.RateLimit = rc.RateLimit
		r.RateLimitPeriod = rc.RateLimitPeriod

		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("resources[%d]: %w", i, err)
		}
		resources = append(resources, r)
	}

	return &app.Snapshot{
		Resources: resources,
		Referrers: referrer.NewPatterns(cfg.Referrers.Allowed, cfg.Referrers.MatchAll),
		MustMatch: cfg.Proxy.MustMatch,
	}, nil
}

// MeterRows preallocates one row per (rate-limited resource, referrer key)
// pair so admission decisions never have to create rows.
func MeterRows(snap *app.Snapshot, ids ports.IDGenerator) []meter.Row {
	keys := referrerKeys(snap.Referrers)

	var rows []meter.Row
	for _, res := range snap.Resources {
		if !res.RateEnabled() {
			continue
		}
		for _, key := range keys {
			rows = append(rows, meter.Row{
				ID:       ids.New(),
				URL:      res.URL,
				Referrer: key,
				Rate:     res.RateLimit,
			})
		}
	}
	return rows
}

func referrerKeys(patterns []referrer.Pattern) []string {
	if referrer.AcceptsAny(patterns) {
		return []string{referrer.AnyKey}
	}
	keys := make([]string, 0, len(patterns))
	for _, p := range patterns {
		keys = append(keys, p.Key)
	}
	return keys
}
