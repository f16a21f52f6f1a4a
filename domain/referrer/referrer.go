// Package referrer validates the Referer header against the configured
// allow-list and produces the canonical key used by the rate limiter.
package referrer

import (
	"strings"

	"github.com/artpar/geogate/domain/target"
)

// AnyKey is the canonical key returned when every referrer is accepted.
const AnyKey = target.Wildcard

// Pattern is one normalized allow-list entry.
type Pattern struct {
	Protocol string
	Host     string
	Path     string
	// MatchAll selects exact path comparison; false means prefix.
	MatchAll bool
	// Key is the canonical string identifying this entry in meter rows.
	Key string
}

// NewPattern normalizes one configured allow-list string.
func NewPattern(raw string, matchAll bool) Pattern {
	raw = strings.TrimSpace(raw)
	if raw == target.Wildcard {
		return Pattern{
			Protocol: target.Wildcard,
			Host:     target.Wildcard,
			Path:     target.Wildcard,
			MatchAll: matchAll,
			Key:      AnyKey,
		}
	}
	u := target.Parse(raw)
	path := u.Path
	if path == "" {
		path = target.Wildcard
	}
	return Pattern{
		Protocol: u.Protocol,
		Host:     u.Host,
		Path:     path,
		MatchAll: matchAll,
		Key:      raw,
	}
}

// NewPatterns normalizes a configured allow-list.
func NewPatterns(raw []string, matchAll bool) []Pattern {
	out := make([]Pattern, 0, len(raw))
	for _, r := range raw {
		out = append(out, NewPattern(r, matchAll))
	}
	return out
}

// AcceptsAny reports whether the list contains the all-wildcard sentinel,
// enabling the fast path that accepts every referrer as AnyKey.
func AcceptsAny(patterns []Pattern) bool {
	for _, p := range patterns {
		if p.Key == AnyKey {
			return true
		}
	}
	return false
}

// Validate checks an incoming Referer header value against the allow-list
// and returns the canonical key of the matching pattern. ok is false when no
// pattern accepts the referrer.
func Validate(patterns []Pattern, referer string) (key string, ok bool) {
	if AcceptsAny(patterns) {
		return AnyKey, true
	}

	u := target.Parse(referer)
	if u.Host == target.Wildcard {
		return "", false
	}

	for _, p := range patterns {
		if p.matches(u) {
			return p.Key, true
		}
	}
	return "", false
}

func (p Pattern) matches(u target.URL) bool {
	if !target.ProtocolsMatch(p.Protocol, u.Protocol) {
		return false
	}
	if !target.HostSegmentsMatch(p.Host, u.Host) {
		return false
	}
	return p.pathMatches(u.Path)
}

func (p Pattern) pathMatches(path string) bool {
	if target.PathIsWildcard(p.Path) {
		return true
	}
	if p.MatchAll {
		return strings.EqualFold(path, p.Path)
	}
	return len(path) >= len(p.Path) &&
		strings.EqualFold(path[:len(p.Path)], p.Path)
}
