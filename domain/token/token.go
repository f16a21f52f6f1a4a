// Package token provides bearer-token value types, extraction from upstream
// responses, cache lifetime policy, and token-endpoint derivation.
// All functions are pure.
package token

import (
	"strings"
	"time"
)

// DefaultOAuthEndpoint is used for the app-credential flow when the resource
// does not configure an explicit endpoint.
const DefaultOAuthEndpoint = "https://www.arcgis.com/sharing/oauth2"

// MaxLifetime caps how long a minted token is trusted before re-acquisition,
// regardless of what the server declares.
const MaxLifetime = 55 * time.Minute

// Token is one upstream-issued bearer token.
type Token struct {
	Value      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Valid reports whether the token is present and unexpired at now.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// Lifetime returns the cache lifetime for a token whose server-declared
// expiry is declared (zero or negative when unreported): the declared value
// capped at MaxLifetime.
func Lifetime(declared time.Duration) time.Duration {
	if declared <= 0 || declared > MaxLifetime {
		return MaxLifetime
	}
	return declared
}

// New builds a token acquired at now with the given declared expiry.
func New(value string, now time.Time, declared time.Duration) Token {
	return Token{
		Value:      value,
		AcquiredAt: now,
		ExpiresAt:  now.Add(Lifetime(declared)),
	}
}

// Extract locates a token value in a response body without fully
// deserializing it. The query-string form `...[?&/]token=VALUE` (terminated
// by `&` or end of input) is tried first, then the JSON form
// `"token":"VALUE"` with optional whitespace around the colon. Returns the
// empty string when neither form occurs.
func Extract(body string) string {
	if v := extractQueryForm(body); v != "" {
		return v
	}
	return extractJSONForm(body)
}

func extractQueryForm(body string) string {
	idx := 0
	for {
		rel := strings.Index(body[idx:], "token=")
		if rel < 0 {
			return ""
		}
		pos := idx + rel
		// Must be introduced by ?, & or / so "mytoken=" does not match.
		if pos == 0 || (body[pos-1] != '?' && body[pos-1] != '&' && body[pos-1] != '/') {
			idx = pos + len("token=")
			continue
		}
		val := body[pos+len("token="):]
		if end := strings.IndexByte(val, '&'); end >= 0 {
			val = val[:end]
		}
		return val
	}
}

func extractJSONForm(body string) string {
	idx := 0
	for {
		rel := strings.Index(body[idx:], `"token"`)
		if rel < 0 {
			return ""
		}
		rest := body[idx+rel+len(`"token"`):]
		rest = strings.TrimLeft(rest, " \t\r\n")
		if !strings.HasPrefix(rest, ":") {
			idx += rel + len(`"token"`)
			continue
		}
		rest = strings.TrimLeft(rest[1:], " \t\r\n")
		if !strings.HasPrefix(rest, `"`) {
			idx += rel + len(`"token"`)
			continue
		}
		rest = rest[1:]
		if end := strings.IndexByte(rest, '"'); end >= 0 {
			return rest[:end]
		}
		return ""
	}
}

// InfoURL derives the server-info endpoint for the user-credential flow from
// a resource URL: everything from the first "/rest/" is replaced by
// "/rest/info"; failing that, "/sharing/" by "/sharing/rest/info"; failing
// both, "/arcgis/rest/info" is appended.
func InfoURL(resourceURL string) string {
	lower := strings.ToLower(resourceURL)
	if idx := strings.Index(lower, "/rest/"); idx >= 0 {
		return resourceURL[:idx] + "/rest/info"
	}
	if idx := strings.Index(lower, "/sharing/"); idx >= 0 {
		return resourceURL[:idx] + "/sharing/rest/info"
	}
	return strings.TrimSuffix(resourceURL, "/") + "/arcgis/rest/info"
}

// OAuthTokenURL returns the portal-token endpoint for an OAuth endpoint.
func OAuthTokenURL(endpoint string) string {
	if endpoint == "" {
		endpoint = DefaultOAuthEndpoint
	}
	return strings.TrimSuffix(endpoint, "/") + "/token"
}

// OAuthExchangeURL returns the generateToken endpoint derived from an OAuth
// endpoint by rewriting "/oauth2" to "/generateToken".
func OAuthExchangeURL(endpoint string) string {
	if endpoint == "" {
		endpoint = DefaultOAuthEndpoint
	}
	endpoint = strings.TrimSuffix(endpoint, "/")
	if idx := strings.LastIndex(endpoint, "/oauth2"); idx >= 0 {
		return endpoint[:idx] + "/generateToken" + endpoint[idx+len("/oauth2"):]
	}
	return endpoint + "/generateToken"
}
