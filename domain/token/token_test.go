package token_test

import (
	"testing"
	"time"

	"github.com/artpar/geogate/domain/token"
)

func TestExtract_QueryForm(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"ampersand separated", "http://host/path?f=json&token=abc123&x=1", "abc123"},
		{"end of string", "http://host/path?token=abc123", "abc123"},
		{"slash introduced", "http://host/token=abc123", "abc123"},
		{"not a token key", "http://host/path?mytoken=nope", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := token.Extract(tt.body); got != tt.want {
				t.Errorf("Extract(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}

func TestExtract_JSONForm(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"plain", `{"token":"abc123","expires":123}`, "abc123"},
		{"whitespace", `{ "token" : "abc123" }`, "abc123"},
		{"nested", `{"result":{"token":"abc123"}}`, "abc123"},
		{"absent", `{"error":"denied"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := token.Extract(tt.body); got != tt.want {
				t.Errorf("Extract(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}

func TestExtract_QueryFormWins(t *testing.T) {
	// Mixed body: the query form is consulted first.
	body := `{"url":"http://h/p?token=fromquery&f=json","token":"fromjson"}`
	if got := token.Extract(body); got != "fromquery" {
		t.Errorf("Extract = %q, want %q", got, "fromquery")
	}
}

func TestExtract_RoundTrip(t *testing.T) {
	values := []string{"X", "abc-123_456", "a.b.c"}
	for _, v := range values {
		if got := token.Extract(`{"token":"` + v + `"}`); got != v {
			t.Errorf("json round-trip for %q yielded %q", v, got)
		}
		if got := token.Extract("?a=1&token=" + v + "&b=2"); got != v {
			t.Errorf("query round-trip for %q yielded %q", v, got)
		}
	}
}

func TestLifetime(t *testing.T) {
	if got := token.Lifetime(0); got != token.MaxLifetime {
		t.Errorf("unreported expiry: lifetime = %v, want %v", got, token.MaxLifetime)
	}
	if got := token.Lifetime(10 * time.Minute); got != 10*time.Minute {
		t.Errorf("short expiry: lifetime = %v, want 10m", got)
	}
	if got := token.Lifetime(2 * time.Hour); got != token.MaxLifetime {
		t.Errorf("long expiry capped: lifetime = %v, want %v", got, token.MaxLifetime)
	}
}

func TestToken_Valid(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tok := token.New("abc", now, 10*time.Minute)

	if !tok.Valid(now.Add(5 * time.Minute)) {
		t.Error("token should be valid before expiry")
	}
	if tok.Valid(now.Add(11 * time.Minute)) {
		t.Error("token should be invalid after expiry")
	}
	if (token.Token{}).Valid(now) {
		t.Error("zero token should be invalid")
	}
}

func TestInfoURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{
			"https://gis.example.com/ArcGIS/rest/services/World/MapServer",
			"https://gis.example.com/ArcGIS/rest/info",
		},
		{
			"https://portal.example.com/sharing/servers/abc",
			"https://portal.example.com/sharing/rest/info",
		},
		{
			"https://gis.example.com",
			"https://gis.example.com/arcgis/rest/info",
		},
	}
	for _, tt := range tests {
		if got := token.InfoURL(tt.url); got != tt.want {
			t.Errorf("InfoURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestOAuthURLs(t *testing.T) {
	endpoint := "https://portal.example.com/sharing/oauth2"

	if got := token.OAuthTokenURL(endpoint); got != endpoint+"/token" {
		t.Errorf("OAuthTokenURL = %q", got)
	}
	want := "https://portal.example.com/sharing/generateToken"
	if got := token.OAuthExchangeURL(endpoint); got != want {
		t.Errorf("OAuthExchangeURL = %q, want %q", got, want)
	}

	if got := token.OAuthTokenURL(""); got != token.DefaultOAuthEndpoint+"/token" {
		t.Errorf("default OAuthTokenURL = %q", got)
	}
}
