package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/artpar/geogate/domain/resource"
	"github.com/artpar/geogate/domain/token"
	"github.com/artpar/geogate/ports"
)

// TokenClient acquires platform tokens for credential-bearing resources.
type TokenClient struct {
	client *http.Client
	clock  ports.Clock
}

// NewTokenClient creates a token vendor client.
func NewTokenClient(timeout time.Duration, clock ports.Clock) *TokenClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &TokenClient{
		client: &http.Client{Timeout: timeout},
		clock:  clock,
	}
}

// platformResponse covers the union of token-endpoint reply shapes.
type platformResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	// Expires is a millisecond Unix timestamp on generateToken replies.
	Expires int64 `json:"expires"`
	// ExpiresIn is a second count on OAuth replies.
	ExpiresIn int64 `json:"expires_in"`
	Error     *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// AppLogin runs the two-step application flow: client credentials at the
// OAuth endpoint, then an exchange of the portal token for a server token.
func (c *TokenClient) AppLogin(ctx context.Context, res *resource.Resource) (token.Token, error) {
	endpoint := res.OAuthEndpoint
	if endpoint == "" {
		endpoint = token.DefaultOAuthEndpoint
	}

	form := url.Values{
		"client_id":     {res.Credentials.ClientID},
		"client_secret": {res.Credentials.ClientSecret},
		"grant_type":    {"client_credentials"},
		"f":             {"json"},
	}
	portal, err := c.post(ctx, token.OAuthTokenURL(endpoint), form)
	if err != nil {
		return token.Token{}, fmt.Errorf("oauth client credentials: %w", err)
	}
	portalToken := portal.AccessToken
	if portalToken == "" {
		portalToken = portal.Token
	}
	if portalToken == "" {
		return token.Token{}, fmt.Errorf("oauth client credentials: empty token from %s", endpoint)
	}

	// The portal token is scoped to the portal; services want one minted
	// for their own URL.
	exchange := url.Values{
		"token":     {portalToken},
		"serverURL": {res.URL},
		"f":         {"json"},
	}
	server, err := c.post(ctx, token.OAuthExchangeURL(endpoint), exchange)
	if err != nil {
		return token.Token{}, fmt.Errorf("token exchange: %w", err)
	}
	if server.Token == "" {
		return token.Token{}, fmt.Errorf("token exchange: empty token from %s", endpoint)
	}

	now := c.clock.Now()
	return token.New(server.Token, now, c.declaredLifetime(server, portal, now)), nil
}

// UserLogin discovers the token service for the resource and exchanges the
// configured username and password. The referrer key binds the token to the
// calling application.
func (c *TokenClient) UserLogin(ctx context.Context, res *resource.Resource, referrerKey string) (token.Token, error) {
	tokenURL, err := c.discoverTokenService(ctx, res.URL)
	if err != nil {
		return token.Token{}, err
	}

	form := url.Values{
		"request":    {"getToken"},
		"f":          {"json"},
		"username":   {res.Credentials.Username},
		"password":   {res.Credentials.Password},
		"expiration": {"60"},
		"referer":    {referrerKey},
	}
	reply, err := c.post(ctx, tokenURL, form)
	if err != nil {
		return token.Token{}, fmt.Errorf("generate token: %w", err)
	}
	if reply.Token == "" {
		return token.Token{}, fmt.Errorf("generate token: empty token from %s", tokenURL)
	}

	now := c.clock.Now()
	return token.New(reply.Token, now, c.declaredLifetime(reply, platformResponse{}, now)), nil
}

// serviceInfo is the subset of the platform info document the vendor needs.
type serviceInfo struct {
	AuthInfo struct {
		TokenServicesURL string `json:"tokenServicesUrl"`
	} `json:"authInfo"`
	OwningSystemURL string `json:"owningSystemUrl"`
}

// discoverTokenService asks the platform's info endpoint where tokens for
// the resource are issued.
func (c *TokenClient) discoverTokenService(ctx context.Context, resourceURL string) (string, error) {
	infoURL := token.InfoURL(resourceURL) + "?f=json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL, nil)
	if err != nil {
		return "", fmt.Errorf("create info request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", infoURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read info response: %w", err)
	}

	var info serviceInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("decode info from %s: %w", infoURL, err)
	}
	switch {
	case info.AuthInfo.TokenServicesURL != "":
		// The server's declared token service always wins.
		return info.AuthInfo.TokenServicesURL, nil
	case info.OwningSystemURL != "":
		// Federated server with no declared service: the owning portal
		// issues the tokens.
		return strings.TrimRight(info.OwningSystemURL, "/") + "/sharing/generateToken", nil
	default:
		return "", fmt.Errorf("no token service advertised by %s", infoURL)
	}
}

// post submits a form and decodes the platform reply, surfacing embedded
// error envelopes as errors.
func (c *TokenClient) post(ctx context.Context, endpoint string, form url.Values) (platformResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return platformResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return platformResponse{}, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return platformResponse{}, fmt.Errorf("read response: %w", err)
	}

	var reply platformResponse
	if err := json.Unmarshal(body, &reply); err != nil {
		return platformResponse{}, fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	if reply.Error != nil {
		return platformResponse{}, fmt.Errorf("%s: code %d: %s",
			endpoint, reply.Error.Code, reply.Error.Message)
	}
	return reply, nil
}

// declaredLifetime derives a lifetime from whichever expiry field the
// platform populated. Zero means undeclared.
func (c *TokenClient) declaredLifetime(primary, secondary platformResponse, now time.Time) time.Duration {
	for _, r := range []platformResponse{primary, secondary} {
		if r.Expires > 0 {
			return time.UnixMilli(r.Expires).Sub(now)
		}
		if r.ExpiresIn > 0 {
			return time.Duration(r.ExpiresIn) * time.Second
		}
	}
	return 0
}

// Ensure interface compliance.
var _ ports.TokenVendor = (*TokenClient)(nil)
