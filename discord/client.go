// Package discord is a minimal Discord OAuth2 and REST client for the
// linked-roles flow.
//
// All methods share one *http.Client so connections are pooled across
// concurrent callbacks. Tokens are only ever held by the caller.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mnehpets/linkedrole/metrics"
	"golang.org/x/oauth2"
)

// maxResponseBytes bounds how much of a Discord response body is read.
const maxResponseBytes = 1 << 20

// Config identifies the Discord application.
type Config struct {
	// BaseURL is the API origin, e.g. https://discord.com.
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	// PlatformName is shown on the linked role connection. Defaults to "Eligibility".
	PlatformName string
}

// Client talks to Discord on behalf of a single application.
type Client struct {
	oauth        *oauth2.Config
	httpClient   *http.Client
	apiBase      string
	clientID     string
	platformName string
	metrics      *metrics.Metrics
	newState     func() string
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics records upstream request metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a Client. httpClient is shared by every request and owned
// by the caller; nil selects http.DefaultClient.
func NewClient(cfg Config, httpClient *http.Client, opts ...Option) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	platform := cfg.PlatformName
	if platform == "" {
		platform = "Eligibility"
	}
	c := &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/api/oauth2/authorize",
				TokenURL:  base + "/api/v10/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient:   httpClient,
		apiBase:      base + "/api/v10",
		clientID:     cfg.ClientID,
		platformName: platform,
		newState:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthorizationURL returns a fresh state value and the authorize URL that
// embeds it. Consent is always prompted so the role connection scope is shown.
func (c *Client) AuthorizationURL() (state, authURL string) {
	state = c.newState()
	return state, c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades an authorization code for a token. Failures are returned as
// *AuthExchangeError.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	start := time.Now()
	tok, err := c.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), code)
	c.metrics.Upstream(string(ResourceToken), err, time.Since(start))
	if err != nil {
		return nil, newAuthExchangeError(err)
	}
	return tok, nil
}

// Profile returns the current authorization, including the user.
func (c *Client) Profile(ctx context.Context, tok *oauth2.Token) (*Authorization, error) {
	raw, err := c.call(ctx, tok, ResourceProfile, http.MethodGet, "/oauth2/@me", nil)
	if err != nil {
		return nil, err
	}
	var a Authorization
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, &APIError{Resource: ResourceProfile, Err: err}
	}
	a.Raw = raw
	return &a, nil
}

// Connections returns the user's third-party connections as received.
func (c *Client) Connections(ctx context.Context, tok *oauth2.Token) (json.RawMessage, error) {
	return c.call(ctx, tok, ResourceConnections, http.MethodGet, "/users/@me/connections", nil)
}

// Guilds returns the user's guilds as received.
func (c *Client) Guilds(ctx context.Context, tok *oauth2.Token) (json.RawMessage, error) {
	return c.call(ctx, tok, ResourceGuilds, http.MethodGet, "/users/@me/guilds", nil)
}

// RoleConnection returns the application role connection currently stored
// for the user.
func (c *Client) RoleConnection(ctx context.Context, tok *oauth2.Token) (*RoleConnection, error) {
	raw, err := c.call(ctx, tok, ResourceRoleConnection, http.MethodGet, c.roleConnectionPath(), nil)
	if err != nil {
		return nil, err
	}
	return decodeRoleConnection(raw)
}

// PushMetadata replaces the user's role connection metadata. Empty metadata is
// replaced by DefaultMetadata.
func (c *Client) PushMetadata(ctx context.Context, tok *oauth2.Token, md Metadata) (*RoleConnection, error) {
	if len(md) == 0 {
		md = DefaultMetadata()
	}
	body := struct {
		PlatformName string   `json:"platform_name"`
		Metadata     Metadata `json:"metadata"`
	}{c.platformName, md}

	raw, err := c.call(ctx, tok, ResourceRoleConnection, http.MethodPut, c.roleConnectionPath(), body)
	if err != nil {
		return nil, err
	}
	return decodeRoleConnection(raw)
}

func (c *Client) roleConnectionPath() string {
	return "/users/@me/applications/" + url.PathEscape(c.clientID) + "/role-connection"
}

func decodeRoleConnection(raw json.RawMessage) (*RoleConnection, error) {
	var rc RoleConnection
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, &APIError{Resource: ResourceRoleConnection, Err: err}
	}
	return &rc, nil
}

// call performs one bearer-authenticated request and returns the JSON body
// of a 200 response.
func (c *Client) call(ctx context.Context, tok *oauth2.Token, resource Resource, method, path string, body any) (json.RawMessage, error) {
	start := time.Now()
	raw, err := c.do(ctx, tok, resource, method, path, body)
	c.metrics.Upstream(string(resource), err, time.Since(start))
	return raw, err
}

func (c *Client) do(ctx context.Context, tok *oauth2.Token, resource Resource, method, path string, body any) (json.RawMessage, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, &APIError{Resource: resource, Err: errors.New("missing access token")}
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &APIError{Resource: resource, Err: err}
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reqBody)
	if err != nil {
		return nil, &APIError{Resource: resource, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.tokenClient(ctx, tok).Do(req)
	if err != nil {
		return nil, &APIError{Resource: resource, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, &APIError{Resource: resource, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Resource: resource, Status: resp.StatusCode}
	}
	if len(data) > maxResponseBytes {
		return nil, &APIError{Resource: resource, Err: fmt.Errorf("response exceeds %d bytes", maxResponseBytes)}
	}
	if !json.Valid(data) {
		return nil, &APIError{Resource: resource, Err: errors.New("response is not valid JSON")}
	}
	return json.RawMessage(data), nil
}

// tokenClient authenticates requests with tok over the shared transport. The
// token is never refreshed; oauth2 normalises the scheme to "Bearer".
func (c *Client) tokenClient(ctx context.Context, tok *oauth2.Token) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))
}
