// Package resolver asks the out-of-process resolver worker for a user's
// role-connection verdict.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/mnehpets/linkedrole/jsonrpc"
	"github.com/mnehpets/linkedrole/metrics"
	"go.uber.org/zap"
)

const (
	// Method is the JSON-RPC method served by the resolver worker.
	Method = "resolve_metadata"

	// Issuer and Audience of the request token.
	Issuer   = "linkedrole"
	Audience = "resolver"

	tokenLifetime = time.Minute
	metricName    = "resolver"

	// DefaultTimeout bounds a resolve call when no timeout is configured.
	DefaultTimeout = 5 * time.Second
)

// Request carries the data forwarded to the resolver for one user.
type Request struct {
	// UserID is the subject of the request token.
	UserID string

	User        json.RawMessage
	Connections json.RawMessage
	Guilds      json.RawMessage

	// UserAgent defaults to "None" when empty.
	UserAgent string
	// RemoteAddr is sent as null when empty.
	RemoteAddr string
}

type params struct {
	UserData    json.RawMessage `json:"user_data"`
	Connections json.RawMessage `json:"connections"`
	Guilds      json.RawMessage `json:"guilds"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  *string         `json:"remote_addr"`
}

// UnavailableError reports that no verdict could be obtained: the resolver
// was unreachable, timed out, failed, or answered with nothing usable.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return "resolver: unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Client calls the resolver worker. It is safe for concurrent use.
type Client struct {
	rpc     *jsonrpc.Client
	signer  jose.Signer
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics records resolver calls as upstream requests.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a Client for the resolver at url. Requests are signed
// with secret when it is non-empty; HS256 needs at least 32 bytes.
// A non-positive timeout selects DefaultTimeout.
func NewClient(url, secret string, timeout time.Duration, httpClient *http.Client, opts ...Option) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		rpc:     jsonrpc.NewClient(url, httpClient),
		timeout: timeout,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	if secret != "" {
		signer, err := jose.NewSigner(
			jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)},
			(&jose.SignerOptions{}).WithType("JWT"),
		)
		if err != nil {
			return nil, fmt.Errorf("resolver: signer: %w", err)
		}
		c.signer = signer
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Resolve returns the resolver's verdict for req. Every failure to obtain a
// verdict is an *UnavailableError; a verdict that rejects the user is not an
// error.
func (c *Client) Resolve(ctx context.Context, req Request) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	v, err := c.resolve(ctx, req)
	c.metrics.Upstream(metricName, err, time.Since(start))
	if err != nil {
		fields := []zap.Field{zap.String("user_id", req.UserID), zap.Error(err)}
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			fields = append(fields, zap.Int("rpc_code", rpcErr.Code), zap.String("rpc_error", jsonrpc.CodeName(rpcErr.Code)))
		}
		c.logger.Debug("resolver call failed", fields...)
		return nil, &UnavailableError{Err: err}
	}
	return v, nil
}

func (c *Client) resolve(ctx context.Context, req Request) (*Verdict, error) {
	p := params{
		UserData:    orNull(req.User),
		Connections: orNull(req.Connections),
		Guilds:      orNull(req.Guilds),
		UserAgent:   req.UserAgent,
	}
	if p.UserAgent == "" {
		p.UserAgent = "None"
	}
	if req.RemoteAddr != "" {
		p.RemoteAddr = &req.RemoteAddr
	}

	var opts []jsonrpc.CallOption
	if c.signer != nil {
		tok, err := c.token(req.UserID)
		if err != nil {
			return nil, err
		}
		opts = append(opts, jsonrpc.WithHeader("Authorization", "Bearer "+tok))
	}

	var v Verdict
	if err := c.rpc.Call(ctx, Method, p, &v, opts...); err != nil {
		if errors.Is(err, jsonrpc.ErrNoResult) {
			return nil, errors.New("no verdict returned")
		}
		return nil, err
	}
	return &v, nil
}

func (c *Client) token(subject string) (string, error) {
	now := c.now()
	claims := jwt.Claims{
		Issuer:   Issuer,
		Subject:  subject,
		Audience: jwt.Audience{Audience},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	tok, err := jwt.Signed(c.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("sign request token: %w", err)
	}
	return tok, nil
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
