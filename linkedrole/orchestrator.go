// Package linkedrole runs the Discord linked-role verification flow: it sends
// users to Discord for consent, validates the callback, asks the resolver for
// a verdict and pushes the resulting role-connection metadata.
package linkedrole

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"

	"github.com/mnehpets/linkedrole/discord"
	"github.com/mnehpets/linkedrole/metrics"
	"github.com/mnehpets/linkedrole/resolver"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

// OAuthClient is the subset of *discord.Client used by the flow.
type OAuthClient interface {
	AuthorizationURL() (state, authURL string)
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Profile(ctx context.Context, tok *oauth2.Token) (*discord.Authorization, error)
	Connections(ctx context.Context, tok *oauth2.Token) (json.RawMessage, error)
	Guilds(ctx context.Context, tok *oauth2.Token) (json.RawMessage, error)
	PushMetadata(ctx context.Context, tok *oauth2.Token, md discord.Metadata) (*discord.RoleConnection, error)
}

// Resolver produces a verdict for a user.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (*resolver.Verdict, error)
}

// CallbackRequest is the input of one OAuth callback.
type CallbackRequest struct {
	// Code and State are nil when absent from the query.
	Code  *string
	State *string
	// ClientState is the state opened from the cookie, "" when the cookie was
	// absent or could not be opened.
	ClientState string

	UserAgent  string
	RemoteAddr string
}

// Orchestrator drives a callback from the authorization code to the pushed
// metadata. It holds no per-request state.
type Orchestrator struct {
	oauth    OAuthClient
	resolver Resolver
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithMetrics counts callbacks by reason.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(oauth OAuthClient, res Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		oauth:    oauth,
		resolver: res,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AuthorizationURL starts a flow. See discord.Client.AuthorizationURL.
func (o *Orchestrator) AuthorizationURL() (state, authURL string) {
	return o.oauth.AuthorizationURL()
}

// Callback handles one OAuth callback. Every failure is reported through the
// returned Outcome; steps after a failure are not run.
func (o *Orchestrator) Callback(ctx context.Context, req CallbackRequest) (out Outcome) {
	defer func() {
		o.metrics.Callback(string(out.Reason))
	}()

	if req.Code == nil || req.State == nil {
		o.logger.Info("callback without code or state")
		return Outcome{Reason: ReasonMissingParameters}
	}
	if req.ClientState == "" || subtle.ConstantTimeCompare([]byte(*req.State), []byte(req.ClientState)) != 1 {
		o.logger.Warn("callback state does not match cookie")
		return Outcome{Reason: ReasonUnauthorized}
	}

	tok, err := o.oauth.Exchange(ctx, *req.Code)
	if err != nil {
		o.logger.Warn("authorization code exchange failed", zap.Error(err))
		return Outcome{Reason: ReasonAuthExchange, Err: err}
	}

	profile, conns, guilds, err := o.fetch(ctx, tok)
	if err != nil {
		var apiErr *discord.APIError
		var resource string
		if errors.As(err, &apiErr) {
			resource = string(apiErr.Resource)
		}
		o.logger.Warn("discord api query failed", zap.String("resource", resource), zap.Error(err))
		return Outcome{Reason: ReasonAPIQuery, Detail: resource, Err: err}
	}
	userID := profile.UserID()
	log := o.logger.With(zap.String("user_id", userID))

	verdict, err := o.resolver.Resolve(ctx, resolver.Request{
		UserID:      userID,
		User:        profile.Raw,
		Connections: conns,
		Guilds:      guilds,
		UserAgent:   req.UserAgent,
		RemoteAddr:  req.RemoteAddr,
	})
	if err != nil {
		log.Error("could not resolve metadata", zap.Error(err))
		return Outcome{Reason: ReasonResolverUnavailable, UserID: userID, Err: err}
	}

	if out, ok := o.judge(log, userID, verdict); !ok {
		return out
	}

	log.Info("pushing metadata", zap.Any("metadata", verdict.Metadata))
	if _, err := o.oauth.PushMetadata(ctx, tok, verdict.Metadata); err != nil {
		log.Error("pushing metadata failed", zap.Error(err))
		return Outcome{Reason: ReasonPushFailed, UserID: userID, Err: err}
	}
	return Outcome{Reason: ReasonSuccess, UserID: userID}
}

// fetch reads the profile, connections and guilds concurrently. The first
// failure cancels the other reads.
func (o *Orchestrator) fetch(ctx context.Context, tok *oauth2.Token) (*discord.Authorization, json.RawMessage, json.RawMessage, error) {
	var (
		profile *discord.Authorization
		conns   json.RawMessage
		guilds  json.RawMessage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		profile, err = o.oauth.Profile(gctx, tok)
		return err
	})
	g.Go(func() error {
		var err error
		conns, err = o.oauth.Connections(gctx, tok)
		return err
	})
	g.Go(func() error {
		var err error
		guilds, err = o.oauth.Guilds(gctx, tok)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return profile, conns, guilds, nil
}

// judge applies the verdict checks in order and reports whether the
// metadata may be pushed.
func (o *Orchestrator) judge(log *zap.Logger, userID string, v *resolver.Verdict) (Outcome, bool) {
	fail := func(reason Reason, detail string) (Outcome, bool) {
		return Outcome{Reason: reason, Detail: detail, UserID: userID}, false
	}
	switch {
	case v.User == nil:
		log.Warn("user not found")
		return fail(ReasonUserNotFound, "")
	case v.User.ID == "" || v.User.ID != userID:
		log.Warn("user id mismatch", zap.String("resolved_id", v.User.ID))
		return fail(ReasonIDMismatch, "")
	case !v.Member:
		log.Warn("member not found")
		return fail(ReasonNotMember, "")
	case v.Exception != "":
		log.Warn("user is not eligible", zap.String("exception", v.Exception))
		return fail(ReasonIneligible, v.Exception)
	case len(v.Metadata) == 0:
		log.Warn("metadata not found")
		return fail(ReasonNoMetadata, "")
	}
	return Outcome{}, true
}
