package discord

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// Resource names an upstream Discord resource, for errors and metrics.
type Resource string

const (
	ResourceToken          Resource = "token"
	ResourceProfile        Resource = "profile"
	ResourceConnections    Resource = "connections"
	ResourceGuilds         Resource = "guilds"
	ResourceRoleConnection Resource = "role_connection"
)

// AuthExchangeError reports a failed authorization code exchange.
//
// Its message carries the HTTP status and OAuth error code only; neither the
// request form (which holds the client secret) nor the response body is
// included.
type AuthExchangeError struct {
	Status int
	Code   string
	Err    error
}

func (e *AuthExchangeError) Error() string {
	switch {
	case e.Status != 0 && e.Code != "":
		return fmt.Sprintf("discord: token exchange failed: status %d (%s)", e.Status, e.Code)
	case e.Status != 0:
		return fmt.Sprintf("discord: token exchange failed: status %d", e.Status)
	default:
		return "discord: token exchange failed: transport error"
	}
}

func (e *AuthExchangeError) Unwrap() error { return e.Err }

func newAuthExchangeError(err error) *AuthExchangeError {
	e := &AuthExchangeError{Err: err}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		e.Code = re.ErrorCode
		if re.Response != nil {
			e.Status = re.Response.StatusCode
		}
	}
	return e
}

// APIError reports a failed authenticated call against the Discord API.
// Status is zero for transport failures.
type APIError struct {
	Resource Resource
	Status   int
	Err      error
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("discord: %s: unexpected status %d", e.Resource, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("discord: %s: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("discord: %s: request failed", e.Resource)
}

func (e *APIError) Unwrap() error { return e.Err }
