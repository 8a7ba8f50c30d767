package discord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Scopes requested for the linked-role flow.
var Scopes = []string{"role_connections.write", "identify", "connections", "guilds"}

// User is the Discord user object, trimmed to what the service reads.
type User struct {
	ID         string  `json:"id"`
	Username   string  `json:"username"`
	GlobalName *string `json:"global_name,omitempty"`
	Avatar     *string `json:"avatar,omitempty"`
}

// Authorization is the response of GET /oauth2/@me.
//
// Raw holds the body as received; it is forwarded to the resolver untouched.
type Authorization struct {
	User    *User     `json:"user"`
	Scopes  []string  `json:"scopes"`
	Expires time.Time `json:"expires"`

	Raw json.RawMessage `json:"-"`
}

// UserID returns the authorized user's snowflake, or "" when the token was
// granted without the identify scope.
func (a *Authorization) UserID() string {
	if a == nil || a.User == nil {
		return ""
	}
	return a.User.ID
}

// Metadata is the role-connection metadata record: metadata keys declared by
// the application mapped to their string values.
type Metadata map[string]string

// DefaultMetadata is pushed when the caller has no metadata of its own.
func DefaultMetadata() Metadata {
	return Metadata{
		"epiceligibility":  "0",
		"steameligibility": "0",
	}
}

// UnmarshalJSON accepts scalar values of any JSON type. Numbers keep their
// literal text, booleans become "1"/"0" as Discord expects for boolean
// metadata, and a null keeps its key with an empty value, which unsets that
// field on push.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*m = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Metadata, len(raw))
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		if len(v) == 0 {
			continue
		}
		switch v[0] {
		case 'n':
			out[k] = ""
		case '"':
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out[k] = s
		case 't':
			out[k] = "1"
		case 'f':
			out[k] = "0"
		case '{', '[':
			return fmt.Errorf("discord: metadata %q: value must be a scalar", k)
		default:
			if _, err := strconv.ParseFloat(string(v), 64); err != nil {
				return fmt.Errorf("discord: metadata %q: %w", k, err)
			}
			out[k] = string(v)
		}
	}
	*m = out
	return nil
}

// RoleConnection is the application role connection of the current user.
type RoleConnection struct {
	PlatformName     *string  `json:"platform_name"`
	PlatformUsername *string  `json:"platform_username"`
	Metadata         Metadata `json:"metadata"`
}
