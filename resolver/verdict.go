package resolver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mnehpets/linkedrole/discord"
)

// Verdict is the resolver's decision for one user.
//
// The resolver treats empty values as absent: null, false, 0, "", {} and []
// all leave the corresponding field at its zero value.
type Verdict struct {
	// User is the user the resolver evaluated, nil when absent.
	User *User
	// Member reports whether the user belongs to the community guild.
	Member bool
	// Exception is the reason the user is ineligible, "" when eligible.
	// Non-string exceptions keep their JSON text.
	Exception string
	// Metadata is the role-connection metadata to push, nil when absent.
	Metadata discord.Metadata
}

// User identifies the user a verdict was computed for.
type User struct {
	// ID is the user's snowflake; numeric ids are converted to their decimal
	// text. Empty when the resolver sent no id.
	ID string
}

type wireVerdict struct {
	User      json.RawMessage `json:"user"`
	Member    json.RawMessage `json:"member"`
	Exception json.RawMessage `json:"exception"`
	Metadata  json.RawMessage `json:"metadata"`
}

// UnmarshalJSON decodes the resolver's result object.
func (v *Verdict) UnmarshalJSON(b []byte) error {
	var w wireVerdict
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*v = Verdict{Member: present(w.Member)}

	if present(w.User) {
		u, err := decodeUser(w.User)
		if err != nil {
			return err
		}
		v.User = u
	}

	if present(w.Exception) {
		var s string
		if err := json.Unmarshal(w.Exception, &s); err != nil {
			s = string(bytes.TrimSpace(w.Exception))
		}
		v.Exception = s
	}

	if present(w.Metadata) {
		var md discord.Metadata
		if err := json.Unmarshal(w.Metadata, &md); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		if len(md) > 0 {
			v.Metadata = md
		}
	}
	return nil
}

func decodeUser(raw json.RawMessage) (*User, error) {
	var obj struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("user: %w", err)
	}
	u := &User{}
	id := bytes.TrimSpace(obj.ID)
	switch {
	case len(id) == 0 || bytes.Equal(id, []byte("null")):
	case id[0] == '"':
		if err := json.Unmarshal(id, &u.ID); err != nil {
			return nil, fmt.Errorf("user id: %w", err)
		}
	default:
		n, err := strconv.ParseUint(string(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("user id: %w", err)
		}
		u.ID = strconv.FormatUint(n, 10)
	}
	return u, nil
}

// present reports whether raw holds a value other than null, false, zero, an
// empty string, an empty object or an empty array.
func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch raw[0] {
	case 'n', 'f':
		return false
	case 't':
		return true
	case '"':
		return len(raw) > 2
	case '{':
		var m map[string]json.RawMessage
		return json.Unmarshal(raw, &m) == nil && len(m) > 0
	case '[':
		var a []json.RawMessage
		return json.Unmarshal(raw, &a) == nil && len(a) > 0
	default:
		f, err := strconv.ParseFloat(string(raw), 64)
		return err == nil && f != 0
	}
}
