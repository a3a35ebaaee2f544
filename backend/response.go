package backend

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	authkit "github.com/chimerakang/authkit-go"
	"github.com/chimerakang/authkit-go/codec"
)

var (
	accessKeys    = []string{"accessToken", "access_token", "access", "token"}
	refreshKeys   = []string{"refreshToken", "refresh_token", "refresh"}
	idKeys        = []string{"id", "pk", "uuid", "user_id"}
	displayKeys   = []string{"displayName", "display_name", "name", "full_name", "first_name"}
	avatarKeys    = []string{"avatarUrl", "avatar_url", "avatar", "picture"}
	moderatorKeys = []string{"isModerator", "is_moderator", "is_staff"}
	detailKeys    = []string{"detail", "message", "error_description", "error"}
	nonFieldKeys  = []string{"non_field_errors", "__all__"}
)

type response struct {
	status int
	raw    []byte

	parsed bool
	body   map[string]any
}

func (r *response) ok() bool { return r.status >= 200 && r.status < 300 }

// object returns the body as a JSON object, or nil if it is not one.
func (r *response) object() map[string]any {
	if !r.parsed {
		r.parsed = true
		_ = json.Unmarshal(r.raw, &r.body)
	}
	return r.body
}

// failure maps a non-2xx answer. Statuses listed in rejected become kind;
// anything else is an unexpected response.
func (r *response) failure(op string, kind error, rejected ...int) error {
	e := &authkit.Error{Kind: authkit.ErrUnexpectedResponse, Op: op, Detail: r.detail()}
	if slices.Contains(rejected, r.status) {
		e.Kind = kind
		e.Fields = r.fields()
	} else if e.Detail == "" {
		e.Detail = fmt.Sprintf("status %d", r.status)
	}
	return e
}

// detail extracts a human-readable message from an error payload.
func (r *response) detail() string {
	obj := r.object()
	if obj == nil {
		return strings.TrimSpace(string(r.raw))
	}
	if s := firstString(obj, detailKeys...); s != "" {
		return s
	}
	for _, k := range nonFieldKeys {
		if msgs := messages(obj[k]); len(msgs) > 0 {
			return strings.Join(msgs, " ")
		}
	}
	if nested, ok := obj["error"].(map[string]any); ok {
		return firstString(nested, detailKeys...)
	}
	return ""
}

// fields collects per-field messages, e.g. {"username": ["already taken"]}.
func (r *response) fields() map[string][]string {
	obj := r.object()
	if errs, ok := obj["errors"].(map[string]any); ok {
		obj = errs
	}
	out := map[string][]string{}
	for k, v := range obj {
		if slices.Contains(detailKeys, k) || slices.Contains(nonFieldKeys, k) {
			continue
		}
		if msgs := messages(v); len(msgs) > 0 {
			out[k] = msgs
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// tokens extracts the pair from the top level or from a nested tokens/data object.
func (r *response) tokens(op string) (authkit.TokenPair, error) {
	obj := r.object()
	if obj == nil {
		return authkit.TokenPair{}, authkit.NewError(authkit.ErrUnexpectedResponse, op, "response is not a JSON object", nil)
	}
	for _, candidate := range []map[string]any{obj, child(obj, "tokens"), child(obj, "data"), child(child(obj, "data"), "tokens")} {
		if candidate == nil {
			continue
		}
		if access := firstString(candidate, accessKeys...); access != "" {
			return authkit.TokenPair{
				AccessToken:  access,
				RefreshToken: firstString(candidate, refreshKeys...),
			}, nil
		}
	}
	return authkit.TokenPair{}, authkit.NewError(authkit.ErrUnexpectedResponse, op, "no access token in response", nil)
}

// session extracts the pair and identity. Identity fields the payload lacks are
// filled from the access token claims.
func (r *response) session(op string, origin authkit.Origin) (authkit.TokenPair, authkit.Identity, error) {
	pair, err := r.tokens(op)
	if err != nil {
		return authkit.TokenPair{}, authkit.Identity{}, err
	}
	if pair.RefreshToken == "" {
		return authkit.TokenPair{}, authkit.Identity{}, authkit.NewError(authkit.ErrUnexpectedResponse, op, "no refresh token in response", nil)
	}

	obj := r.object()
	user := child(obj, "user")
	if user == nil {
		user = child(child(obj, "data"), "user")
	}
	if user == nil {
		user = obj
	}

	id := identity(user)
	id.Origin = origin
	if claims, err := codec.Decode(pair.AccessToken); err == nil {
		if id.ID == "" {
			id.ID = claims.Subject
		}
		if id.Email == "" {
			id.Email = claims.Email
		}
	}
	if id.DisplayName == "" {
		id.DisplayName = id.Username
	}
	return pair, id, nil
}

func identity(m map[string]any) authkit.Identity {
	id := authkit.Identity{
		ID:          firstString(m, idKeys...),
		Email:       firstString(m, "email"),
		Username:    firstString(m, "username"),
		DisplayName: firstString(m, displayKeys...),
		AvatarURL:   firstString(m, avatarKeys...),
		IsModerator: firstBool(m, moderatorKeys...),
	}
	if id.DisplayName != "" && firstString(m, "displayName", "display_name", "name", "full_name") == "" {
		if last := firstString(m, "last_name"); last != "" {
			id.DisplayName += " " + last
		}
	}
	return id
}

func child(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	c, _ := m[key].(map[string]any)
	return c
}

// firstString returns the first key holding a non-empty string or a number.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func firstBool(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := m[k].(bool); ok {
			return v
		}
	}
	return false
}

// messages accepts "msg", ["msg", ...] or {"code": "msg"} shapes.
func messages(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, messages(item)...)
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			out = append(out, messages(t[k])...)
		}
		return out
	}
	return nil
}
