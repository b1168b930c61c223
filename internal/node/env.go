package node

import (
	"fmt"
	"strconv"
	"strings"
)

// ScopeUser marks a credential supplied by the end user; usage billed to the
// user's own account is not charged again.
const ScopeUser = "user"

// Env carries the credentials a node may use and the billing scope of each.
type Env struct {
	Variables map[string]string `json:"variables,omitempty"`
	Scope     map[string]string `json:"scope,omitempty"`
}

// Variable returns the trimmed value of a credential.
func (e Env) Variable(name string) string {
	return strings.TrimSpace(e.Variables[name])
}

// UserScoped reports whether the credential belongs to the end user.
func (e Env) UserScoped(name string) bool {
	return e.Scope[name] == ScopeUser
}

// Require returns the named credentials, failing with a configuration error
// on the first one that is missing.
func (e Env) Require(names ...string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	for _, name := range names {
		v := e.Variable(name)
		if v == "" {
			return nil, ConfigError(fmt.Sprintf("Please, set %s in environment", name))
		}
		values[name] = v
	}
	return values, nil
}

// Inputs holds the user-facing parameters of a node invocation.
type Inputs map[string]any

// String returns the input as a string, or def when absent or empty.
func (in Inputs) String(key, def string) string {
	switch v := in[key].(type) {
	case string:
		if strings.TrimSpace(v) != "" {
			return v
		}
	case fmt.Stringer:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	}
	return def
}

// Float returns the input as a number. Numeric strings are accepted since
// form inputs such as durations arrive as text.
func (in Inputs) Float(key string, def float64) float64 {
	switch v := in[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns the input as a boolean.
func (in Inputs) Bool(key string, def bool) bool {
	switch v := in[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Has reports whether the key is present with a non-empty value.
func (in Inputs) Has(key string) bool {
	v, ok := in[key]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// Compact drops nil and empty-string values so optional parameters are not
// sent to providers that reject nulls.
func Compact(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out[k] = v
	}
	return out
}
