package tools

import (
	"time"

	"github.com/kilnlabs/kiln/pkg/types"
)

// Args is the raw argument bag of one tool call. JSON decoding hands
// numbers over as float64; the accessors normalise from there.
type Args map[string]any

// String returns a string argument or "".
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// StringOr returns a string argument with a fallback.
func (a Args) StringOr(key, def string) string {
	if s, ok := a[key].(string); ok && s != "" {
		return s
	}
	return def
}

// RequireString returns a string argument or a validation error naming
// the missing key.
func (a Args) RequireString(key string) (string, error) {
	s, ok := a[key].(string)
	if !ok || s == "" {
		return "", types.NewError(types.CodeValidationError, "%s is required", key)
	}
	return s, nil
}

// Bool returns a boolean argument, false when absent.
func (a Args) Bool(key string) bool {
	b, _ := a[key].(bool)
	return b
}

// Float returns a numeric argument, accepting JSON float64 or int.
func (a Args) Float(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// RequireFloat returns a numeric argument or a validation error.
func (a Args) RequireFloat(key string) (float64, error) {
	f, ok := a.Float(key)
	if !ok {
		return 0, types.NewError(types.CodeValidationError, "%s is required and must be a number", key)
	}
	return f, nil
}

// Int returns an integer argument with a fallback.
func (a Args) Int(key string, def int) int {
	if f, ok := a.Float(key); ok {
		return int(f)
	}
	return def
}

// Seconds reads an argument given in seconds into a duration.
func (a Args) Seconds(key string, def time.Duration) time.Duration {
	if f, ok := a.Float(key); ok && f >= 0 {
		return time.Duration(f * float64(time.Second))
	}
	return def
}

// Strings returns a string-slice argument, accepting []string or the
// []any a JSON decoder produces.
func (a Args) Strings(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// StringMap returns a map argument with string values, tolerating the
// map[string]any form.
func (a Args) StringMap(key string) map[string]string {
	switch v := a[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, item := range v {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
		return out
	}
	return nil
}

// Map returns a nested object argument.
func (a Args) Map(key string) map[string]any {
	m, _ := a[key].(map[string]any)
	return m
}
