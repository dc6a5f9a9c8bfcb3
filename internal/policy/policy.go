// Package policy resolves configuration policies across pool, link and global scopes.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scope holds the policy values configured at one level. Keys are case-insensitive.
type Scope map[string]any

// Normalize returns a copy of s with lower-cased keys.
func Normalize(s map[string]any) Scope {
	out := make(Scope, len(s))
	for k, v := range s {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

// Chain is an ordered list of scopes, most specific first.
type Chain []Scope

// Resolve returns the first value set for key, falling back to the compiled-in default.
func Resolve(key string, scopes ...Scope) (any, bool) {
	key = strings.ToLower(key)
	for _, s := range scopes {
		if s == nil {
			continue
		}
		if v, ok := s[key]; ok {
			return v, true
		}
	}
	v, ok := defaults[key]
	return v, ok
}

// With returns a chain with more specific scopes prepended.
func (c Chain) With(scopes ...Scope) Chain {
	out := make(Chain, 0, len(scopes)+len(c))
	out = append(out, scopes...)
	return append(out, c...)
}

// Value resolves key across the chain.
func (c Chain) Value(key string) any {
	v, _ := Resolve(key, c...)
	return v
}

// Duration resolves key as a duration. Misconfigured values fall back to the default.
func (c Chain) Duration(key string) time.Duration {
	d, err := ToDuration(c.Value(key))
	if err != nil {
		d, _ = ToDuration(defaults[strings.ToLower(key)])
	}
	return d
}

// Bool resolves key as a boolean.
func (c Chain) Bool(key string) bool {
	b, err := ToBool(c.Value(key))
	if err != nil {
		b, _ = ToBool(defaults[strings.ToLower(key)])
	}
	return b
}

// Float resolves key as a float.
func (c Chain) Float(key string) float64 {
	f, err := ToFloat(c.Value(key))
	if err != nil {
		f, _ = ToFloat(defaults[strings.ToLower(key)])
	}
	return f
}

// Int resolves key as an integer.
func (c Chain) Int(key string) int64 {
	f, err := ToFloat(c.Value(key))
	if err != nil {
		f, _ = ToFloat(defaults[strings.ToLower(key)])
	}
	return int64(f)
}

// ToDuration accepts integer seconds, numeric strings or Go duration strings.
func ToDuration(v any) (time.Duration, error) {
	switch x := v.(type) {
	case time.Duration:
		return x, nil
	case int64:
		return time.Duration(x) * time.Second, nil
	case int:
		return time.Duration(x) * time.Second, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, fmt.Errorf("parsing duration %q: %w", x, err)
		}
		return d, nil
	}
	return 0, fmt.Errorf("expected duration, got %T", v)
}

// ToBool accepts booleans and their string forms.
func ToBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(x)
		if err != nil {
			return false, fmt.Errorf("parsing bool %q: %w", x, err)
		}
		return b, nil
	}
	return false, fmt.Errorf("expected bool, got %T", v)
}

// ToFloat accepts numbers and numeric strings.
func ToFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing number %q: %w", x, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

// Validate checks that every key in s is known and its value has the right type.
func Validate(s Scope) error {
	for k, v := range s {
		def, ok := defaults[k]
		if !ok {
			return fmt.Errorf("unknown policy %q", k)
		}
		var err error
		switch def.(type) {
		case time.Duration:
			var d time.Duration
			d, err = ToDuration(v)
			if err == nil && d < 0 {
				err = fmt.Errorf("negative duration %s", d)
			}
		case bool:
			_, err = ToBool(v)
		case float64:
			var f float64
			f, err = ToFloat(v)
			if err == nil && (f < 0 || f > 1) {
				err = fmt.Errorf("ratio %v outside [0,1]", f)
			}
		}
		if err != nil {
			return fmt.Errorf("policy %q: %w", k, err)
		}
	}
	return nil
}
