// Package query parses URL query strings into multi-valued parameter maps.
//
// Parsing is lenient: a segment without '=', with an empty key or value, or
// one whose percent-encoding is invalid, is skipped instead of failing the
// whole parse. A blank parameter therefore takes its default.
// Callers read the first value of a parameter; typed accessors report
// malformed values as *ParamError so handlers can answer 400.
package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Values maps a parameter name to its non-empty, ordered list of values.
type Values map[string][]string

// ParamError reports a query parameter whose value could not be converted.
type ParamError struct {
	Name  string
	Value string
	Err   error
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("query parameter %q: invalid value %q: %v", e.Name, e.Value, e.Err)
}

func (e *ParamError) Unwrap() error { return e.Err }

// Split separates a request URL into its path and raw query at the first '?'.
func Split(rawURL string) (path, rawQuery string) {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i], rawURL[i+1:]
	}
	return rawURL, ""
}

// Parse decodes a raw query string (without the leading '?').
func Parse(raw string) Values {
	v := make(Values)
	for raw != "" {
		var segment string
		segment, raw, _ = strings.Cut(raw, "&")
		if segment == "" {
			continue
		}
		key, value, ok := strings.Cut(segment, "=")
		if !ok || key == "" {
			continue
		}
		key, err := url.QueryUnescape(key)
		if err != nil || key == "" {
			continue
		}
		value, err = url.QueryUnescape(value)
		if err != nil || value == "" {
			continue
		}
		v[key] = append(v[key], value)
	}
	return v
}

// First returns the first value of name.
func (v Values) First(name string) (string, bool) {
	vs, ok := v[name]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Has reports whether name is present.
func (v Values) Has(name string) bool {
	_, ok := v.First(name)
	return ok
}

// String returns the first value of name, or def when absent.
func (v Values) String(name, def string) string {
	if s, ok := v.First(name); ok {
		return s
	}
	return def
}

// Int returns the first value of name as an integer, or def when absent.
func (v Values) Int(name string, def int64) (int64, error) {
	s, ok := v.First(name)
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return def, &ParamError{Name: name, Value: s, Err: err}
	}
	return n, nil
}

// Flag reports whether name is present with a nonzero integer value.
func (v Values) Flag(name string) (bool, error) {
	n, err := v.Int(name, 0)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}
