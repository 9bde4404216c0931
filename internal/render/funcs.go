package render

import (
	"strconv"
	"strings"
	"text/template"
)

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// FuncMap returns template helpers for YAML rendering.
func FuncMap(tracker *EnvTracker, lookup LookupFunc) template.FuncMap {
	return template.FuncMap{
		// env fails rendering when the variable is unset.
		"env": func(key string) (string, error) {
			value, ok := lookup(key)
			if !ok {
				if tracker != nil {
					tracker.markMissing(key)
				}
				return "", nil
			}
			return value, nil
		},
		"envOr": func(key, def string) string {
			if value, ok := lookup(key); ok {
				return value
			}
			return def
		},
		"envInt": func(key string, def int) int {
			value, ok := lookup(key)
			if !ok {
				return def
			}
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return def
			}
			return n
		},
		"envBool": func(key string, def bool) bool {
			value, ok := lookup(key)
			if !ok {
				return def
			}
			b, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				return def
			}
			return b
		},
		"default": func(def, value string) string {
			if value == "" {
				return def
			}
			return value
		},
		"ternary": func(cond bool, a, b string) string {
			if cond {
				return a
			}
			return b
		},
		"quote": strconv.Quote,
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
		"trim":  strings.TrimSpace,
	}
}
