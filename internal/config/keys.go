package config

import (
	"sort"
	"strings"
)

// A dot key whose last segment is one of these holds a credential:
// llm.api_key, telegram.token, storage.sql.dsn, storage.mongo.uri.
var secretSegments = []string{"api_key", "token", "dsn", "uri"}

// IsSecretKey reports whether a dot-separated key holds a credential.
func IsSecretKey(key string) bool {
	last := key[strings.LastIndex(key, ".")+1:]
	for _, s := range secretSegments {
		if last == s {
			return true
		}
	}
	return false
}

// Flatten converts nested maps into dot-separated keys, so
// {"storage": {"driver": "sql"}} becomes {"storage.driver": "sql"}.
// Empty sections are kept as values so they still show up in listings.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok && len(child) > 0 {
				walk(key, child)
				continue
			}
			out[key] = v
		}
	}
	walk("", m)
	return out
}

// Keys returns the keys of a flat map in sorted order.
func Keys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lookup walks a dot-separated key through nested maps.
func lookup(m map[string]any, key string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(key, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = node[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// assign stores v under a dot-separated key, creating sections as needed
// and replacing any scalar found where a section is expected.
func assign(m map[string]any, key string, v any) {
	parts := strings.Split(key, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

// MaskSecrets returns a copy of the flat map with credentials shown as
// "***" plus their last four characters. Empty values stay empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if s, ok := v.(string); ok && s != "" && IsSecretKey(k) {
			out[k] = mask(s)
			continue
		}
		out[k] = v
	}
	return out
}

func mask(s string) string {
	if len(s) <= 4 {
		return "***" + s
	}
	return "***" + s[len(s)-4:]
}
