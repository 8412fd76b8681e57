package cache

import (
	"crypto/md5"
	"fmt"
	"sort"
	"strings"
)

// maxKeyLen bounds generated keys; longer parameter sets are hashed.
const maxKeyLen = 200

// KeyFor builds a stable cache key from a resource prefix and query parameters.
// Parameters are sorted by name and written as name=value, so the same query
// always maps to the same key, e.g. KeyFor("notes", {"take": "10"}) yields
// "notes-take=10".
func KeyFor(prefix string, params map[string]string) string {
	if len(params) == 0 {
		return prefix
	}

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names)+1)
	parts = append(parts, prefix)
	for _, k := range names {
		parts = append(parts, sanitize(k)+"="+sanitize(params[k]))
	}
	return bounded(prefix, strings.Join(parts, "-"))
}

// ValuesKey builds a key from values in a fixed order, for resources whose
// read parameters are positional, e.g. ValuesKey("locations", "2024-01-01",
// "2024-01-02") yields "locations-2024-01-01-2024-01-02". Sanitized values
// never contain "=", so these keys cannot meet a KeyFor key.
func ValuesKey(prefix string, values ...string) string {
	if len(values) == 0 {
		return prefix
	}
	parts := make([]string, 0, len(values)+1)
	parts = append(parts, prefix)
	for _, v := range values {
		parts = append(parts, sanitize(v))
	}
	return bounded(prefix, strings.Join(parts, "-"))
}

// bounded hashes keys that are too long for the column or that would fall
// under the record entries of prefix.
func bounded(prefix, key string) string {
	if len(key) > maxKeyLen || strings.HasPrefix(key, RecordKey(prefix, "")) {
		return fmt.Sprintf("%s-hash_%x", prefix, md5.Sum([]byte(key)))
	}
	return key
}

// RecordKey is the key of the authoritative entry for a single record.
func RecordKey(prefix, localRef string) string {
	return prefix + "-record-" + localRef
}

// sanitize replaces characters that would make keys ambiguous
func sanitize(s string) string {
	unsafe := []string{"/", "?", "&", "=", "#", " ", "\""}
	result := s
	for _, char := range unsafe {
		result = strings.ReplaceAll(result, char, "_")
	}
	return result
}
