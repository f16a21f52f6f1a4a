package proxy

import (
	"net/url"
	"strings"
)

// Param is one query parameter. Order is preserved through merging so the
// serialized form is stable.
type Param struct {
	Key   string
	Value string
}

// ParseParams splits a raw query string into ordered parameters. Values stay
// percent-decoded; keys compare case-sensitively.
func ParseParams(rawQuery string) []Param {
	if rawQuery == "" {
		return nil
	}
	var out []Param
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		key, value := part, ""
		if idx := strings.Index(part, "="); idx >= 0 {
			key, value = part[:idx], part[idx+1:]
		}
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		out = append(out, Param{Key: key, Value: value})
	}
	return out
}

// MergeParams overlays the request's parameters onto the resource's
// configured parameters. A request key that already exists replaces the
// configured value in place; new keys append in request order. Merging a
// query with itself yields itself.
func MergeParams(configured, request []Param) []Param {
	merged := make([]Param, len(configured))
	copy(merged, configured)

	for _, rp := range request {
		replaced := false
		for i := range merged {
			if merged[i].Key == rp.Key {
				merged[i].Value = rp.Value
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, rp)
		}
	}
	return merged
}

// HasParam reports whether key is present.
func HasParam(params []Param, key string) bool {
	for _, p := range params {
		if p.Key == key {
			return true
		}
	}
	return false
}

// WithToken appends the token parameter unless the key is already present.
func WithToken(params []Param, key, value string) []Param {
	if key == "" {
		key = "token"
	}
	if value == "" || HasParam(params, key) {
		return params
	}
	return append(params, Param{Key: key, Value: value})
}

// SetToken forces the token parameter to value, replacing any existing one.
func SetToken(params []Param, key, value string) []Param {
	if key == "" {
		key = "token"
	}
	for i := range params {
		if params[i].Key == key {
			params[i].Value = value
			return params
		}
	}
	return append(params, Param{Key: key, Value: value})
}

// EncodeParams serializes parameters with percent-encoding on each key and
// value individually. Spaces encode as %20, never '+'.
func EncodeParams(params []Param) string {
	if len(params) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escape(p.Key))
		b.WriteByte('=')
		b.WriteString(escape(p.Value))
	}
	return b.String()
}

// escape percent-encodes like url.QueryEscape but with %20 for spaces.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
