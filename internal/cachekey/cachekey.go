// Package cachekey derives deterministic cache keys from an RPC method name
// and an arbitrary request value (component C of the resilience engine).
package cachekey

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// maxFlatKeys is the maximum number of keys a request object may have and
// still be flattened into a sorted "k=v&k=v" form instead of hashed.
const maxFlatKeys = 10

// Derive computes the cache key for a (method, request) pair per spec §4.C.
func Derive(method string, request any) string {
	switch v := request.(type) {
	case nil:
		return method + ":null"
	case string:
		return method + ":" + v
	case bool:
		return method + ":" + strconv.FormatBool(v)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%s:%v", method, v)
	case float32:
		return method + ":" + formatFloat(float64(v))
	case float64:
		return method + ":" + formatFloat(v)
	}

	if flat, ok := flatten(request); ok {
		return method + ":" + flat
	}

	canonical, err := canonicalJSON(request)
	if err != nil {
		// Non-representable types (functions, channels, etc.) fall back to
		// a type tag, mirroring the spec's symbol/bigint/function case.
		return fmt.Sprintf("%s:%T", method, request)
	}
	return fmt.Sprintf("%s:%s", method, djb2Hex(canonical))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// flatten attempts the "object with <=10 primitive-valued keys" fast path.
// It returns ok=false for anything that isn't a flat primitive-valued map.
func flatten(request any) (string, bool) {
	raw, err := json.Marshal(request)
	if err != nil {
		return "", false
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false
	}
	if len(m) > maxFlatKeys {
		return "", false
	}
	for _, v := range m {
		switch v.(type) {
		case nil, string, bool, float64:
			// primitive, ok
		default:
			return "", false
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+stringifyPrimitive(m[k]))
	}
	return strings.Join(pairs, "&"), true
}

func stringifyPrimitive(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return formatFloat(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// canonicalJSON serializes request with object keys sorted, so structurally
// identical values hash identically regardless of field insertion order.
func canonicalJSON(request any) (string, error) {
	raw, err := json.Marshal(request)
	if err != nil {
		return "", err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	return canonicalize(generic), nil
}

func canonicalize(v any) string {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			b.WriteString(canonicalize(t[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalize(e))
		}
		b.WriteByte(']')
		return b.String()
	case string:
		return strconv.Quote(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return formatFloat(t)
	case nil:
		return "null"
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}

// djb2Hex implements the djb2 hash per spec §4.C and renders it as lowercase
// hex. h starts at 5381; for each UTF-16-ish code unit c, h = ((h<<5)+h)^c,
// reduced to unsigned 32-bit at each step. Go strings are UTF-8, so this
// iterates runes, which matches djb2's intent (per-character mixing) even
// though the source text wasn't UTF-16.
func djb2Hex(s string) string {
	var h uint32 = 5381
	for _, c := range s {
		h = ((h << 5) + h) ^ uint32(c)
	}
	return fmt.Sprintf("%08x", h)
}
