// Package sanitize recursively redacts sensitive fields from metadata
// before it reaches a log sink.
package sanitize

import (
	"net/url"
	"reflect"
)

// redactedKeys hold raw or potentially large content that must never reach
// logs verbatim.
var redactedKeys = map[string]bool{
	"snippet":     true,
	"raw":         true,
	"rawHtml":     true,
	"rawHtmlPath": true,
	"html":        true,
	"body":        true,
}

// urlKeys hold values that, when they parse as a URL, have their query and
// fragment stripped (tracking params, auth fragments) but are otherwise kept.
var urlKeys = map[string]bool{
	"url":           true,
	"normalizedUrl": true,
	"link":          true,
	"uri":           true,
}

// Metadata recursively walks v, applying the redaction rules keyed by map
// key: values under redactedKeys become "[redacted]", values under urlKeys
// are stripped of query/fragment when they parse as URLs, error values are
// reduced to {name, message}, and everything else passes through unchanged.
//
// A visited-pointer set guards against cycles, which the rules this mirrors
// do not defend against (DESIGN.md).
func Metadata(v any) any {
	return walk(v, make(map[uintptr]bool))
}

func walk(v any, visited map[uintptr]bool) any {
	if err, ok := v.(error); ok {
		return map[string]any{
			"name":    reflect.TypeOf(err).String(),
			"message": err.Error(),
		}
	}

	rv := reflect.ValueOf(v)

	// Maps and non-empty slices are tracked while they are being walked, so
	// a container that holds itself yields "[cycle]" instead of recursing.
	if k := rv.Kind(); (k == reflect.Map || k == reflect.Slice) && !rv.IsNil() && rv.Len() > 0 {
		addr := rv.Pointer()
		if visited[addr] {
			return "[cycle]"
		}

		visited[addr] = true
		defer delete(visited, addr)
	}

	switch rv.Kind() {
	case reflect.Map:
		return walkMap(rv, visited)
	case reflect.Slice, reflect.Array:
		return walkSlice(rv, visited)
	case reflect.Ptr:
		return walkPointer(rv, visited)
	default:
		return v
	}
}

func walkMap(rv reflect.Value, visited map[uintptr]bool) any {
	if rv.IsNil() {
		return nil
	}

	out := make(map[string]any, rv.Len())

	for _, key := range rv.MapKeys() {
		k := key.String()
		val := rv.MapIndex(key).Interface()

		switch {
		case redactedKeys[k]:
			out[k] = redactIfString(val)
		case urlKeys[k]:
			out[k] = stripURLQuery(val)
		default:
			out[k] = walk(val, visited)
		}
	}

	return out
}

func walkSlice(rv reflect.Value, visited map[uintptr]bool) any {
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return nil
	}

	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = walk(rv.Index(i).Interface(), visited)
	}

	return out
}

func walkPointer(rv reflect.Value, visited map[uintptr]bool) any {
	if rv.IsNil() {
		return nil
	}

	addr := rv.Pointer()
	if visited[addr] {
		return "[cycle]"
	}

	visited[addr] = true

	return walk(rv.Elem().Interface(), visited)
}

func redactIfString(v any) any {
	if _, ok := v.(string); ok {
		return "[redacted]"
	}

	return v
}

func stripURLQuery(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}

	parsed, err := url.Parse(s)
	if err != nil || parsed.Scheme == "" {
		return s
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""

	return parsed.String()
}
