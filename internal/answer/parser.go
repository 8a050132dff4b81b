// Package answer turns free-form model output into a kb.Result.
package answer

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kalambet/supportkb/internal/kb"
)

// wrapperKeys are object fields models use to wrap the hit array.
var wrapperKeys = []string{"aiResponse", "results", "bugs", "hits"}

// Parse converts raw model output into a result. It never fails:
//  1. the whole text (minus a surrounding code fence) is parsed as JSON;
//  2. otherwise the first balanced [...] holding objects is parsed;
//  3. otherwise the original text is returned as a raw fallback.
func Parse(raw string) (res kb.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = kb.RawFallback(raw)
		}
	}()

	text := stripFence(strings.TrimSpace(raw))
	if r, ok := parseStrict(text); ok {
		return r
	}
	if hits, ok := scanArrays(text); ok {
		return kb.Structured(hits)
	}
	return kb.RawFallback(raw)
}

func parseStrict(text string) (kb.Result, bool) {
	if !gjson.Valid(text) {
		return kb.Result{}, false
	}
	v := gjson.Parse(text)
	switch {
	case v.IsArray():
		if hits, ok := hitsFromArray(v); ok {
			return kb.Structured(hits), true
		}
	case v.IsObject():
		if rt := v.Get("rawText"); rt.Type == gjson.String {
			return kb.RawFallback(rt.String()), true
		}
		for _, key := range wrapperKeys {
			inner := v.Get(key)
			if inner.Type == gjson.String {
				// Some models double-encode the wrapped array.
				s := stripFence(strings.TrimSpace(inner.String()))
				if gjson.Valid(s) {
					inner = gjson.Parse(s)
				}
			}
			if inner.IsArray() {
				if hits, ok := hitsFromArray(inner); ok {
					return kb.Structured(hits), true
				}
			}
		}
		if h, ok := hitFromObject(v); ok {
			return kb.Structured([]kb.Hit{h}), true
		}
	}
	return kb.Result{}, false
}

// hitsFromArray keeps the conforming items. An empty array is a valid "no
// matches" answer; an array whose items all fail validation is not.
func hitsFromArray(v gjson.Result) ([]kb.Hit, bool) {
	items := v.Array()
	if len(items) == 0 {
		return []kb.Hit{}, true
	}
	hits := make([]kb.Hit, 0, len(items))
	for _, it := range items {
		if h, ok := hitFromObject(it); ok {
			hits = append(hits, h)
		}
	}
	return hits, len(hits) > 0
}

func hitFromObject(v gjson.Result) (kb.Hit, bool) {
	if !v.IsObject() || !validHit(v.Raw) {
		return kb.Hit{}, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.Raw), &m); err != nil {
		return kb.Hit{}, false
	}
	for _, k := range []string{"id", "_id"} {
		if f, ok := m[k].(float64); ok {
			m[k] = strconv.FormatFloat(f, 'f', -1, 64)
		}
	}
	return kb.HitFromMap(m), true
}

// maxArrayScans bounds how many '[' positions scanArrays tries. Each try
// walks the rest of the text.
const maxArrayScans = 64

// scanArrays tries each balanced [...] in text, in order, and returns the
// hits of the first one that parses. It gives up after maxArrayScans tries.
func scanArrays(text string) ([]kb.Hit, bool) {
	for start, tries := 0, 0; start < len(text) && tries < maxArrayScans; tries++ {
		i := strings.IndexByte(text[start:], '[')
		if i < 0 {
			return nil, false
		}
		i += start
		end, ok := matchBracket(text, i)
		if !ok {
			start = i + 1
			continue
		}
		candidate := text[i : end+1]
		if strings.Contains(candidate, "{") && gjson.Valid(candidate) {
			if hits, ok := hitsFromArray(gjson.Parse(candidate)); ok && len(hits) > 0 {
				return hits, true
			}
		}
		start = i + 1
	}
	return nil, false
}

// matchBracket returns the index of the ']' closing the '[' at open. Brackets
// inside JSON strings are ignored.
func matchBracket(text string, open int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// stripFence removes a ``` or ```json fence wrapping the whole text.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	body := s[3 : len(s)-3]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "[{") {
		body = body[nl+1:]
	}
	return strings.TrimSpace(body)
}
