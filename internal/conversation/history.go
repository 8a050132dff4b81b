package conversation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// StructuredPlaceholder stands in for structured content that has no useful
// text form.
const StructuredPlaceholder = "[structured response]"

// HistoryMessage is a prior turn as sent by API clients. Content may be any
// JSON value: a plain string, a list of hits, or a result object.
type HistoryMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	HasResults *bool           `json:"hasResults,omitempty"`
}

// FromHistory builds a window of at most n qualifying turns from client
// history, keeping the most recent. Unknown roles are dropped. Assistant
// messages with structured content count as having carried results unless
// HasResults says otherwise. n <= 0 uses DefaultWindowSize.
func FromHistory(msgs []HistoryMessage, n int) []Turn {
	m := NewManager(n)
	for _, msg := range msgs {
		role := Role(strings.ToLower(strings.TrimSpace(msg.Role)))
		if role != RoleUser && role != RoleAssistant {
			continue
		}
		text, structured := Reduce(msg.Content)
		results := structured
		if msg.HasResults != nil {
			results = *msg.HasResults
		}
		m.Append(Turn{Role: role, Content: text, Results: results})
	}
	return m.Window()
}

// Reduce turns message content into prompt text. structured reports whether
// content was a JSON object or a non-empty array. Structured values are never passed
// through raw:
//   - an object with a string rawText field yields that text;
//   - an array of hits yields "Suggested: <title> (<id>); ...";
//   - anything else yields StructuredPlaceholder.
func Reduce(content json.RawMessage) (text string, structured bool) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return s, false
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			var raw string
			if v, ok := obj["rawText"]; ok && json.Unmarshal(v, &raw) == nil && raw != "" {
				return raw, true
			}
		}
		return StructuredPlaceholder, true
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err == nil && len(items) == 0 {
			return StructuredPlaceholder, false
		}
		return summarizeHits(trimmed), true
	default:
		// Numbers and booleans are kept as their literal text.
		return string(trimmed), false
	}
}

func summarizeHits(data []byte) string {
	var items []map[string]any
	if err := json.Unmarshal(data, &items); err != nil || len(items) == 0 {
		return StructuredPlaceholder
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		title, _ := it["title"].(string)
		if title == "" {
			continue
		}
		if id := idString(it["id"]); id != "" {
			parts = append(parts, fmt.Sprintf("%s (%s)", title, id))
		} else {
			parts = append(parts, title)
		}
	}
	if len(parts) == 0 {
		return StructuredPlaceholder
	}
	return "Suggested: " + strings.Join(parts, "; ")
}

func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return fmt.Sprintf("%g", id)
	default:
		return ""
	}
}
