package kb

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// ResultKind discriminates the variants of Result.
type ResultKind string

const (
	KindStructured ResultKind = "structured"
	KindRaw        ResultKind = "raw"
)

// Hit is one structured bug object in an answer. Only ID and Title are
// expected; everything else is optional and unknown fields survive in Extra.
type Hit struct {
	ID           string
	Title        string
	Description  string
	Product      string
	Installation string
	Type         string
	Severity     string
	Status       string
	Resolution   string
	Score        float32
	Extra        map[string]any
}

var hitFields = map[string]func(h *Hit) *string{
	"id":           func(h *Hit) *string { return &h.ID },
	"_id":          func(h *Hit) *string { return &h.ID },
	"title":        func(h *Hit) *string { return &h.Title },
	"description":  func(h *Hit) *string { return &h.Description },
	"product":      func(h *Hit) *string { return &h.Product },
	"installation": func(h *Hit) *string { return &h.Installation },
	"type":         func(h *Hit) *string { return &h.Type },
	"severity":     func(h *Hit) *string { return &h.Severity },
	"status":       func(h *Hit) *string { return &h.Status },
	"resolution":   func(h *Hit) *string { return &h.Resolution },
}

// HitFromMap converts a decoded JSON object into a Hit. Known string fields
// are lifted; non-string values of known fields and all unknown fields are
// kept in Extra. When several keys map to one field, the lower-case name
// wins over "_id", which wins over other spellings.
func HitFromMap(m map[string]any) Hit {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		return cmp.Or(cmp.Compare(keyRank(a), keyRank(b)), strings.Compare(a, b))
	})

	var h Hit
	for _, k := range keys {
		v := m[k]
		if k == "score" {
			if f, ok := v.(float64); ok {
				h.Score = float32(f)
				continue
			}
		}
		if field, ok := hitFields[strings.ToLower(k)]; ok {
			if s, ok := v.(string); ok {
				if dst := field(&h); *dst == "" {
					*dst = s
				}
				continue
			}
		}
		if h.Extra == nil {
			h.Extra = make(map[string]any)
		}
		h.Extra[k] = v
	}
	return h
}

func keyRank(k string) int {
	switch {
	case k == "_id":
		return 1
	case k == strings.ToLower(k):
		return 0
	}
	return 2
}

// HitFromRecord converts a stored record into a Hit.
func HitFromRecord(r Record) Hit {
	return Hit{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Product:      r.Product,
		Installation: r.Installation,
		Type:         r.Type,
		Severity:     r.Severity,
		Status:       r.Status,
		Resolution:   r.Resolution,
	}
}

func (h Hit) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h.Extra)+10)
	for k, v := range h.Extra {
		out[k] = v
	}
	out["id"] = h.ID
	out["title"] = h.Title
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("description", h.Description)
	set("product", h.Product)
	set("installation", h.Installation)
	set("type", h.Type)
	set("severity", h.Severity)
	set("status", h.Status)
	set("resolution", h.Resolution)
	if h.Score != 0 {
		out["score"] = h.Score
	}
	return json.Marshal(out)
}

func (h *Hit) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*h = HitFromMap(m)
	return nil
}

// Notice is the deterministic, user-presentable payload returned when
// synthesis could not complete.
type Notice struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// String renders the notice as plain text.
func (n Notice) String() string {
	return "Subject: " + n.Subject + "\n\n" + n.Body
}

// Result is the outcome of a retrieval call. It is exactly one of a list of
// structured hits or a raw-text fallback; construct it with Structured or
// RawFallback and inspect it with Kind.
type Result struct {
	kind     ResultKind
	hits     []Hit
	rawText  string
	degraded *Notice
}

// Structured returns a structured result. A nil slice is normalized to an
// empty one so "no matches" always serializes as [].
func Structured(hits []Hit) Result {
	if hits == nil {
		hits = []Hit{}
	}
	return Result{kind: KindStructured, hits: hits}
}

// RawFallback returns a raw-text result.
func RawFallback(text string) Result {
	return Result{kind: KindRaw, rawText: text}
}

// DegradedResult returns the raw variant carrying a synthesis notice.
func DegradedResult(n Notice) Result {
	return Result{kind: KindRaw, rawText: n.String(), degraded: &n}
}

// Kind returns the variant tag. The zero Result reports KindStructured with
// no hits.
func (r Result) Kind() ResultKind {
	if r.kind == "" {
		return KindStructured
	}
	return r.kind
}

// Hits returns the structured hits and true for the structured variant.
func (r Result) Hits() ([]Hit, bool) {
	if r.Kind() != KindStructured {
		return nil, false
	}
	if r.hits == nil {
		return []Hit{}, true
	}
	return r.hits, true
}

// RawText returns the fallback text and true for the raw variant.
func (r Result) RawText() (string, bool) {
	if r.Kind() != KindRaw {
		return "", false
	}
	return r.rawText, true
}

// Degraded returns the synthesis notice when the result was produced by a
// failed synthesis.
func (r Result) Degraded() (Notice, bool) {
	if r.degraded == nil {
		return Notice{}, false
	}
	return *r.degraded, true
}

// WithHits returns a copy of a structured result with its hits replaced.
func (r Result) WithHits(hits []Hit) Result {
	if r.Kind() != KindStructured {
		return r
	}
	return Structured(hits)
}

type resultJSON struct {
	Kind     ResultKind `json:"kind"`
	Hits     []Hit      `json:"hits,omitempty"`
	RawText  string     `json:"rawText,omitempty"`
	Degraded *Notice    `json:"degraded,omitempty"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{Kind: r.Kind()}
	switch out.Kind {
	case KindStructured:
		out.Hits, _ = r.Hits()
		// Always emit the array, even when empty.
		return json.Marshal(struct {
			Kind ResultKind `json:"kind"`
			Hits []Hit      `json:"hits"`
		}{out.Kind, out.Hits})
	case KindRaw:
		out.RawText = r.rawText
		out.Degraded = r.degraded
	}
	return json.Marshal(out)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case KindStructured, "":
		*r = Structured(in.Hits)
	case KindRaw:
		if in.Degraded != nil {
			*r = DegradedResult(*in.Degraded)
			return nil
		}
		*r = RawFallback(in.RawText)
	default:
		return fmt.Errorf("unknown result kind %q", in.Kind)
	}
	return nil
}
