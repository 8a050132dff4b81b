package answer

import (
	"strings"

	"github.com/kalambet/supportkb/internal/kb"
)

// Candidate is a record offered to the model together with its index score.
type Candidate struct {
	Record kb.Record
	Score  float32
}

// Reconcile completes structured hits from the candidates they were drawn
// from. A hit is matched by id, or by case-insensitive title when the model
// dropped the id. Empty fields are filled from the record and the index
// score is attached. Unmatched hits and raw results are returned unchanged.
func Reconcile(res kb.Result, candidates []Candidate) kb.Result {
	hits, ok := res.Hits()
	if !ok || len(hits) == 0 || len(candidates) == 0 {
		return res
	}

	byID := make(map[string]Candidate, len(candidates))
	byTitle := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.Record.ID] = c
		key := titleKey(c.Record.Title)
		if _, dup := byTitle[key]; !dup {
			byTitle[key] = c
		}
	}

	out := make([]kb.Hit, len(hits))
	for i, h := range hits {
		c, found := byID[h.ID]
		if !found && h.Title != "" {
			c, found = byTitle[titleKey(h.Title)]
		}
		if found {
			h = fill(h, c)
		}
		out[i] = h
	}
	return res.WithHits(out)
}

func fill(h kb.Hit, c Candidate) kb.Hit {
	r := c.Record
	set := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	h.ID = r.ID
	set(&h.Title, r.Title)
	set(&h.Description, r.Description)
	set(&h.Product, r.Product)
	set(&h.Installation, r.Installation)
	set(&h.Type, r.Type)
	set(&h.Severity, r.Severity)
	set(&h.Status, r.Status)
	set(&h.Resolution, r.Resolution)
	if h.Score == 0 {
		h.Score = c.Score
	}
	return h
}

func titleKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
