// Package composer assembles the chat messages sent to the generative model
// for a retrieval query.
package composer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/supportkb/internal/conversation"
	"github.com/kalambet/supportkb/internal/engine"
	"github.com/kalambet/supportkb/internal/kb"
)

const defaultMaxContextTokens = 4000

// SystemInstruction constrains the model to a bare JSON array of the
// candidate records that answer the query.
const SystemInstruction = `You are a product support assistant. You are given candidate bug reports retrieved from a knowledge base, the recent conversation, and a new user query.

Respond ONLY with a JSON array of objects. Each object has the fields "id", "title", "description", "product", "type", "status" and "resolution", copied from the candidate records that address the query, most relevant first.
Do not write any prose before or after the array. Do not wrap the array in code fences.

If none of the candidate records match the query, respond with [] and do not invent items.`

// Composer builds prompts under a token budget for the injected records.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected records.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// candidate is the subset of a record shown to the model.
type candidate struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Product     string `json:"product"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Resolution  string `json:"resolution"`
}

// Compose returns the system instruction followed by one user message holding
// the candidate records, the conversation window and the query. records must
// be in rank order; the lowest-ranked are dropped first when the budget is
// exceeded.
func (c *Composer) Compose(query string, records []kb.Record, window []conversation.Turn) []engine.Message {
	var sb strings.Builder

	sb.WriteString("[Candidate Records]\n")
	sb.WriteString(c.fitRecords(records))
	sb.WriteString("\n")

	if history := FormatWindow(window); history != "" {
		sb.WriteString("\n[Conversation]\n")
		sb.WriteString(history)
	}

	sb.WriteString("\n[Query]\n")
	sb.WriteString(strings.TrimSpace(query))

	return []engine.Message{
		{Role: engine.RoleSystem, Content: SystemInstruction},
		{Role: engine.RoleUser, Content: sb.String()},
	}
}

// fitRecords serializes as many leading records as fit the token budget.
func (c *Composer) fitRecords(records []kb.Record) string {
	cands := make([]candidate, len(records))
	for i, r := range records {
		cands[i] = candidate{
			ID:          r.ID,
			Title:       r.Title,
			Description: r.Description,
			Product:     r.Product,
			Type:        r.Type,
			Status:      r.Status,
			Resolution:  r.Resolution,
		}
	}
	for n := len(cands); n > 0; n-- {
		out := marshalCandidates(cands[:n])
		if EstimateTokens(out) <= c.MaxContextTokens {
			return out
		}
	}
	return "[]"
}

func marshalCandidates(cands []candidate) string {
	b, _ := json.MarshalIndent(cands, "", "  ")
	return string(b)
}

// FormatWindow renders turns as "role: content" lines, oldest first.
func FormatWindow(window []conversation.Turn) string {
	var sb strings.Builder
	for _, t := range window {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, content)
	}
	return sb.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
