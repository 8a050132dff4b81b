package kb

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTitleLength is the maximum number of runes kept in a record title.
const MaxTitleLength = 50

// Record is a bug report with its resolution. Records are the canonical
// source of truth; the vector index only holds derived embeddings of them.
type Record struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	Description          string    `json:"description"`
	Product              string    `json:"product"`
	Installation         string    `json:"installation"`
	Type                 string    `json:"type"`
	Severity             string    `json:"severity"`
	Status               string    `json:"status"`
	Resolution           string    `json:"resolution"`
	SuggestedResolutions []string  `json:"suggested_resolutions,omitempty"`
	CreatedBy            string    `json:"created_by,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	IndexedAt            time.Time `json:"indexed_at,omitempty"`
}

// Indexed reports whether the record's current resolution has been upserted
// into the vector index. Changing the resolution clears IndexedAt.
func (r Record) Indexed() bool {
	return !r.IndexedAt.IsZero()
}

// Metadata is the subset of a record stored alongside its vector.
type Metadata struct {
	Product      string `json:"product"`
	Installation string `json:"installation"`
	Title        string `json:"title"`
}

// MetadataOf returns the index metadata for r.
func MetadataOf(r Record) Metadata {
	return Metadata{Product: r.Product, Installation: r.Installation, Title: r.Title}
}

// NewRecord is the inbound payload for creating a record.
type NewRecord struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Product      string `json:"product"`
	Installation string `json:"installation"`
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	Status       string `json:"status"`
	Resolution   string `json:"resolution"`
	CreatedBy    string `json:"created_by,omitempty"`
}

// Normalize trims whitespace from every field and caps the title length.
func (n NewRecord) Normalize() NewRecord {
	n.Title = TruncateRunes(strings.TrimSpace(n.Title), MaxTitleLength)
	n.Description = strings.TrimSpace(n.Description)
	n.Product = strings.TrimSpace(n.Product)
	n.Installation = strings.TrimSpace(n.Installation)
	n.Type = strings.TrimSpace(n.Type)
	n.Severity = strings.TrimSpace(n.Severity)
	n.Status = strings.TrimSpace(n.Status)
	n.Resolution = strings.TrimSpace(n.Resolution)
	n.CreatedBy = strings.TrimSpace(n.CreatedBy)
	return n
}

// MissingFields returns the names of required fields that are empty, in a
// stable order. Records fed into the index need every field.
func (n NewRecord) MissingFields() []string {
	fields := []struct {
		name  string
		value string
	}{
		{"title", n.Title},
		{"installation", n.Installation},
		{"description", n.Description},
		{"product", n.Product},
		{"type", n.Type},
		{"severity", n.Severity},
		{"status", n.Status},
		{"resolution", n.Resolution},
	}
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// Validate returns an *InvalidInputError listing every missing required field.
func (n NewRecord) Validate() error {
	missing := n.MissingFields()
	if len(missing) == 0 {
		return nil
	}
	return &InvalidInputError{
		Field:  strings.Join(missing, ","),
		Reason: "Missing required fields: " + strings.Join(missing, ", "),
	}
}

// Comment is a user comment attached to a record.
type Comment struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
