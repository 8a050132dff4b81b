// Package attachment turns a file attached to a query into text that can be
// appended to the query before embedding.
package attachment

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/supportkb/internal/kb"
)

const (
	// MaxSize is the largest attachment accepted, in bytes.
	MaxSize = 10 << 20
	// MaxTextRunes caps the extracted text appended to a query.
	MaxTextRunes = 8000
)

// Attachment is a decoded file sent with a query.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

// Extract returns the text content of a. Plain text and PDF are supported;
// images and other binary types are rejected with *kb.InvalidInputError.
func Extract(a Attachment) (string, error) {
	if len(a.Data) == 0 {
		return "", &kb.InvalidInputError{Field: "attachment", Reason: "attachment is empty"}
	}
	if len(a.Data) > MaxSize {
		return "", &kb.InvalidInputError{Field: "attachment", Reason: fmt.Sprintf("attachment exceeds %d bytes", MaxSize)}
	}

	var (
		text string
		err  error
	)
	switch mt := mediaType(a); {
	case mt == "application/pdf":
		text, err = pdfText(a.Data)
	case strings.HasPrefix(mt, "text/"), mt == "application/json":
		if !utf8.Valid(a.Data) {
			return "", &kb.InvalidInputError{Field: "attachment", Reason: "text attachment is not valid UTF-8"}
		}
		text = string(a.Data)
	case strings.HasPrefix(mt, "image/"):
		return "", &kb.InvalidInputError{Field: "attachment", Reason: "image attachments are not supported"}
	default:
		return "", &kb.InvalidInputError{Field: "attachment", Reason: fmt.Sprintf("unsupported attachment type %q", mt)}
	}
	if err != nil {
		return "", err
	}
	return kb.TruncateRunes(strings.TrimSpace(text), MaxTextRunes), nil
}

// AppendToQuery adds extracted attachment text to a query.
func AppendToQuery(query, name, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return query
	}
	if name == "" {
		name = "attachment"
	}
	return fmt.Sprintf("%s\n\n[Attachment: %s]\n%s", strings.TrimSpace(query), name, text)
}

// mediaType prefers the declared type and falls back to content sniffing.
func mediaType(a Attachment) string {
	if a.MimeType != "" {
		if mt, _, err := mime.ParseMediaType(a.MimeType); err == nil {
			return strings.ToLower(mt)
		}
	}
	if strings.HasSuffix(strings.ToLower(a.Name), ".pdf") {
		return "application/pdf"
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(a.Data))
	return mt
}

func pdfText(data []byte) (text string, err error) {
	defer func() {
		// The PDF reader panics on some malformed files.
		if r := recover(); r != nil {
			text, err = "", &kb.InvalidInputError{Field: "attachment", Reason: fmt.Sprintf("unreadable PDF: %v", r)}
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", &kb.InvalidInputError{Field: "attachment", Reason: "unreadable PDF: " + err.Error()}
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", &kb.InvalidInputError{Field: "attachment", Reason: "extracting PDF text: " + err.Error()}
	}
	b, err := io.ReadAll(io.LimitReader(plain, MaxSize))
	if err != nil {
		return "", fmt.Errorf("reading PDF text: %w", err)
	}
	return string(b), nil
}
