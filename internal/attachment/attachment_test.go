package attachment

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/supportkb/internal/kb"
)

func TestExtract_Text(t *testing.T) {
	got, err := Extract(Attachment{Name: "log.txt", MimeType: "text/plain; charset=utf-8", Data: []byte("  panic: nil map\n")})
	require.NoError(t, err)
	assert.Equal(t, "panic: nil map", got)
}

func TestExtract_SniffsTextWithoutMimeType(t *testing.T) {
	got, err := Extract(Attachment{Name: "notes", Data: []byte("dashboard is blank")})
	require.NoError(t, err)
	assert.Equal(t, "dashboard is blank", got)
}

func TestExtract_TruncatesLongText(t *testing.T) {
	got, err := Extract(Attachment{MimeType: "text/plain", Data: []byte(strings.Repeat("é", MaxTextRunes+10))})
	require.NoError(t, err)
	assert.Equal(t, MaxTextRunes, len([]rune(got)))
}

func TestExtract_PDF(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "report.pdf"))
	require.NoError(t, err)

	for _, a := range []Attachment{
		{Name: "upload", MimeType: "application/pdf", Data: data},
		{Name: "report.pdf", Data: data},
	} {
		got, err := Extract(a)
		require.NoError(t, err)
		assert.Contains(t, got, "Export fails with error E42 on large reports")

		q := AppendToQuery("export is broken", "report.pdf", got)
		assert.True(t, strings.HasPrefix(q, "export is broken\n\n[Attachment: report.pdf]\n"), q)
		assert.Contains(t, q, "error E42")
	}
}

func TestExtract_Rejects(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 16)...)
	cases := []struct {
		name string
		in   Attachment
	}{
		{"empty", Attachment{MimeType: "text/plain"}},
		{"declared image", Attachment{MimeType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}}},
		{"sniffed image", Attachment{Name: "screen", Data: png}},
		{"binary", Attachment{MimeType: "application/zip", Data: []byte("PK\x03\x04")}},
		{"invalid utf8", Attachment{MimeType: "text/plain", Data: []byte{0xff, 0xfe, 0xfd}}},
		{"too large", Attachment{MimeType: "text/plain", Data: make([]byte, MaxSize+1)}},
		{"broken pdf", Attachment{Name: "report.pdf", Data: []byte("%PDF-1.4 not really")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Extract(tc.in)
			require.Error(t, err)
			assert.True(t, kb.IsInvalidInput(err), "got %T: %v", err, err)
		})
	}
}

func TestAppendToQuery(t *testing.T) {
	assert.Equal(t, "crash", AppendToQuery("crash", "log.txt", "  "))
	assert.Equal(t, "crash\n\n[Attachment: log.txt]\nstack trace", AppendToQuery(" crash ", "log.txt", "stack trace"))
	assert.Contains(t, AppendToQuery("crash", "", "x"), "[Attachment: attachment]")
}
