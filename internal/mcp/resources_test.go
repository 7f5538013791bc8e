package mcp

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
)

// minimalPDF builds a one-page document that draws text in Helvetica.
func minimalPDF(text string) []byte {
	content := fmt.Sprintf("BT /F1 24 Tf 72 720 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n", len(objects)+1)
	b.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return []byte(b.String())
}

func TestContentText(t *testing.T) {
	blob := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name     string
		contents []ResourceContent
		want     string
		ok       bool
	}{
		{
			name:     "text",
			contents: []ResourceContent{{Text: "plain notes"}},
			want:     "plain notes",
			ok:       true,
		},
		{
			name:     "textual blob with charset",
			contents: []ResourceContent{{MimeType: "text/markdown; charset=utf-8", Blob: blob("# Title")}},
			want:     "# Title",
			ok:       true,
		},
		{
			name:     "image skipped",
			contents: []ResourceContent{{MimeType: "image/png", Blob: "iVBORw0KGgo="}},
		},
		{
			name:     "malformed pdf skipped",
			contents: []ResourceContent{{MimeType: "application/pdf", Blob: blob("%PDF-1.4 truncated")}},
		},
		{
			name: "mixed keeps convertible parts",
			contents: []ResourceContent{
				{Text: "intro"},
				{MimeType: "application/octet-stream", Blob: blob("\x00\x01")},
				{MimeType: "application/json", Blob: blob(`{"a":1}`)},
			},
			want: "intro\n{\"a\":1}",
			ok:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := contentText(tt.contents)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("contentText() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestContentTextPDF(t *testing.T) {
	doc := base64.StdEncoding.EncodeToString(minimalPDF("Quarterly revenue"))

	got, ok := contentText([]ResourceContent{{MimeType: "application/pdf", Blob: doc}})
	if !ok {
		t.Fatal("pdf resource was skipped")
	}
	if !strings.Contains(got, "Quarterly") || !strings.Contains(got, "revenue") {
		t.Fatalf("text = %q", got)
	}
}
