package mcp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxPDFText caps the text taken from one PDF resource.
const maxPDFText = 1 << 20

// textualMIME reports whether a blob with this MIME type can be shown to the
// model as text.
func textualMIME(mimeType string) bool {
	mt := baseMIME(mimeType)
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	switch mt {
	case "application/json", "application/xml", "application/yaml", "application/x-yaml",
		"application/javascript", "application/csv", "application/markdown":
		return true
	}
	return strings.HasSuffix(mt, "+json") || strings.HasSuffix(mt, "+xml")
}

func baseMIME(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

// contentText converts resource contents to text. Text parts are used
// verbatim, base64 blobs with a textual MIME type are decoded, PDFs are
// reduced to their plain text and anything else is skipped.
func contentText(contents []ResourceContent) (string, bool) {
	var parts []string
	for _, c := range contents {
		switch {
		case c.Text != "":
			parts = append(parts, c.Text)
		case c.Blob != "" && textualMIME(c.MimeType):
			decoded, err := base64.StdEncoding.DecodeString(c.Blob)
			if err != nil {
				continue
			}
			parts = append(parts, string(decoded))
		case c.Blob != "" && baseMIME(c.MimeType) == "application/pdf":
			decoded, err := base64.StdEncoding.DecodeString(c.Blob)
			if err != nil {
				continue
			}
			text, err := pdfText(decoded)
			if err != nil || strings.TrimSpace(text) == "" {
				continue
			}
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// pdfText extracts the plain text of a PDF document.
func pdfText(data []byte) (text string, err error) {
	// The parser panics on some malformed documents.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("malformed pdf: %v", rec)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	b, err := io.ReadAll(io.LimitReader(plain, maxPDFText))
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
