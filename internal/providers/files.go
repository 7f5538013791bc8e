package providers

import (
	"fmt"
	"strings"

	"github.com/ttexan1/klavis-sub000/internal/redact"
	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// fileText renders a user file reference inline for vendors that receive it
// as text. The auth token is never sent in clear.
func fileText(f models.FileContent) string {
	name := f.Filename
	if ext := strings.TrimPrefix(f.Extension, "."); ext != "" && !strings.HasSuffix(name, "."+ext) {
		name += "." + ext
	}
	if f.AuthToken == "" {
		return fmt.Sprintf("[File: %s available at %s]", name, f.URL)
	}
	return fmt.Sprintf("[File: %s available at %s (auth token: %s)]", name, f.URL, redact.Value(f.AuthToken))
}

// userText flattens a user message's text and file items.
func userText(msg *models.ChatMessage) string {
	var parts []string
	for _, item := range msg.Content {
		switch v := item.(type) {
		case models.TextContent:
			parts = append(parts, v.Text)
		case models.FileContent:
			parts = append(parts, fileText(v))
		}
	}
	return strings.Join(parts, "\n")
}
