package providers

import (
	"strings"

	"github.com/ttexan1/klavis-sub000/pkg/models"
)

// SystemText joins the text of every system message in history.
func SystemText(history []*models.ChatMessage) string {
	var parts []string
	for _, msg := range history {
		if msg.Role != models.RoleSystem {
			continue
		}
		if text := strings.TrimSpace(msg.Text()); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// BuildSystemPrompt concatenates the system text extracted from history, the
// platform instructions and any resource texts. Resources are appended
// verbatim.
func BuildSystemPrompt(system, instructions string, resources []string) string {
	var parts []string
	if text := strings.TrimSpace(system); text != "" {
		parts = append(parts, text)
	}
	if text := strings.TrimSpace(instructions); text != "" {
		parts = append(parts, text)
	}
	if len(resources) > 0 {
		var b strings.Builder
		b.WriteString("Available resources:")
		for _, r := range resources {
			b.WriteString("\n\n")
			b.WriteString(r)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}

