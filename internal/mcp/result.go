package mcp

import (
	"encoding/json"
	"strings"
)

// FormatToolResult flattens a tool result into the string handed back to the
// model: text parts joined by newlines, or the JSON encoding of the content
// when the result carries no text.
func FormatToolResult(result *CallToolResult) string {
	if result == nil {
		return ""
	}
	var texts []string
	for _, c := range result.Content {
		switch {
		case c.Type == "text":
			texts = append(texts, c.Text)
		case c.Resource != nil && c.Resource.Text != "":
			texts = append(texts, c.Resource.Text)
		}
	}
	if len(texts) > 0 {
		return strings.Join(texts, "\n")
	}
	if len(result.Content) == 0 {
		return ""
	}
	data, err := json.Marshal(result.Content)
	if err != nil {
		return ""
	}
	return string(data)
}
