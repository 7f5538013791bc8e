package mcp

import (
	"encoding/json"
	"fmt"
)

// ToolFormat names a vendor tool-descriptor shape.
type ToolFormat string

const (
	FormatAnthropic ToolFormat = "anthropic"
	FormatOpenAI    ToolFormat = "openai"
)

// VendorTool is a tool descriptor in a vendor's wire shape, ready to be
// marshaled into a model request.
type VendorTool map[string]any

// EncodeTool renders t in the requested vendor shape:
//
//	anthropic: {name, description, input_schema}
//	openai:    {type: "function", function: {name, description, parameters}}
func EncodeTool(t Tool, format ToolFormat) VendorTool {
	schema := decodeSchema(t.InputSchema)
	switch format {
	case FormatOpenAI:
		return VendorTool{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  schema,
			},
		}
	default:
		return VendorTool{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": schema,
		}
	}
}

// DecodeTool reads a vendor-shaped descriptor back into name, description
// and JSON schema.
func DecodeTool(v VendorTool) (name, description string, schema map[string]any, err error) {
	if fn, ok := v["function"].(map[string]any); ok {
		v = VendorTool{
			"name":         fn["name"],
			"description":  fn["description"],
			"input_schema": fn["parameters"],
		}
	}
	name, _ = v["name"].(string)
	if name == "" {
		return "", "", nil, fmt.Errorf("tool descriptor has no name")
	}
	description, _ = v["description"].(string)
	schema, _ = v["input_schema"].(map[string]any)
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return name, description, schema, nil
}

func decodeSchema(raw json.RawMessage) map[string]any {
	schema := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &schema)
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}
	return schema
}
