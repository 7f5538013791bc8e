package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidArguments is returned when tool arguments fail the tool's input
// schema.
var ErrInvalidArguments = errors.New("mcp: invalid tool arguments")

var schemaCache sync.Map

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.input_schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// validateArguments checks args against a compiled input schema.
func validateArguments(schema *jsonschema.Schema, tool string, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrInvalidArguments, err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrInvalidArguments, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, tool, err)
	}
	return nil
}

func hasSchema(raw json.RawMessage) bool {
	s := string(raw)
	return len(s) > 0 && s != "null" && s != "{}"
}
