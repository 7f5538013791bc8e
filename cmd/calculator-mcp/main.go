// Command calculator-mcp is a small MCP server on stdio exposing a single
// calculator tool. It is handy for trying chatbridge end to end:
//
//	mcp:
//	  servers: ["calculator-mcp"]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

var version = "dev"

func main() {
	// stdout carries the protocol, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	s := newServer()
	logger.Info("starting calculator MCP server", slog.String("version", version))
	if err := server.ServeStdio(s); err != nil {
		logger.Error("MCP server error", "error", err)
		os.Exit(1)
	}
}

func newServer() *server.MCPServer {
	s := server.NewMCPServer("calculator-mcp", version)
	s.AddTool(mcp.Tool{
		Name:        "calculator",
		Description: "Apply a basic arithmetic operation to two numbers.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"op": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"add", "subtract", "multiply", "divide"},
					"description": "Operation to apply",
				},
				"a": map[string]interface{}{
					"type":        "number",
					"description": "Left operand",
				},
				"b": map[string]interface{}{
					"type":        "number",
					"description": "Right operand",
				},
			},
			Required: []string{"op", "a", "b"},
		},
	}, handleCalculator)
	return s
}

func handleCalculator(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	op, err := request.RequireString("op")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	a, err := request.RequireFloat("a")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	b, err := request.RequireFloat("b")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := calculate(op, a, b)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(strconv.FormatFloat(result, 'g', -1, 64)),
		},
	}, nil
}

func calculate(op string, a, b float64) (float64, error) {
	switch op {
	case "add":
		return a + b, nil
	case "subtract":
		return a - b, nil
	case "multiply":
		return a * b, nil
	case "divide":
		if b == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return a / b, nil
	default:
		return 0, fmt.Errorf("unknown operation %q", op)
	}
}
