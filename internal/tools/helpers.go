// Package tools implements the MCP tool handlers of the evolution engine.
//
// Each tool is a struct holding the engine, with the same three parts:
// - a constructor that injects the engine
// - Definition() returns the mcp.Tool schema
// - Handle() runs one engine operation and renders a markdown result
//
// Engine errors are returned as tool errors (mcp.NewToolResultError), so the
// host sees the message instead of a protocol failure.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/HendryAvila/homunculus/internal/lifecycle"
)

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// requireString returns a non-empty string argument or a ready tool error.
func requireString(req mcp.CallToolRequest, key string) (string, *mcp.CallToolResult) {
	v := strings.TrimSpace(req.GetString(key, ""))
	if v == "" {
		return "", mcp.NewToolResultError(fmt.Sprintf("'%s' is required", key))
	}
	return v, nil
}

// errorResult renders an engine error for the host.
func errorResult(op string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

// ago renders a stored timestamp relative to now.
func ago(ts string) string {
	t := lifecycle.ParseTime(ts)
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, lifecycle.NowTime(), "ago", "from now")
}

// jsonBlock renders v as a fenced JSON block.
func jsonBlock(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("(unrenderable: %v)\n", err)
	}
	return "```json\n" + string(b) + "\n```\n"
}

func pct(v float64) string { return fmt.Sprintf("%.0f%%", v*100) }
