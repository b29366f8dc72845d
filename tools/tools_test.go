package tools

import (
	"testing"

	"github.com/m4xw311/cpp-acp-bridge/config"
	"github.com/m4xw311/cpp-acp-bridge/tools/mcp"
)

func TestTools(t *testing.T) {
	// TODO: Add actual test logic here.
	// t.Log("Tools test not yet implemented.")
}

// TestWildcardMCPToolPlaceholder is a placeholder: it builds a registry
// and a toolset containing a wildcard-looking MCP entry, and asserts
// nothing.
func TestWildcardMCPToolPlaceholder(t *testing.T) {
	// Note: GetActiveTools has no wildcard expansion; "gopls.*" is looked
	// up as a tool literally named "*" on server "gopls". A full
	// integration test would require actual running MCP servers.

	registry := &ToolRegistry{
		tools:      make(map[string]Tool),
		mcpClients: make(map[string]*mcp.MCPClient),
	}

	// Create a mock toolset with wildcard
	ts := &config.Toolset{
		Name:  "test",
		Tools: []string{"gopls.*"},
	}

	// Nothing is checked here; exercising GetActiveTools would need
	// actual MCP clients.
	_ = registry
	_ = ts
	t.Log("Wildcard MCP tool support test placeholder")
}
