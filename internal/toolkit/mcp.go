package toolkit

import "github.com/mark3labs/mcp-go/mcp"

// ExternalToolContract names the MCP tool-server contract this daemon
// assumes when a project declares MCP servers, without implementing a
// client for it — MCP tool servers are explicitly out of scope per
// spec.md §1's external-collaborator list. This type exists only so a
// future MCP adapter has somewhere to land without redefining the wire
// contract; it is not wired into any Project Runtime.
type ExternalToolContract struct {
	ServerName string
	Tool       mcp.Tool
}
