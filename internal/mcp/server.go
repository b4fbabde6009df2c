// Package mcp exposes a running page to AI assistants over the Model Context
// Protocol.
package mcp

import (
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/zot/hotmonkey/internal/config"
	"github.com/zot/hotmonkey/internal/page"
	"github.com/zot/hotmonkey/internal/storage"
)

// Version is reported to MCP clients.
var Version = "dev"

// Server holds the MCP server and the page it inspects.
type Server struct {
	config  *config.Config
	page    *page.Page
	journal storage.Backend
	mcp     *mcpserver.MCPServer
}

// NewServer creates an MCP server with the page tools and resources
// registered.
func NewServer(cfg *config.Config, p *page.Page, journal storage.Backend) *Server {
	s := &Server{
		config:  cfg,
		page:    p,
		journal: journal,
	}
	s.mcp = mcpserver.NewMCPServer(
		"hotmonkey",
		Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(instructions),
	)
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcp
}

// ServeStdio serves MCP on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	s.config.Log(0, "Starting MCP server on stdio...")
	if err := mcpserver.ServeStdio(s.mcp); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

const instructions = `hotmonkey hot-reloads Lua userscripts attached to a page.
Use list_instances to see which userscripts run on the current URL,
cycle_journal to see what recent edits did (noop, partial or full reload),
and dependency_graph to see how modules require each other.`

func jsonResult(v interface{}) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
