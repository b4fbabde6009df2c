package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	graphURI   = "hotmonkey://graph"
	journalURI = "hotmonkey://journal"
)

func (s *Server) registerResources() {
	s.mcp.AddResource(mcplib.NewResource(graphURI, "Dependency Graph",
		mcplib.WithResourceDescription("Module dependency graph in Graphviz DOT"),
		mcplib.WithMIMEType("text/vnd.graphviz"),
	), s.readGraph)

	s.mcp.AddResource(mcplib.NewResource(journalURI, "Cycle Journal",
		mcplib.WithResourceDescription("The 50 most recent reload cycles"),
		mcplib.WithMIMEType("application/json"),
	), s.readJournal)
}

func (s *Server) readGraph(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return []mcplib.ResourceContents{mcplib.TextResourceContents{
		URI:      graphURI,
		MIMEType: "text/vnd.graphviz",
		Text:     s.page.Graph().DOT(),
	}}, nil
}

func (s *Server) readJournal(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	records, err := s.journal.List("", 50)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{mcplib.TextResourceContents{
		URI:      journalURI,
		MIMEType: "application/json",
		Text:     string(data),
	}}, nil
}
