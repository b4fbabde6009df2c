package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zot/hotmonkey/internal/bundler"
	"github.com/zot/hotmonkey/internal/config"
	"github.com/zot/hotmonkey/internal/page"
	"github.com/zot/hotmonkey/internal/report"
	"github.com/zot/hotmonkey/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.Verbosity = 0
	cfg.Scripts = []config.ScriptConfig{{Name: "s", Entry: "main.lua", Match: []string{"https://example.com/*"}}}
	src := bundler.NewMapSource(map[string]string{
		"main.lua": `require("util") count = 41`,
		"util.lua": `return {}`,
	})
	journal := storage.NewMemoryStorage()
	p, err := page.New(cfg, src, report.NewRecorder(0), journal)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	_, err = p.Open(context.Background(), "https://example.com/")
	require.NoError(t, err)
	return NewServer(cfg, p, journal)
}

func call(t *testing.T, handler func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcplib.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text, res.IsError
}

func TestListInstancesTool(t *testing.T) {
	s := newTestServer(t)
	text, isErr := call(t, s.handleListInstances, nil)
	require.False(t, isErr)

	var statuses []page.Status
	require.NoError(t, json.Unmarshal([]byte(text), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, []string{"main.lua", "util.lua"}, statuses[0].Live)
}

func TestLiveModulesUnknownInstance(t *testing.T) {
	s := newTestServer(t)
	text, isErr := call(t, s.handleLiveModules, map[string]any{"instance": "nope"})
	assert.True(t, isErr)
	assert.Contains(t, text, "nope")
}

func TestEvalTool(t *testing.T) {
	s := newTestServer(t)
	text, isErr := call(t, s.handleEval, map[string]any{"instance": "s", "code": "return count + 1"})
	require.False(t, isErr, text)
	assert.Equal(t, "42", text)

	_, isErr = call(t, s.handleEval, map[string]any{"instance": "s", "code": "return ("})
	assert.True(t, isErr)
}

func TestReloadAndJournalTools(t *testing.T) {
	s := newTestServer(t)
	_, isErr := call(t, s.handleReload, map[string]any{"instance": "s"})
	require.False(t, isErr)

	text, isErr := call(t, s.handleCycleJournal, map[string]any{"instance": "s", "limit": 1})
	require.False(t, isErr)
	var records []storage.CycleRecord
	require.NoError(t, json.Unmarshal([]byte(text), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "full", records[0].Decision)
}

func TestNavigateTool(t *testing.T) {
	s := newTestServer(t)
	_, isErr := call(t, s.handleNavigate, map[string]any{"url": "https://example.com/b", "push": true})
	require.False(t, isErr)
	assert.Equal(t, "https://example.com/b", s.page.URL())

	_, isErr = call(t, s.handleNavigate, map[string]any{"url": "https://other.test/"})
	require.False(t, isErr)
	assert.Empty(t, s.page.Instances())

	_, isErr = call(t, s.handleNavigate, nil)
	assert.True(t, isErr)
}

func TestDependencyGraphTool(t *testing.T) {
	s := newTestServer(t)
	text, _ := call(t, s.handleDependencyGraph, nil)
	assert.Contains(t, text, "digraph modules")
	assert.Contains(t, text, `"util.lua"`)
}

func TestGraphResource(t *testing.T) {
	s := newTestServer(t)
	contents, err := s.readGraph(context.Background(), mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, graphURI, text.URI)
}
