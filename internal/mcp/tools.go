package mcp

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/zot/hotmonkey/internal/page"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcplib.NewTool("list_instances",
		mcplib.WithDescription("List the userscript instances running on the page, with their live modules"),
	), s.handleListInstances)

	s.mcp.AddTool(mcplib.NewTool("live_modules",
		mcplib.WithDescription("Show one instance: entry module, live modules, and modules that requested whole reload"),
		mcplib.WithString("instance", mcplib.Required(), mcplib.Description("Instance name")),
	), s.handleLiveModules)

	s.mcp.AddTool(mcplib.NewTool("cycle_journal",
		mcplib.WithDescription("Recent reload cycles, newest first"),
		mcplib.WithString("instance", mcplib.Description("Only this instance (default: all)")),
		mcplib.WithNumber("limit", mcplib.Description("Maximum records (default: 20)")),
	), s.handleCycleJournal)

	s.mcp.AddTool(mcplib.NewTool("navigate",
		mcplib.WithDescription("Load a new page URL, or change it in place with push"),
		mcplib.WithString("url", mcplib.Required(), mcplib.Description("Page URL")),
		mcplib.WithBoolean("push", mcplib.Description("Change the URL without reloading the page")),
	), s.handleNavigate)

	s.mcp.AddTool(mcplib.NewTool("reload",
		mcplib.WithDescription("Force a full reload of one instance"),
		mcplib.WithString("instance", mcplib.Required(), mcplib.Description("Instance name")),
	), s.handleReload)

	s.mcp.AddTool(mcplib.NewTool("dependency_graph",
		mcplib.WithDescription("Module dependency graph as Graphviz DOT"),
	), s.handleDependencyGraph)

	s.mcp.AddTool(mcplib.NewTool("eval",
		mcplib.WithDescription("Run Lua code inside an instance and return its first result"),
		mcplib.WithString("instance", mcplib.Required(), mcplib.Description("Instance name")),
		mcplib.WithString("code", mcplib.Required(), mcplib.Description("Lua chunk; use return to produce a value")),
	), s.handleEval)
}

func (s *Server) instance(req mcplib.CallToolRequest) (*page.Instance, *mcplib.CallToolResult) {
	name, err := req.RequireString("instance")
	if err != nil {
		return nil, mcplib.NewToolResultError(err.Error())
	}
	inst, ok := s.page.Instance(name)
	if !ok {
		return nil, mcplib.NewToolResultError("no running instance named " + name)
	}
	return inst, nil
}

func (s *Server) handleListInstances(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	insts := s.page.Instances()
	statuses := make([]page.Status, 0, len(insts))
	for _, inst := range insts {
		statuses = append(statuses, inst.Status())
	}
	return jsonResult(statuses)
}

func (s *Server) handleLiveModules(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	inst, bad := s.instance(req)
	if bad != nil {
		return bad, nil
	}
	return jsonResult(inst.Status())
}

func (s *Server) handleCycleJournal(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	records, err := s.journal.List(req.GetString("instance", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(records)
}

func (s *Server) handleNavigate(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	url, err := req.RequireString("url")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	if req.GetBool("push", false) {
		if err := s.page.PushURL(ctx, url); err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}
		return mcplib.NewToolResultText("url is now " + url), nil
	}
	outs, err := s.page.Navigate(ctx, url)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(outs)
}

func (s *Server) handleReload(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	inst, bad := s.instance(req)
	if bad != nil {
		return bad, nil
	}
	outs, err := s.page.Reload(ctx, inst.Name)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(outs)
}

func (s *Server) handleDependencyGraph(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return mcplib.NewToolResultText(s.page.Graph().DOT()), nil
}

func (s *Server) handleEval(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	inst, bad := s.instance(req)
	if bad != nil {
		return bad, nil
	}
	code, err := req.RequireString("code")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	v, err := inst.Session.Eval(ctx, code)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return jsonResult(v)
}
