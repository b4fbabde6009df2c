package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zot/hotmonkey/internal/bundler"
	"github.com/zot/hotmonkey/internal/config"
	"github.com/zot/hotmonkey/internal/page"
	"github.com/zot/hotmonkey/internal/report"
	"github.com/zot/hotmonkey/internal/storage"
)

type testServer struct {
	server  *Server
	page    *page.Page
	src     *bundler.MapSource
	journal *storage.MemoryStorage
	hub     *Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.Verbosity = 0
	cfg.Scripts = []config.ScriptConfig{{Name: "s", Entry: "main.lua", Match: []string{"https://example.com/*"}}}

	ts := &testServer{
		src: bundler.NewMapSource(map[string]string{
			"main.lua": `
local hot = ...
hot.reloadWhole()
require("a")
return { title = "inbox" }
`,
			"a.lua": `return 1`,
		}),
		journal: storage.NewMemoryStorage(),
		hub:     NewHub(cfg),
	}
	p, err := page.New(cfg, ts.src, ts.hub, ts.journal)
	if err != nil {
		t.Fatalf("page.New: %v", err)
	}
	t.Cleanup(p.Close)
	if _, err := p.Open(context.Background(), "https://example.com/"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ts.page = p
	ts.server = New(cfg, p, ts.src, ts.journal, ts.hub)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestListInstances(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/api/instances", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var statuses []page.Status
	decode(t, w, &statuses)
	if len(statuses) != 1 || statuses[0].Name != "s" {
		t.Fatalf("statuses = %+v", statuses)
	}
	if len(statuses[0].Live) != 2 || len(statuses[0].WholeReload) != 1 {
		t.Errorf("status = %+v", statuses[0])
	}
}

func TestInstanceExports(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/api/instances/s?exports=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var detail InstanceDetail
	decode(t, w, &detail)
	if detail.URL != "https://example.com/" {
		t.Errorf("URL = %q", detail.URL)
	}
	main, ok := detail.Exports["main.lua"].(map[string]interface{})
	if !ok || main["title"] != "inbox" {
		t.Errorf("exports = %+v", detail.Exports)
	}

	if w := ts.do(t, "GET", "/api/instances/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown instance, got %d", w.Code)
	}
}

func TestReloadAndJournal(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "POST", "/api/reload", `{"name":"s"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"kind":"full"`) {
		t.Errorf("reload body = %s", w.Body.String())
	}

	w = ts.do(t, "GET", "/api/journal?instance=s&limit=1", "")
	var records []storage.CycleRecord
	decode(t, w, &records)
	if len(records) != 1 || records[0].Decision != "full" {
		t.Errorf("journal = %+v", records)
	}

	if w := ts.do(t, "POST", "/api/reload", `{"name":"missing"}`); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	if w := ts.do(t, "POST", "/api/reload", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if w := ts.do(t, "GET", "/api/journal?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", w.Code)
	}
}

func TestNavigate(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "POST", "/api/navigate", `{"url":"https://example.com/settings","push":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ts.page.URL() != "https://example.com/settings" {
		t.Errorf("URL = %q", ts.page.URL())
	}

	w = ts.do(t, "POST", "/api/navigate", `{"url":"https://other.test/"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if len(ts.page.Instances()) != 0 {
		t.Error("non-matching navigation should leave no instances")
	}
}

func TestChanges(t *testing.T) {
	ts := newTestServer(t)
	ts.src.Set("a.lua", `return 2`)
	w := ts.do(t, "POST", "/api/changes", `{"updated":["a"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var outs []page.Outcome
	decode(t, w, &outs)
	if len(outs) != 1 {
		t.Fatalf("outcomes = %+v", outs)
	}
	if got := outs[0].Load.Ran; len(got) != 1 || got[0] != "main.lua" {
		t.Errorf("ran = %v", got)
	}
}

func TestGraph(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/api/graph", "")
	if !strings.HasPrefix(w.Body.String(), "digraph modules {") {
		t.Errorf("DOT = %q", w.Body.String())
	}

	w = ts.do(t, "GET", "/api/graph?format=json", "")
	var g GraphBody
	decode(t, w, &g)
	if len(g.Nodes) != 2 || len(g.Edges) != 1 || g.Edges[0].From != "main.lua" {
		t.Errorf("graph = %+v", g)
	}
}

func TestWebSocketReceivesReports(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(ts.hub.Clients()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := ts.page.Reload(context.Background(), "s"); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var e report.Entry
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if e.Kind == report.KindDecision {
			if e.Instance != "s" {
				t.Errorf("entry = %+v", e)
			}
			return
		}
	}
}
