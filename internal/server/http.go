package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/zot/hotmonkey/internal/bundler"
	"github.com/zot/hotmonkey/internal/graph"
	"github.com/zot/hotmonkey/internal/page"
)

// InstanceDetail is the body of GET /api/instances/{name}.
type InstanceDetail struct {
	page.Status
	URL     string                 `json:"url"`
	Exports map[string]interface{} `json:"exports,omitempty"`
}

// GraphBody is the JSON form of the dependency graph.
type GraphBody struct {
	Nodes []string     `json:"nodes"`
	Edges []graph.Edge `json:"edges"`
}

// NavigateRequest is the body of POST /api/navigate.
type NavigateRequest struct {
	URL string `json:"url"`
	// Push changes the URL in place instead of loading a new page
	Push bool `json:"push,omitempty"`
}

// ReloadRequest is the body of POST /api/reload.
type ReloadRequest struct {
	Name string `json:"name"`
}

// ChangesRequest is the body of POST /api/changes.
type ChangesRequest struct {
	Updated []string `json:"updated"`
}

type errorBody struct {
	Error string `json:"error"`
}

// HTTPEndpoint serves the page API.
type HTTPEndpoint struct {
	server *Server
	mux    *http.ServeMux
}

// NewHTTPEndpoint creates the API handler for s.
func NewHTTPEndpoint(s *Server) *HTTPEndpoint {
	h := &HTTPEndpoint{
		server: s,
		mux:    http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

// setupRoutes configures HTTP routes.
func (h *HTTPEndpoint) setupRoutes() {
	h.mux.HandleFunc("GET /api/instances", h.handleInstances)
	h.mux.HandleFunc("GET /api/instances/{name}", h.handleInstance)
	h.mux.HandleFunc("GET /api/journal", h.handleJournal)
	h.mux.HandleFunc("GET /api/graph", h.handleGraph)
	h.mux.HandleFunc("GET /api/assets", h.handleAssets)
	h.mux.HandleFunc("POST /api/navigate", h.handleNavigate)
	h.mux.HandleFunc("POST /api/reload", h.handleReload)
	h.mux.HandleFunc("POST /api/changes", h.handleChanges)
	h.mux.HandleFunc("GET /ws", h.server.hub.HandleWebSocket)
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.server.config.Log(3, "[HTTP] %s %s", r.Method, r.URL.Path)
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPEndpoint) handleInstances(w http.ResponseWriter, r *http.Request) {
	insts := h.server.page.Instances()
	statuses := make([]page.Status, 0, len(insts))
	for _, inst := range insts {
		statuses = append(statuses, inst.Status())
	}
	h.writeJSON(w, http.StatusOK, statuses)
}

// handleInstance returns one instance. With ?exports=1 the value of every
// live module is included.
func (h *HTTPEndpoint) handleInstance(w http.ResponseWriter, r *http.Request) {
	inst, ok := h.server.page.Instance(r.PathValue("name"))
	if !ok {
		h.writeError(w, "instance not found", http.StatusNotFound)
		return
	}
	detail := InstanceDetail{Status: inst.Status(), URL: inst.Session.URL()}
	if r.URL.Query().Get("exports") != "" {
		detail.Exports = make(map[string]interface{}, len(detail.Live))
		for _, id := range detail.Live {
			v, err := inst.Session.Exports(id)
			if err != nil {
				h.server.config.Log(1, "exports %s/%s: %v", inst.Name, id, err)
				continue
			}
			detail.Exports[id] = v
		}
	}
	h.writeJSON(w, http.StatusOK, detail)
}

func (h *HTTPEndpoint) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			h.writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := h.server.journal.List(r.URL.Query().Get("instance"), limit)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

// handleGraph returns the dependency graph as Graphviz DOT, or as JSON with
// ?format=json.
func (h *HTTPEndpoint) handleGraph(w http.ResponseWriter, r *http.Request) {
	g := h.server.page.Graph()
	if r.URL.Query().Get("format") == "json" {
		h.writeJSON(w, http.StatusOK, GraphBody{Nodes: g.Nodes(), Edges: g.Edges()})
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz; charset=utf-8")
	w.Write([]byte(g.DOT()))
}

func (h *HTTPEndpoint) handleAssets(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.server.page.Assets())
}

func (h *HTTPEndpoint) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req NavigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		h.writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Push {
		if err := h.server.page.PushURL(r.Context(), req.URL); err != nil {
			h.writePageError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, []page.Outcome{})
		return
	}
	outs, err := h.server.page.Navigate(r.Context(), req.URL)
	if err != nil {
		h.writePageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, outs)
}

func (h *HTTPEndpoint) handleReload(w http.ResponseWriter, r *http.Request) {
	var req ReloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		h.writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	outs, err := h.server.page.Reload(r.Context(), req.Name)
	if err != nil {
		h.writePageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, outs)
}

// handleChanges runs a cycle for modules reported changed by the client.
// The graph is rescanned from the source first.
func (h *HTTPEndpoint) handleChanges(w http.ResponseWriter, r *http.Request) {
	var req ChangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Updated) == 0 {
		h.writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	ev := bundler.Event{Updated: make([]string, 0, len(req.Updated))}
	for _, name := range req.Updated {
		ev.Updated = append(ev.Updated, bundler.Normalize(name))
	}
	if g, err := h.server.source.Graph(); err == nil {
		ev.Graph = g
	} else {
		h.server.config.Log(0, "rescan failed, keeping previous graph: %v", err)
	}
	outs, err := h.server.page.Apply(r.Context(), ev)
	if err != nil {
		h.writePageError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, outs)
}

func (h *HTTPEndpoint) writePageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, page.ErrUnknownInstance):
		h.writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, page.ErrClosed):
		h.writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *HTTPEndpoint) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.server.config.Log(0, "encode response: %v", err)
	}
}

// writeError writes an error response.
func (h *HTTPEndpoint) writeError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, errorBody{Error: message})
}
