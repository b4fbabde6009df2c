package decide

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zot/hotmonkey/internal/filter"
	"github.com/zot/hotmonkey/internal/graph"
	"github.com/zot/hotmonkey/internal/registry"
)

const entry = "main.lua"

// main -> panel -> widget, main -> store
func fixture() (*graph.Graph, *registry.Registry) {
	g := graph.FromEdges([]graph.Edge{
		{From: entry, To: "panel.lua"},
		{From: "panel.lua", To: "widget.lua"},
		{From: entry, To: "store.lua"},
	})
	reg := registry.New()
	for _, id := range g.Nodes() {
		reg.Insert(id)
	}
	return g, reg
}

func run(g *graph.Graph, reg *registry.Registry, ignore []filter.Matcher, changed ...string) Decision {
	res := filter.New(ignore...).Reduce(changed, g, entry)
	return Decide(Input{Entry: entry, Changes: res, Graph: g, Registry: reg})
}

func TestNoRelevantChangeIsNoOp(t *testing.T) {
	g, reg := fixture()
	d := run(g, reg, nil)
	assert.Equal(t, NoOp, d.Kind)
	assert.Empty(t, d.Modules)
}

func TestIgnoredChangeIsNoOp(t *testing.T) {
	g, reg := fixture()
	d := run(g, reg, []filter.Matcher{filter.Substring("widget")}, "widget.lua")
	assert.Equal(t, NoOp, d.Kind)
}

func TestWholeReloadOnEntryForcesFull(t *testing.T) {
	g, reg := fixture()
	reg.RequestWholeReload(entry)
	d := run(g, reg, nil, "widget.lua")
	assert.Equal(t, Full, d.Kind)
	assert.Contains(t, d.Reason, entry)
}

func TestSelfAcceptIsPartial(t *testing.T) {
	g, reg := fixture()
	reg.Accept("store.lua", "store.lua")
	d := run(g, reg, nil, "store.lua")
	assert.Equal(t, Partial, d.Kind)
	assert.Equal(t, []string{"store.lua"}, d.Modules)
}

func TestCoarsestWins(t *testing.T) {
	g, reg := fixture()
	reg.Accept("store.lua", "store.lua")
	reg.RequestWholeReload(entry)
	d := run(g, reg, nil, "store.lua")
	assert.Equal(t, Full, d.Kind)
}

func TestImporterAcceptanceIncludesBoundary(t *testing.T) {
	g, reg := fixture()
	reg.Accept("panel.lua", "widget.lua")
	d := run(g, reg, nil, "widget.lua")
	assert.Equal(t, Partial, d.Kind)
	assert.Equal(t, []string{"panel.lua", "widget.lua"}, d.Modules)
}

func TestBubblingThroughIntermediate(t *testing.T) {
	g, reg := fixture()
	reg.Accept("panel.lua", "panel.lua")
	d := run(g, reg, nil, "widget.lua")
	assert.Equal(t, Partial, d.Kind)
	assert.Equal(t, []string{"panel.lua", "widget.lua"}, d.Modules)
}

func TestUnacceptedChangeReachesEntry(t *testing.T) {
	g, reg := fixture()
	d := run(g, reg, nil, "widget.lua")
	assert.Equal(t, Full, d.Kind)
	assert.Contains(t, d.Reason, "without acceptance")
}

func TestAcceptingTheWrongModuleIsFull(t *testing.T) {
	g, reg := fixture()
	reg.Accept(entry, "store.lua")
	d := run(g, reg, nil, "panel.lua")
	assert.Equal(t, Full, d.Kind)
}

func TestUnknownModuleIsFull(t *testing.T) {
	g, reg := fixture()
	reg.Accept("store.lua", "store.lua")
	d := run(g, reg, nil, "store.lua", "ghost.lua")
	assert.Equal(t, Full, d.Kind)
	assert.Contains(t, d.Reason, "ghost.lua")
}

func TestChangeOfNonLiveModuleIsNoOp(t *testing.T) {
	g, reg := fixture()
	reg.Remove("store.lua")
	d := run(g, reg, nil, "store.lua")
	assert.Equal(t, NoOp, d.Kind)
}

func TestWholeReloadCoversModulesNotYetLive(t *testing.T) {
	g, reg := fixture()
	reg.Remove("store.lua")
	reg.RequestWholeReload(entry)
	d := run(g, reg, nil, "store.lua")
	assert.Equal(t, Full, d.Kind)
	assert.Contains(t, d.Reason, entry)
}

func TestEngineReturnsToIdle(t *testing.T) {
	g, reg := fixture()
	e := NewEngine()
	assert.Equal(t, Idle, e.State())

	d, err := e.Evaluate(Input{Entry: entry, Changes: filter.Result{Relevant: []string{"store.lua"}}, Graph: g, Registry: reg})
	require.NoError(t, err)
	assert.Equal(t, Full, d.Kind)
	assert.Equal(t, Idle, e.State())
}

func TestEngineRejectsOverlap(t *testing.T) {
	e := NewEngine()
	e.state = Evaluating
	_, err := e.Evaluate(Input{})
	assert.ErrorIs(t, err, ErrBusy)
}

func TestKindText(t *testing.T) {
	text, err := Partial.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "partial", string(text))
}
