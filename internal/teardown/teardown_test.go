package teardown

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zot/hotmonkey/internal/decide"
	"github.com/zot/hotmonkey/internal/graph"
	"github.com/zot/hotmonkey/internal/registry"
)

func fixture() (*graph.Graph, *registry.Registry) {
	g := graph.FromEdges([]graph.Edge{
		{From: "main.lua", To: "a.lua"},
		{From: "main.lua", To: "b.lua"},
		{From: "a.lua", To: "util.lua"},
	})
	reg := registry.New()
	for _, id := range g.Nodes() {
		reg.Insert(id)
	}
	return g, reg
}

func TestNoOpDoesNothing(t *testing.T) {
	g, reg := fixture()
	called := false
	reg.RegisterDispose("a.lua", func() error { called = true; return nil })

	res, err := New(reg).Teardown(decide.Decision{Kind: decide.NoOp}, g)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Empty(t, res.Drained)
	assert.Equal(t, 4, reg.Len())
}

func TestPartialDrainsOnlyTargets(t *testing.T) {
	g, reg := fixture()
	var calls []string
	record := func(name string) registry.Disposer {
		return func() error { calls = append(calls, name); return nil }
	}
	reg.RegisterDispose("a.lua", record("a1"))
	reg.RegisterDispose("a.lua", record("a2"))
	reg.RegisterDispose("b.lua", record("b1"))

	res, err := New(reg).Teardown(decide.Decision{Kind: decide.Partial, Modules: []string{"a.lua"}}, g)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a1"}, calls)
	assert.Equal(t, 2, res.Callbacks)
	assert.False(t, reg.Live("a.lua"))
	assert.True(t, reg.Live("b.lua"))
	assert.Equal(t, 1, reg.Pending("b.lua"))
}

func TestImportersDrainBeforeDependencies(t *testing.T) {
	g, reg := fixture()
	var calls []string
	for _, id := range []string{"util.lua", "a.lua", "main.lua"} {
		reg.RegisterDispose(id, func() error { calls = append(calls, id); return nil })
	}

	res, err := New(reg).Teardown(decide.Decision{Kind: decide.Partial, Modules: []string{"util.lua", "a.lua", "main.lua"}}, g)
	require.NoError(t, err)
	assert.Equal(t, []string{"main.lua", "a.lua", "util.lua"}, calls)
	assert.Equal(t, []string{"main.lua", "a.lua", "util.lua"}, res.Drained)
}

func TestFullResetsRegistryAndDrainsPendingRecords(t *testing.T) {
	g, reg := fixture()
	ran := map[string]bool{}
	reg.RegisterDispose("b.lua", func() error { ran["b"] = true; return nil })
	reg.RegisterDispose("not-yet-live.lua", func() error { ran["early"] = true; return nil })

	res, err := New(reg).Teardown(decide.Decision{Kind: decide.Full}, g)
	require.NoError(t, err)
	assert.True(t, ran["b"])
	assert.True(t, ran["early"])
	assert.Len(t, res.Drained, 5)
	assert.Zero(t, reg.Len())
	assert.Empty(t, reg.Tracked())
}

func TestFailuresAreCollected(t *testing.T) {
	g, reg := fixture()
	boom := errors.New("boom")
	siblingRan := false
	laterRan := false
	reg.RegisterDispose("a.lua", func() error { laterRan = true; return nil })
	reg.RegisterDispose("a.lua", func() error { return boom })
	reg.RegisterDispose("b.lua", func() error { panic("kaput") })
	reg.RegisterDispose("util.lua", func() error { siblingRan = true; return nil })

	res, err := New(reg).Teardown(decide.Decision{Kind: decide.Full}, g)
	require.Error(t, err)
	assert.True(t, siblingRan)
	assert.True(t, laterRan)
	assert.Equal(t, 4, res.Callbacks)

	var failures *Failures
	require.ErrorAs(t, err, &failures)
	assert.Len(t, failures.Errors, 2)
	assert.ElementsMatch(t, []string{"a.lua", "b.lua"}, failures.Modules())
	assert.ErrorIs(t, err, boom)

	var de *DisposeError
	require.ErrorAs(t, err, &de)
	assert.NotEmpty(t, de.Module)
}

func TestEachCallbackRunsOnce(t *testing.T) {
	g, reg := fixture()
	n := 0
	reg.RegisterDispose("a.lua", func() error { n++; return nil })
	c := New(reg)

	_, err := c.Teardown(decide.Decision{Kind: decide.Partial, Modules: []string{"a.lua"}}, g)
	require.NoError(t, err)
	_, err = c.Teardown(decide.Decision{Kind: decide.Partial, Modules: []string{"a.lua"}}, g)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
