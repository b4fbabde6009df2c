package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisposeStackIsLIFO(t *testing.T) {
	r := New()
	var calls []int
	for i := 1; i <= 3; i++ {
		r.RegisterDispose("ui.lua", func() error {
			calls = append(calls, i)
			return nil
		})
	}

	stack := r.DisposeStack("ui.lua")
	require.Len(t, stack, 3)
	for _, fn := range stack {
		require.NoError(t, fn())
	}
	assert.Equal(t, []int{3, 2, 1}, calls)

	// Reading the stack does not drain it.
	assert.Equal(t, 3, r.Pending("ui.lua"))
}

func TestRegisterBeforeInsertIsNotAnError(t *testing.T) {
	r := New()
	r.RegisterDispose("early.lua", func() error { return nil })
	assert.False(t, r.Live("early.lua"))
	assert.Empty(t, r.Snapshot())

	assert.True(t, r.Insert("early.lua"))
	assert.Equal(t, 1, r.Pending("early.lua"), "disposers registered before insertion are kept")
}

func TestClearIsIdempotent(t *testing.T) {
	r := New()
	r.RegisterDispose("a.lua", func() error { return nil })
	r.Clear("a.lua")
	r.Clear("a.lua")
	r.Clear("unknown.lua")
	assert.Empty(t, r.DisposeStack("a.lua"))
}

func TestInsertNeverDuplicates(t *testing.T) {
	r := New()
	assert.True(t, r.Insert("a.lua"))
	assert.False(t, r.Insert("a.lua"))
	assert.True(t, r.Insert("b.lua"))
	assert.Equal(t, []string{"a.lua", "b.lua"}, r.Snapshot())
	assert.Equal(t, 2, r.Len())
}

func TestRemoveStartsFresh(t *testing.T) {
	r := New()
	r.Insert("a.lua")
	r.Accept("a.lua", "a.lua")
	r.RequestWholeReload("a.lua")
	r.RegisterDispose("a.lua", func() error { return nil })

	r.Remove("a.lua")
	assert.False(t, r.Live("a.lua"))
	assert.False(t, r.Accepts("a.lua", "a.lua"))
	assert.False(t, r.WholeReload("a.lua"))
	assert.Zero(t, r.Pending("a.lua"))

	assert.True(t, r.Insert("a.lua"))
}

func TestAcceptanceIsExact(t *testing.T) {
	r := New()
	r.Accept("main.lua", "ui.lua")
	assert.True(t, r.Accepts("main.lua", "ui.lua"))
	assert.False(t, r.Accepts("main.lua", "store.lua"))
	assert.False(t, r.Accepts("main.lua", "main.lua"))
}

func TestAnyWholeReloadOnlyCountsLiveModules(t *testing.T) {
	r := New()
	r.RequestWholeReload("pending.lua")
	r.Insert("main.lua")
	r.RequestWholeReload("main.lua")
	assert.Equal(t, []string{"main.lua"}, r.AnyWholeReload())
}

func TestReset(t *testing.T) {
	r := New()
	r.Insert("a.lua")
	r.Insert("b.lua")
	r.Reset()
	assert.Empty(t, r.Snapshot())
	assert.Zero(t, r.Len())
}
