package hooks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct{ name string }

func TestRegistrationOrderAcrossSubjects(t *testing.T) {
	r := NewRegistry()
	w := &widget{name: "w"}
	var calls []string

	r.Add(Closed, TypeKey[*widget](), func(args ...any) any { calls = append(calls, "type-1"); return nil })
	r.Add(Closed, w, func(args ...any) any { calls = append(calls, "instance"); return nil })
	r.Add(Closed, TypeKey[*widget](), func(args ...any) any { calls = append(calls, "type-2"); return nil })
	r.Add(Attached, w, func(args ...any) any { calls = append(calls, "other-kind"); return nil })

	for _, fn := range r.Callbacks(Closed, TypeKey[*widget](), w) {
		fn(w)
	}
	assert.Equal(t, []string{"type-1", "instance", "type-2"}, calls)
}

func TestInstanceHooksAreScoped(t *testing.T) {
	r := NewRegistry()
	a, b := &widget{name: "a"}, &widget{name: "b"}
	r.Add(DetachRequest, a, func(args ...any) any { return true })

	assert.Len(t, r.Callbacks(DetachRequest, a), 1)
	assert.Empty(t, r.Callbacks(DetachRequest, b))
	assert.Empty(t, r.Callbacks(DetachRequest, nil))
}

func TestRemove(t *testing.T) {
	r := NewRegistry()
	removeFirst := r.Add(AttachRequest, "conn", func(args ...any) any { return 1 })
	r.Add(AttachRequest, "conn", func(args ...any) any { return 2 })

	removeFirst()
	removeFirst()
	cbs := r.Callbacks(AttachRequest, "conn")
	require.Len(t, cbs, 1)
	assert.Equal(t, 2, cbs[0]())

	r.Clear()
	assert.Empty(t, r.Callbacks(AttachRequest, "conn"))
}

func TestDefaultRegistry(t *testing.T) {
	remove := Add(ServerAttached, TypeKey[widget](), func(args ...any) any { return args[0] })
	t.Cleanup(remove)

	cbs := Callbacks(ServerAttached, TypeKey[widget]())
	require.Len(t, cbs, 1)
	assert.Equal(t, "x", cbs[0]("x"))
	assert.Equal(t, "SERVER_ATTACHED", ServerAttached.String())
}
