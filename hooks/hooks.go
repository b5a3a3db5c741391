// Package hooks is a process-wide registry of callbacks keyed by hook kind and
// subject. A subject is either a type key from TypeKey or a specific instance.
package hooks

import (
	"reflect"
	"sort"
	"sync"
)

// Kind identifies the point at which callbacks run.
type Kind int

const (
	// AttachRequest runs before a database is attached with (dsn string, dpb []byte).
	// A non-nil result is used as the connection instead of attaching.
	AttachRequest Kind = iota + 1
	// Attached runs with the new connection.
	Attached
	// DetachRequest runs with the connection before it closes. A true result
	// keeps the connection open.
	DetachRequest
	// Closed runs with the connection after it closed.
	Closed
	// Dropped runs with the connection after its database was dropped.
	Dropped
	// ServerAttached runs with a new service manager connection.
	ServerAttached
)

func (k Kind) String() string {
	switch k {
	case AttachRequest:
		return "ATTACH_REQUEST"
	case Attached:
		return "ATTACHED"
	case DetachRequest:
		return "DETACH_REQUEST"
	case Closed:
		return "CLOSED"
	case Dropped:
		return "DROPPED"
	case ServerAttached:
		return "SERVER_ATTACHED"
	}
	return "UNKNOWN"
}

// Func is a hook callback. Arguments and result depend on the Kind.
type Func func(args ...any) any

// TypeKey returns the subject used to register a hook for every value of type T.
func TypeKey[T any]() any {
	return reflect.TypeFor[T]()
}

type key struct {
	kind    Kind
	subject any
}

type entry struct {
	seq uint64
	fn  Func
}

// Registry holds hooks. The zero value is not usable, use NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	hooks map[key][]entry
	seq   uint64
}

func NewRegistry() *Registry {
	return &Registry{hooks: map[key][]entry{}}
}

// Add registers fn and returns a function that removes it again.
func (r *Registry) Add(kind Kind, subject any, fn Func) (remove func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	seq := r.seq
	k := key{kind, subject}
	r.hooks[k] = append(r.hooks[k], entry{seq: seq, fn: fn})
	return func() { r.remove(k, seq) }
}

func (r *Registry) remove(k key, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.hooks[k]
	for i, e := range list {
		if e.seq == seq {
			r.hooks[k] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.hooks[k]) == 0 {
		delete(r.hooks, k)
	}
}

// Callbacks returns the hooks of kind registered for any of the subjects, in
// registration order.
func (r *Registry) Callbacks(kind Kind, subjects ...any) []Func {
	r.mu.RLock()
	var found []entry
	for _, s := range subjects {
		if s == nil {
			continue
		}
		found = append(found, r.hooks[key{kind, s}]...)
	}
	r.mu.RUnlock()
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	out := make([]Func, len(found))
	for i, e := range found {
		out[i] = e.fn
	}
	return out
}

// Clear removes every hook.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = map[key][]entry{}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry { return defaultRegistry }

// Add registers a hook in the process-wide registry.
func Add(kind Kind, subject any, fn Func) (remove func()) {
	return defaultRegistry.Add(kind, subject, fn)
}

// Callbacks reads the process-wide registry.
func Callbacks(kind Kind, subjects ...any) []Func {
	return defaultRegistry.Callbacks(kind, subjects...)
}
