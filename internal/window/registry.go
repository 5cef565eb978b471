package window

import (
	"fmt"
	"sync"

	"github.com/wp-labs/wp-reactor-sub001/internal/batch"
	"github.com/wp-labs/wp-reactor-sub001/internal/plan"
)

// Def is everything needed to create a window and wire its subscriptions,
// bridged from a plan.WindowSchema + plan.WindowConfig pair by the config
// loader so this package stays free of any compiler-facing dependency.
type Def struct {
	Params  Params
	Streams []string
	Config  plan.WindowConfig
}

// entry is one registered window: its guarded buffer and its notifier.
type entry struct {
	mu       sync.RWMutex
	buffer   *Buffer
	notifier *Notifier
}

type subscription struct {
	windowName string
	mode       plan.DistMode
}

// Registry owns the name->(buffer, notifier) map and the stream-tag
// subscription index. Both are immutable after Build returns.
type Registry struct {
	windows       map[string]*entry
	subscriptions map[string][]subscription
}

// Build constructs a registry from a list of window definitions. Rejects
// duplicate window names.
func Build(defs []Def) (*Registry, error) {
	windows := make(map[string]*entry, len(defs))
	subs := make(map[string][]subscription)

	for _, def := range defs {
		name := def.Params.Name
		if _, exists := windows[name]; exists {
			return nil, fmt.Errorf("window: duplicate window name %q", name)
		}
		windows[name] = &entry{
			buffer:   NewBuffer(def.Params, def.Config),
			notifier: NewNotifier(),
		}
		for _, tag := range def.Streams {
			subs[tag] = append(subs[tag], subscription{windowName: name, mode: def.Config.Mode})
		}
	}

	return &Registry{windows: windows, subscriptions: subs}, nil
}

// GetWindow returns the named window's entry, or nil if it does not exist.
func (r *Registry) GetWindow(name string) *entry {
	return r.windows[name]
}

// Lock acquires the window's write lock and returns its buffer, to be
// released with Unlock. Used by the router and the evictor, which are the
// two writers of window state.
func (e *entry) Lock() *Buffer {
	e.mu.Lock()
	return e.buffer
}

// Unlock releases the write lock taken by Lock.
func (e *entry) Unlock() {
	e.mu.Unlock()
}

// RLock acquires the window's read lock and returns its buffer, to be
// released with RUnlock. Used by rule tasks reading via cursors.
func (e *entry) RLock() *Buffer {
	e.mu.RLock()
	return e.buffer
}

// RUnlock releases the read lock taken by RLock.
func (e *entry) RUnlock() {
	e.mu.RUnlock()
}

// Notifier returns the window's notifier.
func (e *entry) Notifier() *Notifier {
	return e.notifier
}

// WindowNames returns all registered window names.
func (r *Registry) WindowNames() []string {
	out := make([]string, 0, len(r.windows))
	for name := range r.windows {
		out = append(out, name)
	}
	return out
}

// Contains reports whether a window with the given name exists.
func (r *Registry) Contains(name string) bool {
	_, ok := r.windows[name]
	return ok
}

// Len returns the number of windows in the registry.
func (r *Registry) Len() int {
	return len(r.windows)
}

// IsEmpty reports whether the registry has no windows.
func (r *Registry) IsEmpty() bool {
	return len(r.windows) == 0
}

// Snapshot acquires a read lock on the named window and returns its
// current batch snapshot, or nil, false if the window does not exist.
func (r *Registry) Snapshot(name string) ([]*batch.Batch, bool) {
	e, ok := r.windows[name]
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buffer.Snapshot(), true
}

// subscribersOf returns the subscription list for a stream tag, used
// internally by Router.
func (r *Registry) subscribersOf(streamTag string) []subscription {
	return r.subscriptions[streamTag]
}
