package lfsck

import (
	"context"
	"errors"
	"sync"

	"github.com/parafs/lfsckd/control"
	"github.com/parafs/lfsckd/store"
)

// ErrNeedsPhase2 is returned by Component.Post to signal the component
// should move to the double_scan list rather than idle (spec.md §4.7).
// inst.post treats it as informational, not a failure of the overall post.
var ErrNeedsPhase2 = errors.New("lfsck: component needs phase2")

// Request and Response re-export the control-plane wire types so Component
// implementations never need to import control directly.
type Request = control.Request
type Response = control.Response

// Dirent re-exports the store package's directory-entry type.
type Dirent = store.Dirent

// ScanTarget is the minimal object handle a Component inspects during
// ExecOIT/ExecDir: just enough of store.Object to drive a checker without
// leaking the full collaborator interface into the checkers package.
type ScanTarget struct {
	Object store.Object
	Pos    Position
}

// CompType distinguishes the pluggable Components (enum lfsck_type subset
// relevant to dispatch -- namespace vs. layout, spec.md §3). The concrete
// bit values are owned by the checkers package, which registers a factory
// per type; lfsck itself only ever moves the bitmask around.
type CompType uint32

// DumpWriter is the minimal sink Components write their dump output to
// (lfsck_lib.c's seq_file argument, generalized away from /proc).
type DumpWriter interface {
	Writef(format string, args ...any)
}

// Component is the vtable every pluggable checker implements (struct
// lfsck_operations, spec.md §4.4). A closed set of concrete types
// (checkers.Namespace, checkers.Layout) makes an interface the idiomatic
// stand-in for the C function-pointer table.
type Component interface {
	Type() CompType

	Prep(ctx context.Context, inst *Instance) error
	ExecOIT(ctx context.Context, inst *Instance, obj ScanTarget) error
	ExecDir(ctx context.Context, inst *Instance, parent ScanTarget, child Dirent) error
	Post(ctx context.Context, inst *Instance, result error) error
	Checkpoint(ctx context.Context, inst *Instance, initial bool) error
	Fail(ctx context.Context, inst *Instance) error
	DoubleScan(ctx context.Context, inst *Instance) error

	Dump(w DumpWriter)
	Join(ctx context.Context, inst *Instance) error
	Quit(ctx context.Context, inst *Instance)

	InNotify(ctx context.Context, inst *Instance, req Request) error
	StopNotify(ctx context.Context, inst *Instance, req Request) error
	Query(ctx context.Context, inst *Instance, req Request) (Response, error)

	Reset(ctx context.Context, inst *Instance) error
	Interpret(ctx context.Context, inst *Instance, result error) error
}


// ComponentRegistry holds the four per-Instance component lists (scan, dir,
// double_scan, idle) under the registry's own mutex. Each Instance owns one
// registry, so the lock is per Instance, not package-level; it is not the
// Instance's spin lock.
type ComponentRegistry struct {
	mu sync.Mutex

	scan       []Component // exec_oit-capable, participates in phase 1
	dir        []Component // exec_dir-capable, participates in phase 1 directory walk
	doubleScan []Component // moved here after Post returns "needs phase 2"
	idle       []Component // finished, kept only for dump/query
}

func NewComponentRegistry() *ComponentRegistry { return &ComponentRegistry{} }

// Add places c on both the scan list and the dir list (every Component
// implements ExecDir). Start calls it before launching the supervisor.
func (r *ComponentRegistry) Add(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scan = append(r.scan, c)
	r.dir = append(r.dir, c)
}

// Find returns the first component registered with the given type, or nil.
func (r *ComponentRegistry) Find(t CompType) Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.scan {
		if c.Type() == t {
			return c
		}
	}
	for _, c := range r.doubleScan {
		if c.Type() == t {
			return c
		}
	}
	for _, c := range r.idle {
		if c.Type() == t {
			return c
		}
	}
	return nil
}

// MoveToDoubleScan relocates c from the scan list to the double_scan list
// (lfsck_component_cleanup's "needs phase 2" branch).
func (r *ComponentRegistry) MoveToDoubleScan(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scan = removeComponent(r.scan, c)
	r.doubleScan = append(r.doubleScan, c)
}

// MoveToIdle relocates c out of whichever active list it is on.
func (r *ComponentRegistry) MoveToIdle(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scan = removeComponent(r.scan, c)
	r.dir = removeComponent(r.dir, c)
	r.doubleScan = removeComponent(r.doubleScan, c)
	r.idle = append(r.idle, c)
}

func removeComponent(list []Component, c Component) []Component {
	out := list[:0]
	for _, x := range list {
		if x != c {
			out = append(out, x)
		}
	}
	return out
}

// Scan returns a snapshot of the scan list, safe to range over without
// holding the registry lock for the duration of the caller's work.
func (r *ComponentRegistry) Scan() []Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Component(nil), r.scan...)
}

func (r *ComponentRegistry) Dir() []Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Component(nil), r.dir...)
}

func (r *ComponentRegistry) DoubleScan() []Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Component(nil), r.doubleScan...)
}

func (r *ComponentRegistry) Idle() []Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Component(nil), r.idle...)
}

// All returns every registered component across all four lists, for
// broadcast-style operations (Dump, Quit) that don't care about phase.
func (r *ComponentRegistry) All() []Component {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Component, 0, len(r.scan)+len(r.doubleScan)+len(r.idle))
	out = append(out, r.scan...)
	out = append(out, r.doubleScan...)
	out = append(out, r.idle...)
	return out
}
