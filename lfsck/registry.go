package lfsck

import (
	"context"
	"fmt"
	"sync"

	"github.com/parafs/lfsckd/control"
	"github.com/parafs/lfsckd/fid"
	"github.com/parafs/lfsckd/store"
	"github.com/parafs/lfsckd/xerr"
)

// orphanSlot holds target descriptors added before their owning Instance
// existed, keyed by the eventual owning device key (spec.md §9 "Global
// mutable state": "model as a single owned registry value").
type orphanSlot struct {
	obj []*TargetDescriptor
	mdt []*TargetDescriptor
}

// Registry is the process-wide Instance registry plus pending-orphan
// staging (spec.md §4.9). Create one with NewRegistry: the zero value has
// nil maps, and Register/AddTarget panic writing to them.
type Registry struct {
	mu        sync.Mutex // global spinlock
	instances map[string]*Instance
	orphans   map[string]*orphanSlot
}

func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
		orphans:   make(map[string]*orphanSlot),
	}
}

// Find returns the instance keyed by key. If ref is true its refcount is
// bumped; if unlink is true it is also removed from the registry.
func (r *Registry) Find(key string, ref, unlink bool) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[key]
	if !ok {
		return nil
	}
	if unlink {
		delete(r.instances, key)
	}
	if ref {
		inst.Ref()
	}
	return inst
}

// Register brings up a new Instance bound to dev (spec.md §4.9 "register").
// The kernel-specific `next`/`obd` arguments of the original signature are
// dropped: they thread a lower MDT stack and an OBD device handle through
// purely so later code can re-derive `dev`, which this implementation
// already has as an explicit parameter (see DESIGN.md).
func (r *Registry) Register(ctx context.Context, key string, dev store.Device, master bool, bookmarks *BookmarkStore) (*Instance, error) {
	r.mu.Lock()
	if _, exists := r.instances[key]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("register %s: %w", key, xerr.ErrAlreadyExists)
	}
	r.mu.Unlock()

	inst := newInstance(key, dev, master)
	inst.Bookmarks = bookmarks
	inst.stopCh = make(chan struct{})
	inst.stoppedCh = make(chan struct{})
	close(inst.stoppedCh) // not running yet; Start replaces this

	root, err := dev.FindByName(ctx, "ROOT")
	if err != nil && master {
		return nil, fmt.Errorf("register %s: resolve root: %w", key, err)
	}
	if err == nil {
		inst.LocalRootFID = root.FID()
		if master {
			inst.GlobalRootFID = root.FID()
		}
	}

	fc, err := fid.Init()
	if err != nil {
		return nil, fmt.Errorf("register %s: fid client: %w", key, err)
	}
	inst.FID = fc

	if bm, found, err := bookmarks.Load(key); err != nil {
		return nil, fmt.Errorf("register %s: bookmark load: %w", key, err)
	} else if found {
		inst.bm = bm
	}

	if master {
		if err := BuildLPF(ctx, dev, nil, 0, fc, &inst.bm); err != nil {
			return nil, fmt.Errorf("register %s: build lpf: %w", key, err)
		}
		if err := bookmarks.Save(key, inst.bm); err != nil {
			return nil, fmt.Errorf("register %s: save lpf bookmark: %w", key, err)
		}
	}

	r.mu.Lock()
	r.instances[key] = inst
	orphan := r.orphans[key]
	delete(r.orphans, key)
	r.mu.Unlock()

	if orphan != nil {
		for _, td := range orphan.obj {
			_ = inst.ObjTDT.Add(td, false)
		}
		for _, td := range orphan.mdt {
			_ = inst.MdtTDT.Add(td, false)
		}
	}

	return inst, nil
}

// Degister removes key from the registry and drops the caller's reference,
// running instance_cleanup on the last drop.
func (r *Registry) Degister(key string) {
	inst := r.Find(key, false, true)
	if inst == nil {
		return
	}
	inst.Unref()
}

// AddTarget places td directly into the owning Instance's TDT if it is
// already registered, or stages it as an orphan otherwise (spec.md §4.9
// step 7, §3 "Target Descriptor"). The check and the resulting insert run
// under a single critical section: Register's own publish-and-drain step
// (above) also runs under one, so the two can never interleave in a way
// that strands an orphan td behind a drain that already happened.
func (r *Registry) AddTarget(key string, td *TargetDescriptor, forOST bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[key]; ok {
		if forOST {
			return inst.ObjTDT.Add(td, false)
		}
		return inst.MdtTDT.Add(td, false)
	}

	slot, ok := r.orphans[key]
	if !ok {
		slot = &orphanSlot{}
		r.orphans[key] = slot
	}
	if forOST {
		slot.obj = append(slot.obj, td)
	} else {
		slot.mdt = append(slot.mdt, td)
	}
	return nil
}

// DelTarget removes the target at index from key's TDT.
func (r *Registry) DelTarget(key string, index uint32, forOST bool) {
	inst := r.Find(key, false, false)
	if inst == nil {
		return
	}
	if forOST {
		inst.ObjTDT.Remove(index)
	} else {
		inst.MdtTDT.Remove(index)
	}
}

var _ control.Dispatcher = (*Registry)(nil)
