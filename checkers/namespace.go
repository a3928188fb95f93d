// Package checkers provides the concrete pluggable Components the engine
// composes into a scan: the namespace checker (dangling directory entries)
// and the layout checker (non-directory objects lacking a trusted.link
// back-reference). Both
// follow the teacher's factory-plus-streaming-state idiom (xact/xs/tcb.go's
// XactTCB: a small factory that mints a fresh, atomically-countered struct
// per run) adapted from bucket-copy semantics to consistency-check
// semantics.
package checkers

import (
	"context"
	"sync/atomic"

	"github.com/parafs/lfsckd/lfsck"
	"github.com/parafs/lfsckd/nlog"
)

func init() {
	lfsck.RegisterComponentFactory(CompNamespace, newNamespace)
}

// CompNamespace is the namespace checker's bit in Start's active mask.
const CompNamespace lfsck.CompType = 1 << 0

// Namespace detects dangling directory entries (an entry whose target FID
// does not exist) and reports them during double_scan, where each one is
// logged and counted as repaired; the entry itself is not removed from its
// directory. Duplicate names are not detected.
type Namespace struct {
	checked  atomic.Int64
	repaired atomic.Int64
	failed   atomic.Int64

	dangling []lfsck.Dirent
}

func newNamespace() lfsck.Component { return &Namespace{} }

func (n *Namespace) Type() lfsck.CompType { return CompNamespace }

func (n *Namespace) Prep(ctx context.Context, inst *lfsck.Instance) error {
	n.checked.Store(0)
	n.repaired.Store(0)
	n.failed.Store(0)
	n.dangling = n.dangling[:0]
	return nil
}

func (n *Namespace) ExecOIT(ctx context.Context, inst *lfsck.Instance, obj lfsck.ScanTarget) error {
	n.checked.Add(1)
	return nil
}

// ExecDir flags an entry as dangling when its target cannot be located on
// this device or does not exist there. Entries are not told apart by
// device: one whose target lives on another device is flagged the same way.
func (n *Namespace) ExecDir(ctx context.Context, inst *lfsck.Instance, parent lfsck.ScanTarget, child lfsck.Dirent) error {
	obj, err := inst.Device.Locate(ctx, child.FID)
	if err != nil || !obj.Exists() {
		n.dangling = append(n.dangling, child)
	}
	return nil
}

func (n *Namespace) Post(ctx context.Context, inst *lfsck.Instance, result error) error {
	if len(n.dangling) > 0 {
		return lfsck.ErrNeedsPhase2
	}
	return nil
}

func (n *Namespace) Checkpoint(ctx context.Context, inst *lfsck.Instance, initial bool) error {
	return nil
}

func (n *Namespace) Fail(ctx context.Context, inst *lfsck.Instance) error {
	n.failed.Add(1)
	return nil
}

// DoubleScan logs every dangling entry found during phase 1, counts it as
// repaired and clears the list; directory contents are left unchanged.
func (n *Namespace) DoubleScan(ctx context.Context, inst *lfsck.Instance) error {
	for _, d := range n.dangling {
		nlog.Warningf("namespace: dangling entry %q -> %s", d.Name, d.FID)
		n.repaired.Add(1)
	}
	n.dangling = n.dangling[:0]
	return nil
}

func (n *Namespace) Dump(w lfsck.DumpWriter) {
	w.Writef("namespace: checked=%d repaired=%d failed=%d\n", n.checked.Load(), n.repaired.Load(), n.failed.Load())
}

func (n *Namespace) Join(ctx context.Context, inst *lfsck.Instance) error { return nil }
func (n *Namespace) Quit(ctx context.Context, inst *lfsck.Instance)      {}

func (n *Namespace) InNotify(ctx context.Context, inst *lfsck.Instance, req lfsck.Request) error {
	return nil
}

func (n *Namespace) StopNotify(ctx context.Context, inst *lfsck.Instance, req lfsck.Request) error {
	return nil
}

func (n *Namespace) Query(ctx context.Context, inst *lfsck.Instance, req lfsck.Request) (lfsck.Response, error) {
	return lfsck.Response{Status: int(n.checked.Load())}, nil
}

func (n *Namespace) Reset(ctx context.Context, inst *lfsck.Instance) error {
	n.checked.Store(0)
	n.repaired.Store(0)
	n.failed.Store(0)
	n.dangling = nil
	return nil
}

func (n *Namespace) Interpret(ctx context.Context, inst *lfsck.Instance, result error) error {
	return result
}
