package checkers

import (
	"context"
	"sync/atomic"

	"github.com/parafs/lfsckd/lfsck"
	"github.com/parafs/lfsckd/nlog"
)

func init() {
	lfsck.RegisterComponentFactory(CompLayout, newLayout)
}

// CompLayout is the layout checker's bit in Start's active mask.
const CompLayout lfsck.CompType = 1 << 1

// Layout checks that every regular (non-directory) object reachable from
// the OIT carries a `trusted.link` xattr, flagging objects missing one as
// orphans. Only the xattr's presence is checked, not its content.
type Layout struct {
	checked  atomic.Int64
	orphaned atomic.Int64
	repaired atomic.Int64

	orphans []lfsck.ScanTarget
}

func newLayout() lfsck.Component { return &Layout{} }

func (l *Layout) Type() lfsck.CompType { return CompLayout }

func (l *Layout) Prep(ctx context.Context, inst *lfsck.Instance) error {
	l.checked.Store(0)
	l.orphaned.Store(0)
	l.repaired.Store(0)
	l.orphans = l.orphans[:0]
	return nil
}

func (l *Layout) ExecOIT(ctx context.Context, inst *lfsck.Instance, obj lfsck.ScanTarget) error {
	l.checked.Add(1)
	if obj.Object.IsDir() {
		return nil
	}
	if _, ok := obj.Object.Xattr("trusted.link"); !ok {
		l.orphaned.Add(1)
		l.orphans = append(l.orphans, obj)
	}
	return nil
}

func (l *Layout) ExecDir(ctx context.Context, inst *lfsck.Instance, parent lfsck.ScanTarget, child lfsck.Dirent) error {
	return nil
}

func (l *Layout) Post(ctx context.Context, inst *lfsck.Instance, result error) error {
	if len(l.orphans) > 0 {
		return lfsck.ErrNeedsPhase2
	}
	return nil
}

func (l *Layout) Checkpoint(ctx context.Context, inst *lfsck.Instance, initial bool) error {
	return nil
}

func (l *Layout) Fail(ctx context.Context, inst *lfsck.Instance) error { return nil }

// DoubleScan logs every orphaned object, counts it as repaired and clears
// the list; the object is not moved into lost+found.
func (l *Layout) DoubleScan(ctx context.Context, inst *lfsck.Instance) error {
	for _, o := range l.orphans {
		nlog.Warningf("layout: orphan object %s has no layout back-reference", o.Object.FID())
		l.repaired.Add(1)
	}
	l.orphans = l.orphans[:0]
	return nil
}

func (l *Layout) Dump(w lfsck.DumpWriter) {
	w.Writef("layout: checked=%d orphaned=%d repaired=%d\n", l.checked.Load(), l.orphaned.Load(), l.repaired.Load())
}

func (l *Layout) Join(ctx context.Context, inst *lfsck.Instance) error { return nil }
func (l *Layout) Quit(ctx context.Context, inst *lfsck.Instance)      {}

func (l *Layout) InNotify(ctx context.Context, inst *lfsck.Instance, req lfsck.Request) error {
	return nil
}

func (l *Layout) StopNotify(ctx context.Context, inst *lfsck.Instance, req lfsck.Request) error {
	return nil
}

func (l *Layout) Query(ctx context.Context, inst *lfsck.Instance, req lfsck.Request) (lfsck.Response, error) {
	return lfsck.Response{Status: int(l.checked.Load())}, nil
}

func (l *Layout) Reset(ctx context.Context, inst *lfsck.Instance) error {
	l.checked.Store(0)
	l.orphaned.Store(0)
	l.repaired.Store(0)
	l.orphans = nil
	return nil
}

func (l *Layout) Interpret(ctx context.Context, inst *lfsck.Instance, result error) error {
	return result
}
