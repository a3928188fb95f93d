package lfsck

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parafs/lfsckd/nlog"
	"github.com/parafs/lfsckd/store"
)

// prep calls every scan component's Prep (each resets its own counters), computes
// the starting position as the max among components, loads the OIT
// iterator there, and opens a directory iterator if the start position was
// mid-directory (spec.md §4.7).
func (inst *Instance) prep(ctx context.Context) error {
	components := inst.Components.Scan()
	for _, c := range components {
		if err := c.Prep(ctx, inst); err != nil {
			inst.postInit(ctx, components, err)
			return err
		}
	}

	start := maxStartPosition(components)
	inst.pos = start

	oit, err := inst.Device.OIT(ctx)
	if err != nil {
		inst.postInit(ctx, components, err)
		return err
	}
	inst.oit = oit
	rc, err := oit.Load(ctx, start.OITCookie)
	if err != nil {
		inst.postInit(ctx, components, err)
		return err
	}
	inst.oitOver = rc > 0

	if !start.DirParent.IsZero() {
		obj, err := inst.Device.Locate(ctx, start.DirParent)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// skip silently: directory no longer exists
		case err != nil:
			inst.postInit(ctx, components, err)
			return err
		case obj.IsRemote():
			// skip silently: agent directory, not ours to walk
		case !obj.IsDir():
			inst.postInit(ctx, components, store.ErrNotADirectory)
			return store.ErrNotADirectory
		default:
			dirIt, err := inst.Device.DirIterator(ctx, obj, start.DirCookie)
			if err != nil {
				inst.postInit(ctx, components, err)
				return err
			}
			inst.spin.Lock()
			inst.dir = dirIt
			inst.dirParentFID = obj.FID()
			inst.spin.Unlock()
		}
	}

	inst.lastCheckpoint = time.Now()
	inst.nextCheckpoint = inst.lastCheckpoint.Add(CheckpointInterval)
	inst.curDone = true
	return nil
}

func (inst *Instance) postInit(ctx context.Context, components []Component, cause error) {
	for _, c := range components {
		_ = c.Post(ctx, inst, cause)
	}
}

type startPositioner interface {
	StartPosition() Position
}

func maxStartPosition(components []Component) Position {
	var max Position
	first := true
	for _, c := range components {
		sp, ok := c.(startPositioner)
		if !ok {
			continue
		}
		p := sp.StartPosition()
		if first || p.Compare(max) > 0 {
			max, first = p, false
		}
	}
	return max
}

// fillPosition snapshots the active iterators. Per spec.md §4.3: if the
// current OIT tuple has not yet been fully processed and this is not the
// initial fill, the stored cookie is decremented by one so a restart
// re-processes it.
func (inst *Instance) fillPosition(ctx context.Context, init bool) Position {
	var p Position
	if inst.oit != nil {
		cookie := inst.oit.Store(ctx)
		if !init && !inst.curDone && cookie > 0 {
			cookie--
		}
		p.OITCookie = cookie
	}
	if inst.dir != nil {
		p.DirParent = inst.dirParentFID
		p.DirCookie = inst.dir.Store(ctx)
	}
	return p.Normalize()
}

// checkpoint is a no-op before nextCheckpoint; otherwise it fills the
// position, asks every scan component to checkpoint, and advances the
// checkpoint timers (spec.md §4.7).
func (inst *Instance) checkpoint(ctx context.Context) error {
	now := time.Now()
	if now.Before(inst.nextCheckpoint) {
		return nil
	}
	inst.pos = inst.fillPosition(ctx, false)
	inst.mu.Lock()
	err := inst.Bookmarks.Save(inst.Key, inst.bm)
	inst.mu.Unlock()
	if err != nil {
		nlog.Warningf("checkpoint: bookmark save: %v", err)
	}
	for _, c := range inst.Components.Scan() {
		if err := c.Checkpoint(ctx, inst, false); err != nil {
			nlog.Warningf("checkpoint: component: %v", err)
		}
	}
	inst.lastCheckpoint = now
	inst.nextCheckpoint = now.Add(CheckpointInterval)
	return nil
}

// execOIT fans out to every scan component, then decides whether this
// object's directory needs walking (spec.md §4.7).
func (inst *Instance) execOIT(ctx context.Context, obj store.Object) error {
	inst.curDone = false
	target := ScanTarget{Object: obj, Pos: inst.pos}
	for _, c := range inst.Components.Scan() {
		if err := c.ExecOIT(ctx, inst, target); err != nil {
			return inst.fail(ctx, err)
		}
	}

	needsDir, err := inst.needsScanDir(ctx, obj)
	if err != nil {
		return err
	}
	if needsDir {
		dirIt, err := inst.Device.DirIterator(ctx, obj, 0)
		if err == nil {
			inst.spin.Lock()
			inst.dir = dirIt
			inst.dirParentFID = obj.FID()
			inst.spin.Unlock()
		}
	}
	inst.curDone = true
	return nil
}

// needsScanDir walks the parent chain from obj, returning true at the
// global root or a remote object (an agent directory), false at the local
// root or a dead object, short-circuiting on XATTR_NAME_LINK. Bounded at
// MaxScanDirDepth (spec.md §4.7, §9 "Cyclic parent pointers").
func (inst *Instance) needsScanDir(ctx context.Context, obj store.Object) (bool, error) {
	cur := obj
	for depth := 0; depth < MaxScanDirDepth; depth++ {
		if _, ok := cur.Xattr(store.XattrNameLink); ok {
			return true, nil
		}
		if !inst.GlobalRootFID.IsZero() && cur.FID() == inst.GlobalRootFID {
			return true, nil
		}
		if cur.IsRemote() {
			return true, nil
		}
		if cur.FID() == inst.LocalRootFID {
			return false, nil
		}
		if !cur.Exists() {
			return false, nil
		}
		parentFID, err := inst.Device.Lookup(ctx, cur, "..")
		if err != nil {
			return false, nil
		}
		parentObj, err := inst.Device.Locate(ctx, parentFID)
		if err != nil {
			return false, nil
		}
		cur = parentObj
	}
	nlog.Warningf("needs_scan_dir: depth cap %d hit at %s, assuming false", MaxScanDirDepth, obj.FID())
	return false, nil
}

// execDir fans out one directory entry to every dir-capable component.
func (inst *Instance) execDir(ctx context.Context, parent store.Object, entry store.Dirent) error {
	target := ScanTarget{Object: parent, Pos: inst.pos}
	for _, c := range inst.Components.Dir() {
		if err := c.ExecDir(ctx, inst, target, entry); err != nil {
			return inst.fail(ctx, err)
		}
	}
	return nil
}

// post updates every scan component; a component signalling ErrNeedsPhase2
// moves to the double_scan list. Component failures are logged but never
// override the primary result (spec.md §4.7, §7).
func (inst *Instance) post(ctx context.Context, result error) error {
	for _, c := range inst.Components.Scan() {
		err := c.Post(ctx, inst, result)
		switch {
		case errors.Is(err, ErrNeedsPhase2):
			inst.Components.MoveToDoubleScan(c)
		case err != nil:
			nlog.Warningf("post: component: %v", err)
		}
	}
	inst.lastCheckpoint = time.Now()
	inst.nextCheckpoint = inst.lastCheckpoint.Add(CheckpointInterval)
	return result
}

// fail notifies every scan component and marks the Instance failed
// (spec.md §4.7 "Fatal component failures ... cause lfsck_fail").
func (inst *Instance) fail(ctx context.Context, cause error) error {
	inst.setState(StateFailed)
	for _, c := range inst.Components.Scan() {
		_ = c.Fail(ctx, inst)
	}
	return cause
}

// doubleScan runs every double_scan-list component concurrently, blocks
// until all finish, then moves them to idle unless the Instance is paused
// (spec.md §4.7).
func (inst *Instance) doubleScan(ctx context.Context) {
	comps := inst.Components.DoubleScan()
	if len(comps) == 0 {
		return
	}
	atomic.StoreInt32(&inst.doubleScanCount, int32(len(comps)))
	var wg sync.WaitGroup
	wg.Add(len(comps))
	for _, c := range comps {
		c := c
		go func() {
			defer wg.Done()
			if err := c.DoubleScan(ctx, inst); err != nil {
				nlog.Warningf("double_scan: %v", err)
			}
			atomic.AddInt32(&inst.doubleScanCount, -1)
		}()
	}
	wg.Wait()

	st := inst.State()
	if st != StatePaused && st != StateCoPaused {
		for _, c := range comps {
			inst.Components.MoveToIdle(c)
		}
	}
}

// quit tears every active component down and moves it to idle.
func (inst *Instance) quit(ctx context.Context) {
	for _, c := range inst.Components.Scan() {
		c.Quit(ctx, inst)
		inst.Components.MoveToIdle(c)
	}
	for _, c := range inst.Components.DoubleScan() {
		c.Quit(ctx, inst)
		inst.Components.MoveToIdle(c)
	}
}

// run is the single supervisor thread per Instance (spec.md §5 "Scheduling
// model"): prep, then drive the OIT/dir loop until exhaustion or stop,
// checkpointing and throttling along the way, then post/double_scan.
func (inst *Instance) run(ctx context.Context) {
	defer close(inst.stoppedCh)
	inst.setState(StateScanningPhase1)

	if err := inst.prep(ctx); err != nil {
		nlog.Warningf("prep: %v", err)
		inst.setState(StateFailed)
		return
	}

	for !inst.oitOver {
		select {
		case <-inst.stopCh:
			inst.setState(StateStopped)
			return
		case <-ctx.Done():
			inst.setState(StateStopped)
			return
		default:
		}

		if err := inst.Speed.Wait(ctx); err != nil {
			inst.setState(StateStopped)
			return
		}

		if obj := inst.oit.Object(); obj != nil {
			if err := inst.execOIT(ctx, obj); err != nil {
				inst.post(ctx, err)
				return
			}
			if inst.dir != nil {
				inst.runDirLoop(ctx, obj)
			}
		}

		if err := inst.checkpoint(ctx); err != nil {
			nlog.Warningf("checkpoint: %v", err)
		}

		more, err := inst.oit.Next(ctx)
		if err != nil {
			inst.post(ctx, err)
			inst.setState(StateFailed)
			return
		}
		if !more {
			inst.oitOver = true
		}
	}

	inst.post(ctx, nil)
	inst.setState(StateScanningPhase2)
	inst.doubleScan(ctx)
	inst.setState(StateCompleted)
}

func (inst *Instance) runDirLoop(ctx context.Context, parent store.Object) {
	for {
		more, err := inst.dir.Next(ctx)
		if err != nil {
			nlog.Warningf("exec_dir: next: %v", err)
			break
		}
		if !more {
			break
		}
		entry := inst.dir.Entry()
		if err := inst.execDir(ctx, parent, entry); err != nil {
			nlog.Warningf("exec_dir: %v", err)
			break
		}
	}
	inst.dir.Fini(ctx)
	inst.spin.Lock()
	inst.dir = nil
	inst.spin.Unlock()
}
