package lfsck

import (
	"context"
	"fmt"

	"github.com/parafs/lfsckd/fid"
	"github.com/parafs/lfsckd/store"
)

const lpfDirName = ".lustre/lost+found"

func mdtChildName(index uint32) string { return fmt.Sprintf("MDT%04x", index) }

// BuildLPF realizes the per-metadata-target lost+found container on demand
// (spec.md §4.6). local is the device owning this Instance; parentDev is
// resolved on local when index == 0, or on the remote metadata target
// otherwise.
func BuildLPF(ctx context.Context, local, parentDev store.Device, index uint32, fc *fid.Client, bm *Bookmark) error {
	if !bm.LPFFID.IsZero() {
		return nil // already built and recorded
	}
	remote := index != 0
	if remote && parentDev == nil {
		return fmt.Errorf("lpf: index %d has no remote parent device", index)
	}
	if !remote {
		parentDev = local
	}

	childName := mdtChildName(index)

	parentObj, err := lookupOrSeedLPFDir(ctx, parentDev)
	if err != nil {
		return fmt.Errorf("lpf: resolve parent dir: %w", err)
	}

	unlock := parentDev.WriteLock(parentObj)
	defer unlock()

	// Recovery: a prior crash may have committed the parent insert but died
	// before the bookmark write. Check by name before allocating.
	if existing, err := parentDev.Lookup(ctx, parentObj, childName); err == nil {
		bm.LPFFID = existing
		return nil
	}

	childFID, err := fc.AllocFID()
	if err != nil {
		return fmt.Errorf("lpf: alloc fid: %w", err)
	}

	if !remote {
		if err := buildLocal(ctx, local, parentObj, childFID, childName); err != nil {
			return err
		}
		bm.LPFFID = childFID
		return nil
	}
	return buildRemote(ctx, local, parentDev, parentObj, childFID, childName, bm)
}

func lookupOrSeedLPFDir(ctx context.Context, dev store.Device) (store.Object, error) {
	root, err := dev.FindByName(ctx, "ROOT")
	if err != nil {
		return nil, err
	}
	if lpfFID, err := dev.Lookup(ctx, root, lpfDirName); err == nil {
		return dev.Locate(ctx, lpfFID)
	}
	lpfFID := fid.FID{Seq: root.FID().Seq, OID: root.FID().OID + 1}
	lpfDir, err := dev.CreateChild(ctx, lpfFID, true)
	if err != nil {
		return nil, err
	}
	// Link the new directory into root so later lookups (recovery, repeated
	// registration) find it by name instead of minting a second one.
	txn, err := dev.NewTxn(ctx)
	if err != nil {
		return nil, err
	}
	_ = txn.DeclareInsert(root, lpfDirName, lpfFID)
	_ = txn.DeclareRefAdd(root)
	if err := txn.Start(ctx); err != nil {
		return nil, err
	}
	opErr := func() error {
		if err := txn.Insert(ctx, root, lpfDirName, lpfFID); err != nil {
			return err
		}
		return txn.RefAdd(ctx, root)
	}()
	if err := txn.Stop(ctx, opErr); err != nil {
		return nil, err
	}
	return lpfDir, nil
}

// buildLocal is the one-transaction path: parent and child share a device
// (spec.md §4.6, metadata index 0).
func buildLocal(ctx context.Context, dev store.Device, parent store.Object, childFID fid.FID, childName string) error {
	txn, err := dev.NewTxn(ctx)
	if err != nil {
		return fmt.Errorf("lpf: local txn: %w", err)
	}
	child, err := dev.CreateChild(ctx, childFID, true)
	if err != nil {
		return fmt.Errorf("lpf: alloc child object: %w", err)
	}
	if err := txn.DeclareCreate(child); err != nil {
		return err
	}
	if err := txn.DeclareInsert(child, ".", childFID); err != nil {
		return err
	}
	if err := txn.DeclareInsert(child, "..", parent.FID()); err != nil {
		return err
	}
	if err := txn.DeclareRefAdd(child); err != nil {
		return err
	}
	if err := txn.DeclareInsert(parent, childName, childFID); err != nil {
		return err
	}
	if err := txn.DeclareRefAdd(parent); err != nil {
		return err
	}
	if err := txn.Start(ctx); err != nil {
		return fmt.Errorf("lpf: local txn start: %w", err)
	}

	opErr := func() error {
		if err := txn.Insert(ctx, child, ".", childFID); err != nil {
			return fmt.Errorf("lpf: insert dot: %w", err)
		}
		if err := txn.Insert(ctx, child, "..", parent.FID()); err != nil {
			return fmt.Errorf("lpf: insert dotdot: %w", err)
		}
		if err := txn.RefAdd(ctx, child); err != nil {
			return fmt.Errorf("lpf: ref child: %w", err)
		}
		if err := txn.Insert(ctx, parent, childName, childFID); err != nil {
			return fmt.Errorf("lpf: insert into parent: %w", err)
		}
		if err := txn.RefAdd(ctx, parent); err != nil {
			return fmt.Errorf("lpf: ref parent: %w", err)
		}
		return nil
	}()
	return txn.Stop(ctx, opErr)
}

// buildRemote is the two-transaction path: T1 creates the child locally,
// T2 links it into the remote parent, with staged rollback declarations if
// T2 fails (spec.md §4.6, §4 "S7").
func buildRemote(ctx context.Context, local, parentDev store.Device, parent store.Object, childFID fid.FID, childName string, bm *Bookmark) error {
	child, err := local.CreateChild(ctx, childFID, true)
	if err != nil {
		return fmt.Errorf("lpf: alloc child object: %w", err)
	}

	t1, err := local.NewTxn(ctx)
	if err != nil {
		return fmt.Errorf("lpf: t1: %w", err)
	}
	_ = t1.DeclareCreate(child)
	_ = t1.DeclareInsert(child, ".", childFID)
	_ = t1.DeclareInsert(child, "..", parent.FID())
	_ = t1.DeclareRefAdd(child)
	if err := t1.Start(ctx); err != nil {
		return fmt.Errorf("lpf: t1 start: %w", err)
	}
	t1Err := func() error {
		if err := t1.Insert(ctx, child, ".", childFID); err != nil {
			return fmt.Errorf("lpf: t1 dot: %w", err)
		}
		if err := t1.Insert(ctx, child, "..", parent.FID()); err != nil {
			return fmt.Errorf("lpf: t1 dotdot: %w", err)
		}
		if err := t1.RefAdd(ctx, child); err != nil {
			return fmt.Errorf("lpf: t1 ref: %w", err)
		}
		return nil
	}()
	if err := t1.Stop(ctx, t1Err); err != nil {
		return err
	}

	t2, err := parentDev.NewTxn(ctx)
	if err != nil {
		rollbackLocal(ctx, local, child)
		return fmt.Errorf("lpf: t2: %w", err)
	}
	_ = t2.DeclareInsert(parent, childName, childFID)
	_ = t2.DeclareRefAdd(parent)
	// Rollback declarations, staged inside T2 per spec.md §4.6. They are
	// declared only; when T2 fails, rollbackLocal runs the unwind of T1's
	// local commit in a separate local transaction.
	_ = t2.DeclareRefDel(child)
	_ = t2.DeclareRefDel(child)
	_ = t2.DeclareDestroy(child)

	if err := t2.Start(ctx); err != nil {
		rollbackLocal(ctx, local, child)
		return fmt.Errorf("lpf: t2 start: %w", err)
	}
	t2Err := func() error {
		if err := t2.Insert(ctx, parent, childName, childFID); err != nil {
			return fmt.Errorf("lpf: t2 insert: %w", err)
		}
		if err := t2.RefAdd(ctx, parent); err != nil {
			return fmt.Errorf("lpf: t2 ref parent: %w", err)
		}
		return nil
	}()
	if t2Err != nil {
		_ = t2.Stop(ctx, t2Err)
		rollbackLocal(ctx, local, child)
		return t2Err
	}
	if err := t2.Stop(ctx, nil); err != nil {
		rollbackLocal(ctx, local, child)
		return err
	}

	bm.LPFFID = childFID
	return nil
}

// rollbackLocal is the last-resort local unwind when T2 fails: the child
// object FID is left unreachable from any directory, the acceptable failure
// mode spec.md §9 documents for this path.
func rollbackLocal(ctx context.Context, local store.Device, child store.Object) {
	unlock := local.WriteLock(child)
	defer unlock()
	txn, err := local.NewTxn(ctx)
	if err != nil {
		return
	}
	_ = txn.DeclareRefDel(child)
	_ = txn.DeclareRefDel(child)
	_ = txn.DeclareDestroy(child)
	if err := txn.Start(ctx); err != nil {
		return
	}
	rbErr := func() error {
		if err := txn.RefDel(ctx, child); err != nil {
			return err
		}
		if err := txn.RefDel(ctx, child); err != nil {
			return err
		}
		return txn.Destroy(ctx, child)
	}()
	_ = txn.Stop(ctx, rbErr)
}
