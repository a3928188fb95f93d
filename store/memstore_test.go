package store

import (
	"context"
	"errors"
	"testing"

	"github.com/parafs/lfsckd/fid"
)

func TestMemDeviceSeed(t *testing.T) {
	ctx := context.Background()
	dev := NewMemDevice("mdt0")
	root := dev.Seed()

	if !root.IsDir() {
		t.Fatalf("seeded root is not a directory")
	}
	got, err := dev.FindByName(ctx, "ROOT")
	if err != nil {
		t.Fatalf("FindByName(ROOT): %v", err)
	}
	if got.FID() != root.FID() {
		t.Fatalf("FindByName(ROOT) = %s, want %s", got.FID(), root.FID())
	}
	if _, err := dev.FindByName(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FindByName(nope) err = %v, want ErrNotFound", err)
	}
}

func TestMemDeviceCreateChildAndLookup(t *testing.T) {
	ctx := context.Background()
	dev := NewMemDevice("mdt0")
	root := dev.Seed()

	childFID := fid.FID{Seq: 1, OID: 2}
	child, err := dev.CreateChild(ctx, childFID, false)
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	if _, err := dev.CreateChild(ctx, childFID, false); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("CreateChild duplicate err = %v, want ErrAlreadyExists", err)
	}

	txn, err := dev.NewTxn(ctx)
	if err != nil {
		t.Fatalf("NewTxn: %v", err)
	}
	if err := txn.DeclareInsert(root, "child", childFID); err != nil {
		t.Fatalf("DeclareInsert: %v", err)
	}
	if err := txn.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	insertErr := txn.Insert(ctx, root, "child", childFID)
	if err := txn.Stop(ctx, insertErr); err != nil {
		t.Fatalf("Insert/Stop: %v", err)
	}

	got, err := dev.Lookup(ctx, root, "child")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != child.FID() {
		t.Fatalf("Lookup(child) = %s, want %s", got, child.FID())
	}
	if _, err := dev.Lookup(ctx, root, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup(missing) err = %v, want ErrNotFound", err)
	}
}

func TestMemDeviceOITOrdering(t *testing.T) {
	ctx := context.Background()
	dev := NewMemDevice("mdt0")
	dev.Seed()
	dev.AddObject(fid.FID{Seq: 1, OID: 50}, false, false)
	dev.AddObject(fid.FID{Seq: 1, OID: 3}, false, false)

	oit, err := dev.OIT(ctx)
	if err != nil {
		t.Fatalf("OIT: %v", err)
	}
	var seen []fid.FID
	for {
		ok, err := oit.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		seen = append(seen, oit.Object().FID())
	}
	for i := 1; i < len(seen); i++ {
		prev, cur := seen[i-1], seen[i]
		if prev.Seq > cur.Seq || (prev.Seq == cur.Seq && prev.OID >= cur.OID) {
			t.Fatalf("OIT not sorted ascending: %v", seen)
		}
	}
}

func TestMemDeviceDirIterator(t *testing.T) {
	ctx := context.Background()
	dev := NewMemDevice("mdt0")
	root := dev.Seed()
	aFID := fid.FID{Seq: 1, OID: 10}
	dev.AddObject(aFID, false, false)

	txn, _ := dev.NewTxn(ctx)
	_ = txn.Insert(ctx, root, "a", aFID)

	it, err := dev.DirIterator(ctx, root, 0)
	if err != nil {
		t.Fatalf("DirIterator: %v", err)
	}
	var names []string
	for {
		ok, err := it.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		names = append(names, it.Entry().Name)
		if !ok {
			break
		}
	}
	found := false
	for _, n := range names {
		if n == "a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("DirIterator did not surface inserted entry, got %v", names)
	}
}

func TestMemDeviceWriteLockExcludesConcurrentAccess(t *testing.T) {
	dev := NewMemDevice("mdt0")
	root := dev.Seed()
	unlock := dev.WriteLock(root)
	done := make(chan struct{})
	go func() {
		dev.WriteLock(root)()
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("second writer proceeded while lock held")
	default:
	}
	unlock()
	<-done
}
