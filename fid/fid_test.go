package fid

import "testing"

func TestClientAllocFIDMonotonic(t *testing.T) {
	c, err := Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	first, err := c.AllocFID()
	if err != nil {
		t.Fatalf("AllocFID: %v", err)
	}
	second, err := c.AllocFID()
	if err != nil {
		t.Fatalf("AllocFID: %v", err)
	}
	if first.Seq != second.Seq {
		t.Fatalf("sequence changed between allocations: %s vs %s", first, second)
	}
	if second.OID <= first.OID {
		t.Fatalf("OID did not increase: %d -> %d", first.OID, second.OID)
	}
}

func TestClientDistinctSequences(t *testing.T) {
	c1, err := Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	c2, err := Init()
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	f1, _ := c1.AllocFID()
	f2, _ := c2.AllocFID()
	if f1.Seq == f2.Seq {
		t.Fatalf("two independently initialized clients minted the same sequence: %d", f1.Seq)
	}
}

func TestFIDIsZero(t *testing.T) {
	if !Zero.IsZero() {
		t.Fatalf("Zero.IsZero() = false")
	}
	f := FID{Seq: 1, OID: 1}
	if f.IsZero() {
		t.Fatalf("non-zero FID reported IsZero() = true")
	}
}
