package lfsck

import (
	"sync"
	"sync/atomic"

	"github.com/parafs/lfsckd/control"
	"github.com/parafs/lfsckd/dbg"
	"github.com/parafs/lfsckd/xerr"
)

// tgtPtrsPerBlock mirrors TGT_PTRS_PER_BLOCK: the paged pointer table grows
// one block of this many slots at a time instead of one contiguous array.
const tgtPtrsPerBlock = 32

// TargetDescriptor is one registered object- or metadata-target (spec.md §3).
type TargetDescriptor struct {
	Index uint32
	Key   string // owning device
	Peer  *control.Peer

	mu         sync.Mutex
	dead       bool
	layoutDone bool

	refs int32
}

func NewTargetDescriptor(index uint32, key string, peer *control.Peer) *TargetDescriptor {
	return &TargetDescriptor{Index: index, Key: key, Peer: peer}
}

func (td *TargetDescriptor) SetDead(v bool) {
	td.mu.Lock()
	td.dead = v
	td.mu.Unlock()
}

func (td *TargetDescriptor) Dead() bool {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.dead
}

func (td *TargetDescriptor) SetLayoutDone(v bool) {
	td.mu.Lock()
	td.layoutDone = v
	td.mu.Unlock()
}

func (td *TargetDescriptor) LayoutDone() bool {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.layoutDone
}

// TDT is the Target-Descriptor Table (C1): a bitmap plus a paged pointer
// table (spec.md §4.1). Descriptors whose owning Instance does not exist
// yet are staged on the registry's orphan map instead (registry.go),
// since a bitmap indexed by per-device target index can't hold entries
// from more than one not-yet-registered device without index collisions.
type TDT struct {
	mu     sync.RWMutex // ltd_rw_sem
	bitmap []uint64
	blocks [][]*TargetDescriptor
	tgtnr  uint32
}

func NewTDT() *TDT { return &TDT{} }

func (t *TDT) bitSet(i uint32) bool {
	word := i / 64
	if int(word) >= len(t.bitmap) {
		return false
	}
	return t.bitmap[word]&(1<<(i%64)) != 0
}

func (t *TDT) setBit(i uint32)   { t.bitmap[i/64] |= 1 << (i % 64) }
func (t *TDT) clearBit(i uint32) { t.bitmap[i/64] &^= 1 << (i % 64) }

// growBitmap doubles the bitmap until it covers minBits, copying old bits,
// per spec.md §4.1 ("grows the bitmap geometrically (double until
// newsize > index)").
func (t *TDT) growBitmap(minBits uint32) {
	needWords := minBits/64 + 1
	if uint32(len(t.bitmap)) >= needWords {
		return
	}
	newLen := uint32(len(t.bitmap))
	if newLen == 0 {
		newLen = 1
	}
	for newLen < needWords {
		newLen *= 2
	}
	grown := make([]uint64, newLen)
	copy(grown, t.bitmap)
	t.bitmap = grown
}

func (t *TDT) slot(i uint32) *TargetDescriptor {
	block, idx := i/tgtPtrsPerBlock, i%tgtPtrsPerBlock
	if int(block) >= len(t.blocks) {
		return nil
	}
	return t.blocks[block][idx]
}

func (t *TDT) setSlot(i uint32, td *TargetDescriptor) {
	block, idx := i/tgtPtrsPerBlock, i%tgtPtrsPerBlock
	for int(block) >= len(t.blocks) {
		t.blocks = append(t.blocks, make([]*TargetDescriptor, tgtPtrsPerBlock))
	}
	t.blocks[block][idx] = td
}

// Add registers td at td.Index. If locked is true the caller already holds
// the write lock (spec.md §4.1: "All under the TDT's read-write lock taken
// for writing (unless caller already holds it)").
func (t *TDT) Add(td *TargetDescriptor, locked bool) error {
	if !locked {
		t.mu.Lock()
		defer t.mu.Unlock()
	}
	if t.bitSet(td.Index) {
		return xerr.ErrAlreadyExists
	}
	t.growBitmap(td.Index + 1)
	t.setSlot(td.Index, td)
	t.setBit(td.Index)
	t.tgtnr++
	return nil
}

// Remove detaches and returns the descriptor at index, or nil.
func (t *TDT) Remove(index uint32) *TargetDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.bitSet(index) {
		return nil
	}
	td := t.slot(index)
	t.setSlot(index, nil)
	t.clearBit(index)
	t.tgtnr--
	return td
}

// Get returns the descriptor at index with its refcount bumped, or nil.
func (t *TDT) Get(index uint32) *TargetDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	td := t.slot(index)
	if td != nil {
		atomic.AddInt32(&td.refs, 1)
	}
	return td
}

// Put releases a reference obtained from Get (no-op on reaching zero beyond
// bookkeeping: destruction is GC's job in Go, unlike the C reference count).
func (t *TDT) Put(td *TargetDescriptor) {
	if td == nil {
		return
	}
	atomic.AddInt32(&td.refs, -1)
}

// ForeachBit invokes fn for every set bit, read-locked for the whole walk
// (spec.md §9 "bitmap resize races": no reader holds a raw pointer across a
// write-lock window because the lock spans the entire traversal).
func (t *TDT) ForeachBit(fn func(index uint32, td *TargetDescriptor)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for idx := uint32(0); idx < uint32(len(t.bitmap))*64; idx++ {
		if t.bitSet(idx) {
			fn(idx, t.slot(idx))
		}
	}
}

func (t *TDT) Tgtnr() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tgtnr
}

// Fini clears every set bit, asserting tgtnr == 0 at the end (spec.md §4.1).
func (t *TDT) Fini() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for idx := uint32(0); idx < uint32(len(t.bitmap))*64; idx++ {
		if t.bitSet(idx) {
			t.setSlot(idx, nil)
			t.clearBit(idx)
			t.tgtnr--
		}
	}
	dbg.Assertf(t.tgtnr == 0, "tdt: tgtnr %d != 0 after fini", t.tgtnr)
	t.bitmap = nil
	t.blocks = nil
}
