package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/parafs/lfsckd/fid"
)

// memObject is the in-memory dt_object reference implementation.
type memObject struct {
	f       fid.FID
	dir     bool
	remote  bool
	exists  bool
	nlink   int
	xattrs  map[string][]byte
	entries []Dirent // valid only when dir
}

func (o *memObject) FID() fid.FID   { return o.f }
func (o *memObject) Exists() bool   { return o.exists }
func (o *memObject) IsDir() bool    { return o.dir }
func (o *memObject) IsRemote() bool { return o.remote }
func (o *memObject) Xattr(name string) ([]byte, bool) {
	v, ok := o.xattrs[name]
	return v, ok
}

// MemDevice is an in-memory Device, standing in for the (out-of-scope)
// block/extent storage engine so the rest of the tree can be exercised
// end-to-end in tests.
type MemDevice struct {
	key string

	mu      sync.RWMutex
	objects map[fid.FID]*memObject
	names   map[string]fid.FID

	// wl backs WriteLock; it is separate from mu so that Lookup, CreateChild
	// and transaction operations can run while a WriteLock is held.
	wl sync.Mutex
}

var _ Device = (*MemDevice)(nil)

func NewMemDevice(key string) *MemDevice {
	return &MemDevice{
		key:     key,
		objects: make(map[fid.FID]*memObject),
		names:   make(map[string]fid.FID),
	}
}

func (d *MemDevice) Key() string { return d.key }

// Seed creates a root directory, binds it to "ROOT", and creates the local
// name/file and OIT placeholder objects register() resolves at bring-up
// (spec.md §4.9 step 4-6).
func (d *MemDevice) Seed() (root Object) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rootFID := fid.FID{Seq: 1, OID: 1}
	r := &memObject{f: rootFID, dir: true, exists: true, nlink: 2, xattrs: map[string][]byte{}}
	r.entries = append(r.entries, Dirent{Name: ".", FID: rootFID}, Dirent{Name: "..", FID: rootFID})
	d.objects[rootFID] = r
	d.names["ROOT"] = rootFID

	d.objects[fid.LocalName] = &memObject{f: fid.LocalName, exists: true, xattrs: map[string][]byte{}}
	oitFID := fid.FID{Seq: fid.LocalFile.Seq, OID: fid.OtableItOID}
	d.objects[oitFID] = &memObject{f: oitFID, exists: true, xattrs: map[string][]byte{}}
	return r
}

// AddObject registers a pre-built object directly (test helper).
func (d *MemDevice) AddObject(f fid.FID, isDir, remote bool) Object {
	d.mu.Lock()
	defer d.mu.Unlock()
	o := &memObject{f: f, dir: isDir, remote: remote, exists: true, xattrs: map[string][]byte{}}
	if isDir {
		o.entries = append(o.entries, Dirent{Name: ".", FID: f}, Dirent{Name: "..", FID: f})
	}
	d.objects[f] = o
	return o
}

func (d *MemDevice) Locate(_ context.Context, f fid.FID) (Object, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.objects[f]
	if !ok {
		return nil, fmt.Errorf("locate %s: %w", f, ErrNotFound)
	}
	return o, nil
}

func (d *MemDevice) FindByName(_ context.Context, name string) (Object, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.names[name]
	if !ok {
		return nil, fmt.Errorf("find %q: %w", name, ErrNotFound)
	}
	return d.objects[f], nil
}

func (d *MemDevice) Lookup(_ context.Context, dir Object, name string) (fid.FID, error) {
	mo, ok := dir.(*memObject)
	if !ok || !mo.dir {
		return fid.Zero, ErrNotADirectory
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range mo.entries {
		if e.Name == name {
			return e.FID, nil
		}
	}
	return fid.Zero, ErrNotFound
}

func (d *MemDevice) TryAsDir(_ context.Context, o Object) bool {
	return o != nil && o.Exists() && o.IsDir()
}

func (d *MemDevice) WriteLock(_ Object) func() {
	d.wl.Lock()
	return d.wl.Unlock
}

func (d *MemDevice) CreateChild(_ context.Context, f fid.FID, isDir bool) (Object, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.objects[f]; ok {
		return nil, fmt.Errorf("create %s: %w", f, ErrAlreadyExists)
	}
	o := &memObject{f: f, dir: isDir, exists: true, xattrs: map[string][]byte{}}
	d.objects[f] = o
	return o, nil
}

func (d *MemDevice) NewTxn(_ context.Context) (Txn, error) {
	return &memTxn{d: d}, nil
}

// memTxn applies mutations immediately (no WAL to replay); the "declare"
// phase only validates arguments, matching the original's pattern of
// refusing to even start a transaction whose declarations don't fit.
type memTxn struct {
	d   *MemDevice
	err error
}

var _ Txn = (*memTxn)(nil)

func (t *memTxn) DeclareCreate(o Object) error {
	if o == nil {
		return ErrInvalidArgument
	}
	return nil
}

func (t *memTxn) Create(_ context.Context, o Object) error {
	mo := o.(*memObject)
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	if _, ok := t.d.objects[mo.f]; ok {
		return ErrAlreadyExists
	}
	mo.exists = true
	t.d.objects[mo.f] = mo
	return nil
}

func (t *memTxn) DeclareInsert(dir Object, name string, target fid.FID) error {
	if dir == nil || name == "" || target.IsZero() {
		return ErrInvalidArgument
	}
	return nil
}

func (t *memTxn) Insert(_ context.Context, dir Object, name string, target fid.FID) error {
	mo := dir.(*memObject)
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	for _, e := range mo.entries {
		if e.Name == name {
			return ErrAlreadyExists
		}
	}
	mo.entries = append(mo.entries, Dirent{Name: name, FID: target})
	return nil
}

func (t *memTxn) DeclareRefAdd(o Object) error { return nil }

func (t *memTxn) RefAdd(_ context.Context, o Object) error {
	mo := o.(*memObject)
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	mo.nlink++
	return nil
}

func (t *memTxn) DeclareRefDel(o Object) error { return nil }

func (t *memTxn) RefDel(_ context.Context, o Object) error {
	mo := o.(*memObject)
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	mo.nlink--
	return nil
}

func (t *memTxn) DeclareDestroy(o Object) error { return nil }

func (t *memTxn) Destroy(_ context.Context, o Object) error {
	mo := o.(*memObject)
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	delete(t.d.objects, mo.f)
	mo.exists = false
	return nil
}

func (t *memTxn) Start(_ context.Context) error { return nil }

func (t *memTxn) Stop(_ context.Context, err error) error { return err }

// --- iterators ---

type memOIT struct {
	d      *MemDevice
	fids   []fid.FID
	cursor int // 1-based; 0 == before start
	over   bool
}

func (d *MemDevice) OIT(_ context.Context) (OITIterator, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fids := make([]fid.FID, 0, len(d.objects))
	for f := range d.objects {
		fids = append(fids, f)
	}
	sort.Slice(fids, func(i, j int) bool {
		if fids[i].Seq != fids[j].Seq {
			return fids[i].Seq < fids[j].Seq
		}
		return fids[i].OID < fids[j].OID
	})
	return &memOIT{d: d, fids: fids}, nil
}

func (it *memOIT) Load(_ context.Context, cookie uint64) (int, error) {
	if cookie == 0 {
		it.cursor = 0
		return 0, nil
	}
	if int(cookie) > len(it.fids) {
		it.cursor = len(it.fids)
		it.over = true
		return 1, nil
	}
	it.cursor = int(cookie)
	return 0, nil
}

func (it *memOIT) Next(_ context.Context) (bool, error) {
	if it.cursor >= len(it.fids) {
		it.over = true
		return false, nil
	}
	it.cursor++
	return true, nil
}

func (it *memOIT) Object() Object {
	if it.cursor < 1 || it.cursor > len(it.fids) {
		return nil
	}
	it.d.mu.RLock()
	defer it.d.mu.RUnlock()
	return it.d.objects[it.fids[it.cursor-1]]
}

func (it *memOIT) Store(_ context.Context) uint64 { return uint64(it.cursor) }
func (it *memOIT) Put(_ context.Context)          {}
func (it *memOIT) Fini(_ context.Context)         {}

// memDirIter's cursor is 1-based, the same convention as memOIT: 0 means
// "before the first entry", and Next must advance it before Entry reads the
// newly-current element, never the other way around.
type memDirIter struct {
	dir    *memObject
	cursor int
}

func (d *MemDevice) DirIterator(_ context.Context, dir Object, resumeCookie uint64) (DirIterator, error) {
	mo, ok := dir.(*memObject)
	if !ok || !mo.dir {
		return nil, ErrNotADirectory
	}
	it := &memDirIter{dir: mo}
	if resumeCookie > 0 {
		it.cursor = int(resumeCookie)
	}
	return it, nil
}

func (it *memDirIter) Load(_ context.Context, cookie uint64) (int, error) {
	if cookie == 0 {
		it.cursor = 0
		return 0, nil
	}
	if int(cookie) > len(it.dir.entries) {
		it.cursor = len(it.dir.entries)
		return 1, nil
	}
	it.cursor = int(cookie)
	return 0, nil
}

func (it *memDirIter) Next(_ context.Context) (bool, error) {
	if it.cursor >= len(it.dir.entries) {
		return false, nil
	}
	it.cursor++
	return true, nil
}

func (it *memDirIter) Entry() Dirent {
	if it.cursor < 1 || it.cursor > len(it.dir.entries) {
		return Dirent{}
	}
	return it.dir.entries[it.cursor-1]
}

func (it *memDirIter) Store(_ context.Context) uint64 { return uint64(it.cursor) }
func (it *memDirIter) Put(_ context.Context)          {}
func (it *memDirIter) Fini(_ context.Context)         {}
