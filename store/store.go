// Package store declares the object-store contract the engine consumes as
// an external collaborator (spec.md §6, "Object store (dt_)"). The block/
// extent storage engine itself is out of scope; only this interface and a
// reference in-memory implementation (memstore.go, used by tests and the
// demo daemon) live here.
package store

import (
	"context"

	"github.com/parafs/lfsckd/fid"
	"github.com/parafs/lfsckd/xerr"
)

// Sentinel errors, spec.md §7 (re-exported for call-site convenience).
var (
	ErrAlreadyExists    = xerr.ErrAlreadyExists
	ErrNotFound         = xerr.ErrNotFound
	ErrNoSuchDevice     = xerr.ErrNoSuchDevice
	ErrOutOfMemory      = xerr.ErrOutOfMemory
	ErrPermissionDenied = xerr.ErrPermissionDenied
	ErrNotADirectory    = xerr.ErrNotADirectory
	ErrNotSupported     = xerr.ErrNotSupported
	ErrInvalidArgument  = xerr.ErrInvalidArgument
	ErrAlreadyInState   = xerr.ErrAlreadyInState
	ErrIOError          = xerr.ErrIOError
)

// XattrNameLink is the extended attribute lfsck_needs_scan_dir probes to
// short-circuit the parent-chain walk (original lfsck_lib.c:~1120).
const XattrNameLink = "trusted.link"

// Object is the dt_object contract: identity, existence/type, and the one
// extended attribute the engine reads directly.
type Object interface {
	FID() fid.FID
	Exists() bool
	IsDir() bool
	IsRemote() bool
	Xattr(name string) ([]byte, bool)
}

// Dirent is one directory entry (struct lu_dirent).
type Dirent struct {
	Name string
	FID  fid.FID
}

// OITIterator is the object-index-table (whole-volume) cursor.
type OITIterator interface {
	// Load seeks to cookie; returns (0, nil) on exact hit, (1, nil) past
	// end, or a negative/erroring result on failure -- the "found(0) / past
	// end(>0) / error" convention of spec.md §4.3.
	Load(ctx context.Context, cookie uint64) (int, error)
	Next(ctx context.Context) (bool, error)
	Object() Object
	Store(ctx context.Context) uint64
	Put(ctx context.Context)
	Fini(ctx context.Context)
}

// DirIterator walks the entries of one directory object.
type DirIterator interface {
	Load(ctx context.Context, cookie uint64) (int, error)
	Next(ctx context.Context) (bool, error)
	Entry() Dirent
	Store(ctx context.Context) uint64
	Put(ctx context.Context)
	Fini(ctx context.Context)
}

// Txn is one declared-then-started transaction (dt_trans_create/start/stop).
// Every mutation inside it must first be declared; Stop commits when err is
// nil and rolls back (no-op on memstore, real engines undo the log) otherwise.
type Txn interface {
	DeclareCreate(o Object) error
	Create(ctx context.Context, o Object) error

	DeclareInsert(dir Object, name string, target fid.FID) error
	Insert(ctx context.Context, dir Object, name string, target fid.FID) error

	DeclareRefAdd(o Object) error
	RefAdd(ctx context.Context, o Object) error

	DeclareRefDel(o Object) error
	RefDel(ctx context.Context, o Object) error

	DeclareDestroy(o Object) error
	Destroy(ctx context.Context, o Object) error

	Start(ctx context.Context) error
	Stop(ctx context.Context, err error) error
}

// Device is the dt_device contract: one storage target's "bottom".
type Device interface {
	// Key uniquely identifies this device within the process (the pointer
	// identity of struct dt_device in the original).
	Key() string

	Locate(ctx context.Context, f fid.FID) (Object, error)
	FindByName(ctx context.Context, name string) (Object, error)
	Lookup(ctx context.Context, dir Object, name string) (fid.FID, error)
	TryAsDir(ctx context.Context, o Object) bool

	NewTxn(ctx context.Context) (Txn, error)

	OIT(ctx context.Context) (OITIterator, error)
	DirIterator(ctx context.Context, dir Object, resumeCookie uint64) (DirIterator, error)

	// WriteLock scopes a write lock around a transactional directory
	// mutation (spec.md §4.6's "scoped write-lock on the child or parent,
	// released on every exit path"); the returned func releases it.
	WriteLock(o Object) func()

	// CreateChild allocates a fresh, empty object at f (used by the LPF
	// builder for the initial `create` declaration/op pair rolled into
	// one call here since memstore has no separate allocation phase).
	CreateChild(ctx context.Context, f fid.FID, isDir bool) (Object, error)
}
