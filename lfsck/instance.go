package lfsck

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parafs/lfsckd/control"
	"github.com/parafs/lfsckd/fid"
	"github.com/parafs/lfsckd/store"
)

// State is the Instance/Component state machine (spec.md §3).
type State int32

const (
	StateInit State = iota
	StateScanningPhase1
	StateScanningPhase2
	StateCompleted
	StateFailed
	StateStopped
	StatePaused
	StateCrashed
	StatePartial
	StateCoFailed
	StateCoStopped
	StateCoPaused
	stateStopping // internal-only: thread-state flag between stop() and the supervisor noticing
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateScanningPhase1:
		return "scanning-phase1"
	case StateScanningPhase2:
		return "scanning-phase2"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	case StatePaused:
		return "paused"
	case StateCrashed:
		return "crashed"
	case StatePartial:
		return "partial"
	case StateCoFailed:
		return "co-failed"
	case StateCoStopped:
		return "co-stopped"
	case StateCoPaused:
		return "co-paused"
	case stateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// CheckpointInterval is CHECKPOINT_INTERVAL (spec.md §5 "Timeouts").
const CheckpointInterval = 30 * time.Second

// MaxScanDirDepth bounds needsScanDir's parent walk (spec.md §9 "Cyclic
// parent pointers"): the source walks parents with no explicit bound, so
// we cap it at the same order of magnitude as other filesystem depth
// limits and flag the cap being hit as a diagnostic event rather than
// looping forever.
const MaxScanDirDepth = 4096

// Instance is the engine bound to one storage device (spec.md §3).
type Instance struct {
	mu   sync.Mutex // li_mutex: start/stop, bookmark writes, LPF creation, speed/windows
	spin sync.Mutex // li_lock: thread-state transitions, dir-iterator swaps (component lists use ComponentRegistry's own lock)

	Key    string
	Master bool
	Device store.Device

	LocalRootFID  fid.FID
	GlobalRootFID fid.FID

	FID        *fid.Client
	Bookmarks  *BookmarkStore
	Speed      *SpeedGovernor
	Components *ComponentRegistry

	ObjTDT *TDT
	MdtTDT *TDT

	bm Bookmark

	state           State
	refs            int32
	doubleScanCount int32

	pos          Position
	oit          store.OITIterator
	oitOver      bool
	curDone      bool
	dir          store.DirIterator
	dirParentFID fid.FID

	lastCheckpoint time.Time
	nextCheckpoint time.Time

	stopCh    chan struct{}
	stoppedCh chan struct{}
	cancel    context.CancelFunc // cancels run's ctx so a blocked Speed.Wait wakes immediately on Stop

	// Notify is the Go analogue of register's notify/notify_data callback
	// pair. Nothing in this package calls it: setState changes the state
	// without invoking Notify.
	Notify func(control.Event)
}

func newInstance(key string, dev store.Device, master bool) *Instance {
	return &Instance{
		Key:        key,
		Master:     master,
		Device:     dev,
		Speed:      NewSpeedGovernor(SpeedNoLimit),
		Components: NewComponentRegistry(),
		ObjTDT:     NewTDT(),
		MdtTDT:     NewTDT(),
		state:      StateInit,
		refs:       1,
	}
}

func (inst *Instance) Ref() { atomic.AddInt32(&inst.refs, 1) }

// Unref drops a reference, running instance_cleanup on the last drop
// (spec.md §3 "Lifecycle summary").
func (inst *Instance) Unref() {
	if atomic.AddInt32(&inst.refs, -1) != 0 {
		return
	}
	inst.cleanup()
}

func (inst *Instance) cleanup() {
	ctx := context.Background()
	inst.spin.Lock()
	for _, c := range inst.Components.All() {
		c.Quit(ctx, inst)
	}
	inst.spin.Unlock()

	inst.ObjTDT.Fini()
	inst.MdtTDT.Fini()
	if inst.oit != nil {
		inst.oit.Fini(ctx)
	}
	if inst.dir != nil {
		inst.dir.Fini(ctx)
	}
	if inst.FID != nil {
		inst.FID.Fini()
	}
}

func (inst *Instance) State() State {
	inst.spin.Lock()
	defer inst.spin.Unlock()
	return inst.state
}

func (inst *Instance) setState(s State) {
	inst.spin.Lock()
	inst.state = s
	inst.spin.Unlock()
}

// Bookmark returns a copy of the current in-memory bookmark, safe to read
// without holding the Instance mutex.
func (inst *Instance) Bookmark() Bookmark {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.bm.Clone()
}
