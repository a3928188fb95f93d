package lfsck

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/parafs/lfsckd/control"
	"github.com/parafs/lfsckd/store"
	"github.com/parafs/lfsckd/xerr"
)

// testComp is a scan-capable component registered for every test in this
// file so Start has something to compose (spec.md §7: an empty selection
// with no broadcast is a no-op, which is not what S6/S7 want to exercise).
const testComp CompType = 1 << 30

func init() {
	RegisterComponentFactory(testComp, func() Component { return &stubComponent{id: testComp} })
}

func newRegisteredInstance(t *testing.T, key string, master bool) (*Registry, *Instance, *BookmarkStore) {
	t.Helper()
	dev := store.NewMemDevice(key)
	dev.Seed()
	bookmarks, err := OpenBookmarkStore(":memory:")
	if err != nil {
		t.Fatalf("OpenBookmarkStore: %v", err)
	}
	t.Cleanup(func() { bookmarks.Close() })
	reg := NewRegistry()
	inst, err := reg.Register(context.Background(), key, dev, master, bookmarks)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg, inst, bookmarks
}

// S1: register/degister.
func TestScenarioRegisterDegister(t *testing.T) {
	reg, inst, _ := newRegisteredInstance(t, "mdt0", true)
	if got := reg.Find("mdt0", false, false); got != inst {
		t.Fatalf("Find(mdt0) = %v, want %v", got, inst)
	}
	reg.Degister("mdt0")
	if got := reg.Find("mdt0", false, false); got != nil {
		t.Fatalf("Find(mdt0) after Degister = %v, want nil", got)
	}
}

// S2: orphan reconciliation -- add_target before register, then register
// and observe the target landed in the instance's TDT.
func TestScenarioOrphanReconciliation(t *testing.T) {
	reg := NewRegistry()
	td := NewTargetDescriptor(7, "mdt0", nil)
	if err := reg.AddTarget("mdt0", td, true); err != nil {
		t.Fatalf("AddTarget (orphan): %v", err)
	}

	dev := store.NewMemDevice("mdt0")
	dev.Seed()
	bookmarks, err := OpenBookmarkStore(":memory:")
	if err != nil {
		t.Fatalf("OpenBookmarkStore: %v", err)
	}
	defer bookmarks.Close()

	inst, err := reg.Register(context.Background(), "mdt0", dev, true, bookmarks)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := inst.ObjTDT.Get(7); got == nil {
		t.Fatalf("ObjTDT.Get(7) = nil, orphan did not reconcile")
	}
	if got, want := inst.ObjTDT.Tgtnr(), uint32(1); got != want {
		t.Fatalf("ObjTDT.Tgtnr() = %d, want %d", got, want)
	}
}

// S3: duplicate add_target after register returns already-exists.
func TestScenarioDuplicateAddTarget(t *testing.T) {
	reg, _, _ := newRegisteredInstance(t, "mdt0", true)
	if err := reg.AddTarget("mdt0", NewTargetDescriptor(7, "mdt0", nil), true); err != nil {
		t.Fatalf("first AddTarget: %v", err)
	}
	err := reg.AddTarget("mdt0", NewTargetDescriptor(7, "mdt0", nil), true)
	if !errors.Is(err, xerr.ErrAlreadyExists) {
		t.Fatalf("duplicate AddTarget err = %v, want ErrAlreadyExists", err)
	}
}

// S4: speed roundtrip, persisted to the bookmark.
func TestScenarioSpeedRoundtrip(t *testing.T) {
	reg, _, bookmarks := newRegisteredInstance(t, "mdt0", true)

	if err := reg.SetSpeed("mdt0", 0); err != nil {
		t.Fatalf("SetSpeed(0): %v", err)
	}
	got, err := reg.GetSpeed("mdt0")
	if err != nil || got != 0 {
		t.Fatalf("GetSpeed() = (%d, %v), want (0, nil)", got, err)
	}

	if err := reg.SetSpeed("mdt0", 1000); err != nil {
		t.Fatalf("SetSpeed(1000): %v", err)
	}
	got, err = reg.GetSpeed("mdt0")
	if err != nil || got != 1000 {
		t.Fatalf("GetSpeed() = (%d, %v), want (1000, nil)", got, err)
	}
	bm, found, err := bookmarks.Load("mdt0")
	if err != nil || !found {
		t.Fatalf("bookmark Load: found=%v err=%v", found, err)
	}
	if bm.SpeedLimit != 1000 {
		t.Fatalf("persisted SpeedLimit = %d, want 1000", bm.SpeedLimit)
	}
}

// S5: windows bounds.
func TestScenarioWindowsBounds(t *testing.T) {
	reg, _, _ := newRegisteredInstance(t, "mdt0", true)

	if err := reg.SetWindows("mdt0", AsyncWinMax+1); !errors.Is(err, xerr.ErrInvalidArgument) {
		t.Fatalf("SetWindows(max+1) err = %v, want ErrInvalidArgument", err)
	}
	if err := reg.SetWindows("mdt0", AsyncWinMax); err != nil {
		t.Fatalf("SetWindows(max): %v", err)
	}
	got, err := reg.GetWindows("mdt0")
	if err != nil || got != AsyncWinMax {
		t.Fatalf("GetWindows() = (%d, %v), want (%d, nil)", got, err, AsyncWinMax)
	}
}

// S6: start/stop race -- stop while the supervisor is running must return
// nil only once the supervisor has actually reached a terminal state.
func TestScenarioStartStopRace(t *testing.T) {
	reg, _, _ := newRegisteredInstance(t, "mdt0", true)
	ctx := context.Background()

	// speed=1 (with burst 1) guarantees the supervisor is still parked in
	// its second Speed.Wait call when Stop is called, exercising the
	// "interruptible by the control signal" property of spec.md §4.5/§5.
	if err := reg.Start(ctx, "mdt0", testComp, 0, 1); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Wait for the supervisor goroutine to actually start running before
	// racing Stop against it, otherwise Stop may observe the pre-Start
	// StateInit and report ErrAlreadyInState for the wrong reason.
	deadline := time.Now().Add(time.Second)
	for reg.Find("mdt0", false, false).State() == StateInit {
		if time.Now().After(deadline) {
			t.Fatalf("supervisor never left StateInit")
		}
		time.Sleep(time.Millisecond)
	}

	if err := reg.Stop(ctx, "mdt0", control.StatusStopped); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	inst := reg.Find("mdt0", false, false)
	switch st := inst.State(); st {
	case StateStopped, StateCompleted:
		// either is acceptable: the scan may have finished the (tiny) seeded
		// volume before Stop's signal was observed, but Stop must not return
		// before the supervisor reached one of these terminal states.
	default:
		t.Fatalf("state after Stop = %v, want Stopped or Completed", st)
	}
}

func TestScenarioStopNeverStartedIsAlreadyInState(t *testing.T) {
	reg, _, _ := newRegisteredInstance(t, "mdt0", true)
	err := reg.Stop(context.Background(), "mdt0", control.StatusStopped)
	if !errors.Is(err, xerr.ErrAlreadyInState) {
		t.Fatalf("Stop on a never-started instance err = %v, want ErrAlreadyInState", err)
	}
}

// S7: broadcast start with FAILOUT issues a subsequent broadcast STOP when
// a peer rejects START, and propagates the original error.
func TestScenarioBroadcastStartFailoutStopsPeers(t *testing.T) {
	reg, inst, _ := newRegisteredInstance(t, "mdt0", true)

	rejecting := &rejectDispatcher{err: xerr.ErrNoSuchDevice}
	srv := httptest.NewServer((&control.Server{Dispatcher: rejecting}).Handler())
	defer srv.Close()

	peer := control.NewPeer(1, "mdt1", srv.URL)
	if err := inst.MdtTDT.Add(NewTargetDescriptor(1, "mdt1", peer), false); err != nil {
		t.Fatalf("MdtTDT.Add: %v", err)
	}

	err := reg.Start(context.Background(), "mdt0", testComp, ParamBroadcast|ParamFailout, SpeedUnset)
	if err == nil {
		t.Fatalf("Start with a rejecting peer under FAILOUT should return an error")
	}
	// Give the async STOP broadcast a moment (it fires synchronously inside
	// Start before returning, but the assertion below just documents intent).
	time.Sleep(time.Millisecond)
	if !rejecting.sawStop {
		t.Fatalf("expected a broadcast STOP after the failed START under FAILOUT")
	}

	_ = reg.Stop(context.Background(), "mdt0", control.StatusStopped)
}

type rejectDispatcher struct {
	err     error
	sawStop bool
}

func (d *rejectDispatcher) InNotify(_ context.Context, key string, req control.Request) error {
	if req.Event == control.EventStop {
		d.sawStop = true
		return nil
	}
	return d.err
}

func (d *rejectDispatcher) Query(context.Context, string, control.Request) (control.Response, error) {
	return control.Response{}, nil
}
