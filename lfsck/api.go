package lfsck

import (
	"context"

	"github.com/parafs/lfsckd/control"
	"github.com/parafs/lfsckd/xerr"
)

// SpeedUnset tells Start to leave the current speed limit untouched,
// distinguishing "no change" from SpeedNoLimit (0 is a legitimate limit).
const SpeedUnset = ^uint32(0)

// factories maps a CompType to the constructor its checker package
// registers at init time, keeping lfsck from importing checkers directly
// (spec.md §9 "Dynamic dispatch over components").
var factories = map[CompType]func() Component{}

// RegisterComponentFactory is called by a checker package's init() to make
// itself selectable by Start's `active` bitmask.
func RegisterComponentFactory(t CompType, f func() Component) {
	factories[t] = f
}

func composeComponents(active CompType) []Component {
	var out []Component
	for t, f := range factories {
		if active&t != 0 {
			out = append(out, f())
		}
	}
	return out
}

func collectPeers(t *TDT) []*control.Peer {
	var out []*control.Peer
	t.ForeachBit(func(_ uint32, td *TargetDescriptor) {
		if td != nil && !td.Dead() && td.Peer != nil {
			out = append(out, td.Peer)
		}
	})
	return out
}

// Start composes the requested Components and launches the supervisor
// thread (spec.md §4.10, §7 "start with an empty component selection and
// no NO_AUTO fault is a no-op success").
func (r *Registry) Start(ctx context.Context, key string, active CompType, param ParamFlags, speed uint32) error {
	inst := r.Find(key, true, false)
	if inst == nil {
		return xerr.ErrNoSuchDevice
	}
	defer inst.Unref()

	inst.mu.Lock()
	switch inst.State() {
	case StateScanningPhase1, StateScanningPhase2, stateStopping:
		inst.mu.Unlock()
		return xerr.ErrAlreadyInState
	}
	if active == 0 && param&ParamBroadcast == 0 {
		inst.mu.Unlock()
		return nil
	}

	if speed != SpeedUnset {
		inst.bm.SpeedLimit = speed
		inst.Speed.SetLimit(speed)
	}
	inst.bm.Param = param
	if param&ParamReset != 0 {
		inst.pos = Position{}
	}
	for _, c := range composeComponents(active) {
		inst.Components.Add(c)
	}
	if err := inst.Bookmarks.Save(key, inst.bm); err != nil {
		inst.mu.Unlock()
		return err
	}

	inst.stopCh = make(chan struct{})
	inst.stoppedCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	inst.cancel = cancel
	go inst.run(runCtx)
	inst.mu.Unlock()

	if param&ParamBroadcast != 0 {
		req := control.Request{
			Event: control.EventStart,
			Active: uint32(active),
			Param:  uint32(param &^ ParamBroadcast),
			Speed:  speed,
		}
		failout := param&ParamFailout != 0
		return control.StartAll(ctx, collectPeers(inst.MdtTDT), req, failout)
	}
	return nil
}

// Stop requests the supervisor thread to stop and blocks until it has
// (spec.md §5 "Cancellation", S6).
func (r *Registry) Stop(ctx context.Context, key string, status int) error {
	inst := r.Find(key, true, false)
	if inst == nil {
		return xerr.ErrNoSuchDevice
	}
	defer inst.Unref()

	inst.mu.Lock()
	switch inst.State() {
	case StateStopped, StateCompleted, StateFailed, StateInit:
		inst.mu.Unlock()
		return xerr.ErrAlreadyInState
	}
	inst.setState(stateStopping)
	close(inst.stopCh)
	if inst.cancel != nil {
		inst.cancel()
	}
	stopped := inst.stoppedCh
	inst.mu.Unlock()

	<-stopped
	inst.quit(ctx)
	return nil
}

func (r *Registry) GetSpeed(key string) (uint32, error) {
	inst := r.Find(key, false, false)
	if inst == nil {
		return 0, xerr.ErrNoSuchDevice
	}
	return inst.Speed.Limit(), nil
}

func (r *Registry) SetSpeed(key string, limit uint32) error {
	inst := r.Find(key, true, false)
	if inst == nil {
		return xerr.ErrNoSuchDevice
	}
	defer inst.Unref()
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.Speed.SetLimit(limit)
	inst.bm.SpeedLimit = limit
	return inst.Bookmarks.Save(key, inst.bm)
}

func (r *Registry) GetWindows(key string) (uint32, error) {
	inst := r.Find(key, false, false)
	if inst == nil {
		return 0, xerr.ErrNoSuchDevice
	}
	return inst.Bookmark().AsyncWindows, nil
}

// SetWindows rejects a value exceeding AsyncWinMax (spec.md §8 S5).
func (r *Registry) SetWindows(key string, windows uint32) error {
	if windows > AsyncWinMax {
		return xerr.ErrInvalidArgument
	}
	inst := r.Find(key, true, false)
	if inst == nil {
		return xerr.ErrNoSuchDevice
	}
	defer inst.Unref()
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.bm.AsyncWindows = windows
	return inst.Bookmarks.Save(key, inst.bm)
}

func (r *Registry) Dump(key string, w DumpWriter) error {
	inst := r.Find(key, false, false)
	if inst == nil {
		return xerr.ErrNoSuchDevice
	}
	for _, c := range inst.Components.All() {
		c.Dump(w)
	}
	return nil
}

// InNotify implements control.Dispatcher: translate START/STOP into local
// calls, delegate phase/peer events to the addressed component (spec.md
// §4.8 dispatch table).
func (r *Registry) InNotify(ctx context.Context, key string, req control.Request) error {
	switch req.Event {
	case control.EventStart:
		return r.Start(ctx, key, CompType(req.Active), ParamFlags(req.Param), req.Speed)
	case control.EventStop:
		return r.Stop(ctx, key, req.Status)
	case control.EventPhase1Done, control.EventPhase2Done, control.EventFIDAccessed,
		control.EventPeerExit, control.EventConditionalDestroy, control.EventPairsVerify:
		inst := r.Find(key, true, false)
		if inst == nil {
			return xerr.ErrNoSuchDevice
		}
		defer inst.Unref()
		c := inst.Components.Find(CompType(req.Active))
		if c == nil {
			return xerr.ErrNotSupported
		}
		return c.InNotify(ctx, inst, req)
	default:
		return xerr.ErrNotSupported
	}
}

// Query implements control.Dispatcher.
func (r *Registry) Query(ctx context.Context, key string, req control.Request) (control.Response, error) {
	inst := r.Find(key, true, false)
	if inst == nil {
		return control.Response{}, xerr.ErrNoSuchDevice
	}
	defer inst.Unref()
	c := inst.Components.Find(CompType(req.Active))
	if c == nil {
		return control.Response{}, xerr.ErrNotSupported
	}
	return c.Query(ctx, inst, req)
}
