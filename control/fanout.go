package control

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/parafs/lfsckd/nlog"
	"github.com/parafs/lfsckd/xerr"
)

// FanOut replaces ptlrpc_prep_set/ptlrpc_set_add_req/ptlrpc_set_wait with
// golang.org/x/sync/errgroup: every peer call runs concurrently and the
// call blocks until all complete (set_wait), after which the first
// non-already-in-state error wins (spec.md §4.8/§7), with EALREADY coerced
// to success exactly as lfsck_start_all/lfsck_stop_all do.
func FanOut(ctx context.Context, peers []*Peer, req Request, call func(context.Context, *Peer, Request) (Response, error)) error {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		firstErr error
	)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			resp, err := call(ctx, p, req)
			if err == nil {
				err = ResponseError(resp)
			}
			if err == nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, xerr.ErrAlreadyInState) {
				return nil // squashed to success, same as rc == -EALREADY
			}
			if firstErr == nil {
				firstErr = err
			}
			nlog.Warningf("peer %d: %v", p.Index, err)
			return nil // errgroup would otherwise cancel siblings; set_wait awaits all
		})
	}
	_ = g.Wait()
	return firstErr
}

// StartAll broadcasts START to every peer. Per spec.md §7: "start with an
// empty component selection and no NO_AUTO fault is a no-op success" is the
// caller's concern (lfsck.Registry.Start); here we only implement the
// failout-vs-partial-scan degrade described in spec.md §4.8/§4 "S7".
func StartAll(ctx context.Context, peers []*Peer, req Request, failout bool) error {
	for _, p := range peers {
		p.layoutDone = false // ltd_layout_done reset on every broadcast start
	}
	err := FanOut(ctx, peers, req, (*Peer).Notify)
	if err == nil {
		return nil
	}
	if !failout {
		nlog.Warningf("start_all: partial scan, %v", err)
		return nil
	}
	stopReq := req
	stopReq.Event = EventStop
	stopReq.Status = StatusFailed
	_ = FanOut(ctx, peers, stopReq, (*Peer).Notify)
	return err
}

// StopAll broadcasts STOP to every peer.
func StopAll(ctx context.Context, peers []*Peer, req Request) error {
	return FanOut(ctx, peers, req, (*Peer).Notify)
}

// Status values for Request.Status (enum lfsck_status subset relevant to
// the wire protocol: only the values the control plane itself inspects).
const (
	StatusInit = iota
	StatusScanningPhase1
	StatusScanningPhase2
	StatusCompleted
	StatusFailed
	StatusStopped
	StatusPaused
	StatusCrashed
	StatusPartial
	StatusCoFailed
	StatusCoStopped
	StatusCoPaused
)
