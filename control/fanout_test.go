package control

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/parafs/lfsckd/xerr"
)

func newTestPeer(t *testing.T, disp Dispatcher) *Peer {
	t.Helper()
	srv := httptest.NewServer((&Server{Dispatcher: disp}).Handler())
	t.Cleanup(srv.Close)
	return NewPeer(0, "mdt0", srv.URL)
}

func TestFanOutSquashesAlreadyInState(t *testing.T) {
	disp := &fakeDispatcher{notifyErr: xerr.ErrAlreadyInState}
	peer := newTestPeer(t, disp)

	err := FanOut(context.Background(), []*Peer{peer}, Request{Event: EventStart}, (*Peer).Notify)
	if err != nil {
		t.Fatalf("FanOut should squash ErrAlreadyInState to success, got %v", err)
	}
}

func TestFanOutReportsRealFailure(t *testing.T) {
	disp := &fakeDispatcher{notifyErr: xerr.ErrNoSuchDevice}
	peer := newTestPeer(t, disp)

	err := FanOut(context.Background(), []*Peer{peer}, Request{Event: EventStart}, (*Peer).Notify)
	if err == nil {
		t.Fatalf("expected FanOut to surface a non-already-in-state error")
	}
}

func TestStartAllFailoutStopsOnError(t *testing.T) {
	disp := &fakeDispatcher{notifyErr: xerr.ErrNoSuchDevice}
	peer := newTestPeer(t, disp)

	err := StartAll(context.Background(), []*Peer{peer}, Request{Event: EventStart}, true)
	if err == nil {
		t.Fatalf("expected StartAll(failout=true) to propagate the peer error")
	}
	if disp.notifyReq.Event != EventStop || disp.notifyReq.Status != StatusFailed {
		t.Fatalf("last request seen by peer = %+v, want a STOP with StatusFailed", disp.notifyReq)
	}
}

func TestStartAllPartialWithoutFailout(t *testing.T) {
	disp := &fakeDispatcher{notifyErr: xerr.ErrNoSuchDevice}
	peer := newTestPeer(t, disp)

	err := StartAll(context.Background(), []*Peer{peer}, Request{Event: EventStart}, false)
	if err != nil {
		t.Fatalf("StartAll(failout=false) should degrade to a partial scan, got %v", err)
	}
}
