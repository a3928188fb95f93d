package lfsck

import (
	"context"
	"testing"
)

// stubComponent is a minimal Component used only to exercise
// ComponentRegistry's list-movement bookkeeping (spec.md §4.4).
type stubComponent struct {
	id CompType
}

func (s *stubComponent) Type() CompType { return s.id }
func (s *stubComponent) Prep(context.Context, *Instance) error           { return nil }
func (s *stubComponent) ExecOIT(context.Context, *Instance, ScanTarget) error { return nil }
func (s *stubComponent) ExecDir(context.Context, *Instance, ScanTarget, Dirent) error {
	return nil
}
func (s *stubComponent) Post(context.Context, *Instance, error) error           { return nil }
func (s *stubComponent) Checkpoint(context.Context, *Instance, bool) error      { return nil }
func (s *stubComponent) Fail(context.Context, *Instance) error                 { return nil }
func (s *stubComponent) DoubleScan(context.Context, *Instance) error           { return nil }
func (s *stubComponent) Dump(DumpWriter)                                      {}
func (s *stubComponent) Join(context.Context, *Instance) error                { return nil }
func (s *stubComponent) Quit(context.Context, *Instance)                      {}
func (s *stubComponent) InNotify(context.Context, *Instance, Request) error   { return nil }
func (s *stubComponent) StopNotify(context.Context, *Instance, Request) error { return nil }
func (s *stubComponent) Query(context.Context, *Instance, Request) (Response, error) {
	return Response{}, nil
}
func (s *stubComponent) Reset(context.Context, *Instance) error { return nil }
func (s *stubComponent) Interpret(context.Context, *Instance, error) error {
	return nil
}

func TestComponentRegistryAddPopulatesScanAndDir(t *testing.T) {
	r := NewComponentRegistry()
	c := &stubComponent{id: 1}
	r.Add(c)

	if len(r.Scan()) != 1 || r.Scan()[0] != c {
		t.Fatalf("Scan() should contain the added component")
	}
	if len(r.Dir()) != 1 || r.Dir()[0] != c {
		t.Fatalf("Dir() should contain the added component")
	}
	if len(r.DoubleScan()) != 0 || len(r.Idle()) != 0 {
		t.Fatalf("DoubleScan/Idle should be empty right after Add")
	}
}

func TestComponentRegistryFindScansInOrder(t *testing.T) {
	r := NewComponentRegistry()
	a := &stubComponent{id: 1}
	b := &stubComponent{id: 2}
	r.Add(a)
	r.Add(b)

	if got := r.Find(2); got != b {
		t.Fatalf("Find(2) = %v, want b", got)
	}
	if got := r.Find(99); got != nil {
		t.Fatalf("Find(99) = %v, want nil", got)
	}
}

func TestComponentRegistryMoveToDoubleScanThenIdle(t *testing.T) {
	r := NewComponentRegistry()
	c := &stubComponent{id: 1}
	r.Add(c)

	r.MoveToDoubleScan(c)
	if len(r.Scan()) != 0 {
		t.Fatalf("component should have left the scan list")
	}
	if len(r.DoubleScan()) != 1 || r.DoubleScan()[0] != c {
		t.Fatalf("component should be on the double_scan list")
	}

	r.MoveToIdle(c)
	if len(r.DoubleScan()) != 0 {
		t.Fatalf("component should have left the double_scan list")
	}
	if len(r.Idle()) != 1 || r.Idle()[0] != c {
		t.Fatalf("component should be on the idle list")
	}
	// Find still sees idle components (query/dump need to reach them).
	if got := r.Find(1); got != c {
		t.Fatalf("Find should still locate an idle component")
	}
}

func TestComponentRegistryAllCoversEveryList(t *testing.T) {
	r := NewComponentRegistry()
	a, b, cc := &stubComponent{id: 1}, &stubComponent{id: 2}, &stubComponent{id: 3}
	r.Add(a)
	r.Add(b)
	r.Add(cc)
	r.MoveToDoubleScan(b)
	r.MoveToIdle(cc)

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("All() returned %d components, want 3", len(all))
	}
}
