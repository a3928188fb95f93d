package lfsck

import (
	"testing"

	"github.com/parafs/lfsckd/fid"
)

func TestPositionIsZero(t *testing.T) {
	if !(Position{}).IsZero() {
		t.Fatalf("zero Position should report IsZero()")
	}
	p := Position{OITCookie: 1}
	if p.IsZero() {
		t.Fatalf("non-zero OITCookie should not report IsZero()")
	}
}

func TestPositionNormalizeCollapsesEndOff(t *testing.T) {
	p := Position{OITCookie: 5, DirParent: fid.FID{Seq: 1, OID: 2}, DirCookie: EndOff}
	got := p.Normalize()
	if !got.DirParent.IsZero() || got.DirCookie != 0 {
		t.Fatalf("Normalize() = %+v, want zero directory position", got)
	}
	if got.OITCookie != 5 {
		t.Fatalf("Normalize() must not touch OITCookie, got %d", got.OITCookie)
	}
}

func TestPositionCompare(t *testing.T) {
	a := Position{OITCookie: 1, DirCookie: 9}
	b := Position{OITCookie: 2, DirCookie: 0}
	if a.Compare(b) >= 0 {
		t.Fatalf("a.Compare(b) should be negative: OIT cookie dominates")
	}
	c := Position{OITCookie: 1, DirCookie: 3}
	d := Position{OITCookie: 1, DirCookie: 9}
	if c.Compare(d) >= 0 {
		t.Fatalf("c.Compare(d) should be negative: equal OIT, lesser dir cookie")
	}
	if a.Compare(a) != 0 {
		t.Fatalf("a.Compare(a) should be 0")
	}
}

func TestBookmarkCloneIsIndependentValue(t *testing.T) {
	bm := Bookmark{SpeedLimit: 10, LastFID: fid.FID{Seq: 1, OID: 1}}
	clone := bm.Clone()
	clone.SpeedLimit = 99
	if bm.SpeedLimit == clone.SpeedLimit {
		t.Fatalf("Clone should return an independent value")
	}
}

func TestParamFlagsPersistableDropsTransientFlags(t *testing.T) {
	p := ParamFailout | ParamBroadcast | ParamReset
	got := p.persistable()
	if got&ParamBroadcast != 0 || got&ParamReset != 0 {
		t.Fatalf("persistable() = %b, should drop Broadcast/Reset", got)
	}
	if got&ParamFailout == 0 {
		t.Fatalf("persistable() dropped ParamFailout, should keep it")
	}
}
