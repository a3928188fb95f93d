package lfsck

import (
	"errors"
	"testing"

	"github.com/parafs/lfsckd/fid"
	"github.com/parafs/lfsckd/xerr"
)

func TestBookmarkEncodeDecodeRoundtrip(t *testing.T) {
	bm := Bookmark{
		SpeedLimit:   1000,
		AsyncWindows: 64,
		Param:        ParamFailout | ParamDryrun,
		LastFID:      fid.FID{Seq: 7, OID: 3, Ver: 1},
		LPFFID:       fid.FID{Seq: 9, OID: 1},
		Version:      2,
	}
	buf := encodeBookmark(bm)
	got, err := decodeBookmark(buf)
	if err != nil {
		t.Fatalf("decodeBookmark: %v", err)
	}
	if got != bm {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, bm)
	}
}

func TestBookmarkDecodeDetectsTornWrite(t *testing.T) {
	bm := Bookmark{SpeedLimit: 5}
	buf := encodeBookmark(bm)
	buf[0] ^= 0xFF // corrupt the body without touching the checksum

	_, err := decodeBookmark(buf)
	if !errors.Is(err, xerr.ErrIOError) {
		t.Fatalf("decodeBookmark on torn data err = %v, want ErrIOError", err)
	}
}

func TestBookmarkDecodeRejectsWrongLength(t *testing.T) {
	_, err := decodeBookmark([]byte{1, 2, 3})
	if !errors.Is(err, xerr.ErrIOError) {
		t.Fatalf("decodeBookmark on short buffer err = %v, want ErrIOError", err)
	}
}

func TestBookmarkStoreSaveLoadRoundtrip(t *testing.T) {
	s, err := OpenBookmarkStore(":memory:")
	if err != nil {
		t.Fatalf("OpenBookmarkStore: %v", err)
	}
	defer s.Close()

	if _, found, err := s.Load("mdt0"); err != nil || found {
		t.Fatalf("Load on empty store: found=%v err=%v", found, err)
	}

	bm := Bookmark{SpeedLimit: 42, AsyncWindows: 16, LastFID: fid.FID{Seq: 1, OID: 1}}
	if err := s.Save("mdt0", bm); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, found, err := s.Load("mdt0")
	if err != nil || !found {
		t.Fatalf("Load after Save: found=%v err=%v", found, err)
	}
	if got.SpeedLimit != bm.SpeedLimit || got.AsyncWindows != bm.AsyncWindows {
		t.Fatalf("Load() = %+v, want %+v", got, bm)
	}
}

func TestBookmarkStoreSaveStripsTransientParamFlags(t *testing.T) {
	s, err := OpenBookmarkStore(":memory:")
	if err != nil {
		t.Fatalf("OpenBookmarkStore: %v", err)
	}
	defer s.Close()

	bm := Bookmark{Param: ParamAllTarget | ParamBroadcast | ParamReset}
	if err := s.Save("mdt0", bm); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _, _ := s.Load("mdt0")
	if got.Param&ParamBroadcast != 0 || got.Param&ParamReset != 0 {
		t.Fatalf("persisted Param = %b, should have dropped Broadcast/Reset", got.Param)
	}
	if got.Param&ParamAllTarget == 0 {
		t.Fatalf("persisted Param dropped ParamAllTarget, should keep it")
	}
}
