// Package lfsck is the engine core: Instance lifecycle (C9), the scan
// engine (C7), the bookmark store (C2), the target-descriptor table (C1),
// the component registry (C4), the speed governor (C5), the LPF builder
// (C6), and the public API (C10). See SPEC_FULL.md and DESIGN.md.
package lfsck

import (
	"github.com/parafs/lfsckd/fid"
)

// ParamFlags mirrors enum lfsck_param_flags (spec.md §3 Bookmark).
type ParamFlags uint32

const (
	ParamFailout ParamFlags = 1 << iota
	ParamDryrun
	ParamAllTarget
	ParamOrphan
	ParamBroadcast // not persisted
	ParamReset     // not persisted
)

// persistable returns p with the flags that never reach the on-disk
// bookmark (Broadcast, Reset) cleared.
func (p ParamFlags) persistable() ParamFlags {
	return p &^ (ParamBroadcast | ParamReset)
}

// AsyncWinMax bounds Bookmark.AsyncWindows (spec.md §4.2).
const AsyncWinMax = 8192

// SpeedNoLimit is the sentinel "unthrottled" speed (spec.md §4.5, L==0).
const SpeedNoLimit = 0

// Position is the resumable scan cursor (oit_cookie, dir_parent_fid, dir_cookie).
type Position struct {
	OITCookie uint64
	DirParent fid.FID
	DirCookie uint64
}

// EndOff collapses any DirCookie at or beyond this value to zero
// (spec.md §4.3: "dir_cookie >= END_OFF collapses to a zero directory position").
const EndOff = ^uint64(0)

// IsZero reports the unstarted position: oit_cookie == 0 and zero parent.
func (p Position) IsZero() bool {
	return p.OITCookie == 0 && p.DirParent.IsZero()
}

// Normalize applies the END_OFF collapse rule.
func (p Position) Normalize() Position {
	if p.DirCookie >= EndOff {
		p.DirParent = fid.Zero
		p.DirCookie = 0
	}
	return p
}

// Compare orders positions the way lfsck_pos_is_eq does: by OIT cookie
// first, then by directory cookie when OIT cookies tie. Returns <0, 0, >0.
func (p Position) Compare(o Position) int {
	switch {
	case p.OITCookie < o.OITCookie:
		return -1
	case p.OITCookie > o.OITCookie:
		return 1
	case p.DirCookie < o.DirCookie:
		return -1
	case p.DirCookie > o.DirCookie:
		return 1
	default:
		return 0
	}
}

// Bookmark is the fixed-layout persisted scan record (spec.md §3).
type Bookmark struct {
	SpeedLimit   uint32
	AsyncWindows uint32
	Param        ParamFlags
	LastFID      fid.FID
	LPFFID       fid.FID
	Version      uint32
}

// Clone returns a value copy safe to hand outside the Instance mutex.
func (b Bookmark) Clone() Bookmark { return b }
