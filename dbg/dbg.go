// Package dbg provides debug-only invariant assertions, mirroring the call
// surface of the teacher's cmn/debug package (debug.Assert, debug.AssertNoErr)
// as used throughout xact/xs/tcb.go and tcobjs.go.
package dbg

import (
	"fmt"
	"os"
)

// Enabled gates assertion checks the way the teacher's build-tag-gated
// cmn/debug package does; flip at init for a checked build.
var Enabled = os.Getenv("LFSCKD_DEBUG") != ""

func Assert(cond bool, args ...any) {
	if !Enabled || cond {
		return
	}
	panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
}

func Assertf(cond bool, format string, args ...any) {
	if !Enabled || cond {
		return
	}
	panic(fmt.Sprintf("assertion failed: "+format, args...))
}

func AssertNoErr(err error) {
	if !Enabled || err == nil {
		return
	}
	panic(fmt.Sprintf("assertion failed: unexpected error: %v", err))
}
