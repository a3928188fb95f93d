package lfsck

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// SpeedGovernor throttles the scan loop to at most N objects/sec, replacing
// the tick/jiffy sleep computation of __lfsck_set_speed with a token-bucket
// limiter (spec.md §4.5). L == SpeedNoLimit disables throttling entirely.
type SpeedGovernor struct {
	limit   atomic.Uint32
	limiter atomic.Pointer[rate.Limiter]
}

func NewSpeedGovernor(limit uint32) *SpeedGovernor {
	g := &SpeedGovernor{}
	g.SetLimit(limit)
	return g
}

// SetLimit changes the throttle, taking effect on the next Wait call
// (lfsck_control_speed_by_self: the new rate applies without restarting
// the scan).
func (g *SpeedGovernor) SetLimit(limit uint32) {
	g.limit.Store(limit)
	if limit == SpeedNoLimit {
		g.limiter.Store(nil)
		return
	}
	g.limiter.Store(rate.NewLimiter(rate.Limit(limit), 1))
}

func (g *SpeedGovernor) Limit() uint32 { return g.limit.Load() }

// Wait blocks until the governor admits one more scanned object, or ctx is
// cancelled -- the "interruptible by control signal" property spec.md §4.5
// requires of the throttle.
func (g *SpeedGovernor) Wait(ctx context.Context) error {
	lim := g.limiter.Load()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}
