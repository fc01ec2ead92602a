package scheduler

import (
	"time"

	"github.com/basket/apiforge/internal/progressive"
	"github.com/basket/apiforge/internal/scaler"
)

// Fuse combines the dynamic and progressive decisions for one tick. Either
// may be nil.
//
// In auto mode the progressive decision wins, except that a progressive
// scale-up is held at maintain when the dynamic side is resource limited
// or wants to shrink. Smart mode always follows the dynamic scaler. Any
// other combination takes the higher confidence, dynamic first on a tie.
func Fuse(mode progressive.Mode, dynamic, prog *scaler.Decision, current int, now time.Time) scaler.Decision {
	switch {
	case dynamic == nil && prog == nil:
		d := scaler.Maintain(current, 1.0, "no scheduler available", now)
		d.Source = "hybrid"
		return d
	case prog == nil:
		return *dynamic
	case dynamic == nil:
		return *prog
	}

	switch mode {
	case progressive.ModeAuto:
		if prog.Action == scaler.ActionScaleUp &&
			(dynamic.ResourceLimited || dynamic.Action == scaler.ActionScaleDown) {
			d := scaler.Maintain(prog.Current, 0.7, "resource constraints prevent scaling up", now)
			d.Issues = dynamic.Issues
			d.Pressure = dynamic.Pressure
			d.ResourceLimited = dynamic.ResourceLimited
			d.Source = "hybrid"
			return d
		}
		return *prog
	case progressive.ModeSmart:
		return *dynamic
	}
	if prog.Confidence > dynamic.Confidence {
		return *prog
	}
	return *dynamic
}
