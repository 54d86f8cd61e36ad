// Package duration computes how a clip is cut or looped to reach a target length.
package duration

import (
	"fmt"
	"time"

	"github.com/forPelevin/petclip/internal/types"
)

const (
	// Tolerance is the largest accepted gap between planned and target length.
	Tolerance = 50 * time.Millisecond
	// DefaultSeamTrim is cut from the tail of every non-final loop copy to
	// soften the visible jump at the loop point.
	DefaultSeamTrim = 50 * time.Millisecond
)

type Mode string

const (
	ModePassthrough Mode = "passthrough"
	ModeTrim        Mode = "trim"
	ModeLoop        Mode = "loop"
)

// Plan lists the source segments that, played in order, make up the output.
type Plan struct {
	Mode     Mode
	Target   time.Duration
	Segments []types.Segment
}

func (p Plan) Total() time.Duration {
	var sum time.Duration
	for _, s := range p.Segments {
		sum += s.Length()
	}
	return sum
}

// NewPlan chooses passthrough when the source already fits within Tolerance,
// trims longer sources, and loops shorter ones.
func NewPlan(source, target, seamTrim time.Duration) (Plan, error) {
	if source <= 0 {
		return Plan{}, types.InvalidParameter("source duration", fmt.Sprintf("%s must be positive", source))
	}
	if target <= 0 {
		return Plan{}, types.InvalidParameter("target duration", fmt.Sprintf("%s must be positive", target))
	}
	diff := source - target
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff <= Tolerance:
		return Plan{Mode: ModePassthrough, Target: target, Segments: []types.Segment{{Start: 0, End: source}}}, nil
	case source > target:
		return Plan{Mode: ModeTrim, Target: target, Segments: []types.Segment{{Start: 0, End: target}}}, nil
	}

	if seamTrim < 0 || seamTrim >= source {
		seamTrim = 0
	}
	step := source - seamTrim
	var (
		segs []types.Segment
		sum  time.Duration
	)
	// Non-final copies are shortened by the seam trim; the final copy fills
	// whatever remains and is never longer than the source.
	for target-sum > source {
		segs = append(segs, types.Segment{Start: 0, End: step})
		sum += step
	}
	last := target - sum
	if last < 0 {
		last = 0
	}
	if last > source {
		last = source
	}
	if last > 0 {
		segs = append(segs, types.Segment{Start: 0, End: last})
	}
	return Plan{Mode: ModeLoop, Target: target, Segments: segs}, nil
}
