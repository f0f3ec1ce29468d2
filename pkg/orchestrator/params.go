package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

// Params are the run parameters of one orchestrator run.
type Params struct {
	// Start and End select the half-open index range [Start, End) of the
	// sorted key list. A negative End means the end of the list.
	Start int
	End   int
	// NumImages caps the number of keys considered, counted from index 0
	// like End. Negative means all.
	NumImages int
	// Instances is the number of result instances requested per key.
	Instances int
	// TimeBudget bounds each renderer invocation.
	TimeBudget time.Duration
	// DepthChannel is the channel of the depth record handed to the renderer.
	DepthChannel int
	// TransposeDepth reverses the axes of stored depth records before the
	// channel is selected. Source depth stores keep depth channel-first.
	TransposeDepth bool
	// Visualize asks the renderer for debug output and calls the confirm
	// hook after each key.
	Visualize bool
}

// DefaultParams returns the parameters of a plain full run.
func DefaultParams() Params {
	return Params{
		Start:          0,
		End:            -1,
		NumImages:      -1,
		Instances:      1,
		TimeBudget:     5 * time.Second,
		DepthChannel:   1,
		TransposeDepth: true,
	}
}

// Validate rejects parameters that cannot describe a run.
func (p Params) Validate() error {
	if p.Start < 0 {
		return fmt.Errorf("start index must not be negative, got %d", p.Start)
	}
	if p.End >= 0 && p.End < p.Start {
		return fmt.Errorf("end index %d is before start index %d", p.End, p.Start)
	}
	if p.Instances < 1 {
		return fmt.Errorf("instances must be positive, got %d", p.Instances)
	}
	if p.TimeBudget <= 0 {
		return errors.New("time budget must be positive")
	}
	if p.DepthChannel < 0 {
		return fmt.Errorf("depth channel must not be negative, got %d", p.DepthChannel)
	}
	return nil
}

// bounds resolves the key range against n sorted keys.
func (p Params) bounds(n int) (int, int) {
	end := n
	if p.NumImages >= 0 && p.NumImages < end {
		end = p.NumImages
	}
	if p.End >= 0 && p.End < end {
		end = p.End
	}
	start := p.Start
	if start > end {
		start = end
	}
	return start, end
}
