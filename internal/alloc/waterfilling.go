package alloc

import (
	"context"
	"math/rand/v2"

	"github.com/signalsfoundry/scope-scheduler/model"
)

// Waterfilling hands out the budget of each slice in equal quanta, one round
// at a time, until the slice is sold out or nobody needs more.
//
// Without Clamp a grant can overshoot the terminal's demand in its last
// round; with Clamp the last grant is cut to what remains.
type Waterfilling struct {
	Rand  Rand
	Clamp bool
}

// Allocate implements Allocator.
func (w *Waterfilling) Allocate(_ context.Context, req Request) Allocation {
	out := Allocation{}
	if len(req.Demands) == 0 {
		return out
	}
	order := sortedRNTIs(req.Demands)
	remaining := make(map[model.RNTI]int, len(order))
	for r, d := range req.Demands {
		remaining[r] = d
	}

	quantum := req.Cell.MinQuantum()
	leftover := max(quantum-1, 1)

	for _, t := range req.targets(model.PolicyWaterfilling) {
		budget := t.slice.PRBs
		allocated := 0
		start := w.intN(len(order))

		soldOut, needing := false, true
		for !soldOut && needing {
			needing = false
			for i := range order {
				rnti := order[(start+i)%len(order)]
				if !t.owns(req.Owner, rnti) {
					continue
				}
				rem := remaining[rnti]
				if rem <= 0 {
					continue
				}
				needing = true

				// The first grant and every later round use the minimum
				// quantum; the leftover step squeezes the budget tail.
				grant := 0
				switch {
				case allocated+quantum <= budget:
					grant = quantum
				case allocated+leftover <= budget:
					grant = leftover
				}
				if w.Clamp {
					grant = min(grant, rem)
				}
				out[rnti] += grant
				allocated += grant
				remaining[rnti] = max(rem-grant, 0)
			}
			if allocated >= budget || budget-allocated < leftover {
				soldOut = true
			}
		}
	}
	return out
}

func (w *Waterfilling) intN(n int) int {
	if n <= 1 {
		return 0
	}
	if w.Rand == nil {
		return rand.IntN(n)
	}
	return w.Rand.IntN(n)
}
