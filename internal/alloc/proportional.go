package alloc

import (
	"context"
	"math"

	"github.com/signalsfoundry/scope-scheduler/model"
)

// Proportional shares each slice budget by a softmax over demand, then hands
// the rounding remainder out one PRB at a time to the terminal furthest from
// its demand.
type Proportional struct{}

// Allocate implements Allocator.
func (Proportional) Allocate(_ context.Context, req Request) Allocation {
	out := Allocation{}
	if len(req.Demands) == 0 {
		return out
	}
	order := sortedRNTIs(req.Demands)

	for _, t := range req.targets(model.PolicyProportional) {
		members := make([]model.RNTI, 0, len(order))
		peak := 0
		for _, rnti := range order {
			if d := req.Demands[rnti]; d > 0 && t.owns(req.Owner, rnti) {
				members = append(members, rnti)
				peak = max(peak, d)
			}
		}
		if len(members) == 0 {
			continue
		}

		// Weights are shifted by the peak demand so exp never overflows;
		// the ratios are unchanged.
		weights := make([]float64, len(members))
		denom := 0.0
		for i, rnti := range members {
			weights[i] = math.Exp(float64(req.Demands[rnti] - peak))
			denom += weights[i]
		}

		budget := t.slice.PRBs
		allocated := 0
		for i, rnti := range members {
			share := int(math.Floor(float64(budget) * weights[i] / denom))
			share = min(share, req.Demands[rnti])
			out[rnti] = share
			allocated += share
		}

		for allocated < budget {
			best, found := model.RNTI(0), false
			bestRatio := 1.0
			for _, rnti := range members {
				ratio := float64(out[rnti]) / float64(req.Demands[rnti])
				if ratio < bestRatio {
					best, bestRatio, found = rnti, ratio, true
				}
			}
			if !found {
				break
			}
			out[best]++
			allocated++
		}
	}
	return out
}
