package mac

import (
	"context"

	"github.com/signalsfoundry/scope-scheduler/core"
	"github.com/signalsfoundry/scope-scheduler/internal/alloc"
	"github.com/signalsfoundry/scope-scheduler/internal/logging"
	"github.com/signalsfoundry/scope-scheduler/internal/slicing"
	"github.com/signalsfoundry/scope-scheduler/internal/ue"
	"github.com/signalsfoundry/scope-scheduler/model"
)

// DLScheduler assigns downlink resource block groups once per TTI.
type DLScheduler struct {
	cfg       Config
	cell      core.Cell
	registry  *slicing.Registry
	ues       *ue.Table
	estimator core.DemandEstimator

	waterfill    alloc.Allocator
	proportional alloc.Allocator

	settings

	// Per-tick state, reset by SchedUsers.
	tti    DLTTI
	slices sliceContext
	masks  slicing.WorkingMasks
}

// NewDLScheduler wires a downlink scheduler. registry may be nil when slicing
// is disabled.
func NewDLScheduler(cfg Config, cell core.Cell, registry *slicing.Registry, ues *ue.Table, tbs core.TBSTable, opts ...Option) *DLScheduler {
	s := &DLScheduler{
		cfg:       cfg,
		cell:      cell,
		registry:  registry,
		ues:       ues,
		estimator: core.DemandEstimator{Cell: cell, Table: tbs},
		settings:  newSettings(opts),
	}
	if s.ues == nil {
		s.ues = ue.NewTable()
	}
	s.waterfill = &alloc.Waterfilling{Rand: s.rng, Clamp: cfg.WaterfillClamp}
	s.proportional = alloc.Proportional{}
	return s
}

// tickPlan carries the slice-level grants computed at the start of a tick.
type tickPlan struct {
	demands      alloc.Demands
	waterfill    alloc.Allocation
	proportional alloc.Allocation
}

// SchedUsers runs one downlink scheduling pass over ues.
func (s *DLScheduler) SchedUsers(ctx context.Context, ues []UE, tti DLTTI) {
	start := s.now()
	defer s.observe(model.Downlink, start)
	if len(ues) == 0 || tti == nil {
		return
	}
	ctx, log := logging.WithTTILogger(ctx, s.log, tti.TTI())
	s.tti = tti

	snap := snapshotOf(ctx, s.registry, s.cfg.SlicingEnabled, start)
	s.slices = sliceContext{enabled: s.cfg.SlicingEnabled, snap: snap, ues: s.ues}
	if s.cfg.SlicingEnabled {
		s.masks = snap.Masks(model.Downlink)
	}

	ordered := sortByRNTI(ues)
	plan := tickPlan{}
	if s.cfg.SlicingEnabled || s.cfg.GlobalPolicy != model.PolicyRoundRobin {
		plan = s.plan(ctx, ordered)
	}

	n := len(ordered)
	first := (int(tti.TTI()%uint32(n)) + s.rng.IntN(maxPriorityJitter)) % n
	for i := range n {
		s.schedule(ctx, log, ordered[(first+i)%n], plan)
	}
}

func (s *DLScheduler) plan(ctx context.Context, ordered []UE) tickPlan {
	demands := make(alloc.Demands, len(ordered))
	for _, u := range ordered {
		rnti := u.RNTI()
		if !rnti.IsUser() {
			continue
		}
		if s.cfg.SlicingEnabled && s.policyOf(s.slices.sliceOf(rnti)) == model.PolicyRoundRobin {
			demands[rnti] = 0
			continue
		}
		demands[rnti] = s.estimator.RequiredPRBs(u.PendingDLBytes(), s.cell.NofPRB)
	}
	req := alloc.Request{
		Demands:        demands,
		SlicingEnabled: s.cfg.SlicingEnabled,
		Cell:           s.cell,
		Owner:          s.ues,
	}
	if s.cfg.SlicingEnabled {
		req.Slices = s.slices.slices()
	}
	return tickPlan{
		demands:      demands,
		waterfill:    s.waterfill.Allocate(ctx, req),
		proportional: s.proportional.Allocate(ctx, req),
	}
}

// policyOf returns the algorithm governing a tenant, or the global policy
// when slicing is disabled.
func (s *DLScheduler) policyOf(slice int) model.SchedulingPolicy {
	if !s.cfg.SlicingEnabled {
		return s.cfg.GlobalPolicy
	}
	t, ok := s.slices.snap.Tenant(slice)
	if !ok {
		return model.PolicyRoundRobin
	}
	return t.Policy
}

func (s *DLScheduler) schedule(ctx context.Context, log logging.Logger, u UE, plan tickPlan) {
	rnti := u.RNTI()
	slice := s.slices.sliceOf(rnti)
	policy := s.policyOf(slice)

	requested := 0
	if u.TimesScheduled() < s.cfg.SchedThreshold || policy == model.PolicyRoundRobin {
		s.allocate(ctx, log, u, slice, 0, false)
		if policy == model.PolicyRoundRobin {
			if cc, ok := u.CellIndex(s.cfg.EnbCCIdx); ok {
				requested = u.RequiredDLPRBs(cc, s.tti.NofCtrlSymbols())
			}
		}
	} else {
		grants := plan.waterfill
		if policy == model.PolicyProportional {
			grants = plan.proportional
		}
		prbs, ok := grants[rnti]
		if !ok {
			// No demand this tick.
			return
		}
		s.allocate(ctx, log, u, slice, prbs, true)
		requested = plan.demands[rnti]
	}

	s.ues.AddRequested(rnti, requested)
	if s.metrics != nil {
		s.metrics.AddPRBs(requested, 0)
	}
}

// allocate grants one terminal, retransmissions first. A fixed allocation
// asks for exactly the groups carrying prbs; otherwise the stack's required
// range applies.
func (s *DLScheduler) allocate(ctx context.Context, log logging.Logger, u UE, slice, prbs int, fixed bool) {
	rnti := u.RNTI()
	if s.tti.IsDLAllocated(rnti) {
		return
	}
	cc, ok := u.CellIndex(s.cfg.EnbCCIdx)
	if !ok {
		return
	}
	tti := s.tti.TTI()

	if h := u.PendingDLHarq(tti, cc); h != nil {
		done, abort := s.retransmit(ctx, log, u, h)
		if done || abort {
			return
		}
	}

	h := u.EmptyDLHarq(tti, cc)
	if h == nil {
		return
	}
	want := u.RequiredDLRBGs(cc)
	if fixed {
		n := s.cell.RBGsForPRBs(prbs)
		want = RBGRange{Min: n, Max: n}
	}
	if want.Min <= 0 {
		return
	}

	var mask model.RBGMask
	if s.slices.valid(slice) {
		mask = s.findSliceAllocation(want, slice)
	} else {
		mask, _ = s.findAllocation(want)
	}
	if !mask.Any() {
		return
	}

	code := s.tti.AllocDL(u, mask, h.ID())
	s.outcome(model.Downlink, code)
	switch code {
	case AllocSuccess:
		granted := s.cell.UnitsGranted(want.Max, mask.Count(), mask.Test(s.cell.NofRBG()-1))
		s.ues.AddGranted(rnti, granted)
		if s.metrics != nil {
			s.metrics.AddPRBs(0, granted)
		}
	case AllocDCICollision:
		log.Warn(ctx, "no PDCCH space for DL tx", logging.String("rnti", rnti.String()))
	}
}

// retransmit reuses the process mask, then any free region of the same size.
// abort is set when the control channel is exhausted for this terminal.
func (s *DLScheduler) retransmit(ctx context.Context, log logging.Logger, u UE, h DLHarq) (done, abort bool) {
	mask := h.RBGMask()
	code := s.tti.AllocDL(u, mask, h.ID())
	s.outcome(model.Downlink, code)
	switch code {
	case AllocSuccess:
		return true, false
	case AllocDCICollision:
		log.Warn(ctx, "no PDCCH space for DL retx", logging.String("rnti", u.RNTI().String()))
		return false, true
	}

	n := mask.Count()
	alt, ok := s.findAllocation(RBGRange{Min: n, Max: n})
	if !ok {
		return false, false
	}
	code = s.tti.AllocDL(u, alt, h.ID())
	s.outcome(model.Downlink, code)
	switch code {
	case AllocSuccess:
		return true, false
	case AllocDCICollision:
		log.Warn(ctx, "no PDCCH space for DL retx", logging.String("rnti", u.RNTI().String()))
		return false, true
	}
	return false, false
}

// findAllocation takes the first free groups of the tick, up to want.Max, and
// fails below want.Min.
func (s *DLScheduler) findAllocation(want RBGRange) (model.RBGMask, bool) {
	nofRBG := s.cell.NofRBG()
	free := ^s.tti.UsedRBGs() & model.FullRBGMask(nofRBG)
	if !free.Any() {
		return 0, false
	}
	var mask model.RBGMask
	taken := 0
	for i := 0; i < nofRBG && taken < want.Max; i++ {
		if free.Test(i) {
			mask = mask.Set(i)
			taken++
		}
	}
	if taken < want.Min {
		return 0, false
	}
	return mask, true
}

// findSliceAllocation takes groups from the tenant's working mask, up to
// want.Max. Groups taken are removed from the working mask. When the tick
// carries two or more control symbols the leading groups are reserved for
// the control region.
func (s *DLScheduler) findSliceAllocation(want RBGRange, slice int) model.RBGMask {
	nofRBG := s.cell.NofRBG()
	ctrl := s.tti.NofCtrlSymbols()
	if ctrl < 2 {
		ctrl = 0
	}
	used := s.tti.UsedRBGs()
	working := s.masks[slice]

	var mask model.RBGMask
	taken := 0
	for i := 0; i < nofRBG && taken < want.Max; i++ {
		if i < ctrl {
			working = working.Clear(i)
			continue
		}
		if !working.Test(i) || used.Test(i) {
			continue
		}
		working = working.Clear(i)
		mask = mask.Set(i)
		taken++
	}
	s.masks[slice] = working
	return mask
}
