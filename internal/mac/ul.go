package mac

import (
	"context"

	"github.com/signalsfoundry/scope-scheduler/core"
	"github.com/signalsfoundry/scope-scheduler/internal/logging"
	"github.com/signalsfoundry/scope-scheduler/internal/slicing"
	"github.com/signalsfoundry/scope-scheduler/internal/ue"
	"github.com/signalsfoundry/scope-scheduler/model"
)

// edgeGuard is the number of leading PRBs in which a free run interrupted by
// a used PRB is discarded instead of granted.
const edgeGuard = 3

// ULScheduler assigns contiguous uplink PRB intervals once per TTI.
type ULScheduler struct {
	cfg      Config
	cell     core.Cell
	registry *slicing.Registry
	ues      *ue.Table

	settings

	tti    ULTTI
	slices sliceContext
	masks  slicing.WorkingMasks
}

// NewULScheduler wires an uplink scheduler. The uplink reads the slice table
// refreshed by the downlink; registry may be nil when slicing is disabled.
func NewULScheduler(cfg Config, cell core.Cell, registry *slicing.Registry, ues *ue.Table, opts ...Option) *ULScheduler {
	s := &ULScheduler{
		cfg:      cfg,
		cell:     cell,
		registry: registry,
		ues:      ues,
		settings: newSettings(opts),
	}
	if s.ues == nil {
		s.ues = ue.NewTable()
	}
	return s
}

// SchedUsers runs one uplink pass: retransmissions for every terminal, then
// new transmissions, both starting half a list away from the downlink.
func (s *ULScheduler) SchedUsers(ctx context.Context, ues []UE, tti ULTTI) {
	start := s.now()
	defer s.observe(model.Uplink, start)
	if len(ues) == 0 || tti == nil {
		return
	}
	ctx, log := logging.WithTTILogger(ctx, s.log, tti.TTI())
	s.tti = tti

	snap := snapshotOf(ctx, s.registry, false, start)
	s.slices = sliceContext{enabled: s.cfg.SlicingEnabled, snap: snap, ues: s.ues}
	if s.cfg.SlicingEnabled {
		s.masks = snap.Masks(model.Uplink)
	}

	ordered := sortByRNTI(ues)
	n := len(ordered)
	first := int((tti.TTI() + uint32(n/2)) % uint32(n))
	for i := range n {
		s.retransmit(ctx, log, ordered[(first+i)%n])
	}
	for i := range n {
		s.newTransmission(ctx, log, ordered[(first+i)%n])
	}
}

func (s *ULScheduler) retransmit(ctx context.Context, log logging.Logger, u UE) {
	if s.tti.IsULAllocated(u.RNTI()) {
		return
	}
	cc, ok := u.CellIndex(s.cfg.EnbCCIdx)
	if !ok {
		return
	}
	h := u.ULHarq(s.tti.TTI(), cc)
	if h == nil || !h.HasPendingRetx() {
		return
	}

	grant := h.Alloc()
	code := s.tti.AllocUL(u, grant)
	s.outcome(model.Uplink, code)
	switch code {
	case AllocSuccess:
		return
	case AllocDCICollision:
		log.Warn(ctx, "no PDCCH space for UL retx", logging.String("rnti", u.RNTI().String()))
		return
	}

	alt, ok := s.findAllocation(grant.Length, s.tti.UsedPRBs())
	if !ok {
		return
	}
	code = s.tti.AllocUL(u, alt)
	s.outcome(model.Uplink, code)
	if code == AllocDCICollision {
		log.Warn(ctx, "no PDCCH space for UL retx", logging.String("rnti", u.RNTI().String()))
	}
}

func (s *ULScheduler) newTransmission(ctx context.Context, log logging.Logger, u UE) {
	rnti := u.RNTI()
	if s.tti.IsULAllocated(rnti) {
		return
	}
	cc, ok := u.CellIndex(s.cfg.EnbCCIdx)
	if !ok {
		return
	}
	tti := s.tti.TTI()
	pending := u.PendingULBytes(tti)
	h := u.ULHarq(tti, cc)
	if h == nil || !h.IsEmpty() || pending <= 0 {
		return
	}

	want := u.RequiredULPRBs(cc, pending)
	var grant model.PRBInterval
	if slice := s.slices.sliceOf(rnti); s.slices.valid(slice) {
		grant = s.findSliceAllocation(want, slice)
	} else {
		grant, _ = s.findAllocation(want, s.tti.UsedPRBs())
	}
	if grant.Length <= 0 {
		return
	}

	code := s.tti.AllocUL(u, grant)
	s.outcome(model.Uplink, code)
	if code == AllocDCICollision {
		log.Warn(ctx, "no PDCCH space for UL tx", logging.String("rnti", rnti.String()))
	}
}

// findAllocation returns the first contiguous free run of at most want PRBs,
// trimmed to a DFT-precoding-valid length. ok reports whether the full
// length was met.
func (s *ULScheduler) findAllocation(want int, used model.PRBMask) (model.PRBInterval, bool) {
	var grant model.PRBInterval
	for n := 0; n < s.cell.NofPRB && grant.Length < want; n++ {
		if used.Test(n) {
			if grant.Length > 0 {
				if n < edgeGuard {
					grant = model.PRBInterval{}
				} else {
					break
				}
			}
			continue
		}
		if grant.Length == 0 {
			grant.Start = n
		}
		grant.Length++
	}
	if grant.Length == 0 {
		return grant, false
	}
	for !ValidDFTLength(grant.Length) {
		grant.Length--
	}
	return grant, grant.Length == want
}

// findSliceAllocation restricts the search to the PRBs of groups left in the
// tenant's working mask, then removes from the mask every group overlapping
// a used PRB or the grant.
func (s *ULScheduler) findSliceAllocation(want, slice int) model.PRBInterval {
	working := s.masks[slice]
	unavailable := s.tti.UsedPRBs()
	nofRBG := s.cell.NofRBG()
	for g := range nofRBG {
		if !working.Test(g) {
			start, n := s.cell.RBGSpan(g)
			unavailable.SetRange(start, n)
		}
	}

	grant, _ := s.findAllocation(want, unavailable)
	for g := range nofRBG {
		start, n := s.cell.RBGSpan(g)
		if grant.Overlaps(start, n) || anySet(unavailable, start, n) {
			working = working.Clear(g)
		}
	}
	s.masks[slice] = working
	return grant
}

func anySet(m model.PRBMask, start, n int) bool {
	for i := start; i < start+n; i++ {
		if m.Test(i) {
			return true
		}
	}
	return false
}

// ValidDFTLength reports whether n PRBs can be carried by SC-FDMA, i.e. n
// factors into powers of 2, 3 and 5.
func ValidDFTLength(n int) bool {
	if n <= 0 {
		return false
	}
	for _, f := range []int{2, 3, 5} {
		for n%f == 0 {
			n /= f
		}
	}
	return n == 1
}
