package sim

import (
	"github.com/signalsfoundry/scope-scheduler/internal/mac"
	"github.com/signalsfoundry/scope-scheduler/model"
)

// pdcch is the control channel budget of one subframe, shared by both
// directions. Each grant takes one candidate.
type pdcch struct {
	capacity int
	used     int
}

func (p *pdcch) take() (int, bool) {
	if p.used >= p.capacity {
		return 0, false
	}
	p.used++
	return p.used - 1, true
}

type dlGrant struct {
	ue     *UE
	mask   model.RBGMask
	harqID int
	ncce   int
}

// dlTTI implements mac.DLTTI over an RBG bitmap.
type dlTTI struct {
	tti       uint32
	nofCtrl   int
	nofRBG    int
	dci       *pdcch
	used      model.RBGMask
	grants    []dlGrant
	allocated map[model.RNTI]bool
}

func newDLTTI(tti uint32, nofRBG int, dci *pdcch) *dlTTI {
	return &dlTTI{tti: tti, nofCtrl: 3, nofRBG: nofRBG, dci: dci, allocated: make(map[model.RNTI]bool)}
}

func (t *dlTTI) TTI() uint32                        { return t.tti }
func (t *dlTTI) UsedRBGs() model.RBGMask            { return t.used }
func (t *dlTTI) NofCtrlSymbols() int                { return t.nofCtrl }
func (t *dlTTI) IsDLAllocated(rnti model.RNTI) bool { return t.allocated[rnti] }

func (t *dlTTI) AllocDL(u mac.UE, mask model.RBGMask, harqID int) mac.AllocOutcome {
	su, ok := u.(*UE)
	if !ok || !mask.Any() || mask&^model.FullRBGMask(t.nofRBG) != 0 {
		return mac.AllocError
	}
	if t.used&mask != 0 {
		return mac.AllocRBGCollision
	}
	ncce, ok := t.dci.take()
	if !ok {
		return mac.AllocDCICollision
	}
	t.used |= mask
	t.allocated[su.rnti] = true
	t.grants = append(t.grants, dlGrant{ue: su, mask: mask, harqID: harqID, ncce: ncce})
	return mac.AllocSuccess
}

type ulGrant struct {
	ue    *UE
	alloc model.PRBInterval
}

// ulTTI implements mac.ULTTI over a PRB bitmap.
type ulTTI struct {
	tti       uint32
	nofPRB    int
	dci       *pdcch
	used      model.PRBMask
	grants    []ulGrant
	allocated map[model.RNTI]bool
}

func newULTTI(tti uint32, nofPRB int, dci *pdcch) *ulTTI {
	return &ulTTI{tti: tti, nofPRB: nofPRB, dci: dci, allocated: make(map[model.RNTI]bool)}
}

func (t *ulTTI) TTI() uint32                        { return t.tti }
func (t *ulTTI) UsedPRBs() model.PRBMask            { return t.used }
func (t *ulTTI) IsULAllocated(rnti model.RNTI) bool { return t.allocated[rnti] }

func (t *ulTTI) AllocUL(u mac.UE, grant model.PRBInterval) mac.AllocOutcome {
	su, ok := u.(*UE)
	if !ok || grant.Length <= 0 || grant.Start < 0 || grant.End() > t.nofPRB {
		return mac.AllocError
	}
	for i := grant.Start; i < grant.End(); i++ {
		if t.used.Test(i) {
			return mac.AllocRBGCollision
		}
	}
	if _, ok := t.dci.take(); !ok {
		return mac.AllocDCICollision
	}
	t.used.SetRange(grant.Start, grant.Length)
	t.allocated[su.rnti] = true
	t.grants = append(t.grants, ulGrant{ue: su, alloc: grant})
	return mac.AllocSuccess
}
