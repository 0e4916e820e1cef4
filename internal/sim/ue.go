// Package sim is a synthetic protocol stack: terminals with random traffic,
// HARQ processes and per-TTI allocators with limited control channel space.
// It drives the MAC schedulers and the PHY database tick by tick.
package sim

import (
	"github.com/signalsfoundry/scope-scheduler/core"
	"github.com/signalsfoundry/scope-scheduler/internal/mac"
	"github.com/signalsfoundry/scope-scheduler/model"
)

// maxRetx bounds the retransmissions of one transport block.
const maxRetx = 4

type harqState int

const (
	harqIdle harqState = iota
	harqWaitingAck
	harqRetx
)

type dlHarq struct {
	id    int
	mask  model.RBGMask
	state harqState
	bytes int
	retx  int
}

func (h *dlHarq) ID() int                { return h.id }
func (h *dlHarq) RBGMask() model.RBGMask { return h.mask }

type ulHarq struct {
	id    int
	alloc model.PRBInterval
	state harqState
	bytes int
	retx  int
}

func (h *ulHarq) ID() int                  { return h.id }
func (h *ulHarq) HasPendingRetx() bool     { return h.state == harqRetx }
func (h *ulHarq) IsEmpty() bool            { return h.state == harqIdle }
func (h *ulHarq) Alloc() model.PRBInterval { return h.alloc }

// UE is a synthetic terminal. It implements mac.UE.
type UE struct {
	rnti  model.RNTI
	enbCC int
	mcs   int
	est   core.DemandEstimator

	dlBacklog int
	ulBacklog int
	scheduled int

	cqi uint8
	ri  uint8

	dl [8]dlHarq
	ul [8]ulHarq
	// ackFor maps an acknowledgement slot to the process it concerns.
	ackFor map[uint32]int
}

func newUE(rnti model.RNTI, enbCC, mcs int, est core.DemandEstimator) *UE {
	u := &UE{rnti: rnti, enbCC: enbCC, mcs: mcs, est: est, ackFor: make(map[uint32]int)}
	for i := range u.dl {
		u.dl[i].id = i
		u.ul[i].id = i
	}
	return u
}

func (u *UE) RNTI() model.RNTI { return u.rnti }

func (u *UE) CellIndex(enbCC int) (int, bool) {
	if enbCC != u.enbCC {
		return 0, false
	}
	return 0, true
}

func (u *UE) TimesScheduled() int         { return u.scheduled }
func (u *UE) PendingDLBytes() int         { return u.dlBacklog }
func (u *UE) PendingULBytes(uint32) int   { return u.ulBacklog }
func (u *UE) RequiredDLPRBs(_, _ int) int { return u.prbsFor(u.dlBacklog) }
func (u *UE) RequiredULPRBs(_, n int) int { return u.prbsFor(n) }
func (u *UE) ULHarq(tti uint32, _ int) mac.ULHarq {
	return &u.ul[tti%uint32(len(u.ul))]
}

func (u *UE) PendingDLHarq(uint32, int) mac.DLHarq {
	for i := range u.dl {
		if u.dl[i].state == harqRetx {
			return &u.dl[i]
		}
	}
	return nil
}

func (u *UE) EmptyDLHarq(uint32, int) mac.DLHarq {
	for i := range u.dl {
		if u.dl[i].state == harqIdle {
			return &u.dl[i]
		}
	}
	return nil
}

func (u *UE) RequiredDLRBGs(int) mac.RBGRange {
	prbs := u.prbsFor(u.dlBacklog)
	if prbs == 0 {
		return mac.RBGRange{}
	}
	return mac.RBGRange{Min: 1, Max: u.est.Cell.RBGsForPRBs(prbs)}
}

func (u *UE) prbsFor(bytes int) int {
	return u.est.RequiredPRBs(bytes, u.est.Cell.NofPRB)
}

// capacity is the transport block size in bytes of nofPRB at mcs.
func (u *UE) capacity(mcs, nofPRB int) int {
	return u.est.Table.TBS(core.TBSIndexFromMCS(mcs), nofPRB) / 8
}

// DLBacklog returns the bytes queued for the terminal.
func (u *UE) DLBacklog() int { return u.dlBacklog }

// ULBacklog returns the bytes the terminal has queued.
func (u *UE) ULBacklog() int { return u.ulBacklog }

// CQI returns the last wideband quality reported, 0 before the first report.
func (u *UE) CQI() uint8 { return u.cqi }

// RI returns the last rank reported.
func (u *UE) RI() uint8 { return u.ri }
