package mac

import (
	"github.com/signalsfoundry/scope-scheduler/model"
)

type fakeDLHarq struct {
	id   int
	mask model.RBGMask
}

func (h *fakeDLHarq) ID() int                { return h.id }
func (h *fakeDLHarq) RBGMask() model.RBGMask { return h.mask }

type fakeULHarq struct {
	id    int
	retx  bool
	empty bool
	alloc model.PRBInterval
}

func (h *fakeULHarq) ID() int                  { return h.id }
func (h *fakeULHarq) HasPendingRetx() bool     { return h.retx }
func (h *fakeULHarq) IsEmpty() bool            { return h.empty }
func (h *fakeULHarq) Alloc() model.PRBInterval { return h.alloc }

type fakeUE struct {
	rnti      model.RNTI
	inactive  bool
	scheduled int
	dlBytes   int
	ulBytes   int
	retx      *fakeDLHarq
	empty     *fakeDLHarq
	ul        *fakeULHarq
	rbgs      RBGRange
	dlPRBs    int
	ulPRBs    int
}

func newFakeUE(rnti model.RNTI) *fakeUE {
	return &fakeUE{
		rnti:      rnti,
		scheduled: 100,
		empty:     &fakeDLHarq{id: 1},
		ul:        &fakeULHarq{id: 1, empty: true},
	}
}

func (u *fakeUE) RNTI() model.RNTI { return u.rnti }
func (u *fakeUE) CellIndex(int) (int, bool) {
	if u.inactive {
		return 0, false
	}
	return 0, true
}
func (u *fakeUE) TimesScheduled() int         { return u.scheduled }
func (u *fakeUE) PendingDLBytes() int         { return u.dlBytes }
func (u *fakeUE) PendingULBytes(uint32) int   { return u.ulBytes }
func (u *fakeUE) RequiredDLRBGs(int) RBGRange { return u.rbgs }
func (u *fakeUE) RequiredDLPRBs(int, int) int { return u.dlPRBs }
func (u *fakeUE) RequiredULPRBs(int, int) int { return u.ulPRBs }

func (u *fakeUE) PendingDLHarq(uint32, int) DLHarq {
	if u.retx == nil {
		return nil
	}
	return u.retx
}

func (u *fakeUE) EmptyDLHarq(uint32, int) DLHarq {
	if u.empty == nil {
		return nil
	}
	return u.empty
}

func (u *fakeUE) ULHarq(uint32, int) ULHarq {
	if u.ul == nil {
		return nil
	}
	return u.ul
}

type dlGrant struct {
	rnti model.RNTI
	mask model.RBGMask
	harq int
}

type fakeDLTTI struct {
	tti    uint32
	used   model.RBGMask
	ctrl   int
	dci    int // remaining control channel capacity, <0 unlimited
	calls  []dlGrant
	grants map[model.RNTI]model.RBGMask
}

func newFakeDLTTI(tti uint32) *fakeDLTTI {
	return &fakeDLTTI{tti: tti, ctrl: 1, dci: -1, grants: map[model.RNTI]model.RBGMask{}}
}

func (f *fakeDLTTI) TTI() uint32             { return f.tti }
func (f *fakeDLTTI) UsedRBGs() model.RBGMask { return f.used }
func (f *fakeDLTTI) NofCtrlSymbols() int     { return f.ctrl }
func (f *fakeDLTTI) IsDLAllocated(r model.RNTI) bool {
	_, ok := f.grants[r]
	return ok
}

func (f *fakeDLTTI) AllocDL(u UE, mask model.RBGMask, harq int) AllocOutcome {
	f.calls = append(f.calls, dlGrant{rnti: u.RNTI(), mask: mask, harq: harq})
	if f.used&mask != 0 {
		return AllocRBGCollision
	}
	if f.dci == 0 {
		return AllocDCICollision
	}
	if f.dci > 0 {
		f.dci--
	}
	f.used |= mask
	f.grants[u.RNTI()] = mask
	return AllocSuccess
}

type ulGrant struct {
	rnti  model.RNTI
	grant model.PRBInterval
}

type fakeULTTI struct {
	tti   uint32
	used  model.PRBMask
	dci   int
	calls []ulGrant
	done  map[model.RNTI]model.PRBInterval
}

func newFakeULTTI(tti uint32) *fakeULTTI {
	return &fakeULTTI{tti: tti, dci: -1, done: map[model.RNTI]model.PRBInterval{}}
}

func (f *fakeULTTI) TTI() uint32             { return f.tti }
func (f *fakeULTTI) UsedPRBs() model.PRBMask { return f.used }
func (f *fakeULTTI) IsULAllocated(r model.RNTI) bool {
	_, ok := f.done[r]
	return ok
}

func (f *fakeULTTI) AllocUL(u UE, g model.PRBInterval) AllocOutcome {
	f.calls = append(f.calls, ulGrant{rnti: u.RNTI(), grant: g})
	for i := g.Start; i < g.End(); i++ {
		if f.used.Test(i) {
			return AllocRBGCollision
		}
	}
	if f.dci == 0 {
		return AllocDCICollision
	}
	if f.dci > 0 {
		f.dci--
	}
	f.used.SetRange(g.Start, g.Length)
	f.done[u.RNTI()] = g
	return AllocSuccess
}

// fixedRand always returns the same offset.
type fixedRand int

func (r fixedRand) IntN(n int) int { return int(r) % n }

func asUEs(us ...*fakeUE) []UE {
	out := make([]UE, len(us))
	for i, u := range us {
		out[i] = u
	}
	return out
}
