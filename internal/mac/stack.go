package mac

import "github.com/signalsfoundry/scope-scheduler/model"

// AllocOutcome is the result of asking the TTI allocator for a grant.
type AllocOutcome int

const (
	AllocSuccess AllocOutcome = iota
	AllocDCICollision
	AllocRBGCollision
	AllocError
)

func (o AllocOutcome) String() string {
	switch o {
	case AllocSuccess:
		return "success"
	case AllocDCICollision:
		return "dci_collision"
	case AllocRBGCollision:
		return "rbg_collision"
	default:
		return "error"
	}
}

// RBGRange is an inclusive [Min, Max] group count.
type RBGRange struct {
	Min int
	Max int
}

// DLHarq is a downlink HARQ process.
type DLHarq interface {
	ID() int
	RBGMask() model.RBGMask
}

// ULHarq is an uplink HARQ process.
type ULHarq interface {
	ID() int
	HasPendingRetx() bool
	IsEmpty() bool
	Alloc() model.PRBInterval
}

// UE is the scheduler's view of a connected terminal. The protocol stack
// implements it.
type UE interface {
	RNTI() model.RNTI
	// CellIndex maps an eNB carrier onto the terminal's carrier index; false
	// when the carrier is not active for the terminal.
	CellIndex(enbCC int) (int, bool)
	TimesScheduled() int

	PendingDLBytes() int
	PendingULBytes(tti uint32) int

	// PendingDLHarq returns a process waiting for retransmission, or nil.
	PendingDLHarq(tti uint32, cc int) DLHarq
	// EmptyDLHarq returns a free process, or nil.
	EmptyDLHarq(tti uint32, cc int) DLHarq
	ULHarq(tti uint32, cc int) ULHarq

	RequiredDLRBGs(cc int) RBGRange
	RequiredDLPRBs(cc, nofCtrlSymbols int) int
	RequiredULPRBs(cc, pendingBytes int) int
}

// DLTTI is the downlink allocator of the subframe being scheduled.
type DLTTI interface {
	TTI() uint32
	UsedRBGs() model.RBGMask
	NofCtrlSymbols() int
	IsDLAllocated(rnti model.RNTI) bool
	AllocDL(ue UE, mask model.RBGMask, harqID int) AllocOutcome
}

// ULTTI is the uplink allocator of the subframe being scheduled.
type ULTTI interface {
	TTI() uint32
	UsedPRBs() model.PRBMask
	IsULAllocated(rnti model.RNTI) bool
	AllocUL(ue UE, grant model.PRBInterval) AllocOutcome
}
