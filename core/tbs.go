package core

// MaxTBSIndex is the highest transport block size index a downlink grant
// may use.
const MaxTBSIndex = 26

// MaxMCS is the highest modulation and coding scheme carrying new data.
const MaxMCS = 28

// TBSTable returns the transport block size in bits for a size index and a
// number of PRBs. It is supplied by the protocol stack.
type TBSTable interface {
	TBS(tbsIndex, nofPRB int) int
}

// TBSIndexFromMCS maps a downlink modulation and coding scheme onto its size
// index.
func TBSIndexFromMCS(mcs int) int {
	switch {
	case mcs < 10:
		return mcs
	case mcs == 10:
		return 9
	case mcs < 17:
		return mcs - 1
	case mcs == 17:
		return 15
	default:
		return mcs - 2
	}
}

// MCSFromTBSIndex returns the highest scheme that maps onto tbsIndex, or -1
// when none does.
func MCSFromTBSIndex(tbsIndex int) int {
	mcs := -1
	for i := 0; i <= MaxMCS; i++ {
		if TBSIndexFromMCS(i) == tbsIndex {
			mcs = i
		}
	}
	return mcs
}

// singlePRB is the one-PRB column of the downlink size table, in bits.
var singlePRB = [MaxTBSIndex + 1]int{
	16, 24, 32, 40, 56, 72, 88, 104, 120, 136,
	144, 176, 208, 224, 256, 280, 328, 336, 376, 408,
	440, 488, 520, 552, 584, 616, 712,
}

// ApproxTBSTable scales the one-PRB column linearly. The standard table
// rounds each entry to a valid code block size, so values drift a few
// percent; this is accurate enough for demand estimation in simulation.
type ApproxTBSTable struct{}

// TBS implements TBSTable.
func (ApproxTBSTable) TBS(tbsIndex, nofPRB int) int {
	if tbsIndex < 0 || tbsIndex > MaxTBSIndex || nofPRB <= 0 {
		return 0
	}
	return singlePRB[tbsIndex] * nofPRB
}
