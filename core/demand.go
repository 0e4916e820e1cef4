package core

// DemandEstimator converts a pending byte backlog into the number of PRBs
// needed to drain it in one transmission.
type DemandEstimator struct {
	Cell  Cell
	Table TBSTable
}

// RequiredPRBs returns the smallest PRB count, starting at the cell's minimum
// quantum, whose transport block carries pendingBytes. When no count below
// ceiling suffices the ceiling is returned.
func (e DemandEstimator) RequiredPRBs(pendingBytes, ceiling int) int {
	if pendingBytes <= 0 || ceiling <= 0 || e.Table == nil {
		return 0
	}
	n := e.Cell.MinQuantum()
	if n >= ceiling {
		return ceiling
	}
	bits := pendingBytes * 8
	for ; n < ceiling; n++ {
		if e.bytesFor(bits, n) >= pendingBytes {
			return n
		}
	}
	return ceiling
}

// bytesFor returns the payload of the best scheme that fits bits on n PRBs.
func (e DemandEstimator) bytesFor(bits, n int) int {
	idx := MaxTBSIndex
	for i := 0; i <= MaxTBSIndex; i++ {
		if e.Table.TBS(i, n) >= bits {
			idx = i
			break
		}
	}
	mcs := MCSFromTBSIndex(idx)
	if mcs < 0 {
		return 0
	}
	return e.Table.TBS(TBSIndexFromMCS(mcs), n) / 8
}
