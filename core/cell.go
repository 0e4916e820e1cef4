package core

import (
	"fmt"

	"github.com/signalsfoundry/scope-scheduler/model"
)

// Cell describes the resource grid of one carrier. Fine units are physical
// resource blocks (PRBs); the downlink allocates them in groups (RBGs).
type Cell struct {
	NofPRB int
}

// NewCell validates the carrier width.
func NewCell(nofPRB int) (Cell, error) {
	if nofPRB <= 0 || nofPRB > model.MaxPRB {
		return Cell{}, fmt.Errorf("invalid cell width %d PRB", nofPRB)
	}
	return Cell{NofPRB: nofPRB}, nil
}

// tier maps a carrier width onto 1, 2, 3 or 4. It is shared by the group size
// and by the minimum allocation quantum.
func tier(nofPRB int) int {
	switch {
	case nofPRB <= 10:
		return 1
	case nofPRB <= 26:
		return 2
	case nofPRB <= 63:
		return 3
	default:
		return 4
	}
}

// RBGSize returns the number of PRBs per group.
func (c Cell) RBGSize() int { return tier(c.NofPRB) }

// MinQuantum is the smallest number of PRBs handed to a terminal at once.
func (c Cell) MinQuantum() int { return tier(c.NofPRB) }

// NofRBG returns the number of groups, the last one possibly short.
func (c Cell) NofRBG() int {
	p := c.RBGSize()
	return (c.NofPRB + p - 1) / p
}

// ShortLastRBG reports whether the last group holds fewer than RBGSize PRBs.
func (c Cell) ShortLastRBG() bool {
	return c.NofPRB%c.RBGSize() != 0
}

// RBGsForPRBs returns the number of groups needed to carry n PRBs.
func (c Cell) RBGsForPRBs(n int) int {
	if n <= 0 {
		return 0
	}
	p := c.RBGSize()
	return (n + p - 1) / p
}

// RBGSpan returns the PRB range covered by group g.
func (c Cell) RBGSpan(g int) (start, n int) {
	p := c.RBGSize()
	start = g * p
	n = p
	if start+n > c.NofPRB {
		n = c.NofPRB - start
	}
	if n < 0 {
		n = 0
	}
	return start, n
}

// UnitsGranted converts a group grant into PRBs. A grant holding the short
// last group counts one PRB less, and the result never exceeds what the
// requested groups would carry.
func (c Cell) UnitsGranted(rbgRequested, rbgGranted int, lastBitSet bool) int {
	p := c.RBGSize()
	granted := rbgGranted * p
	if lastBitSet && c.ShortLastRBG() && granted > 0 {
		granted--
	}
	if limit := rbgRequested * p; granted > limit {
		granted = limit
	}
	return granted
}

// MaskBudget returns the PRBs addressed by mask over the active groups, or 0
// when that exceeds the carrier.
func (c Cell) MaskBudget(mask model.RBGMask) int {
	n := c.NofRBG()
	mask = mask.Truncate(n)
	budget := mask.Count() * c.RBGSize()
	if mask.Test(n-1) && c.ShortLastRBG() {
		budget--
	}
	if budget > c.NofPRB {
		return 0
	}
	return budget
}
