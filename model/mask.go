package model

import (
	"math/bits"
	"strings"
)

// MaxRBG is the largest number of resource block groups in a carrier.
const MaxRBG = 25

// MaxPRB is the largest carrier width in physical resource blocks.
const MaxPRB = 110

// RBGMask is a downlink allocation bitmap, bit i set meaning group i is used.
type RBGMask uint32

// Test reports whether group i is set.
func (m RBGMask) Test(i int) bool {
	if i < 0 || i >= MaxRBG {
		return false
	}
	return m&(1<<uint(i)) != 0
}

// Set returns m with group i set.
func (m RBGMask) Set(i int) RBGMask {
	if i < 0 || i >= MaxRBG {
		return m
	}
	return m | 1<<uint(i)
}

// Clear returns m with group i cleared.
func (m RBGMask) Clear(i int) RBGMask {
	if i < 0 || i >= MaxRBG {
		return m
	}
	return m &^ (1 << uint(i))
}

// Count returns the number of set groups.
func (m RBGMask) Count() int { return bits.OnesCount32(uint32(m)) }

// Any reports whether at least one group is set.
func (m RBGMask) Any() bool { return m != 0 }

// Truncate keeps only the first n groups.
func (m RBGMask) Truncate(n int) RBGMask {
	if n >= MaxRBG {
		n = MaxRBG
	}
	if n <= 0 {
		return 0
	}
	return m & RBGMask(uint32(1)<<uint(n)-1)
}

// FullRBGMask returns a mask with the first n groups set.
func FullRBGMask(n int) RBGMask { return RBGMask(0xFFFFFFFF).Truncate(n) }

// ParseRBGMask reads a string of '0'/'1' characters, group 0 first.
func ParseRBGMask(s string) (RBGMask, bool) {
	if len(s) > MaxRBG {
		return 0, false
	}
	var m RBGMask
	for i, c := range s {
		switch c {
		case '1':
			m = m.Set(i)
		case '0':
		default:
			return 0, false
		}
	}
	return m, true
}

// Format renders the first n groups as '0'/'1' characters.
func (m RBGMask) Format(n int) string {
	var b strings.Builder
	for i := range n {
		if m.Test(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// PRBMask is an occupancy bitmap over the physical resource blocks of a carrier.
type PRBMask struct {
	w [2]uint64
}

// Test reports whether block i is set.
func (m PRBMask) Test(i int) bool {
	if i < 0 || i >= MaxPRB {
		return false
	}
	return m.w[i/64]&(1<<uint(i%64)) != 0
}

// Set marks block i.
func (m *PRBMask) Set(i int) {
	if i < 0 || i >= MaxPRB {
		return
	}
	m.w[i/64] |= 1 << uint(i%64)
}

// SetRange marks blocks [start, start+n).
func (m *PRBMask) SetRange(start, n int) {
	for i := start; i < start+n; i++ {
		m.Set(i)
	}
}

// Or returns the union of m and o.
func (m PRBMask) Or(o PRBMask) PRBMask {
	return PRBMask{w: [2]uint64{m.w[0] | o.w[0], m.w[1] | o.w[1]}}
}

// Count returns the number of set blocks.
func (m PRBMask) Count() int {
	return bits.OnesCount64(m.w[0]) + bits.OnesCount64(m.w[1])
}

// PRBInterval is a contiguous uplink grant.
type PRBInterval struct {
	Start  int
	Length int
}

// End returns the first block past the interval.
func (p PRBInterval) End() int { return p.Start + p.Length }

// Overlaps reports whether any block of [start, start+n) lies in the interval.
func (p PRBInterval) Overlaps(start, n int) bool {
	return p.Length > 0 && start < p.End() && p.Start < start+n
}
