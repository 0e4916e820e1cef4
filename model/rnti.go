package model

import "fmt"

// RNTI identifies a terminal (or a broadcast channel) on the radio interface.
type RNTI uint16

const (
	// FirstUserRNTI is the lowest identifier handed out to a connected terminal.
	FirstUserRNTI RNTI = 70
	// MaxUserRNTI is the highest identifier considered when looking up terminals.
	MaxUserRNTI RNTI = 65534

	SIRNTI RNTI = 0xFFFF // system information
	PRNTI  RNTI = 0xFFFE // paging
	MRNTI  RNTI = 0xFFFD // multicast
)

// NumUserRNTIs is the size of a dense table holding one slot per terminal.
const NumUserRNTIs = int(MaxUserRNTI-FirstUserRNTI) + 1

// IsUser reports whether r addresses a single terminal rather than a reserved
// broadcast identifier.
func (r RNTI) IsUser() bool {
	switch r {
	case SIRNTI, PRNTI, MRNTI:
		return false
	}
	return r >= FirstUserRNTI && r <= MaxUserRNTI
}

// Index maps a terminal identifier to its dense table slot. The boolean is
// false for non-terminal identifiers.
func (r RNTI) Index() (int, bool) {
	if !r.IsUser() {
		return 0, false
	}
	return int(r - FirstUserRNTI), true
}

// RNTIFromIndex is the inverse of Index.
func RNTIFromIndex(i int) (RNTI, bool) {
	if i < 0 || i >= NumUserRNTIs {
		return 0, false
	}
	r := RNTI(i) + FirstUserRNTI
	if !r.IsUser() {
		return 0, false
	}
	return r, true
}

func (r RNTI) String() string {
	return fmt.Sprintf("0x%x", uint16(r))
}
