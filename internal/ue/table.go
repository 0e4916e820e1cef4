// Package ue keeps the per-terminal resource records shared between the
// schedulers and the external attribute store.
package ue

import (
	"sync"
	"time"

	"github.com/signalsfoundry/scope-scheduler/model"
)

// DefaultSlice is the tenant a terminal belongs to until its slice is known.
const DefaultSlice = 0

// Record is the resource state of one terminal.
type Record struct {
	SliceID       int
	SliceAcquired bool

	IMSI         uint64
	IMSIAcquired bool
	TMSI         uint32

	PowerMultiplier       float32
	PowerMultiplierReadAt time.Time

	DLSINR float64

	// Forced schemes, 0 when not forced.
	ForcedDLMCS int
	ForcedULMCS int
	ForcedMCSAt time.Time

	RequestedPRBs int
	GrantedPRBs   int
}

func defaultRecord() Record {
	return Record{SliceID: DefaultSlice, PowerMultiplier: 1}
}

// Counters is a drained requested/granted pair.
type Counters struct {
	Requested int
	Granted   int
}

// Table holds one record per valid terminal identifier.
type Table struct {
	mu      sync.RWMutex
	records []Record
}

// NewTable allocates a record for every terminal identifier.
func NewTable() *Table {
	t := &Table{records: make([]Record, model.NumUserRNTIs)}
	for i := range t.records {
		t.records[i] = defaultRecord()
	}
	return t
}

// Get returns a copy of the record of rnti.
func (t *Table) Get(rnti model.RNTI) (Record, bool) {
	idx, ok := rnti.Index()
	if !ok {
		return Record{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[idx], true
}

// SliceOf returns the tenant of rnti, or -1 for non-terminal identifiers.
func (t *Table) SliceOf(rnti model.RNTI) int {
	idx, ok := rnti.Index()
	if !ok {
		return -1
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[idx].SliceID
}

func (t *Table) update(rnti model.RNTI, fn func(*Record)) bool {
	idx, ok := rnti.Index()
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.records[idx])
	return true
}

// SetSlice assigns rnti to a tenant.
func (t *Table) SetSlice(rnti model.RNTI, slice int) bool {
	return t.update(rnti, func(r *Record) {
		r.SliceID = slice
		r.SliceAcquired = true
	})
}

// SetIdentity records the subscriber identity of rnti.
func (t *Table) SetIdentity(rnti model.RNTI, imsi uint64, tmsi uint32) bool {
	return t.update(rnti, func(r *Record) {
		r.IMSI = imsi
		r.IMSIAcquired = true
		r.TMSI = tmsi
	})
}

// SetPowerMultiplier records a downlink power scaling read at ts.
func (t *Table) SetPowerMultiplier(rnti model.RNTI, m float32, ts time.Time) bool {
	return t.update(rnti, func(r *Record) {
		r.PowerMultiplier = m
		r.PowerMultiplierReadAt = ts
	})
}

// SetForcedMCS pins the schemes of rnti; 0 releases a direction.
func (t *Table) SetForcedMCS(rnti model.RNTI, dl, ul int, ts time.Time) bool {
	return t.update(rnti, func(r *Record) {
		r.ForcedDLMCS = dl
		r.ForcedULMCS = ul
		r.ForcedMCSAt = ts
	})
}

// SetDLSINR stores the last downlink SINR estimate.
func (t *Table) SetDLSINR(rnti model.RNTI, sinr float64) bool {
	return t.update(rnti, func(r *Record) { r.DLSINR = sinr })
}

// AddRequested accumulates requested PRBs.
func (t *Table) AddRequested(rnti model.RNTI, n int) {
	if n <= 0 {
		return
	}
	t.update(rnti, func(r *Record) { r.RequestedPRBs += n })
}

// AddGranted accumulates granted PRBs.
func (t *Table) AddGranted(rnti model.RNTI, n int) {
	if n <= 0 {
		return
	}
	t.update(rnti, func(r *Record) { r.GrantedPRBs += n })
}

// DrainCounters returns the non-zero counters accumulated since the last
// drain and zeroes them.
func (t *Table) DrainCounters() map[model.RNTI]Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[model.RNTI]Counters)
	for i := range t.records {
		r := &t.records[i]
		if r.RequestedPRBs == 0 && r.GrantedPRBs == 0 {
			continue
		}
		rnti, _ := model.RNTIFromIndex(i)
		out[rnti] = Counters{Requested: r.RequestedPRBs, Granted: r.GrantedPRBs}
		r.RequestedPRBs = 0
		r.GrantedPRBs = 0
	}
	return out
}

// Reset restores the defaults of rnti after the terminal disconnects.
func (t *Table) Reset(rnti model.RNTI) bool {
	return t.update(rnti, func(r *Record) { *r = defaultRecord() })
}
