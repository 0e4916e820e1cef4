package mac

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/scope-scheduler/core"
	"github.com/signalsfoundry/scope-scheduler/internal/logging"
	"github.com/signalsfoundry/scope-scheduler/internal/policy"
	"github.com/signalsfoundry/scope-scheduler/internal/slicing"
	"github.com/signalsfoundry/scope-scheduler/internal/ue"
	"github.com/signalsfoundry/scope-scheduler/model"
)

var cell25 = core.Cell{NofPRB: 25}

type recordingMetrics struct {
	requested, granted int
	outcomes           map[string]int
	ticks              int
}

func (m *recordingMetrics) ObserveTTI(model.Direction, time.Duration) { m.ticks++ }
func (m *recordingMetrics) IncAllocation(_ model.Direction, o string) {
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[o]++
}
func (m *recordingMetrics) AddPRBs(r, g int) {
	m.requested += r
	m.granted += g
}

func newDL(cfg Config, reg *slicing.Registry, tbl *ue.Table, opts ...Option) *DLScheduler {
	opts = append([]Option{WithRand(fixedRand(0))}, opts...)
	return NewDLScheduler(cfg, cell25, reg, tbl, core.ApproxTBSTable{}, opts...)
}

func TestDLRoundRobinGrantsDisjointMasks(t *testing.T) {
	a, b := newFakeUE(70), newFakeUE(71)
	a.rbgs, b.rbgs = RBGRange{Min: 2, Max: 4}, RBGRange{Min: 2, Max: 4}
	a.dlPRBs, b.dlPRBs = 8, 8
	tbl := ue.NewTable()
	metrics := &recordingMetrics{}
	s := newDL(Config{}, nil, tbl, WithMetricsRecorder(metrics))

	tti := newFakeDLTTI(0)
	s.SchedUsers(context.Background(), asUEs(a, b), tti)

	ga, gb := tti.grants[70], tti.grants[71]
	if ga.Count() != 4 || gb.Count() != 4 || ga&gb != 0 {
		t.Fatalf("grants = %b / %b, want 4 disjoint groups each", ga, gb)
	}
	rec, _ := tbl.Get(70)
	if rec.RequestedPRBs != 8 || rec.GrantedPRBs != 8 {
		t.Fatalf("counters = %+v, want requested 8 granted 8", rec)
	}
	if metrics.outcomes["success"] != 2 || metrics.ticks != 1 {
		t.Fatalf("metrics = %+v", metrics)
	}
}

func TestDLPriorityRotatesWithTTI(t *testing.T) {
	us := []*fakeUE{newFakeUE(70), newFakeUE(71), newFakeUE(72)}
	for _, u := range us {
		u.rbgs = RBGRange{Min: 1, Max: 1}
	}
	s := newDL(Config{}, nil, nil)

	for tti := uint32(0); tti < 6; tti++ {
		alloc := newFakeDLTTI(tti)
		s.SchedUsers(context.Background(), asUEs(us[2], us[0], us[1]), alloc)
		if len(alloc.calls) != 3 {
			t.Fatalf("tti %d: %d allocations, want every terminal once", tti, len(alloc.calls))
		}
		want := model.RNTI(70 + tti%3)
		if alloc.calls[0].rnti != want {
			t.Fatalf("tti %d: first terminal %d, want %d", tti, alloc.calls[0].rnti, want)
		}
		// First visited gets group 0.
		if alloc.grants[want] != model.RBGMask(1) {
			t.Fatalf("tti %d: first grant %b", tti, alloc.grants[want])
		}
	}
}

// Over any n consecutive TTIs each terminal leads a pass exactly once, and
// every pass visits every terminal once.
func TestPriorityRotationCoversEveryTerminal(t *testing.T) {
	type pass func(tti uint32, us []*fakeUE) []model.RNTI

	dlPass := func(jitter int) pass {
		s := newDL(Config{}, nil, nil, WithRand(fixedRand(jitter)))
		return func(tti uint32, us []*fakeUE) []model.RNTI {
			alloc := newFakeDLTTI(tti)
			s.SchedUsers(context.Background(), asUEs(us...), alloc)
			order := make([]model.RNTI, len(alloc.calls))
			for i, c := range alloc.calls {
				order[i] = c.rnti
			}
			return order
		}
	}
	ulPass := func() pass {
		s := NewULScheduler(Config{}, cell25, nil, nil)
		return func(tti uint32, us []*fakeUE) []model.RNTI {
			alloc := newFakeULTTI(tti)
			s.SchedUsers(context.Background(), asUEs(us...), alloc)
			order := make([]model.RNTI, len(alloc.calls))
			for i, c := range alloc.calls {
				order[i] = c.rnti
			}
			return order
		}
	}

	tests := []struct {
		name string
		pass func() pass
	}{
		{name: "downlink", pass: func() pass { return dlPass(0) }},
		{name: "downlink jitter 5", pass: func() pass { return dlPass(5) }},
		{name: "downlink max jitter", pass: func() pass { return dlPass(maxPriorityJitter - 1) }},
		{name: "uplink", pass: ulPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for n := 1; n <= 8; n++ {
				us := make([]*fakeUE, n)
				for i := range us {
					us[i] = newFakeUE(model.FirstUserRNTI + model.RNTI(i))
					us[i].rbgs = RBGRange{Min: 1, Max: 1}
					us[i].ulBytes, us[i].ulPRBs = 100, 1
				}
				// Reverse the input so ordering cannot come from the caller.
				for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
					us[i], us[j] = us[j], us[i]
				}
				run := tt.pass()
				starts := []uint32{5000}
				for o := range 2 * n {
					starts = append(starts, uint32(o))
				}
				for _, start := range starts {
					leads := map[model.RNTI]int{}
					for tti := start; tti < start+uint32(n); tti++ {
						order := run(tti, us)
						if len(order) != n {
							t.Fatalf("n=%d tti %d: %d visits, want %d", n, tti, len(order), n)
						}
						seen := map[model.RNTI]bool{}
						for _, r := range order {
							if seen[r] {
								t.Fatalf("n=%d tti %d: %s visited twice in %v", n, tti, r, order)
							}
							seen[r] = true
						}
						leads[order[0]]++
					}
					for _, u := range us {
						if leads[u.rnti] != 1 {
							t.Fatalf("n=%d start %d: %s led %d passes, want 1 (%v)", n, start, u.rnti, leads[u.rnti], leads)
						}
					}
				}
			}
		})
	}
}

func TestDLRetransmissionReusesMask(t *testing.T) {
	u := newFakeUE(70)
	u.retx = &fakeDLHarq{id: 5, mask: policy.RangeMask(3, 4)}
	u.rbgs = RBGRange{Min: 1, Max: 3}
	s := newDL(Config{}, nil, nil)

	tti := newFakeDLTTI(0)
	s.SchedUsers(context.Background(), asUEs(u), tti)

	if len(tti.calls) != 1 || tti.calls[0].harq != 5 || tti.calls[0].mask != policy.RangeMask(3, 4) {
		t.Fatalf("calls = %+v, want one retx on harq 5 with its prior mask", tti.calls)
	}
}

func TestDLRetransmissionMovesToFreeRegion(t *testing.T) {
	u := newFakeUE(70)
	u.retx = &fakeDLHarq{id: 2, mask: policy.RangeMask(0, 1)}
	s := newDL(Config{}, nil, nil)

	tti := newFakeDLTTI(0)
	tti.used = policy.RangeMask(0, 0)
	s.SchedUsers(context.Background(), asUEs(u), tti)

	if got := tti.grants[70]; got != policy.RangeMask(1, 2) {
		t.Fatalf("retx grant = %b, want groups 1-2", got)
	}
}

func TestDLControlExhaustionAbortsTerminal(t *testing.T) {
	u := newFakeUE(70)
	u.retx = &fakeDLHarq{id: 2, mask: policy.RangeMask(0, 1)}
	u.rbgs = RBGRange{Min: 1, Max: 2}
	var buf bytes.Buffer
	s := newDL(Config{}, nil, nil, WithLogger(logging.NewWithWriter(&buf, logging.Config{})))

	tti := newFakeDLTTI(0)
	tti.dci = 0
	s.SchedUsers(context.Background(), asUEs(u), tti)

	if len(tti.calls) != 1 {
		t.Fatalf("calls = %+v, want a single retx attempt", tti.calls)
	}
	if !strings.Contains(buf.String(), "no PDCCH space for DL retx") {
		t.Fatalf("missing warning, log = %q", buf.String())
	}
}

func TestDLInactiveCarrierSkipped(t *testing.T) {
	u := newFakeUE(70)
	u.inactive = true
	u.rbgs = RBGRange{Min: 1, Max: 1}
	s := newDL(Config{}, nil, nil)
	tti := newFakeDLTTI(0)
	s.SchedUsers(context.Background(), asUEs(u), tti)
	if len(tti.calls) != 0 {
		t.Fatalf("terminal on an inactive carrier was scheduled")
	}
}

func TestDLWaterfillingFixedAllocation(t *testing.T) {
	a, b, idle := newFakeUE(70), newFakeUE(71), newFakeUE(72)
	a.dlBytes, b.dlBytes = 100, 300 // 2 and 4 PRBs
	idle.retx = &fakeDLHarq{id: 1, mask: policy.RangeMask(10, 10)}
	tbl := ue.NewTable()
	s := newDL(Config{GlobalPolicy: model.PolicyWaterfilling}, nil, tbl)

	tti := newFakeDLTTI(0)
	s.SchedUsers(context.Background(), asUEs(a, b, idle), tti)

	if got := tti.grants[70].Count(); got != 1 {
		t.Fatalf("rnti 70 groups = %d, want 1", got)
	}
	if got := tti.grants[71].Count(); got != 2 {
		t.Fatalf("rnti 71 groups = %d, want 2", got)
	}
	if _, ok := tti.grants[72]; ok {
		t.Fatalf("terminal without demand must be skipped")
	}
	rec, _ := tbl.Get(71)
	if rec.RequestedPRBs != 4 || rec.GrantedPRBs != 4 {
		t.Fatalf("rnti 71 counters = %+v", rec)
	}
}

func TestDLGracePeriodUsesDefaultStep(t *testing.T) {
	u := newFakeUE(70)
	u.scheduled = 1
	u.dlBytes = 100
	u.rbgs = RBGRange{Min: 3, Max: 3}
	s := newDL(Config{GlobalPolicy: model.PolicyProportional, SchedThreshold: 5}, nil, nil)

	tti := newFakeDLTTI(0)
	s.SchedUsers(context.Background(), asUEs(u), tti)
	if got := tti.grants[70].Count(); got != 3 {
		t.Fatalf("grace period grant = %d groups, want the stack's range 3", got)
	}
}

func slicedRegistry(t *testing.T, feed *policy.StaticFeed) *slicing.Registry {
	t.Helper()
	reg := slicing.NewRegistry(cell25, feed)
	reg.Refresh(context.Background(), time.Now())
	return reg
}

func TestDLSliceIsolation(t *testing.T) {
	feed := policy.NewStaticFeed()
	feed.SetMasks(0, model.Downlink, policy.RangeMask(0, 5))
	feed.SetMasks(1, model.Downlink, policy.RangeMask(6, 12))
	tbl := ue.NewTable()
	tbl.SetSlice(70, 0)
	tbl.SetSlice(71, 1)
	tbl.SetSlice(72, 4) // tenant without budget
	a, b, c := newFakeUE(70), newFakeUE(71), newFakeUE(72)
	for _, u := range []*fakeUE{a, b, c} {
		u.rbgs = RBGRange{Min: 1, Max: 13}
	}
	s := newDL(Config{SlicingEnabled: true}, slicedRegistry(t, feed), tbl)

	tti := newFakeDLTTI(0)
	s.SchedUsers(context.Background(), asUEs(a, b, c), tti)

	if got := tti.grants[70]; got != policy.RangeMask(0, 5) {
		t.Fatalf("slice 0 grant = %s", got.Format(13))
	}
	if got := tti.grants[71]; got != policy.RangeMask(6, 12) {
		t.Fatalf("slice 1 grant = %s", got.Format(13))
	}
	if _, ok := tti.grants[72]; ok {
		t.Fatalf("terminal of an inactive slice was granted")
	}
	// The short last group counts one PRB less.
	if rec, _ := tbl.Get(71); rec.GrantedPRBs != 13 {
		t.Fatalf("slice 1 granted PRBs = %d, want 13", rec.GrantedPRBs)
	}
}

func TestDLSliceReservesControlGroups(t *testing.T) {
	feed := policy.NewStaticFeed()
	feed.SetMasks(0, model.Downlink, policy.RangeMask(0, 5))
	u := newFakeUE(70)
	u.rbgs = RBGRange{Min: 1, Max: 13}
	s := newDL(Config{SlicingEnabled: true}, slicedRegistry(t, feed), nil)

	tti := newFakeDLTTI(0)
	tti.ctrl = 2
	s.SchedUsers(context.Background(), asUEs(u), tti)
	if got := tti.grants[70]; got != policy.RangeMask(2, 5) {
		t.Fatalf("grant = %s, want groups 2-5", got.Format(13))
	}
}

func TestDLSliceWaterfillingSharesBudget(t *testing.T) {
	feed := policy.NewStaticFeed()
	feed.SetMasks(0, model.Downlink, policy.RangeMask(0, 3)) // 8 PRB
	feed.SetPolicy(0, model.PolicyWaterfilling)
	a, b := newFakeUE(70), newFakeUE(71)
	a.dlBytes, b.dlBytes = 1000, 1000
	tbl := ue.NewTable()
	s := newDL(Config{SlicingEnabled: true}, slicedRegistry(t, feed), tbl)

	tti := newFakeDLTTI(0)
	s.SchedUsers(context.Background(), asUEs(a, b), tti)

	ga, gb := tti.grants[70], tti.grants[71]
	if ga.Count() != 2 || gb.Count() != 2 || ga&gb != 0 {
		t.Fatalf("grants = %s / %s, want two disjoint groups each", ga.Format(13), gb.Format(13))
	}
	if (ga|gb)&^policy.RangeMask(0, 3) != 0 {
		t.Fatalf("grant escaped the slice mask")
	}
}

func TestDLRoundRobinSliceRecordsRequested(t *testing.T) {
	feed := policy.NewStaticFeed()
	feed.SetMasks(0, model.Downlink, policy.RangeMask(0, 12))
	u := newFakeUE(70)
	u.dlBytes = 5000
	u.dlPRBs = 9
	u.rbgs = RBGRange{Min: 1, Max: 2}
	tbl := ue.NewTable()
	s := newDL(Config{SlicingEnabled: true, GlobalPolicy: model.PolicyWaterfilling}, slicedRegistry(t, feed), tbl)

	tti := newFakeDLTTI(0)
	s.SchedUsers(context.Background(), asUEs(u), tti)
	rec, _ := tbl.Get(70)
	if rec.RequestedPRBs != 9 || rec.GrantedPRBs != 4 {
		t.Fatalf("counters = %+v, want requested 9 granted 4", rec)
	}
}

func TestDLRefreshesSlicesOnCadence(t *testing.T) {
	feed := policy.NewStaticFeed()
	reg := slicing.NewRegistry(cell25, feed)
	now := time.Unix(0, 0)
	u := newFakeUE(70)
	u.rbgs = RBGRange{Min: 1, Max: 13}
	s := newDL(Config{SlicingEnabled: true}, reg, nil, WithClock(func() time.Time { return now }))

	tti := newFakeDLTTI(0)
	s.SchedUsers(context.Background(), asUEs(u), tti)
	if len(tti.grants) != 0 {
		t.Fatalf("terminal granted before its slice had a mask")
	}

	feed.SetMasks(0, model.Downlink, policy.RangeMask(0, 1))
	now = now.Add(100 * time.Millisecond)
	tti = newFakeDLTTI(1)
	s.SchedUsers(context.Background(), asUEs(u), tti)
	if len(tti.grants) != 0 {
		t.Fatalf("slice table refreshed before the cadence elapsed")
	}

	now = now.Add(200 * time.Millisecond)
	tti = newFakeDLTTI(2)
	s.SchedUsers(context.Background(), asUEs(u), tti)
	if got := tti.grants[70]; got != policy.RangeMask(0, 1) {
		t.Fatalf("grant after refresh = %s", got.Format(13))
	}
}

func TestDLEmptyTerminalList(t *testing.T) {
	metrics := &recordingMetrics{}
	s := newDL(Config{}, nil, nil, WithMetricsRecorder(metrics))
	s.SchedUsers(context.Background(), nil, newFakeDLTTI(0))
	if metrics.ticks != 1 || len(metrics.outcomes) != 0 {
		t.Fatalf("metrics = %+v", metrics)
	}
}
