package mac

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/signalsfoundry/scope-scheduler/internal/logging"
	"github.com/signalsfoundry/scope-scheduler/internal/policy"
	"github.com/signalsfoundry/scope-scheduler/internal/ue"
	"github.com/signalsfoundry/scope-scheduler/model"
)

func TestValidDFTLength(t *testing.T) {
	tests := []struct {
		n    int
		want bool
	}{
		{0, false},
		{1, true},
		{6, true},
		{7, false},
		{11, false},
		{12, true},
		{14, false},
		{25, true},
		{45, true},
		{49, false},
	}
	for _, tt := range tests {
		if got := ValidDFTLength(tt.n); got != tt.want {
			t.Fatalf("ValidDFTLength(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestULFindAllocation(t *testing.T) {
	s := NewULScheduler(Config{}, cell25, nil, nil)

	tests := []struct {
		name   string
		want   int
		used   []int
		grant  model.PRBInterval
		wantOK bool
	}{
		{name: "trimmed to valid length", want: 7, grant: model.PRBInterval{Start: 0, Length: 6}},
		{name: "exact", want: 8, grant: model.PRBInterval{Start: 0, Length: 8}, wantOK: true},
		{name: "edge guard restarts", want: 4, used: []int{1}, grant: model.PRBInterval{Start: 2, Length: 4}, wantOK: true},
		{name: "stops at used prb", want: 10, used: []int{5}, grant: model.PRBInterval{Start: 0, Length: 5}},
		{name: "cell exhausted", want: 2, used: seq(0, 25)},
	}
	for _, tt := range tests {
		var used model.PRBMask
		for _, p := range tt.used {
			used.Set(p)
		}
		grant, ok := s.findAllocation(tt.want, used)
		if grant != tt.grant || ok != tt.wantOK {
			t.Fatalf("%s: findAllocation = %+v, %v; want %+v, %v", tt.name, grant, ok, tt.grant, tt.wantOK)
		}
	}
}

func seq(from, to int) []int {
	out := make([]int, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, i)
	}
	return out
}

func TestULSliceAllocationConsumesGroups(t *testing.T) {
	s := NewULScheduler(Config{SlicingEnabled: true}, cell25, nil, nil)
	s.tti = newFakeULTTI(0)
	s.masks[2] = policy.RangeMask(3, 5)

	grant := s.findSliceAllocation(4, 2)
	if grant != (model.PRBInterval{Start: 6, Length: 4}) {
		t.Fatalf("grant = %+v, want PRBs 6-9", grant)
	}
	if got := s.masks[2]; got != policy.RangeMask(5, 5) {
		t.Fatalf("working mask = %s, want only group 5", got.Format(13))
	}
}

func TestULRetransmissionsBeforeNewData(t *testing.T) {
	a, b := newFakeUE(70), newFakeUE(71)
	a.ulBytes, a.ulPRBs = 200, 4
	b.ul = &fakeULHarq{id: 3, retx: true, alloc: model.PRBInterval{Start: 0, Length: 4}}
	s := NewULScheduler(Config{}, cell25, nil, nil)

	tti := newFakeULTTI(1)
	s.SchedUsers(context.Background(), asUEs(a, b), tti)

	if len(tti.calls) != 2 || tti.calls[0].rnti != 71 {
		t.Fatalf("calls = %+v, want the retransmission first", tti.calls)
	}
	if got := tti.done[70]; got != (model.PRBInterval{Start: 4, Length: 4}) {
		t.Fatalf("new grant = %+v, want PRBs 4-7", got)
	}
}

func TestULRetransmissionRelocates(t *testing.T) {
	u := newFakeUE(70)
	u.ul = &fakeULHarq{id: 3, retx: true, alloc: model.PRBInterval{Start: 0, Length: 3}}
	s := NewULScheduler(Config{}, cell25, nil, nil)

	tti := newFakeULTTI(0)
	tti.used.SetRange(0, 5)
	s.SchedUsers(context.Background(), asUEs(u), tti)
	if got := tti.done[70]; got != (model.PRBInterval{Start: 5, Length: 3}) {
		t.Fatalf("retx grant = %+v, want PRBs 5-7", got)
	}
}

func TestULControlExhaustionWarns(t *testing.T) {
	u := newFakeUE(70)
	u.ulBytes, u.ulPRBs = 100, 2
	var buf bytes.Buffer
	s := NewULScheduler(Config{}, cell25, nil, nil,
		WithLogger(logging.NewWithWriter(&buf, logging.Config{})))

	tti := newFakeULTTI(0)
	tti.dci = 0
	s.SchedUsers(context.Background(), asUEs(u), tti)
	if len(tti.done) != 0 {
		t.Fatalf("grant issued without control space")
	}
	if !strings.Contains(buf.String(), "no PDCCH space for UL tx") {
		t.Fatalf("missing warning, log = %q", buf.String())
	}
}

func TestULSliceIsolation(t *testing.T) {
	feed := policy.NewStaticFeed()
	feed.SetMasks(0, model.Uplink, policy.RangeMask(0, 3))
	feed.SetMasks(1, model.Uplink, policy.RangeMask(4, 12))
	tbl := ue.NewTable()
	tbl.SetSlice(71, 1)
	tbl.SetSlice(72, 7)
	a, b, c := newFakeUE(70), newFakeUE(71), newFakeUE(72)
	for _, u := range []*fakeUE{a, b, c} {
		u.ulBytes, u.ulPRBs = 1000, 20
	}
	s := NewULScheduler(Config{SlicingEnabled: true}, cell25, slicedRegistry(t, feed), tbl)

	tti := newFakeULTTI(0)
	s.SchedUsers(context.Background(), asUEs(a, b, c), tti)

	if got := tti.done[70]; got != (model.PRBInterval{Start: 0, Length: 8}) {
		t.Fatalf("slice 0 grant = %+v", got)
	}
	// PRBs 8-24 trimmed to 16.
	if got := tti.done[71]; got != (model.PRBInterval{Start: 8, Length: 16}) {
		t.Fatalf("slice 1 grant = %+v", got)
	}
	if _, ok := tti.done[72]; ok {
		t.Fatalf("terminal of an inactive slice was granted")
	}
}
