package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/signalsfoundry/scope-scheduler/model"
)

func TestSchedulerCollectorRecordsMAC(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}

	c.ObserveTTI(model.Downlink, 120*time.Microsecond)
	c.ObserveTTI(model.Downlink, 80*time.Microsecond)
	c.ObserveTTI(model.Uplink, 50*time.Microsecond)
	c.IncAllocation(model.Downlink, "success")
	c.IncAllocation(model.Downlink, "success")
	c.IncAllocation(model.Uplink, "dci_collision")
	c.AddPRBs(10, 0)
	c.AddPRBs(0, 8)
	c.AddPRBs(-1, -1)

	if got := histogramSampleCount(t, reg, "mac_tti_duration_seconds", map[string]string{"direction": "dl"}); got != 2 {
		t.Fatalf("dl tti samples = %d, want 2", got)
	}
	if got := testutil.ToFloat64(c.Allocations.WithLabelValues("dl", "success")); got != 2 {
		t.Fatalf("dl successes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Allocations.WithLabelValues("ul", "dci_collision")); got != 1 {
		t.Fatalf("ul dci collisions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.PRBsRequested); got != 10 {
		t.Fatalf("requested = %v, want 10", got)
	}
	if got := testutil.ToFloat64(c.PRBsGranted); got != 8 {
		t.Fatalf("granted = %v, want 8", got)
	}
}

func TestSchedulerCollectorRecordsSlicesAndPHY(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}

	c.IncSliceRefresh()
	c.SetSliceBudget(0, 12)
	c.SetSliceBudget(1, 13)
	c.SetSliceBudget(1, 0)
	c.SetUEEntries(3)
	c.AddUECounters(0x46, 6, 4)
	c.AddUECounters(0x46, 2, 0)

	if got := testutil.ToFloat64(c.SliceRefreshes); got != 1 {
		t.Fatalf("refreshes = %v", got)
	}
	if got := testutil.ToFloat64(c.SliceBudget.WithLabelValues("0")); got != 12 {
		t.Fatalf("slice 0 budget = %v", got)
	}
	if got := testutil.ToFloat64(c.SliceBudget.WithLabelValues("1")); got != 0 {
		t.Fatalf("slice 1 budget = %v", got)
	}
	if got := testutil.ToFloat64(c.UEEntries); got != 3 {
		t.Fatalf("ue entries = %v", got)
	}
	if got := testutil.ToFloat64(c.UEPRBs.WithLabelValues("0x46", "requested")); got != 8 {
		t.Fatalf("ue requested = %v, want 8", got)
	}
	if got := testutil.ToFloat64(c.UEPRBs.WithLabelValues("0x46", "granted")); got != 4 {
		t.Fatalf("ue granted = %v, want 4", got)
	}
}

func TestSchedulerCollectorReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	second, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("second NewSchedulerCollector: %v", err)
	}
	second.IncSliceRefresh()
	if got := testutil.ToFloat64(first.SliceRefreshes); got != 1 {
		t.Fatalf("collectors not shared, first sees %v", got)
	}
}

func TestRegisterRejectsIncompatibleType(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{Name: "slicing_refreshes_total", Help: "x"}))
	if _, err := NewSchedulerCollector(reg); err == nil {
		t.Fatalf("expected an error for a gauge registered under a counter name")
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *SchedulerCollector
	c.ObserveTTI(model.Uplink, time.Millisecond)
	c.IncAllocation(model.Uplink, "success")
	c.AddPRBs(1, 1)
	c.IncSliceRefresh()
	c.SetSliceBudget(0, 1)
	c.SetUEEntries(1)
	c.AddUECounters(70, 1, 1)
	if c.Gatherer() != nil {
		t.Fatalf("nil collector returned a gatherer")
	}
}

func TestMetricsHandlerExposesSchedulerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	c.ObserveTTI(model.Downlink, time.Microsecond)
	c.IncAllocation(model.Downlink, "success")
	c.AddPRBs(2, 2)
	c.IncSliceRefresh()
	c.SetSliceBudget(0, 25)
	c.SetUEEntries(1)
	c.AddUECounters(70, 1, 1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"mac_tti_duration_seconds",
		"mac_allocations_total",
		"mac_prbs_requested_total",
		"mac_prbs_granted_total",
		"slicing_refreshes_total",
		`slicing_budget_prbs{slice="0"} 25`,
		"phy_ue_entries 1",
		"ue_prbs_total",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
