package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/scope-scheduler/model"
)

// SchedulerCollector exposes the MAC scheduler, slice registry and PHY
// database metrics. It implements mac.Recorder, slicing.Recorder and
// phy.Recorder.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	TTIDuration   *prometheus.HistogramVec
	Allocations   *prometheus.CounterVec
	PRBsRequested prometheus.Counter
	PRBsGranted   prometheus.Counter

	SliceRefreshes prometheus.Counter
	SliceBudget    *prometheus.GaugeVec

	UEEntries prometheus.Gauge
	UEPRBs    *prometheus.CounterVec
}

// NewSchedulerCollector registers scheduler metrics against reg, defaulting
// to the global Prometheus registry when nil.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	tti, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mac_tti_duration_seconds",
		Help:    "Time spent in one scheduling pass, by direction.",
		Buckets: []float64{0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025},
	}, []string{"direction"}), "mac_tti_duration_seconds")
	if err != nil {
		return nil, err
	}

	allocations, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mac_allocations_total",
		Help: "Grant attempts handed to the TTI allocator, by direction and outcome.",
	}, []string{"direction", "outcome"}), "mac_allocations_total")
	if err != nil {
		return nil, err
	}

	requested, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mac_prbs_requested_total",
		Help: "PRBs requested by terminals in the downlink.",
	}), "mac_prbs_requested_total")
	if err != nil {
		return nil, err
	}
	granted, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mac_prbs_granted_total",
		Help: "PRBs granted to terminals in the downlink.",
	}), "mac_prbs_granted_total")
	if err != nil {
		return nil, err
	}

	refreshes, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slicing_refreshes_total",
		Help: "Slice table refreshes from the policy feed.",
	}), "slicing_refreshes_total")
	if err != nil {
		return nil, err
	}
	budget, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "slicing_budget_prbs",
		Help: "Downlink PRB budget of each slice after the last refresh.",
	}, []string{"slice"}), "slicing_budget_prbs")
	if err != nil {
		return nil, err
	}

	entries, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "phy_ue_entries",
		Help: "Terminals held by the PHY configuration database.",
	}), "phy_ue_entries")
	if err != nil {
		return nil, err
	}
	uePRBs, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ue_prbs_total",
		Help: "Downlink PRBs per terminal, by kind (requested or granted).",
	}, []string{"rnti", "kind"}), "ue_prbs_total")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:       gathererFor(reg),
		TTIDuration:    tti,
		Allocations:    allocations,
		PRBsRequested:  requested,
		PRBsGranted:    granted,
		SliceRefreshes: refreshes,
		SliceBudget:    budget,
		UEEntries:      entries,
		UEPRBs:         uePRBs,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SchedulerCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

// ObserveTTI records the duration of one scheduling pass.
func (c *SchedulerCollector) ObserveTTI(dir model.Direction, d time.Duration) {
	if c == nil || c.TTIDuration == nil {
		return
	}
	c.TTIDuration.WithLabelValues(dir.String()).Observe(d.Seconds())
}

// IncAllocation counts one grant attempt.
func (c *SchedulerCollector) IncAllocation(dir model.Direction, outcome string) {
	if c == nil || c.Allocations == nil {
		return
	}
	c.Allocations.WithLabelValues(dir.String(), outcome).Inc()
}

// AddPRBs accumulates requested and granted PRBs.
func (c *SchedulerCollector) AddPRBs(requested, granted int) {
	if c == nil {
		return
	}
	if c.PRBsRequested != nil && requested > 0 {
		c.PRBsRequested.Add(float64(requested))
	}
	if c.PRBsGranted != nil && granted > 0 {
		c.PRBsGranted.Add(float64(granted))
	}
}

// IncSliceRefresh counts one slice table refresh.
func (c *SchedulerCollector) IncSliceRefresh() {
	if c == nil || c.SliceRefreshes == nil {
		return
	}
	c.SliceRefreshes.Inc()
}

// SetSliceBudget publishes the budget of a slice.
func (c *SchedulerCollector) SetSliceBudget(tenant, prbs int) {
	if c == nil || c.SliceBudget == nil {
		return
	}
	c.SliceBudget.WithLabelValues(strconv.Itoa(tenant)).Set(float64(prbs))
}

// SetUEEntries updates the PHY database size gauge.
func (c *SchedulerCollector) SetUEEntries(n int) {
	if c == nil || c.UEEntries == nil {
		return
	}
	c.UEEntries.Set(float64(n))
}

// AddUECounters accumulates the per-terminal counters drained from the UE
// table.
func (c *SchedulerCollector) AddUECounters(rnti model.RNTI, requested, granted int) {
	if c == nil || c.UEPRBs == nil {
		return
	}
	label := rnti.String()
	if requested > 0 {
		c.UEPRBs.WithLabelValues(label, "requested").Add(float64(requested))
	}
	if granted > 0 {
		c.UEPRBs.WithLabelValues(label, "granted").Add(float64(granted))
	}
}
