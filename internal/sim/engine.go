package sim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/scope-scheduler/core"
	"github.com/signalsfoundry/scope-scheduler/internal/config"
	"github.com/signalsfoundry/scope-scheduler/internal/logging"
	"github.com/signalsfoundry/scope-scheduler/internal/mac"
	"github.com/signalsfoundry/scope-scheduler/internal/phy"
	"github.com/signalsfoundry/scope-scheduler/internal/slicing"
	"github.com/signalsfoundry/scope-scheduler/internal/ue"
	"github.com/signalsfoundry/scope-scheduler/model"
	"github.com/signalsfoundry/scope-scheduler/timectrl"
)

const (
	// ackDelay is the FDD gap between a downlink grant and its feedback.
	ackDelay = 4
	// aperiodicPeriod is how often an uplink grant carries a CQI request.
	aperiodicPeriod = 40
	// DefaultNackRate is the probability of a failed transport block.
	DefaultNackRate = 0.1
)

// Metrics is everything the engine and the layers it wires can record.
type Metrics interface {
	mac.Recorder
	phy.Recorder
	AddUECounters(rnti model.RNTI, requested, granted int)
}

// Engine is the synthetic eNB: it owns the terminals, both schedulers and
// the PHY database, and advances them one TTI at a time. Tick is not safe
// for concurrent use.
type Engine struct {
	cell  core.Cell
	enbCC int
	cfg   config.SimConfig

	forceDL bool
	forceUL bool

	ues  []*UE
	byID map[model.RNTI]*UE

	table *ue.Table
	dl    *mac.DLScheduler
	ul    *mac.ULScheduler
	db    *phy.DB

	rng      *rand.Rand
	nackRate float64
	log      logging.Logger
	metrics  Metrics
	now      time.Time

	totals Totals
}

// Totals accumulates what the engine delivered since it was built.
type Totals struct {
	TTIs     int
	DLGrants int
	ULGrants int
	DLBytes  int
	ULBytes  int
	DLRetx   int
	ULRetx   int
	Dropped  int
	SRs      int
	CQIs     int
}

// Report is the outcome of one Tick.
type Report struct {
	TTI      uint32
	DLGrants int
	ULGrants int
	DLBytes  int
	ULBytes  int
	UsedRBGs model.RBGMask
	UsedPRBs int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by every layer.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetricsRecorder wires metrics into the schedulers, the PHY database
// and the per-terminal counters.
func WithMetricsRecorder(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNackRate overrides DefaultNackRate.
func WithNackRate(p float64) Option {
	return func(e *Engine) {
		if p >= 0 && p <= 1 {
			e.nackRate = p
		}
	}
}

// New builds an engine for cfg. registry may be nil when slicing is
// disabled; otherwise terminals are spread round robin over its tenants.
func New(ctx context.Context, cfg config.Config, registry *slicing.Registry, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Scheduler.SlicingEnabled && registry == nil {
		return nil, errors.New("slicing enabled without a registry")
	}

	cell := cfg.CellModel()
	e := &Engine{
		cell:     cell,
		enbCC:    cfg.Cell.EnbCCIdx,
		cfg:      cfg.Sim,
		forceDL:  cfg.Scheduler.ForceDLModulation,
		forceUL:  cfg.Scheduler.ForceULModulation,
		byID:     make(map[model.RNTI]*UE),
		table:    ue.NewTable(),
		rng:      rand.New(rand.NewPCG(cfg.Sim.Seed, cfg.Sim.Seed^0x5ced)),
		nackRate: DefaultNackRate,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	macOpts := []mac.Option{
		mac.WithLogger(e.log),
		mac.WithRand(e.rng),
		mac.WithClock(func() time.Time { return e.now }),
	}
	phyOpts := []phy.Option{phy.WithLogger(e.log), phy.WithStack(e)}
	if e.metrics != nil {
		macOpts = append(macOpts, mac.WithMetricsRecorder(e.metrics))
		phyOpts = append(phyOpts, phy.WithMetricsRecorder(e.metrics))
	}

	tbs := core.ApproxTBSTable{}
	e.dl = mac.NewDLScheduler(cfg.MAC(), cell, registry, e.table, tbs, macOpts...)
	e.ul = mac.NewULScheduler(cfg.MAC(), cell, registry, e.table, macOpts...)

	cells := make([]phy.Cell, e.enbCC+1)
	for i := range cells {
		cells[i] = phy.Cell{ID: uint32(i), NofPRB: cell.NofPRB}
	}
	e.db = phy.NewDB(phy.Params{PUSCHMeasEPRE: true, PUSCHMeasTA: true}, cells, phyOpts...)

	est := core.DemandEstimator{Cell: cell, Table: tbs}
	for i := range cfg.Sim.UEs {
		rnti, ok := model.RNTIFromIndex(i)
		if !ok {
			return nil, fmt.Errorf("no identifier for terminal %d", i)
		}
		u := newUE(rnti, e.enbCC, 4+e.rng.IntN(20), est)
		e.ues = append(e.ues, u)
		e.byID[rnti] = u

		if cfg.Scheduler.SlicingEnabled && cfg.Policy.Tenants > 0 {
			e.table.SetSlice(rnti, i%cfg.Policy.Tenants)
		}
		e.db.AddOrUpdate(ctx, rnti, []phy.Dedicated{{
			Configured: true,
			EnbCC:      e.enbCC,
			Config:     terminalConfig(rnti, i),
		}})
		e.db.CompleteConfig(rnti)
	}
	e.log.Info(ctx, "engine ready",
		logging.Int("ues", len(e.ues)),
		logging.Int("nof_prb", cell.NofPRB),
		logging.Bool("slicing", cfg.Scheduler.SlicingEnabled),
	)
	return e, nil
}

// terminalConfig staggers the control resources of the i-th terminal.
// Odd terminals run closed-loop spatial multiplexing.
func terminalConfig(rnti model.RNTI, i int) phy.Config {
	cfg := phy.DefaultConfig()
	cfg.DL.PDSCHRNTI = rnti
	cfg.UL.PUCCH.RNTI = rnti
	cfg.UL.PUSCH.RNTI = rnti
	if i%2 == 1 {
		cfg.DL.TransmissionMode = 4
	}
	cfg.DL.CQI = phy.CQIConfig{
		PeriodicConfigured:  true,
		Period:              20,
		Offset:              i % 20,
		RIEnabled:           cfg.DL.TransmissionMode == 4,
		RIPeriodFactor:      4,
		Type:                phy.CQIWideband,
		AperiodicConfigured: true,
	}
	cfg.UL.PUCCH.SRConfigured = true
	cfg.UL.PUCCH.SRPeriod = 10
	cfg.UL.PUCCH.SROffset = i % 10
	cfg.UL.PUCCH.N1 = i
	return cfg
}

// UEs returns the terminals in identifier order.
func (e *Engine) UEs() []*UE { return e.ues }

// DB returns the PHY configuration database.
func (e *Engine) DB() *phy.DB { return e.db }

// Table returns the per-terminal records shared with the schedulers.
func (e *Engine) Table() *ue.Table { return e.table }

// Totals returns the counters accumulated so far.
func (e *Engine) Totals() Totals { return e.totals }

// Tick runs one subframe: traffic arrival, downlink and uplink scheduling,
// transmission and feedback.
func (e *Engine) Tick(ctx context.Context, tti uint32, now time.Time) Report {
	e.now = now
	e.totals.TTIs++
	rep := Report{TTI: tti}
	e.arrivals()

	stack := make([]mac.UE, len(e.ues))
	for i, u := range e.ues {
		stack[i] = u
	}
	dci := &pdcch{capacity: e.cfg.DCICapacity}

	ackTTI := (tti + ackDelay) % timectrl.TTIWrap
	e.db.ClearPendingAck(ackTTI)
	dl := newDLTTI(tti, e.cell.NofRBG(), dci)
	e.dl.SchedUsers(ctx, stack, dl)
	for _, g := range dl.grants {
		rep.DLBytes += e.transmitDL(ackTTI, g)
	}
	rep.DLGrants = len(dl.grants)
	rep.UsedRBGs = dl.used

	ul := newULTTI(tti, e.cell.NofPRB, dci)
	e.ul.SchedUsers(ctx, stack, ul)
	for _, g := range ul.grants {
		rep.ULBytes += e.transmitUL(tti, g)
	}
	rep.ULGrants = len(ul.grants)
	rep.UsedPRBs = ul.used.Count()

	for _, u := range e.ues {
		e.feedback(tti, u, ul.allocated[u.rnti])
	}

	if e.metrics != nil {
		for rnti, c := range e.table.DrainCounters() {
			e.metrics.AddUECounters(rnti, c.Requested, c.Granted)
		}
	}

	e.totals.DLGrants += rep.DLGrants
	e.totals.ULGrants += rep.ULGrants
	e.totals.DLBytes += rep.DLBytes
	e.totals.ULBytes += rep.ULBytes
	return rep
}

func (e *Engine) arrivals() {
	if e.cfg.ArrivalBytes <= 0 {
		return
	}
	for _, u := range e.ues {
		u.dlBacklog += e.rng.IntN(e.cfg.ArrivalBytes + 1)
		u.ulBacklog += e.rng.IntN(e.cfg.ArrivalBytes/2 + 1)
	}
}

func (e *Engine) prbsOf(mask model.RBGMask) int {
	n := 0
	for g := range e.cell.NofRBG() {
		if mask.Test(g) {
			_, size := e.cell.RBGSpan(g)
			n += size
		}
	}
	return n
}

// transmitDL commits a downlink grant to its process and registers the
// acknowledgement expected ackDelay subframes later.
func (e *Engine) transmitDL(ackTTI uint32, g dlGrant) int {
	u := g.ue
	h := &u.dl[g.harqID]
	sent := 0
	if h.state == harqRetx {
		e.totals.DLRetx++
	} else {
		sent = min(u.dlBacklog, u.capacity(e.mcsOf(u, model.Downlink), e.prbsOf(g.mask)))
		u.dlBacklog -= sent
		h.bytes = sent
		h.retx = 0
		u.scheduled++
	}
	h.mask = g.mask
	h.state = harqWaitingAck
	u.ackFor[ackTTI] = g.harqID

	format := phy.DCIFormat1
	if e.db.DownlinkConfig(u.rnti, e.enbCC).TransmissionMode == 4 {
		format = phy.DCIFormat2
	}
	e.db.RegisterPendingAck(ackTTI, e.enbCC, phy.DLGrant{
		RNTI:      u.rnti,
		Format:    format,
		NCCE:      g.ncce,
		TBEnabled: [phy.MaxCodewords]bool{true, false},
	})
	return sent
}

// transmitUL commits an uplink grant. The decoding outcome is drawn at once
// and settles the process before it comes round again.
func (e *Engine) transmitUL(tti uint32, g ulGrant) int {
	u := g.ue
	pid := int(tti % uint32(len(u.ul)))
	h := &u.ul[pid]
	mcs := e.mcsOf(u, model.Uplink)
	rv := 0
	if h.state == harqRetx {
		e.totals.ULRetx++
		h.retx++
		rv = h.retx % 4
	} else {
		h.bytes = min(u.ulBacklog, u.capacity(mcs, g.alloc.Length))
		u.ulBacklog -= h.bytes
		h.retx = 0
		u.scheduled++
	}
	h.alloc = g.alloc
	e.db.SetLastUplinkGrant(u.rnti, e.enbCC, pid, phy.ULTransportBlock{
		MCS: mcs,
		TBS: h.bytes * 8,
		RV:  rv,
		NDI: h.retx == 0,
	})

	if e.rng.Float64() >= e.nackRate {
		h.state = harqIdle
		return h.bytes
	}
	if h.retx >= maxRetx {
		e.totals.Dropped++
		h.state = harqIdle
		return 0
	}
	h.state = harqRetx
	return 0
}

// feedback builds the control information u sends in tti, decodes a
// synthetic value for it and hands it back to the database.
func (e *Engine) feedback(tti uint32, u *UE, pusch bool) {
	aperiodic := pusch && tti%aperiodicPeriod == 0
	req, ok := e.db.BuildUplinkControlRequest(tti, e.enbCC, u.rnti, aperiodic, pusch)
	if !ok {
		return
	}
	cqi := cqiFor(e.mcsOf(u, model.Downlink))
	v := phy.UCIValue{
		SchedulingRequest: u.ulBacklog > 0,
		RI:                1,
		CQI: phy.CQIValue{
			DataCRC:  true,
			Wideband: cqi,
			Subband:  cqi,
		},
	}
	for i, k := range req.Ack {
		for tb := range k {
			v.Ack[i][tb] = e.rng.Float64() >= e.nackRate
		}
	}
	e.db.ConsumeUplinkControlResult(tti, u.rnti, e.enbCC, req, v)
}

// mcsOf returns the scheme u transmits with in dir. A forced scheme from the
// terminal table wins when forcing is enabled for dir.
func (e *Engine) mcsOf(u *UE, dir model.Direction) int {
	if (dir == model.Downlink && !e.forceDL) || (dir == model.Uplink && !e.forceUL) {
		return u.mcs
	}
	rec, ok := e.table.Get(u.rnti)
	if !ok {
		return u.mcs
	}
	forced := rec.ForcedDLMCS
	if dir == model.Uplink {
		forced = rec.ForcedULMCS
	}
	if forced <= 0 {
		return u.mcs
	}
	return min(forced, core.MaxMCS)
}

// cqiFor is the wideband quality a terminal at mcs would report.
func cqiFor(mcs int) uint8 {
	return uint8(min(15, max(1, mcs/2+1)))
}

func (e *Engine) SRDetected(uint32, model.RNTI) { e.totals.SRs++ }

func (e *Engine) AckInfo(tti uint32, rnti model.RNTI, _, _ int, ack bool) {
	u, ok := e.byID[rnti]
	if !ok {
		return
	}
	pid, ok := u.ackFor[tti]
	if !ok {
		return
	}
	delete(u.ackFor, tti)
	h := &u.dl[pid]
	switch {
	case ack:
		h.state = harqIdle
	case h.retx >= maxRetx:
		e.totals.Dropped++
		h.state = harqIdle
	default:
		h.retx++
		h.state = harqRetx
	}
}

func (e *Engine) CQIInfo(_ uint32, rnti model.RNTI, _ int, cqi uint8, _ int) {
	e.totals.CQIs++
	if u, ok := e.byID[rnti]; ok && cqi > 0 {
		u.cqi = cqi
	}
}

func (e *Engine) PMIInfo(uint32, model.RNTI, int, uint8) {}

func (e *Engine) RIInfo(_ uint32, rnti model.RNTI, _ int, ri uint8) {
	if u, ok := e.byID[rnti]; ok {
		u.ri = ri
	}
}
