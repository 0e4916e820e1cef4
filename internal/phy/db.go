package phy

import (
	"context"
	"sync"

	"github.com/signalsfoundry/scope-scheduler/internal/logging"
	"github.com/signalsfoundry/scope-scheduler/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Recorder receives database size updates.
type Recorder interface {
	SetUEEntries(n int)
}

type cellInfo struct {
	state  CellState
	enbCC  int
	cfg    Config
	lastRI uint8
	lastTB [FDDNofHARQ]ULTransportBlock
}

type entry struct {
	cells [MaxCarriers]cellInfo
	// stash holds the primary carrier configuration until the terminal
	// confirms the reconfiguration.
	stash Config
	acks  [TTIModSize]PendingAck
}

func (e *entry) nofActive() int {
	n := 0
	for _, c := range e.cells {
		if c.state.active() {
			n++
		}
	}
	return n
}

// DB is the terminal configuration database. Every call takes the lock once;
// unknown terminals and inactive carriers yield defaults and a warning.
type DB struct {
	mu      sync.Mutex
	entries map[model.RNTI]*entry

	params Params
	cells  []Cell
	stack  Stack

	log     logging.Logger
	metrics Recorder
	tracer  trace.Tracer
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the diagnostics logger.
func WithLogger(l logging.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.log = l
		}
	}
}

// WithMetricsRecorder wires the entry count gauge.
func WithMetricsRecorder(m Recorder) Option {
	return func(db *DB) { db.metrics = m }
}

// WithStack attaches the feedback sink at construction.
func WithStack(s Stack) Option {
	return func(db *DB) { db.stack = s }
}

// NewDB returns an empty database serving the given eNB carriers.
func NewDB(params Params, cells []Cell, opts ...Option) *DB {
	db := &DB{
		entries: make(map[model.RNTI]*entry),
		params:  params,
		cells:   append([]Cell(nil), cells...),
		log:     logging.Noop(),
		tracer:  otel.Tracer("github.com/signalsfoundry/scope-scheduler/internal/phy"),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// SetStack attaches the feedback sink.
func (db *DB) SetStack(s Stack) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.stack = s
}

// Len returns the number of terminals held.
func (db *DB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.entries)
}

func (db *DB) warn(msg string, rnti model.RNTI, fields ...logging.Field) {
	fields = append([]logging.Field{logging.String("rnti", rnti.String())}, fields...)
	db.log.Warn(context.Background(), msg, fields...)
}

func (db *DB) recordSize() {
	if db.metrics != nil {
		db.metrics.SetUEEntries(len(db.entries))
	}
}

// stamp writes the terminal identity and cell-wide settings into cfg.
func (db *DB) stamp(rnti model.RNTI, cfg *Config) {
	cfg.DL.PDSCHRNTI = rnti
	cfg.UL.PUCCH.RNTI = rnti
	cfg.UL.PUSCH.RNTI = rnti
	cfg.UL.PUSCH.MeasTime = true
	cfg.UL.PUSCH.MeasEPRE = db.params.PUSCHMeasEPRE
	cfg.UL.PUSCH.MeasTA = db.params.PUSCHMeasTA
	cfg.UL.PUSCH.MeasEVM = db.params.PUSCHMeasEVM
	cfg.UL.PUCCH.ThresholdFormat1 = DefaultThresholdFormat1
	cfg.UL.PUCCH.ThresholdFormat1A = DefaultThresholdFormat1A
	cfg.UL.PUCCH.ThresholdFormat2 = DefaultThresholdFormat2
	cfg.UL.PUCCH.ThresholdDMRS = DefaultThresholdDMRS
}

func (db *DB) add(rnti model.RNTI) *entry {
	e := &entry{}
	e.cells[0] = cellInfo{state: CellPrimary, cfg: DefaultConfig()}
	db.stamp(rnti, &e.cells[0].cfg)
	e.stash = e.cells[0].cfg
	for slot := range TTIModSize {
		e.clearSlot(slot)
	}
	db.entries[rnti] = e
	return e
}

func (e *entry) clearSlot(slot int) {
	pcell := e.cells[0].cfg
	e.acks[slot] = PendingAck{
		TransmissionMode: pcell.DL.TransmissionMode,
		NofCC:            e.nofActive(),
		FeedbackMode:     pcell.UL.PUCCH.AckFeedbackMode,
		SimulCQIAck:      pcell.UL.PUCCH.SimulCQIAck,
	}
}

// AddOrUpdate creates the terminal if needed and applies a reconfiguration.
// The primary carrier configuration is stashed until CompleteConfig; only
// its uplink part is applied immediately so the completion can be received.
func (db *DB) AddOrUpdate(ctx context.Context, rnti model.RNTI, list []Dedicated) {
	_, span := db.tracer.Start(ctx, "phy.AddOrUpdate")
	defer span.End()

	db.mu.Lock()
	defer db.mu.Unlock()

	e, ok := db.entries[rnti]
	if !ok {
		e = db.add(rnti)
	}

	configured := 0
	for i := 0; i < len(list) && i < MaxCarriers; i++ {
		d := list[i]
		c := &e.cells[i]
		if !d.Configured && c.state != CellPrimary {
			c.state = CellNone
			continue
		}
		c.enbCC = d.EnbCC
		if c.state == CellPrimary {
			e.stash = d.Config
			db.stamp(rnti, &e.stash)
		} else {
			c.cfg = d.Config
			db.stamp(rnti, &c.cfg)
			c.state = CellSecondaryInactive
		}
		configured++
	}
	// The primary carrier is never dropped by a short list.
	for i := max(len(list), 1); i < MaxCarriers; i++ {
		e.cells[i].state = CellNone
	}

	multiCSI := configured > 1
	for i := range e.cells {
		switch e.cells[i].state {
		case CellSecondaryInactive, CellSecondaryActive:
			e.cells[i].cfg.DL.DCI.MultipleCSIRequest = multiCSI
		case CellPrimary:
			e.stash.DL.DCI.MultipleCSIRequest = multiCSI
		}
	}

	pcell := &e.cells[0].cfg
	n1 := pcell.UL.PUCCH.N1
	pcell.UL = e.stash.UL
	pcell.UL.PUCCH.N1 = n1

	span.SetAttributes(
		attribute.String("phy.rnti", rnti.String()),
		attribute.Int("phy.configured_carriers", configured),
		attribute.Bool("phy.created", !ok),
	)
	db.recordSize()
}

// Remove deletes the terminal. Later lookups return defaults.
func (db *DB) Remove(rnti model.RNTI) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.entries, rnti)
	db.recordSize()
}

// CompleteConfig applies the stashed primary carrier configuration.
func (db *DB) CompleteConfig(rnti model.RNTI) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entries[rnti]
	if !ok {
		db.warn("complete config for unknown terminal", rnti)
		return
	}
	e.cells[0].cfg = e.stash
}

// SetSecondaryActive activates or deactivates secondary carrier ueCC.
func (db *DB) SetSecondaryActive(rnti model.RNTI, ueCC int, active bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entries[rnti]
	if !ok {
		db.warn("carrier activation for unknown terminal", rnti)
		return
	}
	if ueCC <= 0 || ueCC >= MaxCarriers {
		db.warn("carrier activation out of range", rnti, logging.Int("ue_cc", ueCC))
		return
	}
	c := &e.cells[ueCC]
	if active && c.state == CellNone {
		db.warn("activation of unconfigured carrier", rnti, logging.Int("ue_cc", ueCC))
		return
	}
	if active {
		c.state = CellSecondaryActive
	} else {
		c.state = CellSecondaryInactive
	}
}

// ueCC maps an eNB carrier onto the terminal carrier index, or MaxCarriers.
func (e *entry) ueCC(enbCC int) int {
	for i, c := range e.cells {
		if c.enbCC == enbCC && c.state != CellSecondaryInactive && c.state != CellNone {
			return i
		}
	}
	return MaxCarriers
}

// activeCC resolves an active carrier of a known terminal.
func (db *DB) activeCC(rnti model.RNTI, enbCC int) (*entry, int, bool) {
	e, ok := db.entries[rnti]
	if !ok {
		db.warn("unknown terminal", rnti)
		return nil, 0, false
	}
	i := e.ueCC(enbCC)
	if i == MaxCarriers || !e.cells[i].state.active() {
		db.warn("carrier not active for terminal", rnti, logging.Int("enb_cc", enbCC))
		return nil, 0, false
	}
	return e, i, true
}

// primaryCC resolves the terminal's primary carrier.
func (db *DB) primaryCC(rnti model.RNTI, enbCC int) (*entry, bool) {
	e, i, ok := db.activeCC(rnti, enbCC)
	if !ok || e.cells[i].state != CellPrimary {
		return nil, false
	}
	return e, true
}

func (db *DB) config(rnti model.RNTI, enbCC int, stashed bool) Config {
	if !rnti.IsUser() {
		return defaultConfigFor(rnti)
	}
	e, i, ok := db.activeCC(rnti, enbCC)
	if !ok {
		return defaultConfigFor(rnti)
	}
	if i == 0 && stashed {
		return e.stash
	}
	return e.cells[i].cfg
}

// DownlinkConfig returns the applied downlink configuration on enbCC.
func (db *DB) DownlinkConfig(rnti model.RNTI, enbCC int) DLConfig {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.config(rnti, enbCC, false).DL
}

// UplinkConfig returns the applied uplink configuration on enbCC.
func (db *DB) UplinkConfig(rnti model.RNTI, enbCC int) ULConfig {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.config(rnti, enbCC, false).UL
}

// DCIConfig returns the DCI settings on enbCC, read from the stashed primary
// configuration when stashed is set.
func (db *DB) DCIConfig(rnti model.RNTI, enbCC int, stashed bool) DCIConfig {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.config(rnti, enbCC, stashed).DL.DCI
}

// DCIDownlinkConfig returns the DCI settings for downlink assignments.
func (db *DB) DCIDownlinkConfig(rnti model.RNTI, enbCC int) DCIConfig {
	return db.DCIConfig(rnti, enbCC, false)
}

// DCIUplinkConfig returns the DCI settings for uplink grants, which follow
// the pending reconfiguration.
func (db *DB) DCIUplinkConfig(rnti model.RNTI, enbCC int) DCIConfig {
	return db.DCIConfig(rnti, enbCC, true)
}

// ClearPendingAck resets the acknowledgement slot of tti for every terminal.
func (db *DB) ClearPendingAck(tti uint32) {
	db.mu.Lock()
	defer db.mu.Unlock()
	slot := int(tti % TTIModSize)
	for _, e := range db.entries {
		e.clearSlot(slot)
	}
}

// RegisterPendingAck records the acknowledgement expected for a downlink
// grant sent on enbCC in tti.
func (db *DB) RegisterPendingAck(tti uint32, enbCC int, g DLGrant) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, i, ok := db.activeCC(g.RNTI, enbCC)
	if !ok {
		return
	}
	cc := AckCarrier{
		Present:  true,
		GrantCC:  i,
		NCCE:     g.NCCE,
		TPCPUCCH: g.TPCPUCCH,
	}
	for tb := range MaxCodewords {
		if g.TBEnabled[tb] && tb < g.Format.MaxTB() {
			cc.TBExpected[tb] = true
			cc.K++
		}
	}
	e.acks[tti%TTIModSize].CC[i] = cc
}

// BuildUplinkControlRequest works out which uplink control information the
// terminal sends in tti on its primary carrier. The boolean reports whether
// anything must be decoded.
func (db *DB) BuildUplinkControlRequest(tti uint32, enbCC int, rnti model.RNTI, aperiodicRequested, puschAvailable bool) (UCIConfig, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var uci UCIConfig
	e, ok := db.primaryCC(rnti, enbCC)
	if !ok {
		return uci, false
	}
	if pcc := e.cells[0].enbCC; pcc < 0 || pcc >= len(db.cells) {
		db.warn("primary carrier not served", rnti, logging.Int("enb_cc", pcc))
		return uci, false
	}

	pcell := e.cells[0].cfg
	uci.SchedulingRequest = srOpportunity(pcell.UL.PUCCH, tti)
	required := uci.SchedulingRequest

	periodic := false
	for i := 0; i < MaxCarriers && !periodic; i++ {
		c := e.cells[i]
		if !c.state.active() {
			continue
		}
		if periodic = periodicCQI(c.cfg.DL, tti, &uci.CQI); periodic {
			uci.CQI.Carrier = i
		}
	}
	required = required || periodic

	// Aperiodic reports are only taken on the primary carrier.
	if !periodic && aperiodicRequested {
		required = aperiodicCQI(pcell.DL, &uci.CQI) || required
	}

	acks := &e.acks[tti%TTIModSize]
	acks.PUSCHAvailable = puschAvailable
	expectedAcks(acks, &uci)
	return uci, required || uci.TotalAck() > 0
}

// ConsumeUplinkControlResult forwards decoded feedback to the stack: the
// scheduling request, one acknowledgement per expected transport block, and
// the channel quality, precoding and rank reports.
func (db *DB) ConsumeUplinkControlResult(tti uint32, rnti model.RNTI, enbCC int, cfg UCIConfig, v UCIValue) {
	db.mu.Lock()
	defer db.mu.Unlock()

	e, ok := db.primaryCC(rnti, enbCC)
	if !ok {
		return
	}
	if db.stack == nil {
		db.warn("uplink control result without stack", rnti)
		return
	}

	if cfg.SchedulingRequest && v.SchedulingRequest {
		db.stack.SRDetected(tti, rnti)
	}

	acks := &e.acks[tti%TTIModSize]
	for i, cc := range acks.CC {
		if !cc.Present {
			continue
		}
		for tb := range MaxCodewords {
			if cc.TBExpected[tb] {
				db.stack.AckInfo(tti, rnti, e.cells[i].enbCC, tb, v.Ack[i][tb])
			}
		}
	}

	idx := cfg.CQI.Carrier
	if idx < 0 || idx >= MaxCarriers {
		db.warn("report on unknown carrier", rnti, logging.Int("ue_cc", idx))
		return
	}
	c := &e.cells[idx]
	if !c.state.active() {
		db.warn("report on inactive carrier", rnti, logging.Int("ue_cc", idx))
	}

	if v.CQI.DataCRC {
		if cfg.CQI.DataEnable {
			db.stack.CQIInfo(tti, rnti, c.enbCC, cqiOf(cfg.CQI.Type, v.CQI), c.cfg.DL.TransmissionMode)
		}
		if cfg.CQI.PMIPresent {
			switch cfg.CQI.Type {
			case CQIWideband, CQISubbandHL:
				db.stack.PMIInfo(tti, rnti, c.enbCC, v.CQI.PMI)
			default:
				db.warn("precoding report not supported for report type", rnti, logging.Int("cqi_type", int(cfg.CQI.Type)))
			}
		}
	}

	if cfg.CQI.RILen > 0 {
		db.stack.RIInfo(tti, rnti, c.enbCC, v.RI)
		c.lastRI = v.RI
	}
}

// SetLastUplinkGrant stores the grant of HARQ process pid.
func (db *DB) SetLastUplinkGrant(rnti model.RNTI, enbCC, pid int, tb ULTransportBlock) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, i, ok := db.activeCC(rnti, enbCC)
	if !ok {
		return
	}
	e.cells[i].lastTB[harqSlot(pid)] = tb
}

// LastUplinkGrant returns the grant stored for HARQ process pid.
func (db *DB) LastUplinkGrant(rnti model.RNTI, enbCC, pid int) ULTransportBlock {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, i, ok := db.activeCC(rnti, enbCC)
	if !ok {
		return ULTransportBlock{}
	}
	return e.cells[i].lastTB[harqSlot(pid)]
}

func harqSlot(pid int) int {
	s := pid % FDDNofHARQ
	if s < 0 {
		s += FDDNofHARQ
	}
	return s
}

// LastRI returns the rank last reported on terminal carrier ueCC.
func (db *DB) LastRI(rnti model.RNTI, ueCC int) uint8 {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entries[rnti]
	if !ok || ueCC < 0 || ueCC >= MaxCarriers {
		return 0
	}
	return e.cells[ueCC].lastRI
}

// State returns the activation state of terminal carrier ueCC.
func (db *DB) State(rnti model.RNTI, ueCC int) CellState {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entries[rnti]
	if !ok || ueCC < 0 || ueCC >= MaxCarriers {
		return CellNone
	}
	return e.cells[ueCC].state
}
