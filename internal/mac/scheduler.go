// Package mac implements the per-TTI downlink and uplink schedulers. Both run
// on the stack's scheduling thread, once per direction per subframe.
package mac

import (
	"context"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/signalsfoundry/scope-scheduler/internal/alloc"
	"github.com/signalsfoundry/scope-scheduler/internal/logging"
	"github.com/signalsfoundry/scope-scheduler/internal/slicing"
	"github.com/signalsfoundry/scope-scheduler/internal/ue"
	"github.com/signalsfoundry/scope-scheduler/model"
)

// maxPriorityJitter bounds the random offset added to the downlink start
// position.
const maxPriorityJitter = 42

// Config holds the scheduling knobs shared by both directions.
type Config struct {
	EnbCCIdx       int
	SlicingEnabled bool
	// GlobalPolicy applies when slicing is disabled.
	GlobalPolicy model.SchedulingPolicy
	// SchedThreshold is the number of times a terminal is scheduled with
	// the default greedy step before its policy applies.
	SchedThreshold int
	// WaterfillClamp cuts the last waterfilling grant to the remaining
	// demand.
	WaterfillClamp bool
}

// Recorder receives scheduling metrics.
type Recorder interface {
	ObserveTTI(dir model.Direction, d time.Duration)
	IncAllocation(dir model.Direction, outcome string)
	AddPRBs(requested, granted int)
}

type settings struct {
	log     logging.Logger
	metrics Recorder
	rng     alloc.Rand
	now     func() time.Time
}

// Option configures a scheduler.
type Option func(*settings)

// WithLogger sets the diagnostics logger.
func WithLogger(l logging.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsRecorder wires scheduling metrics.
func WithMetricsRecorder(m Recorder) Option {
	return func(s *settings) { s.metrics = m }
}

// WithRand injects the random source used for tie breaking.
func WithRand(r alloc.Rand) Option {
	return func(s *settings) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithClock overrides time.Now, which drives the slice refresh cadence.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		log: logging.Noop(),
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s settings) observe(dir model.Direction, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveTTI(dir, s.now().Sub(start))
	}
}

func (s settings) outcome(dir model.Direction, o AllocOutcome) {
	if s.metrics != nil {
		s.metrics.IncAllocation(dir, o.String())
	}
}

// sortByRNTI returns ues ordered by identifier without touching the input.
func sortByRNTI(ues []UE) []UE {
	out := slices.Clone(ues)
	slices.SortFunc(out, func(a, b UE) int { return int(a.RNTI()) - int(b.RNTI()) })
	return out
}

// sliceContext resolves the tenant of a terminal for one tick.
type sliceContext struct {
	enabled bool
	snap    *slicing.Snapshot
	ues     *ue.Table
}

func (c sliceContext) sliceOf(rnti model.RNTI) int {
	if !c.enabled || c.ues == nil {
		return -1
	}
	return c.ues.SliceOf(rnti)
}

func (c sliceContext) valid(slice int) bool {
	return c.enabled && slice >= 0 && slice < slicing.MaxTenants
}

func (c sliceContext) slices() []alloc.Slice {
	active := c.snap.ActiveTenants()
	out := make([]alloc.Slice, 0, len(active))
	for _, t := range active {
		out = append(out, alloc.Slice{ID: t.ID, PRBs: t.PRBs, Policy: t.Policy})
	}
	return out
}

func snapshotOf(ctx context.Context, reg *slicing.Registry, refresh bool, now time.Time) *slicing.Snapshot {
	if reg == nil {
		return &slicing.Snapshot{}
	}
	if refresh {
		reg.MaybeRefresh(ctx, now)
	}
	return reg.Snapshot()
}
