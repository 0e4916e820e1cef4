// Package slicing maintains the tenant (slice) table consumed by the
// schedulers. The table is rebuilt from a policy feed on a fixed cadence and
// published as an immutable snapshot.
package slicing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/scope-scheduler/core"
	"github.com/signalsfoundry/scope-scheduler/internal/logging"
	"github.com/signalsfoundry/scope-scheduler/internal/policy"
	"github.com/signalsfoundry/scope-scheduler/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// MaxTenants bounds the tenant table.
	MaxTenants = 10
	// DefaultRefreshInterval is how often the feed is re-read.
	DefaultRefreshInterval = 250 * time.Millisecond
)

// Tenant is one slice as seen by the schedulers.
type Tenant struct {
	ID     int
	PRBs   int
	Policy model.SchedulingPolicy
	DLMask model.RBGMask
	ULMask model.RBGMask
}

// Active reports whether the tenant holds any budget.
func (t Tenant) Active() bool { return t.PRBs > 0 }

// WorkingMasks are the per-tick copies of the tenant masks. Groups are
// cleared as they get allocated during a tick.
type WorkingMasks [MaxTenants]model.RBGMask

// Snapshot is an immutable view of the tenant table.
type Snapshot struct {
	Version     int
	RefreshedAt time.Time
	Tenants     [MaxTenants]Tenant
}

// Tenant returns the tenant with the given id.
func (s *Snapshot) Tenant(id int) (Tenant, bool) {
	if s == nil || id < 0 || id >= MaxTenants {
		return Tenant{}, false
	}
	return s.Tenants[id], true
}

// ActiveTenants lists tenants with a non-zero budget in id order.
func (s *Snapshot) ActiveTenants() []Tenant {
	if s == nil {
		return nil
	}
	out := make([]Tenant, 0, MaxTenants)
	for _, t := range s.Tenants {
		if t.Active() {
			out = append(out, t)
		}
	}
	return out
}

// Masks returns fresh working copies of the persistent masks for dir.
func (s *Snapshot) Masks(dir model.Direction) WorkingMasks {
	var w WorkingMasks
	if s == nil {
		return w
	}
	for i, t := range s.Tenants {
		if dir == model.Uplink {
			w[i] = t.ULMask
		} else {
			w[i] = t.DLMask
		}
	}
	return w
}

// Recorder receives refresh metrics.
type Recorder interface {
	IncSliceRefresh()
	SetSliceBudget(tenant, prbs int)
}

// Registry owns the published snapshot. Refreshes are serialised; readers
// never block.
type Registry struct {
	cell     core.Cell
	feed     policy.Feed
	interval time.Duration
	log      logging.Logger
	metrics  Recorder
	tracer   trace.Tracer

	current atomic.Pointer[Snapshot]

	mu          sync.Mutex
	version     int
	lastRefresh time.Time
	refreshed   bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithRefreshInterval overrides DefaultRefreshInterval.
func WithRefreshInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetricsRecorder wires refresh metrics.
func WithMetricsRecorder(m Recorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns a registry holding an empty snapshot until the first
// refresh.
func NewRegistry(cell core.Cell, feed policy.Feed, opts ...Option) *Registry {
	r := &Registry{
		cell:     cell,
		feed:     feed,
		interval: DefaultRefreshInterval,
		log:      logging.Noop(),
		tracer:   otel.Tracer("github.com/signalsfoundry/scope-scheduler/internal/slicing"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(&Snapshot{})
	return r
}

// Snapshot returns the latest published table.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// MaybeRefresh refreshes when the cadence has elapsed and reports whether it
// did.
func (r *Registry) MaybeRefresh(ctx context.Context, now time.Time) bool {
	r.mu.Lock()
	due := !r.refreshed || now.Sub(r.lastRefresh) >= r.interval
	r.mu.Unlock()
	if !due {
		return false
	}
	r.Refresh(ctx, now)
	return true
}

// Refresh rebuilds the table from the feed at the current version and
// publishes it.
func (r *Registry) Refresh(ctx context.Context, now time.Time) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := r.tracer.Start(ctx, "slicing.Refresh")
	defer span.End()

	snap := &Snapshot{Version: r.version, RefreshedAt: now}
	malformed := false
	nofRBG := r.cell.NofRBG()
	for id := range MaxTenants {
		dl, bad := r.readMask(ctx, id, model.Downlink)
		malformed = malformed || bad
		ul, bad := r.readMask(ctx, id, model.Uplink)
		malformed = malformed || bad

		t := Tenant{
			ID:     id,
			Policy: r.readPolicy(ctx, id),
			DLMask: dl.Truncate(nofRBG),
			ULMask: ul.Truncate(nofRBG),
		}
		t.PRBs = r.cell.MaskBudget(t.DLMask)
		snap.Tenants[id] = t
		if r.metrics != nil {
			r.metrics.SetSliceBudget(id, t.PRBs)
		}
	}

	if malformed {
		r.version = 0
	} else {
		r.version = (r.version + 1) % policy.Versions
	}
	r.lastRefresh = now
	r.refreshed = true
	r.current.Store(snap)

	if r.metrics != nil {
		r.metrics.IncSliceRefresh()
	}
	span.SetAttributes(
		attribute.Int("slicing.version", snap.Version),
		attribute.Int("slicing.active_tenants", len(snap.ActiveTenants())),
		attribute.Bool("slicing.malformed", malformed),
	)
	r.log.Debug(ctx, "slice table refreshed",
		logging.Int("version", snap.Version),
		logging.Int("active_tenants", len(snap.ActiveTenants())),
	)
	return snap
}

// readMask reads the current version, falling back to version 0 when the
// feed holds fewer versions. The boolean reports malformed data.
func (r *Registry) readMask(ctx context.Context, tenant int, dir model.Direction) (model.RBGMask, bool) {
	if r.feed == nil {
		return 0, false
	}
	m, err := r.feed.Mask(tenant, r.version, dir)
	if errors.Is(err, policy.ErrNotFound) && r.version > 0 {
		m, err = r.feed.Mask(tenant, 0, dir)
	}
	switch {
	case err == nil:
		return m, false
	case errors.Is(err, policy.ErrNotFound):
		return 0, false
	case errors.Is(err, policy.ErrMalformed):
		r.log.Warn(ctx, "malformed slice mask",
			logging.Int("tenant", tenant),
			logging.String("direction", dir.String()),
			logging.Err(err),
		)
		return 0, true
	default:
		r.log.Warn(ctx, "slice mask read failed",
			logging.Int("tenant", tenant),
			logging.String("direction", dir.String()),
			logging.Err(err),
		)
		return 0, false
	}
}

func (r *Registry) readPolicy(ctx context.Context, tenant int) model.SchedulingPolicy {
	if r.feed == nil {
		return model.PolicyRoundRobin
	}
	p, err := r.feed.Policy(tenant)
	if err != nil {
		if !errors.Is(err, policy.ErrNotFound) {
			r.log.Warn(ctx, "slice policy unreadable, using round robin",
				logging.Int("tenant", tenant),
				logging.Err(err),
			)
		}
		return model.PolicyRoundRobin
	}
	return p
}
