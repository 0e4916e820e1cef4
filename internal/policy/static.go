package policy

import (
	"fmt"
	"sync"

	"github.com/signalsfoundry/scope-scheduler/model"
)

type maskKey struct {
	tenant int
	dir    model.Direction
}

// StaticFeed is an in-memory Feed. It is safe for concurrent use, so a
// controller goroutine may reshape slices while the scheduler runs.
type StaticFeed struct {
	mu       sync.RWMutex
	masks    map[maskKey][]model.RBGMask
	policies map[int]model.SchedulingPolicy
	params   map[string]float64
}

// NewStaticFeed returns an empty feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{
		masks:    make(map[maskKey][]model.RBGMask),
		policies: make(map[int]model.SchedulingPolicy),
		params:   make(map[string]float64),
	}
}

// SetMasks replaces the versioned masks of tenant.
func (s *StaticFeed) SetMasks(tenant int, dir model.Direction, versions ...model.RBGMask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masks[maskKey{tenant, dir}] = append([]model.RBGMask(nil), versions...)
}

// SetPolicy sets the scheduling algorithm of tenant.
func (s *StaticFeed) SetPolicy(tenant int, p model.SchedulingPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[tenant] = p
}

// SetParam sets a scalar parameter.
func (s *StaticFeed) SetParam(name string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[name] = v
}

// Mask implements Feed.
func (s *StaticFeed) Mask(tenant, version int, dir model.Direction) (model.RBGMask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.masks[maskKey{tenant, dir}]
	if version < 0 || version >= len(versions) {
		return 0, fmt.Errorf("tenant %d version %d: %w", tenant, version, ErrNotFound)
	}
	return versions[version], nil
}

// Policy implements Feed.
func (s *StaticFeed) Policy(tenant int) (model.SchedulingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[tenant]
	if !ok {
		return model.PolicyRoundRobin, fmt.Errorf("tenant %d policy: %w", tenant, ErrNotFound)
	}
	return p, nil
}

// Param implements Feed.
func (s *StaticFeed) Param(name string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.params[name]
	if !ok {
		return 0, fmt.Errorf("param %s: %w", name, ErrNotFound)
	}
	return v, nil
}
