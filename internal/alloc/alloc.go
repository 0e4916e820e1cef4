// Package alloc implements the slice-level allocation algorithms that turn a
// per-terminal PRB demand map into per-terminal PRB grants.
package alloc

import (
	"context"
	"fmt"
	"slices"

	"github.com/signalsfoundry/scope-scheduler/core"
	"github.com/signalsfoundry/scope-scheduler/model"
)

// Demands maps terminals to the PRBs they need this tick.
type Demands map[model.RNTI]int

// Allocation maps terminals to the PRBs granted this tick. Terminals without
// demand are absent.
type Allocation map[model.RNTI]int

// Total returns the sum of all grants.
func (a Allocation) Total() int {
	n := 0
	for _, v := range a {
		n += v
	}
	return n
}

// Slice is a tenant budget handed to an allocator.
type Slice struct {
	ID     int
	PRBs   int
	Policy model.SchedulingPolicy
}

// Ownership resolves the tenant of a terminal.
type Ownership interface {
	SliceOf(rnti model.RNTI) int
}

// Rand is the random source used for tie breaking. *rand.Rand from
// math/rand/v2 satisfies it.
type Rand interface {
	IntN(n int) int
}

// Request is the input of one allocation pass.
type Request struct {
	Demands        Demands
	Slices         []Slice
	SlicingEnabled bool
	Cell           core.Cell
	Owner          Ownership
}

// Allocator shares slice budgets between terminals.
type Allocator interface {
	Allocate(ctx context.Context, req Request) Allocation
}

// Options tune the allocators built by New.
type Options struct {
	Rand  Rand
	Clamp bool
}

// New returns the allocator implementing policy.
func New(policy model.SchedulingPolicy, opts Options) (Allocator, error) {
	switch policy {
	case model.PolicyRoundRobin:
		return RoundRobin{}, nil
	case model.PolicyWaterfilling:
		return &Waterfilling{Rand: opts.Rand, Clamp: opts.Clamp}, nil
	case model.PolicyProportional:
		return Proportional{}, nil
	default:
		return nil, fmt.Errorf("no allocator for %s", policy)
	}
}

// RoundRobin leaves grants to the per-terminal greedy step of the scheduler.
type RoundRobin struct{}

// Allocate implements Allocator.
func (RoundRobin) Allocate(context.Context, Request) Allocation {
	return Allocation{}
}

// target is one budget pass: the implicit whole-cell slice when slicing is
// disabled, otherwise each active slice running policy.
type target struct {
	slice  Slice
	filter bool
}

func (r Request) targets(policy model.SchedulingPolicy) []target {
	if !r.SlicingEnabled {
		return []target{{slice: Slice{ID: 0, PRBs: r.Cell.NofPRB, Policy: policy}}}
	}
	out := make([]target, 0, len(r.Slices))
	for _, s := range r.Slices {
		if s.PRBs <= 0 || s.Policy != policy {
			continue
		}
		out = append(out, target{slice: s, filter: true})
	}
	return out
}

func (t target) owns(owner Ownership, rnti model.RNTI) bool {
	if !t.filter {
		return true
	}
	if owner == nil {
		return false
	}
	return owner.SliceOf(rnti) == t.slice.ID
}

func sortedRNTIs(d Demands) []model.RNTI {
	out := make([]model.RNTI, 0, len(d))
	for r := range d {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}
