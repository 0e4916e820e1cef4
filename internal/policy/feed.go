// Package policy exposes the slicing policy feed: per-tenant allocation masks,
// per-tenant scheduling algorithms and scalar configuration parameters.
package policy

import (
	"errors"

	"github.com/signalsfoundry/scope-scheduler/model"
)

var (
	// ErrNotFound is returned when the feed holds no value for the key.
	ErrNotFound = errors.New("policy: not found")
	// ErrMalformed is returned when the stored value cannot be parsed.
	ErrMalformed = errors.New("policy: malformed")
)

// Well-known parameter names.
const (
	ParamSlicingEnabled = "network_slicing_enabled"
	ParamGlobalPolicy   = "global_scheduling_policy"
	ParamSchedThreshold = "sched_threshold"
	ParamForceDLMod     = "force_dl_modulation"
	ParamForceULMod     = "force_ul_modulation"
)

// Versions is the number of mask versions a feed rotates through.
const Versions = 10

// Feed is read by the slice registry on every refresh.
type Feed interface {
	// Mask returns the allocation mask of tenant for the given version.
	Mask(tenant, version int, dir model.Direction) (model.RBGMask, error)
	// Policy returns the scheduling algorithm of tenant.
	Policy(tenant int) (model.SchedulingPolicy, error)
	// Param returns a scalar configuration parameter.
	Param(name string) (float64, error)
}
