// Package config loads the scheduler settings from YAML, the environment and
// the policy feed, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/signalsfoundry/scope-scheduler/core"
	"github.com/signalsfoundry/scope-scheduler/internal/mac"
	"github.com/signalsfoundry/scope-scheduler/internal/policy"
	"github.com/signalsfoundry/scope-scheduler/internal/slicing"
	"github.com/signalsfoundry/scope-scheduler/model"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Environment overrides.
const (
	EnvSlicingEnabled = "SCHED_SLICING_ENABLED"
	EnvGlobalPolicy   = "SCHED_GLOBAL_POLICY"
	EnvPolicyDir      = "SCHED_POLICY_DIR"
)

// Config is the full scheduler configuration.
type Config struct {
	Cell      CellConfig      `yaml:"cell"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Policy    PolicyConfig    `yaml:"policy"`
	Sim       SimConfig       `yaml:"sim"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// CellConfig describes the carrier being scheduled.
type CellConfig struct {
	NofPRB   int `yaml:"nof_prb"`
	EnbCCIdx int `yaml:"enb_cc_idx"`
}

// SchedulerConfig holds the MAC scheduling knobs.
type SchedulerConfig struct {
	SlicingEnabled bool `yaml:"slicing_enabled"`
	// GlobalPolicy is a policy name or its numeric value.
	GlobalPolicy    string        `yaml:"global_policy"`
	SchedThreshold  int           `yaml:"sched_threshold"`
	WaterfillClamp  bool          `yaml:"waterfill_clamp"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// Forced schemes stored per terminal are honoured only when set.
	ForceDLModulation bool `yaml:"force_dl_modulation"`
	ForceULModulation bool `yaml:"force_ul_modulation"`
}

// PolicyConfig locates the policy feed. An empty Dir selects an in-memory
// feed seeded with equal shares for Tenants slices.
type PolicyConfig struct {
	Dir     string `yaml:"dir"`
	Tenants int    `yaml:"tenants"`
}

// SimConfig drives the synthetic stack.
type SimConfig struct {
	UEs          int           `yaml:"ues"`
	TTI          time.Duration `yaml:"tti"`
	Duration     time.Duration `yaml:"duration"`
	Seed         uint64        `yaml:"seed"`
	DCICapacity  int           `yaml:"dci_capacity"`
	ArrivalBytes int           `yaml:"arrival_bytes"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables
// it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// standardWidths are the LTE channel bandwidths in PRBs.
var standardWidths = []int{6, 15, 25, 50, 75, 100}

// Default returns a 25 PRB cell with slicing disabled.
func Default() Config {
	return Config{
		Cell: CellConfig{NofPRB: 25},
		Scheduler: SchedulerConfig{
			GlobalPolicy:    model.PolicyRoundRobin.String(),
			RefreshInterval: slicing.DefaultRefreshInterval,
		},
		Policy: PolicyConfig{Tenants: 2},
		Sim: SimConfig{
			UEs:          4,
			TTI:          time.Millisecond,
			Duration:     10 * time.Second,
			Seed:         1,
			DCICapacity:  6,
			ArrivalBytes: 400,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads the defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv applies the SCHED_* overrides.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvSlicingEnabled); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvSlicingEnabled, v)
		}
		c.Scheduler.SlicingEnabled = b
	}
	if v, ok := os.LookupEnv(EnvGlobalPolicy); ok {
		c.Scheduler.GlobalPolicy = v
	}
	if v, ok := os.LookupEnv(EnvPolicyDir); ok {
		c.Policy.Dir = v
	}
	return nil
}

// ApplyFeedParams overrides the scheduler settings with the scalar
// parameters published by the feed. Missing parameters keep their value.
func (c *Config) ApplyFeedParams(feed policy.Feed) error {
	if feed == nil {
		return nil
	}
	read := func(name string) (float64, bool, error) {
		v, err := feed.Param(name)
		switch {
		case err == nil:
			return v, true, nil
		case errors.Is(err, policy.ErrNotFound):
			return 0, false, nil
		default:
			return 0, false, fmt.Errorf("feed param %s: %w", name, err)
		}
	}

	if v, ok, err := read(policy.ParamSlicingEnabled); err != nil {
		return err
	} else if ok {
		c.Scheduler.SlicingEnabled = v != 0
	}
	if v, ok, err := read(policy.ParamGlobalPolicy); err != nil {
		return err
	} else if ok {
		p, err := model.ParseSchedulingPolicy(int(v))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		c.Scheduler.GlobalPolicy = p.String()
	}
	if v, ok, err := read(policy.ParamSchedThreshold); err != nil {
		return err
	} else if ok {
		c.Scheduler.SchedThreshold = int(v)
	}
	if v, ok, err := read(policy.ParamForceDLMod); err != nil {
		return err
	} else if ok {
		c.Scheduler.ForceDLModulation = v != 0
	}
	if v, ok, err := read(policy.ParamForceULMod); err != nil {
		return err
	} else if ok {
		c.Scheduler.ForceULModulation = v != 0
	}
	return c.Validate()
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	if !slices.Contains(standardWidths, c.Cell.NofPRB) {
		return fmt.Errorf("%w: nof_prb must be one of %v, got %d", ErrInvalid, standardWidths, c.Cell.NofPRB)
	}
	if c.Cell.EnbCCIdx < 0 {
		return fmt.Errorf("%w: enb_cc_idx must be >= 0, got %d", ErrInvalid, c.Cell.EnbCCIdx)
	}
	if _, err := model.ParseSchedulingPolicyName(c.Scheduler.GlobalPolicy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Scheduler.SchedThreshold < 0 {
		return fmt.Errorf("%w: sched_threshold must be >= 0, got %d", ErrInvalid, c.Scheduler.SchedThreshold)
	}
	if c.Scheduler.RefreshInterval <= 0 {
		return fmt.Errorf("%w: refresh_interval must be positive", ErrInvalid)
	}
	if c.Policy.Tenants < 0 || c.Policy.Tenants > slicing.MaxTenants {
		return fmt.Errorf("%w: tenants must be within [0, %d], got %d", ErrInvalid, slicing.MaxTenants, c.Policy.Tenants)
	}
	if c.Sim.UEs < 0 || c.Sim.UEs > model.NumUserRNTIs {
		return fmt.Errorf("%w: ues out of range: %d", ErrInvalid, c.Sim.UEs)
	}
	if c.Sim.TTI <= 0 {
		return fmt.Errorf("%w: tti must be positive", ErrInvalid)
	}
	if c.Sim.DCICapacity < 0 || c.Sim.ArrivalBytes < 0 {
		return fmt.Errorf("%w: dci_capacity and arrival_bytes must be >= 0", ErrInvalid)
	}
	return nil
}

// CellModel returns the resource grid of the configured carrier.
func (c Config) CellModel() core.Cell {
	return core.Cell{NofPRB: c.Cell.NofPRB}
}

// MAC returns the scheduler settings shared by both directions.
func (c Config) MAC() mac.Config {
	p, _ := model.ParseSchedulingPolicyName(c.Scheduler.GlobalPolicy)
	return mac.Config{
		EnbCCIdx:       c.Cell.EnbCCIdx,
		SlicingEnabled: c.Scheduler.SlicingEnabled,
		GlobalPolicy:   p,
		SchedThreshold: c.Scheduler.SchedThreshold,
		WaterfillClamp: c.Scheduler.WaterfillClamp,
	}
}
