package model

import (
	"fmt"
	"strconv"
	"strings"
)

// SchedulingPolicy selects the algorithm that shares a slice budget between
// its terminals.
type SchedulingPolicy int

const (
	PolicyRoundRobin   SchedulingPolicy = iota // greedy per-terminal allocation
	PolicyWaterfilling                         // quantized equal-share rounds
	PolicyProportional                         // softmax over demand
)

// ParseSchedulingPolicy converts the numeric feed value into a policy.
func ParseSchedulingPolicy(v int) (SchedulingPolicy, error) {
	switch p := SchedulingPolicy(v); p {
	case PolicyRoundRobin, PolicyWaterfilling, PolicyProportional:
		return p, nil
	default:
		return PolicyRoundRobin, fmt.Errorf("unknown scheduling policy %d", v)
	}
}

// ParseSchedulingPolicyName accepts a policy name as printed by String, or
// its numeric value.
func ParseSchedulingPolicyName(s string) (SchedulingPolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if v, err := strconv.Atoi(s); err == nil {
		return ParseSchedulingPolicy(v)
	}
	for _, p := range []SchedulingPolicy{PolicyRoundRobin, PolicyWaterfilling, PolicyProportional} {
		if p.String() == s {
			return p, nil
		}
	}
	return PolicyRoundRobin, fmt.Errorf("unknown scheduling policy %q", s)
}

func (p SchedulingPolicy) String() string {
	switch p {
	case PolicyRoundRobin:
		return "round_robin"
	case PolicyWaterfilling:
		return "waterfilling"
	case PolicyProportional:
		return "proportional"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Direction distinguishes downlink from uplink resources.
type Direction int

const (
	Downlink Direction = iota
	Uplink
)

func (d Direction) String() string {
	if d == Uplink {
		return "ul"
	}
	return "dl"
}
