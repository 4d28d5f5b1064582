// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package selection

import (
	"fmt"

	"git.arvados.org/rmcore.git/lib/topology"
	"git.arvados.org/rmcore.git/sdk/go/rm"
)

// Kind identifies a placement constraint.
type Kind string

const (
	Arbitrary               Kind = "ARBITRARY"
	BestProximity           Kind = "BEST_PROXIMITY"
	ThresholdProximity      Kind = "THRESHOLD_PROXIMITY"
	SingleHost              Kind = "SINGLE_HOST"
	SingleHostExclusive     Kind = "SINGLE_HOST_EXCLUSIVE"
	MultipleHostsExclusive  Kind = "MULTIPLE_HOSTS_EXCLUSIVE"
	DifferentHostsExclusive Kind = "DIFFERENT_HOSTS_EXCLUSIVE"
)

// Descriptor is a placement constraint. Function applies to
// BestProximity; Threshold applies to ThresholdProximity; Pivot
// applies to both.
//
// If Greedy is true, a request that cannot be satisfied in full
// returns the best smaller selection instead of an error.
type Descriptor struct {
	Kind      Kind                      `json:"kind"`
	Function  topology.DistanceFunction `json:"function,omitempty"`
	Threshold topology.Distance         `json:"threshold,omitempty"`
	Pivot     []rm.Node                 `json:"pivot,omitempty"`
	Greedy    bool                      `json:"greedy,omitempty"`
}

func ArbitraryDescriptor() Descriptor { return Descriptor{Kind: Arbitrary} }

func SingleHostDescriptor() Descriptor { return Descriptor{Kind: SingleHost} }

func SingleHostExclusiveDescriptor() Descriptor { return Descriptor{Kind: SingleHostExclusive} }

func MultipleHostsExclusiveDescriptor() Descriptor { return Descriptor{Kind: MultipleHostsExclusive} }

func DifferentHostsExclusiveDescriptor() Descriptor { return Descriptor{Kind: DifferentHostsExclusive} }

func BestProximityDescriptor(fn topology.DistanceFunction, pivot ...rm.Node) Descriptor {
	return Descriptor{Kind: BestProximity, Function: fn, Pivot: pivot}
}

func ThresholdProximityDescriptor(threshold topology.Distance, pivot ...rm.Node) Descriptor {
	return Descriptor{Kind: ThresholdProximity, Threshold: threshold, Pivot: pivot}
}

// Exclusive returns true if the selected hosts are reserved in full.
func (d Descriptor) Exclusive() bool {
	switch d.Kind {
	case SingleHostExclusive, MultipleHostsExclusive, DifferentHostsExclusive:
		return true
	}
	return false
}

// UsesDistances returns true if the descriptor needs measured
// distances between hosts.
func (d Descriptor) UsesDistances() bool {
	return d.Kind == BestProximity || d.Kind == ThresholdProximity
}

// Validate returns an error if the descriptor is malformed.
func (d Descriptor) Validate() error {
	switch d.Kind {
	case Arbitrary, SingleHost, SingleHostExclusive, MultipleHostsExclusive, DifferentHostsExclusive:
		return nil
	case BestProximity:
		if d.Function == "" {
			return nil
		}
		return d.Function.Valid()
	case ThresholdProximity:
		if d.Threshold < 0 {
			return fmt.Errorf("negative threshold %d", d.Threshold)
		}
		return nil
	}
	return fmt.Errorf("unknown descriptor kind %q", string(d.Kind))
}

func (d Descriptor) function() topology.DistanceFunction {
	if d.Function == "" {
		return topology.Max
	}
	return d.Function
}
