// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package topology

import (
	"fmt"
	"strings"
)

// Distance is a measured distance between two hosts. Smaller is
// closer.
type Distance int64

// Unconnected means no distance is known between two hosts.
const Unconnected Distance = -1

// A DistanceFunction combines the distances from a candidate to each
// member of a cluster into a single score.
type DistanceFunction string

const (
	Avg DistanceFunction = "AVG"
	Max DistanceFunction = "MAX"
	Min DistanceFunction = "MIN"
)

// Apply combines two distances.
func (fn DistanceFunction) Apply(a, b Distance) Distance {
	return fn.Fold(a, b)
}

// Fold combines any number of distances. Avg and Max return
// Unconnected if any input is Unconnected. Min ignores Unconnected
// inputs, returning Unconnected only if all of them are. Folding no
// distances returns Unconnected.
func (fn DistanceFunction) Fold(ds ...Distance) Distance {
	if len(ds) == 0 {
		return Unconnected
	}
	switch fn {
	case Min:
		best := Unconnected
		for _, d := range ds {
			if d == Unconnected {
				continue
			}
			if best == Unconnected || d < best {
				best = d
			}
		}
		return best
	case Max:
		var worst Distance
		for _, d := range ds {
			if d == Unconnected {
				return Unconnected
			}
			if d > worst {
				worst = d
			}
		}
		return worst
	default:
		var sum Distance
		for _, d := range ds {
			if d == Unconnected {
				return Unconnected
			}
			sum += d
		}
		return sum / Distance(len(ds))
	}
}

// Valid returns an error if fn is not a known function.
func (fn DistanceFunction) Valid() error {
	switch fn {
	case Avg, Max, Min:
		return nil
	}
	return fmt.Errorf("unknown distance function %q", string(fn))
}

// UnmarshalText implements encoding.TextUnmarshaler. Names are case
// insensitive.
func (fn *DistanceFunction) UnmarshalText(text []byte) error {
	f := DistanceFunction(strings.ToUpper(string(text)))
	if err := f.Valid(); err != nil {
		return err
	}
	*fn = f
	return nil
}
