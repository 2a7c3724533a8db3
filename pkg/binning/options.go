/*
Copyright 2024 The Flowmerge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package binning

import (
	"fmt"
	"math"
	"time"

	"github.com/flowmerge/flowmerge/pkg/flowunit"
	"github.com/flowmerge/flowmerge/pkg/shared/clock"
)

// TerminationCheck is the early-termination predicate evaluated against each
// incoming unit in bin-pack mode.
type TerminationCheck func(u *flowunit.Unit) (bool, error)

// InsertionLocation controls where a predicate-matching unit lands.
type InsertionLocation int

const (
	// LastInBin appends the triggering unit to the bin it terminates.
	LastInBin InsertionLocation = iota
	// FirstInNewBin finalizes the open bins for the key and places the
	// triggering unit into a fresh bin.
	FirstInNewBin
)

func (l InsertionLocation) String() string {
	switch l {
	case LastInBin:
		return "LastInBin"
	case FirstInNewBin:
		return "FirstInNewBin"
	default:
		return "Unknown"
	}
}

type options struct {
	minEntries       int
	maxEntries       int
	minBytes         int64
	maxBytes         int64
	maxAge           time.Duration
	maxOpenBins      int
	countAttribute   string
	terminationCheck TerminationCheck
	insertion        InsertionLocation
	clock            clock.Clock
}

// Option customizes the Manager.
type Option func(*options) error

func defaultOptions() *options {
	return &options{
		minEntries:  1,
		maxEntries:  1000,
		maxBytes:    math.MaxInt64,
		maxOpenBins: 100,
		insertion:   LastInBin,
		clock:       clock.System(),
	}
}

// WithMinEntries sets the minimum member count honored by relaxed flushes.
func WithMinEntries(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("min entries must be at least 1, got %d", n)
		}
		o.minEntries = n
		return nil
	}
}

// WithMaxEntries sets the maximum member count per bin.
func WithMaxEntries(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("max entries must be at least 1, got %d", n)
		}
		o.maxEntries = n
		return nil
	}
}

// WithMinBytes sets the minimum byte total honored by relaxed flushes.
func WithMinBytes(n int64) Option {
	return func(o *options) error {
		if n < 0 {
			return fmt.Errorf("min bytes must not be negative, got %d", n)
		}
		o.minBytes = n
		return nil
	}
}

// WithMaxBytes sets the maximum byte budget per bin.
func WithMaxBytes(n int64) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("max bytes must be positive, got %d", n)
		}
		o.maxBytes = n
		return nil
	}
}

// WithMaxBinAge sets the maximum time a bin may stay open. Zero disables
// age-based eviction.
func WithMaxBinAge(d time.Duration) Option {
	return func(o *options) error {
		if d < 0 {
			return fmt.Errorf("max bin age must not be negative, got %v", d)
		}
		o.maxAge = d
		return nil
	}
}

// WithMaxOpenBins bounds the number of concurrently open bins.
func WithMaxOpenBins(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("max open bins must be at least 1, got %d", n)
		}
		o.maxOpenBins = n
		return nil
	}
}

// WithCountAttribute switches the manager into defragment counting mode: the
// effective max entry count of each bin is the value of this attribute first
// observed on any member.
func WithCountAttribute(name string) Option {
	return func(o *options) error {
		o.countAttribute = name
		return nil
	}
}

// WithTerminationCheck installs the early-termination predicate and the
// insertion policy for the triggering unit.
func WithTerminationCheck(check TerminationCheck, loc InsertionLocation) Option {
	return func(o *options) error {
		o.terminationCheck = check
		o.insertion = loc
		return nil
	}
}

// WithClock injects the time source used for bin creation and age.
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		o.clock = c
		return nil
	}
}
