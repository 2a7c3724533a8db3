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
	"strconv"
	"time"

	"go.uber.org/atomic"

	"github.com/flowmerge/flowmerge/pkg/flowunit"
)

// EvictionReason records which termination condition finalized a bin. It is
// propagated into the merged output's attributes.
type EvictionReason int

const (
	ReasonUnset EvictionReason = iota
	ReasonMaxEntries
	ReasonMaxBytes
	ReasonMaxAge
	ReasonPredicate
	ReasonFlush
)

func (r EvictionReason) String() string {
	switch r {
	case ReasonMaxEntries:
		return "MaxEntriesReached"
	case ReasonMaxBytes:
		return "MaxBytesReached"
	case ReasonMaxAge:
		return "MaxBinAgeReached"
	case ReasonPredicate:
		return "TerminationPredicate"
	case ReasonFlush:
		return "ForcedFlush"
	default:
		return "Unset"
	}
}

// Bin is one open group of units awaiting merge. All mutation happens under
// the owning Manager's lock; after finalization a bin is read-only and owned
// by a single merge worker.
type Bin struct {
	key       string
	members   []*flowunit.Unit
	byteCount int64
	created   time.Time

	maxEntries int
	maxBytes   int64

	// defragment mode: the effective max entry count comes from the count
	// attribute first observed on any member. -1 until observed.
	countAttribute string
	expectedCount  int

	reason    EvictionReason
	signaled  bool
	finalized bool
	processed *atomic.Bool
}

func newBin(key string, created time.Time, maxEntries int, maxBytes int64, countAttribute string) *Bin {
	return &Bin{
		key:            key,
		created:        created,
		maxEntries:     maxEntries,
		maxBytes:       maxBytes,
		countAttribute: countAttribute,
		expectedCount:  -1,
		processed:      atomic.NewBool(false),
	}
}

// offer appends the unit if the bin has room for it. Returns false when the
// bin is finalized, predicate-signaled, or out of budget.
func (b *Bin) offer(u *flowunit.Unit) bool {
	if b.finalized || b.signaled {
		return false
	}
	if b.countAttribute != "" {
		// Until a member declares the fragment count the bin accepts
		// unboundedly many units.
		if b.expectedCount >= 0 && len(b.members) >= b.expectedCount {
			return false
		}
	} else {
		if len(b.members) >= b.maxEntries {
			return false
		}
		if b.byteCount+u.Size() > b.maxBytes {
			return false
		}
	}
	b.push(u)
	return true
}

// push appends without a budget check. Used for the oversized singleton case.
func (b *Bin) push(u *flowunit.Unit) {
	b.members = append(b.members, u)
	b.byteCount += u.Size()
	if b.countAttribute != "" && b.expectedCount < 0 {
		if v, ok := u.LookupAttribute(b.countAttribute); ok {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				b.expectedCount = n
			}
		}
	}
}

// readyReason reports the termination condition the bin currently meets, or
// ReasonUnset when it should stay open.
func (b *Bin) readyReason(now time.Time, maxAge time.Duration) EvictionReason {
	if b.signaled {
		return b.reason
	}
	if b.countAttribute != "" {
		if b.expectedCount >= 0 && len(b.members) >= b.expectedCount {
			return ReasonMaxEntries
		}
	} else {
		if len(b.members) >= b.maxEntries {
			return ReasonMaxEntries
		}
		if b.byteCount >= b.maxBytes {
			return ReasonMaxBytes
		}
	}
	if maxAge > 0 && now.Sub(b.created) >= maxAge {
		return ReasonMaxAge
	}
	return ReasonUnset
}

// signal marks the bin for finalization on the next evaluation pass; a
// signaled bin accepts no further units.
func (b *Bin) signal(reason EvictionReason) {
	b.signaled = true
	b.reason = reason
}

func (b *Bin) finalize(reason EvictionReason) {
	b.finalized = true
	b.reason = reason
}

// Key returns the group key the bin was opened for.
func (b *Bin) Key() string {
	return b.key
}

// Members returns the ordered member list. The returned slice must not be
// mutated; callers needing a different order work on a copy.
func (b *Bin) Members() []*flowunit.Unit {
	return b.members
}

// ByteCount returns the running total of member content lengths.
func (b *Bin) ByteCount() int64 {
	return b.byteCount
}

// Created returns the bin creation time.
func (b *Bin) Created() time.Time {
	return b.created
}

// Age returns how long the bin has been open as of now.
func (b *Bin) Age(now time.Time) time.Duration {
	return now.Sub(b.created)
}

// EvictionReason returns the condition that finalized the bin.
func (b *Bin) EvictionReason() EvictionReason {
	return b.reason
}

// Finalized reports whether the bin has been handed off for merging.
func (b *Bin) Finalized() bool {
	return b.finalized
}

// MarkProcessed flips the bin into the processed state exactly once. The
// merge engine uses it to reject a second merge of the same bin.
func (b *Bin) MarkProcessed() bool {
	return b.processed.CompareAndSwap(false, true)
}
