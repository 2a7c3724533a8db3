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

// Package binning groups incoming units into bins by group key and decides
// when a bin is finalized and handed to the merge engine.
package binning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowmerge/flowmerge/pkg/flowunit"
	"github.com/flowmerge/flowmerge/pkg/shared/logging"
)

// ErrBinLimitReached is returned by Assign when placing the unit would
// require a new bin past the open-bin budget. Whether to block or reject is
// the caller's policy.
var ErrBinLimitReached = errors.New("maximum number of open bins reached")

// Manager owns the set of open bins. Assignment and termination evaluation
// are serialized under one lock; a finalized bin leaves the manager and is
// never mutated again.
type Manager struct {
	mu       sync.Mutex
	groups   map[string][]*Bin
	openBins int
	opts     *options
	log      *zap.SugaredLogger
}

// NewManager returns a manager configured by the given options.
func NewManager(ctx context.Context, opts ...Option) (*Manager, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			if err := opt(o); err != nil {
				return nil, err
			}
		}
	}
	if o.minEntries > o.maxEntries {
		return nil, fmt.Errorf("min entries %d exceeds max entries %d", o.minEntries, o.maxEntries)
	}
	if o.minBytes > o.maxBytes {
		return nil, fmt.Errorf("min bytes %d exceeds max bytes %d", o.minBytes, o.maxBytes)
	}
	return &Manager{
		groups: make(map[string][]*Bin),
		opts:   o,
		log:    logging.FromContext(ctx),
	}, nil
}

// Assign places the unit into the most recent open bin for the group key
// that has room for it, opening a new bin when none does. A unit whose size
// alone exceeds the byte budget is placed alone in its own bin and never
// rejected.
func (m *Manager) Assign(unit *flowunit.Unit, groupKey string) (*Bin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	signal := false
	if m.opts.terminationCheck != nil && m.opts.countAttribute == "" {
		matched, err := m.opts.terminationCheck(unit)
		if err != nil {
			return nil, fmt.Errorf("termination check failed for unit %s: %w", unit.ID, err)
		}
		signal = matched
	}

	// oversized singleton: gets its own bin regardless of budget, and does
	// not terminate any other bin even if it matched the predicate
	if m.opts.countAttribute == "" && unit.Size() > m.opts.maxBytes {
		b, err := m.newBinLocked(groupKey)
		if err != nil {
			return nil, err
		}
		b.push(unit)
		m.log.Infow("Unit exceeds max bin size, placed in singleton bin",
			zap.String("unit", unit.ID), zap.Int64("size", unit.Size()), zap.String("groupKey", groupKey))
		return b, nil
	}

	if signal && m.opts.insertion == FirstInNewBin {
		for _, b := range m.groups[groupKey] {
			if !b.signaled {
				b.signal(ReasonPredicate)
			}
		}
	}

	bins := m.groups[groupKey]
	for i := len(bins) - 1; i >= 0; i-- {
		if bins[i].offer(unit) {
			if signal {
				bins[i].signal(ReasonPredicate)
			}
			return bins[i], nil
		}
	}

	b, err := m.newBinLocked(groupKey)
	if err != nil {
		return nil, err
	}
	if !b.offer(unit) {
		// a fresh bin only refuses a unit that is over budget on its own,
		// which the singleton path above already handled
		b.push(unit)
	}
	if signal && m.opts.insertion == LastInBin {
		b.signal(ReasonPredicate)
	}
	return b, nil
}

func (m *Manager) newBinLocked(groupKey string) (*Bin, error) {
	if m.openBins >= m.opts.maxOpenBins {
		return nil, ErrBinLimitReached
	}
	b := newBin(groupKey, m.opts.clock.Now(), m.opts.maxEntries, m.opts.maxBytes, m.opts.countAttribute)
	m.groups[groupKey] = append(m.groups[groupKey], b)
	m.openBins++
	return b, nil
}

// EvaluateTerminations finalizes and returns every bin that meets a
// termination condition as of now: count or byte budget reached, max age
// exceeded, or a predicate signal. Finalization is atomic with respect to
// Assign; no unit can be appended to a returned bin.
func (m *Manager) EvaluateTerminations(now time.Time) []*Bin {
	m.mu.Lock()
	defer m.mu.Unlock()

	var finalized []*Bin
	for key, bins := range m.groups {
		var keep []*Bin
		for _, b := range bins {
			if reason := b.readyReason(now, m.opts.maxAge); reason != ReasonUnset {
				b.finalize(reason)
				m.openBins--
				finalized = append(finalized, b)
				m.log.Infow("Bin finalized",
					zap.String("groupKey", key), zap.Int("members", len(b.members)),
					zap.Int64("bytes", b.byteCount), zap.String("reason", reason.String()))
			} else {
				keep = append(keep, b)
			}
		}
		if len(keep) == 0 {
			delete(m.groups, key)
		} else {
			m.groups[key] = keep
		}
	}
	return finalized
}

// ForceFlush finalizes and returns all open bins regardless of thresholds.
func (m *Manager) ForceFlush() []*Bin {
	m.mu.Lock()
	defer m.mu.Unlock()

	var finalized []*Bin
	for _, bins := range m.groups {
		for _, b := range bins {
			b.finalize(ReasonFlush)
			m.openBins--
			finalized = append(finalized, b)
		}
	}
	m.groups = make(map[string][]*Bin)
	return finalized
}

// OpenBinCount returns the number of currently open bins.
func (m *Manager) OpenBinCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openBins
}
