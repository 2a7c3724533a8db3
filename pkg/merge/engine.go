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

// Package merge combines the members of a finalized bin into one output
// unit using one of several container formats. A bin is processed
// synchronously end-to-end by a single worker; a merge either completes
// (possibly with some members unmerged) or fails atomically with the
// partially written output discarded.
package merge

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/flowmerge/flowmerge/pkg/binning"
	"github.com/flowmerge/flowmerge/pkg/flowunit"
	"github.com/flowmerge/flowmerge/pkg/shared/clock"
	"github.com/flowmerge/flowmerge/pkg/shared/idgen"
	"github.com/flowmerge/flowmerge/pkg/shared/logging"
)

// ErrBinAlreadyMerged is returned when Process is invoked on a bin that has
// already been merged. The repeated call produces no output.
var ErrBinAlreadyMerged = errors.New("bin has already been merged")

// ErrDefragmentInvalid is returned when a defragment bin fails structural
// validation; the entire bin is routed to the failure path.
var ErrDefragmentInvalid = errors.New("defragment validation failed")

// Result describes the outcome of merging one bin.
type Result struct {
	// Merged is the bundled output unit, already transferred to the merged
	// path.
	Merged *flowunit.Unit
	// Unmerged lists the members excluded for format-specific reasons;
	// copies of them were transferred to the failure path.
	Unmerged []*flowunit.Unit
	// Reason is the termination condition that finalized the bin.
	Reason binning.EvictionReason
}

// merger is the capability interface every format strategy implements. The
// member list is ordered and each member's content is read exactly once.
type merger interface {
	merge(ctx context.Context, members []*flowunit.Unit) (*flowunit.Unit, error)
	contentType() string
	unmerged() []*flowunit.Unit
}

// Engine dispatches finalized bins to the configured format strategy and
// reconciles the output's attributes.
type Engine struct {
	cfg  *Config
	sess flowunit.Session
	ids  idgen.Generator
	clk  clock.Clock
	log  *zap.SugaredLogger
}

// NewEngine returns an Engine writing through the given session.
func NewEngine(ctx context.Context, cfg *Config, sess flowunit.Session, ids idgen.Generator, clk clock.Clock) *Engine {
	return &Engine{
		cfg:  cfg,
		sess: sess,
		ids:  ids,
		clk:  clk,
		log:  logging.FromContext(ctx),
	}
}

// Process merges one finalized bin. The merged unit goes to the merged
// path, excluded members to the failure path, and the untouched originals to
// the pass-through path tagged with the merge correlation id.
func (e *Engine) Process(ctx context.Context, bin *binning.Bin) (*Result, error) {
	if !bin.MarkProcessed() {
		return nil, ErrBinAlreadyMerged
	}

	members := bin.Members()
	if len(members) == 0 {
		return nil, fmt.Errorf("bin for group key %q has no members", bin.Key())
	}

	if e.cfg.Strategy == StrategyDefragment {
		if err := validateDefragment(members); err != nil {
			e.log.Errorw("Defragment validation failed, routing bin to failure",
				zap.String("groupKey", bin.Key()), zap.Error(err))
			for _, m := range members {
				if terr := e.sess.Transfer(m, flowunit.PathFailed); terr != nil {
					return nil, fmt.Errorf("failed to route invalid fragment %s: %w", m.ID, terr)
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrDefragmentInvalid, err.Error())
		}
		members = sortByFragmentIndex(members)
	}

	m, err := e.mergerFor()
	if err != nil {
		return nil, err
	}

	bundle, err := m.merge(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("%s merge failed: %w", e.cfg.Format, err)
	}

	unmergedMembers := m.unmerged()
	mergedCount := len(members) - len(unmergedMembers)
	correlationID := e.ids.NewUUID()

	attrs := mergedAttributes(e.cfg.AttributeStrategy, members)
	attrs[flowunit.AttrMimeType] = m.contentType()
	attrs[flowunit.AttrFilename] = bundle.Attribute(flowunit.AttrFilename)
	attrs[flowunit.AttrMergeCount] = strconv.Itoa(mergedCount)
	attrs[flowunit.AttrMergeBinAge] = strconv.FormatInt(bin.Age(e.clk.Now()).Milliseconds(), 10)
	attrs[flowunit.AttrMergeUUID] = correlationID
	attrs[flowunit.AttrMergeReason] = bin.EvictionReason().String()
	e.sess.PutAllAttributes(bundle, attrs)

	if err := e.sess.Transfer(bundle, flowunit.PathMerged); err != nil {
		return nil, fmt.Errorf("failed to transfer merged unit: %w", err)
	}

	for _, u := range unmergedMembers {
		cp, err := e.sess.Clone(u)
		if err != nil {
			return nil, fmt.Errorf("failed to clone unmerged unit %s: %w", u.ID, err)
		}
		if err := e.sess.Transfer(cp, flowunit.PathFailed); err != nil {
			return nil, fmt.Errorf("failed to route unmerged unit %s: %w", u.ID, err)
		}
	}

	for _, u := range members {
		e.sess.PutAttribute(u, flowunit.AttrMergeUUID, correlationID)
		if err := e.sess.Transfer(u, flowunit.PathOriginal); err != nil {
			return nil, fmt.Errorf("failed to route original unit %s: %w", u.ID, err)
		}
	}

	e.log.Infow("Merged bin",
		zap.String("groupKey", bin.Key()), zap.Int("merged", mergedCount),
		zap.Int("unmerged", len(unmergedMembers)), zap.String("reason", bin.EvictionReason().String()))

	return &Result{
		Merged:   bundle,
		Unmerged: unmergedMembers,
		Reason:   bin.EvictionReason(),
	}, nil
}

// mergerFor is the tagged dispatch over the configured format.
func (e *Engine) mergerFor() (merger, error) {
	switch e.cfg.Format {
	case FormatConcat:
		return newConcatMerger(e.cfg, e.sess, e.ids), nil
	case FormatTAR:
		return newTarMerger(e.cfg, e.sess, e.ids, e.log), nil
	case FormatZIP:
		return newZipMerger(e.cfg, e.sess, e.ids, e.log), nil
	case FormatStreamV3:
		return newStreamMerger(e.sess, e.ids, streamV3), nil
	case FormatStreamV2:
		return newStreamMerger(e.sess, e.ids, streamV2), nil
	case FormatStreamV1:
		return newStreamMerger(e.sess, e.ids, streamV1), nil
	case FormatAvro:
		return newAvroMerger(e.cfg, e.sess, e.ids, e.log), nil
	default:
		return nil, fmt.Errorf("unknown merge format %q", e.cfg.Format)
	}
}

// mergedFilename derives the output filename: a single member keeps its
// filename, members sharing a segment original filename use that, and
// anything else gets a process-unique token.
func mergedFilename(members []*flowunit.Unit, ids idgen.Generator) string {
	if len(members) == 1 {
		if name := members[0].Attribute(flowunit.AttrFilename); name != "" {
			return name
		}
		return ids.NextToken()
	}
	if name := members[0].Attribute(flowunit.AttrSegmentOrigName); name != "" {
		return name
	}
	return ids.NextToken()
}

// entryPath returns the member's path attribute normalized to a directory
// prefix, or "" when paths are not kept.
func entryPath(u *flowunit.Unit, keepPath bool) string {
	if !keepPath {
		return ""
	}
	p := path.Clean(u.Attribute(flowunit.AttrPath))
	if p == "." || p == "/" || p == "" {
		return ""
	}
	p = strings.TrimPrefix(p, "/")
	return p + "/"
}
