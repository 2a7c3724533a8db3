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

// Package processor runs the merge vertex: it ingests unit files from an
// input directory, bins them, and persists merged and failed outputs.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowmerge/flowmerge/pkg/binning"
	"github.com/flowmerge/flowmerge/pkg/flowunit"
	"github.com/flowmerge/flowmerge/pkg/merge"
	"github.com/flowmerge/flowmerge/pkg/shared/clock"
	"github.com/flowmerge/flowmerge/pkg/shared/idgen"
	"github.com/flowmerge/flowmerge/pkg/shared/logging"
)

const attrsSidecarSuffix = ".attrs"

// Options configures the vertex runner around the merge configuration.
type Options struct {
	// InputDir is watched for new unit files. A `<name>.attrs` JSON sidecar
	// provides the unit's attributes.
	InputDir string `mapstructure:"inputDir"`
	// OutputDir receives merged/, failed/ and original/ subdirectories.
	OutputDir string `mapstructure:"outputDir"`
	// PollInterval bounds how often bin terminations are evaluated, and
	// therefore the precision of age-based eviction.
	PollInterval time.Duration `mapstructure:"pollInterval"`
	// Workers is the number of goroutines merging finalized bins.
	Workers int `mapstructure:"workers"`
}

// Validate checks the runner options.
func (o *Options) Validate() error {
	if o.InputDir == "" {
		return fmt.Errorf("input directory is required")
	}
	if o.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", o.PollInterval)
	}
	if o.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", o.Workers)
	}
	return nil
}

// MergeProcessor wires the Bin Manager and the Merge Engine into a file
// backed vertex.
type MergeProcessor struct {
	Opts     *Options
	MergeCfg *merge.Config

	sess   *flowunit.MemorySession
	mgr    *binning.Manager
	engine *merge.Engine
	clk    clock.Clock
	log    *zap.SugaredLogger
}

// Start runs the vertex until the context is cancelled. On shutdown the
// open bins are force-flushed so no accepted unit is silently dropped.
func (p *MergeProcessor) Start(ctx context.Context) error {
	p.log = logging.FromContext(ctx)
	if err := p.Opts.Validate(); err != nil {
		return fmt.Errorf("invalid processor options: %w", err)
	}
	if err := p.MergeCfg.Validate(); err != nil {
		return fmt.Errorf("invalid merge configuration: %w", err)
	}

	p.clk = clock.System()
	p.sess = flowunit.NewMemorySession()
	p.engine = merge.NewEngine(ctx, p.MergeCfg, p.sess, idgen.New(p.clk.Now().UnixNano()), p.clk)

	mgrOpts := append(p.MergeCfg.BinningOptions(), binning.WithClock(p.clk))
	mgr, err := binning.NewManager(ctx, mgrOpts...)
	if err != nil {
		return fmt.Errorf("failed to create bin manager: %w", err)
	}
	p.mgr = mgr

	for _, sub := range []flowunit.Path{flowunit.PathMerged, flowunit.PathFailed, flowunit.PathOriginal} {
		if err := os.MkdirAll(filepath.Join(p.Opts.OutputDir, string(sub)), 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create input watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(p.Opts.InputDir); err != nil {
		return fmt.Errorf("failed to watch input directory %q: %w", p.Opts.InputDir, err)
	}

	binCh := make(chan *binning.Bin)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.Opts.Workers; i++ {
		g.Go(func() error {
			for bin := range binCh {
				p.processBin(gctx, bin)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(binCh)
		if err := p.ingestExisting(gctx); err != nil {
			return err
		}
		ticker := time.NewTicker(p.Opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if event.Op&fsnotify.Create != 0 {
					p.ingestFile(gctx, event.Name)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				p.log.Errorw("Input watcher error", zap.Error(werr))
			case <-ticker.C:
				for _, bin := range p.mgr.EvaluateTerminations(p.clk.Now()) {
					select {
					case binCh <- bin:
					case <-gctx.Done():
						return nil
					}
				}
			}
		}
	})

	err = g.Wait()

	// flush whatever is still open; merge failures here are logged, the
	// original members stay available for reprocessing
	for _, bin := range p.mgr.ForceFlush() {
		p.processBin(context.Background(), bin)
	}
	if perr := p.persistOutputs(); perr != nil {
		err = multierr.Append(err, perr)
	}
	return err
}

func (p *MergeProcessor) processBin(ctx context.Context, bin *binning.Bin) {
	if _, err := p.engine.Process(ctx, bin); err != nil {
		if errors.Is(err, merge.ErrBinAlreadyMerged) {
			return
		}
		p.log.Errorw("Failed to merge bin, members remain for reprocessing",
			zap.String("groupKey", bin.Key()), zap.Error(err))
		return
	}
	if err := p.persistOutputs(); err != nil {
		p.log.Errorw("Failed to persist outputs", zap.Error(err))
	}
}

func (p *MergeProcessor) ingestExisting(ctx context.Context) error {
	entries, err := os.ReadDir(p.Opts.InputDir)
	if err != nil {
		return fmt.Errorf("failed to list input directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p.ingestFile(ctx, filepath.Join(p.Opts.InputDir, e.Name()))
	}
	return nil
}

// ingestFile turns one input file into a unit and assigns it to a bin,
// waiting out the open-bin budget when necessary.
func (p *MergeProcessor) ingestFile(ctx context.Context, path string) {
	name := filepath.Base(path)
	if strings.HasSuffix(name, attrsSidecarSuffix) {
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		p.log.Errorw("Failed to read input file", zap.String("file", path), zap.Error(err))
		return
	}
	attrs := map[string]string{flowunit.AttrFilename: name}
	if sidecar, err := os.ReadFile(path + attrsSidecarSuffix); err == nil {
		if err := json.Unmarshal(sidecar, &attrs); err != nil {
			p.log.Errorw("Ignoring malformed attribute sidecar", zap.String("file", path), zap.Error(err))
		}
		if attrs[flowunit.AttrFilename] == "" {
			attrs[flowunit.AttrFilename] = name
		}
	}

	unit := p.sess.NewUnit(content, attrs)
	key, err := p.MergeCfg.GroupKey(unit)
	if err != nil {
		p.log.Errorw("Failed to derive group key, routing unit to failure",
			zap.String("unit", unit.ID), zap.Error(err))
		_ = p.sess.Transfer(unit, flowunit.PathFailed)
		return
	}

	for {
		_, err := p.mgr.Assign(unit, key)
		if err == nil {
			_ = os.Remove(path)
			_ = os.Remove(path + attrsSidecarSuffix)
			return
		}
		if !errors.Is(err, binning.ErrBinLimitReached) {
			p.log.Errorw("Failed to assign unit, routing to failure",
				zap.String("unit", unit.ID), zap.Error(err))
			_ = p.sess.Transfer(unit, flowunit.PathFailed)
			return
		}
		// backpressure: wait for a bin to retire
		for _, bin := range p.mgr.EvaluateTerminations(p.clk.Now()) {
			p.processBin(ctx, bin)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Opts.PollInterval):
		}
	}
}

// persistOutputs drains the session's transferred units into the output
// subdirectories, content plus attribute sidecar.
func (p *MergeProcessor) persistOutputs() error {
	var errs error
	for _, sub := range []flowunit.Path{flowunit.PathMerged, flowunit.PathFailed, flowunit.PathOriginal} {
		for _, u := range p.sess.DrainTransferred(sub) {
			if err := p.persistUnit(u, sub); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

func (p *MergeProcessor) persistUnit(u *flowunit.Unit, sub flowunit.Path) error {
	name := u.Attribute(flowunit.AttrFilename)
	if name == "" {
		name = u.ID
	}
	target := filepath.Join(p.Opts.OutputDir, string(sub), name)
	rc, err := p.sess.Read(u)
	if err != nil {
		return fmt.Errorf("failed to open unit %s: %w", u.ID, err)
	}
	defer func() { _ = rc.Close() }()

	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create output file %q: %w", target, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write output file %q: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close output file %q: %w", target, err)
	}

	attrs, err := json.Marshal(u.Attributes())
	if err != nil {
		return err
	}
	if err := os.WriteFile(target+attrsSidecarSuffix, attrs, 0o644); err != nil {
		return fmt.Errorf("failed to write attribute sidecar for %q: %w", target, err)
	}
	return p.sess.Remove(u)
}
