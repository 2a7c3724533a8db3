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

package merge

import (
	"archive/tar"
	"context"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/flowmerge/flowmerge/pkg/flowunit"
	sharedexpr "github.com/flowmerge/flowmerge/pkg/shared/expr"
	"github.com/flowmerge/flowmerge/pkg/shared/idgen"
)

// classic tar size field limit (11 octal digits); entries at or beyond it
// need the POSIX extended format
const tarClassicMaxSize = 077777777777

const defaultTarMode = 0o644

// tarMerger writes one tar entry per member in order. Bad permission or
// timestamp attributes degrade to defaults; no member is ever unmerged.
type tarMerger struct {
	cfg  *Config
	sess flowunit.Session
	ids  idgen.Generator
	log  *zap.SugaredLogger
}

func newTarMerger(cfg *Config, sess flowunit.Session, ids idgen.Generator, log *zap.SugaredLogger) *tarMerger {
	return &tarMerger{cfg: cfg, sess: sess, ids: ids, log: log}
}

func (t *tarMerger) merge(_ context.Context, members []*flowunit.Unit) (*flowunit.Unit, error) {
	var maxEntrySize int64
	for _, m := range members {
		if m.Size() > maxEntrySize {
			maxEntrySize = m.Size()
		}
	}

	bundle := t.sess.Create(members)
	err := t.sess.Write(bundle, func(w io.Writer) error {
		tw := tar.NewWriter(w)
		for _, m := range members {
			hdr := &tar.Header{
				Name: entryPath(m, t.cfg.KeepPath) + m.Attribute(flowunit.AttrFilename),
				Size: m.Size(),
				Mode: t.entryMode(m),
			}
			if maxEntrySize >= tarClassicMaxSize {
				hdr.Format = tar.FormatPAX
			}
			if mt, ok := t.entryModTime(m); ok {
				hdr.ModTime = mt
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			rc, err := t.sess.Read(m)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, rc)
			_ = rc.Close()
			if err != nil {
				return err
			}
		}
		return tw.Close()
	})
	if err != nil {
		_ = t.sess.Remove(bundle)
		return nil, err
	}

	t.sess.PutAttribute(bundle, flowunit.AttrFilename, mergedFilename(members, t.ids)+".tar")
	return bundle, nil
}

// entryMode parses the member's tar permission attribute: exactly three
// octal digits, anything else falls back to the default mode.
func (t *tarMerger) entryMode(m *flowunit.Unit) int64 {
	v, ok := m.LookupAttribute(flowunit.AttrTarPermissions)
	if !ok {
		return defaultTarMode
	}
	if len(v) != 3 {
		t.log.Debugw("Ignoring invalid tar permissions attribute", zap.String("unit", m.ID), zap.String("value", v))
		return defaultTarMode
	}
	mode, err := strconv.ParseInt(v, 8, 32)
	if err != nil {
		t.log.Debugw("Ignoring invalid tar permissions attribute", zap.String("unit", m.ID), zap.String("value", v))
		return defaultTarMode
	}
	return mode
}

// entryModTime evaluates the configured timestamp expression against the
// member's attributes; only an ISO-8601 result is applied.
func (t *tarMerger) entryModTime(m *flowunit.Unit) (time.Time, bool) {
	if t.cfg.TarModifiedTime == "" {
		return time.Time{}, false
	}
	v, err := sharedexpr.EvalString(t.cfg.TarModifiedTime, m.Attributes())
	if err != nil {
		v = t.cfg.TarModifiedTime
	}
	mt, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t.log.Debugw("Ignoring non ISO-8601 tar modified time", zap.String("unit", m.ID), zap.String("value", v))
		return time.Time{}, false
	}
	return mt, true
}

func (t *tarMerger) contentType() string {
	return "application/tar"
}

func (t *tarMerger) unmerged() []*flowunit.Unit {
	return nil
}
