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
	"archive/zip"
	"context"
	"io"

	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"

	"github.com/flowmerge/flowmerge/pkg/flowunit"
	"github.com/flowmerge/flowmerge/pkg/shared/idgen"
)

// zipMerger writes one zip entry per member. A member whose entry the
// container rejects (a name collision, e.g.) is recorded unmerged and the
// merge continues; partial success is permitted.
type zipMerger struct {
	cfg          *Config
	sess         flowunit.Session
	ids          idgen.Generator
	log          *zap.SugaredLogger
	unmergedList []*flowunit.Unit
}

func newZipMerger(cfg *Config, sess flowunit.Session, ids idgen.Generator, log *zap.SugaredLogger) *zipMerger {
	return &zipMerger{cfg: cfg, sess: sess, ids: ids, log: log}
}

func (z *zipMerger) merge(_ context.Context, members []*flowunit.Unit) (*flowunit.Unit, error) {
	bundle := z.sess.Create(members)
	err := z.sess.Write(bundle, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		level := z.cfg.CompressionLevel
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, level)
		})

		entryNames := make(map[string]struct{}, len(members))
		for _, m := range members {
			entryName := entryPath(m, z.cfg.KeepPath) + m.Attribute(flowunit.AttrFilename)
			if _, dup := entryNames[entryName]; dup {
				z.log.Errorw("Duplicate zip entry name, excluding member from merge",
					zap.String("unit", m.ID), zap.String("entry", entryName))
				z.unmergedList = append(z.unmergedList, m)
				continue
			}
			fw, err := zw.CreateHeader(&zip.FileHeader{
				Name:   entryName,
				Method: zip.Deflate,
			})
			if err != nil {
				z.log.Errorw("Zip writer rejected entry, excluding member from merge",
					zap.String("unit", m.ID), zap.String("entry", entryName), zap.Error(err))
				z.unmergedList = append(z.unmergedList, m)
				continue
			}
			rc, err := z.sess.Read(m)
			if err != nil {
				return err
			}
			_, err = io.Copy(fw, rc)
			_ = rc.Close()
			if err != nil {
				return err
			}
			entryNames[entryName] = struct{}{}
		}
		return zw.Close()
	})
	if err != nil {
		_ = z.sess.Remove(bundle)
		return nil, err
	}

	z.sess.PutAttribute(bundle, flowunit.AttrFilename, mergedFilename(members, z.ids)+".zip")
	return bundle, nil
}

func (z *zipMerger) contentType() string {
	return "application/zip"
}

func (z *zipMerger) unmerged() []*flowunit.Unit {
	return z.unmergedList
}
