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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/linkedin/goavro/v2"
	"go.uber.org/zap"

	"github.com/flowmerge/flowmerge/pkg/flowunit"
	"github.com/flowmerge/flowmerge/pkg/shared/idgen"
)

const avroNullCodec = "null"

// avroMerger appends the records of independent Avro object-container files
// into one container. The first member establishes the schema, the metadata
// (per policy) and the codec; a member failing the required checks is
// excluded and the rest proceed.
type avroMerger struct {
	cfg          *Config
	sess         flowunit.Session
	ids          idgen.Generator
	log          *zap.SugaredLogger
	unmergedList []*flowunit.Unit
}

func newAvroMerger(cfg *Config, sess flowunit.Session, ids idgen.Generator, log *zap.SugaredLogger) *avroMerger {
	return &avroMerger{cfg: cfg, sess: sess, ids: ids, log: log}
}

func (a *avroMerger) merge(_ context.Context, members []*flowunit.Unit) (*flowunit.Unit, error) {
	bundle := a.sess.Create(members)
	err := a.sess.Write(bundle, func(w io.Writer) error {
		var (
			writer          *goavro.OCFWriter
			canonicalSchema string
			codecName       string
			metadata        map[string][]byte
		)

		for _, m := range members {
			rc, err := a.sess.Read(m)
			if err != nil {
				return err
			}
			err = func() error {
				defer func() { _ = rc.Close() }()

				ocf, err := goavro.NewOCFReader(bufio.NewReader(rc))
				if err != nil {
					a.log.Errorw("Member is not a readable avro container, excluding from merge",
						zap.String("unit", m.ID), zap.Error(err))
					a.unmergedList = append(a.unmergedList, m)
					return nil
				}

				memberCodec := ocf.CompressionName()
				if memberCodec == "" {
					memberCodec = avroNullCodec
				}

				if writer == nil {
					// first readable member establishes schema, codec and
					// metadata for the output container
					canonicalSchema = ocf.Codec().CanonicalSchema()
					codecName = memberCodec
					if a.cfg.MetadataStrategy != MetadataIgnore {
						metadata = nonReservedMeta(ocf.MetaData())
					}
					writer, err = goavro.NewOCFWriter(goavro.OCFConfig{
						W:               w,
						Codec:           ocf.Codec(),
						CompressionName: codecName,
						MetaData:        metadata,
					})
					if err != nil {
						return fmt.Errorf("failed to create avro container writer: %w", err)
					}
					return a.appendRecords(writer, ocf)
				}

				if ocf.Codec().CanonicalSchema() != canonicalSchema {
					a.log.Debugw("Member has a different schema, excluding from merge", zap.String("unit", m.ID))
					a.unmergedList = append(a.unmergedList, m)
					return nil
				}
				if memberCodec != codecName {
					a.log.Debugw("Member has a different codec, excluding from merge", zap.String("unit", m.ID))
					a.unmergedList = append(a.unmergedList, m)
					return nil
				}
				if a.cfg.MetadataStrategy == MetadataDoNotMerge || a.cfg.MetadataStrategy == MetadataKeepCommon {
					if !a.metadataMatches(metadata, nonReservedMeta(ocf.MetaData())) {
						a.log.Debugw("Member has different non-reserved metadata, excluding from merge", zap.String("unit", m.ID))
						a.unmergedList = append(a.unmergedList, m)
						return nil
					}
				}
				return a.appendRecords(writer, ocf)
			}()
			if err != nil {
				return err
			}
		}

		if writer == nil {
			return fmt.Errorf("no member established an avro schema")
		}
		return nil
	})
	if err != nil {
		_ = a.sess.Remove(bundle)
		return nil, err
	}

	a.sess.PutAttribute(bundle, flowunit.AttrFilename, mergedFilename(members, a.ids))
	return bundle, nil
}

func (a *avroMerger) appendRecords(writer *goavro.OCFWriter, ocf *goavro.OCFReader) error {
	var batch []interface{}
	for ocf.Scan() {
		datum, err := ocf.Read()
		if err != nil {
			return fmt.Errorf("failed to read avro record: %w", err)
		}
		batch = append(batch, datum)
	}
	if err := ocf.Err(); err != nil {
		return fmt.Errorf("failed to read avro container: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}
	return writer.Append(batch)
}

// metadataMatches compares a member's non-reserved metadata against the
// established set. With do-not-merge any deviation excludes the member;
// keep-common tolerates keys the first member did not declare.
func (a *avroMerger) metadataMatches(established, memberMeta map[string][]byte) bool {
	if a.cfg.MetadataStrategy == MetadataDoNotMerge && len(memberMeta) != len(established) {
		return false
	}
	for k, v := range memberMeta {
		wv, ok := established[k]
		if bytes.Equal(v, wv) {
			continue
		}
		if a.cfg.MetadataStrategy != MetadataKeepCommon || ok {
			return false
		}
	}
	return true
}

func nonReservedMeta(meta map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(meta))
	for k, v := range meta {
		if strings.HasPrefix(k, "avro.") {
			continue
		}
		out[k] = v
	}
	return out
}

func (a *avroMerger) contentType() string {
	return "application/avro-binary"
}

func (a *avroMerger) unmerged() []*flowunit.Unit {
	return a.unmergedList
}
