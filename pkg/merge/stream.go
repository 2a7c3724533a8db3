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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/flowmerge/flowmerge/pkg/flowunit"
	"github.com/flowmerge/flowmerge/pkg/shared/idgen"
)

// streamVersion tags the three wire versions of the framed unit stream.
type streamVersion int

const (
	// streamV1 packages each unit as a pair of tar entries: the attribute
	// map as JSON followed by the raw content.
	streamV1 streamVersion = 1
	// streamV2 frames each unit as a length-prefixed attribute list and
	// content block.
	streamV2 streamVersion = 2
	// streamV3 is streamV2 with a per-frame magic marker, making the
	// stream self-identifying.
	streamV3 streamVersion = 3
)

var streamV3Magic = []byte("FMSTRM3")

const (
	streamV1AttributesEntry = "unit.attributes"
	streamV1ContentEntry    = "unit.content"
)

// streamMerger repackages each member with its full attribute set and
// length into a self-describing stream. It never rejects a member.
type streamMerger struct {
	sess    flowunit.Session
	ids     idgen.Generator
	version streamVersion
}

func newStreamMerger(sess flowunit.Session, ids idgen.Generator, version streamVersion) *streamMerger {
	return &streamMerger{sess: sess, ids: ids, version: version}
}

func (s *streamMerger) merge(_ context.Context, members []*flowunit.Unit) (*flowunit.Unit, error) {
	bundle := s.sess.Create(members)
	err := s.sess.Write(bundle, func(w io.Writer) error {
		if s.version == streamV1 {
			return s.writeTarPackage(w, members)
		}
		for _, m := range members {
			if err := s.writeFrame(w, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = s.sess.Remove(bundle)
		return nil, err
	}

	s.sess.PutAttribute(bundle, flowunit.AttrFilename, mergedFilename(members, s.ids)+".pkg")
	return bundle, nil
}

func (s *streamMerger) writeFrame(w io.Writer, m *flowunit.Unit) error {
	if s.version == streamV3 {
		if _, err := w.Write(streamV3Magic); err != nil {
			return err
		}
	}

	attrs := m.Attributes()
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := binary.Write(w, binary.BigEndian, uint32(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := writeLengthPrefixed(w, []byte(k)); err != nil {
			return err
		}
		if err := writeLengthPrefixed(w, []byte(attrs[k])); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.BigEndian, uint64(m.Size())); err != nil {
		return err
	}

	rc, err := s.sess.Read(m)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, rc)
	_ = rc.Close()
	return err
}

func (s *streamMerger) writeTarPackage(w io.Writer, members []*flowunit.Unit) error {
	tw := tar.NewWriter(w)
	for _, m := range members {
		attrs, err := json.Marshal(m.Attributes())
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{
			Name: streamV1AttributesEntry,
			Size: int64(len(attrs)),
			Mode: defaultTarMode,
		}); err != nil {
			return err
		}
		if _, err := tw.Write(attrs); err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{
			Name: streamV1ContentEntry,
			Size: m.Size(),
			Mode: defaultTarMode,
		}); err != nil {
			return err
		}
		rc, err := s.sess.Read(m)
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
}

func (s *streamMerger) contentType() string {
	switch s.version {
	case streamV3:
		return "application/flowunit-v3"
	case streamV2:
		return "application/flowunit-v2"
	default:
		return "application/flowunit-v1"
	}
}

func (s *streamMerger) unmerged() []*flowunit.Unit {
	return nil
}

func writeLengthPrefixed(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readFrame decodes one v2/v3 frame: the attribute map and the content
// bytes. Counterpart of writeFrame, used by unpacking consumers and tests.
func readFrame(r io.Reader, version streamVersion) (map[string]string, []byte, error) {
	if version == streamV3 {
		magic := make([]byte, len(streamV3Magic))
		if _, err := io.ReadFull(r, magic); err != nil {
			return nil, nil, err
		}
		if string(magic) != string(streamV3Magic) {
			return nil, nil, fmt.Errorf("bad stream magic %q", magic)
		}
	}
	var numAttrs uint32
	if err := binary.Read(r, binary.BigEndian, &numAttrs); err != nil {
		return nil, nil, err
	}
	attrs := make(map[string]string, numAttrs)
	for i := uint32(0); i < numAttrs; i++ {
		k, err := readLengthPrefixed(r)
		if err != nil {
			return nil, nil, err
		}
		v, err := readLengthPrefixed(r)
		if err != nil {
			return nil, nil, err
		}
		attrs[string(k)] = string(v)
	}
	var size uint64
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, nil, err
	}
	content := make([]byte, size)
	if _, err := io.ReadFull(r, content); err != nil {
		return nil, nil, err
	}
	return attrs, content, nil
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
