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
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmerge/flowmerge/pkg/flowunit"
)

func readZip(t *testing.T, raw []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	entries := make(map[string]string, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		entries[f.Name] = string(content)
	}
	return entries
}

func TestZip_Merge(t *testing.T) {
	sess := flowunit.NewMemorySession()
	cfg := DefaultConfig()
	cfg.Format = FormatZIP
	e := newTestEngine(t, cfg, sess)

	bin := buildBin(t, cfg, sess, "",
		sess.NewUnit([]byte("AAA"), map[string]string{flowunit.AttrFilename: "a.txt"}),
		sess.NewUnit([]byte("BB"), map[string]string{flowunit.AttrFilename: "b.txt"}),
	)
	res, err := e.Process(context.Background(), bin)
	require.NoError(t, err)
	assert.Equal(t, "application/zip", res.Merged.Attribute(flowunit.AttrMimeType))
	assert.True(t, strings.HasSuffix(res.Merged.Attribute(flowunit.AttrFilename), ".zip"))
	assert.Empty(t, res.Unmerged)

	entries := readZip(t, sess.ContentOf(res.Merged))
	assert.Equal(t, map[string]string{"a.txt": "AAA", "b.txt": "BB"}, entries)
}

func TestZip_DuplicateEntryName(t *testing.T) {
	sess := flowunit.NewMemorySession()
	cfg := DefaultConfig()
	cfg.Format = FormatZIP
	e := newTestEngine(t, cfg, sess)

	dup := sess.NewUnit([]byte("CCC"), map[string]string{flowunit.AttrFilename: "a.txt"})
	bin := buildBin(t, cfg, sess, "",
		sess.NewUnit([]byte("AAA"), map[string]string{flowunit.AttrFilename: "a.txt"}),
		sess.NewUnit([]byte("BB"), map[string]string{flowunit.AttrFilename: "b.txt"}),
		dup,
	)
	res, err := e.Process(context.Background(), bin)
	require.NoError(t, err)

	// the colliding member is excluded, the merge itself succeeds
	require.Len(t, res.Unmerged, 1)
	assert.Same(t, dup, res.Unmerged[0])
	assert.Equal(t, "2", res.Merged.Attribute(flowunit.AttrMergeCount))

	entries := readZip(t, sess.ContentOf(res.Merged))
	assert.Equal(t, map[string]string{"a.txt": "AAA", "b.txt": "BB"}, entries)

	// a copy of the excluded member went to the failure path, the original
	// still travels the pass-through path with the other members
	failed := sess.Transferred(flowunit.PathFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "CCC", string(sess.ContentOf(failed[0])))
	assert.Len(t, sess.Transferred(flowunit.PathOriginal), 3)
}

func TestZip_KeepPath(t *testing.T) {
	sess := flowunit.NewMemorySession()
	cfg := DefaultConfig()
	cfg.Format = FormatZIP
	cfg.KeepPath = true
	e := newTestEngine(t, cfg, sess)

	// identical filenames under different paths do not collide
	bin := buildBin(t, cfg, sess, "",
		sess.NewUnit([]byte("AAA"), map[string]string{
			flowunit.AttrFilename: "a.txt",
			flowunit.AttrPath:     "one",
		}),
		sess.NewUnit([]byte("BBB"), map[string]string{
			flowunit.AttrFilename: "a.txt",
			flowunit.AttrPath:     "two",
		}),
	)
	res, err := e.Process(context.Background(), bin)
	require.NoError(t, err)
	assert.Empty(t, res.Unmerged)

	entries := readZip(t, sess.ContentOf(res.Merged))
	assert.Equal(t, map[string]string{"one/a.txt": "AAA", "two/a.txt": "BBB"}, entries)
}

func TestZip_CompressionLevels(t *testing.T) {
	for _, level := range []int{0, 5, 9} {
		sess := flowunit.NewMemorySession()
		cfg := DefaultConfig()
		cfg.Format = FormatZIP
		cfg.CompressionLevel = level
		e := newTestEngine(t, cfg, sess)

		bin := buildBin(t, cfg, sess, "",
			sess.NewUnit([]byte(strings.Repeat("compressible ", 100)), map[string]string{flowunit.AttrFilename: "a.txt"}),
		)
		res, err := e.Process(context.Background(), bin)
		require.NoError(t, err)

		entries := readZip(t, sess.ContentOf(res.Merged))
		assert.Equal(t, strings.Repeat("compressible ", 100), entries["a.txt"])
	}
}
