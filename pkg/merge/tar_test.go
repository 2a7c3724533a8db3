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
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmerge/flowmerge/pkg/flowunit"
)

type tarEntry struct {
	header  *tar.Header
	content string
}

func readTar(t *testing.T, raw []byte) []tarEntry {
	t.Helper()
	tr := tar.NewReader(bytes.NewReader(raw))
	var entries []tarEntry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries = append(entries, tarEntry{header: hdr, content: string(content)})
	}
	return entries
}

func TestTar_Merge(t *testing.T) {
	sess := flowunit.NewMemorySession()
	cfg := DefaultConfig()
	cfg.Format = FormatTAR
	e := newTestEngine(t, cfg, sess)

	bin := buildBin(t, cfg, sess, "",
		sess.NewUnit([]byte("AAA"), map[string]string{flowunit.AttrFilename: "a.txt"}),
		sess.NewUnit([]byte("BB"), map[string]string{flowunit.AttrFilename: "b.txt"}),
	)
	res, err := e.Process(context.Background(), bin)
	require.NoError(t, err)
	assert.Equal(t, "application/tar", res.Merged.Attribute(flowunit.AttrMimeType))
	assert.True(t, strings.HasSuffix(res.Merged.Attribute(flowunit.AttrFilename), ".tar"))

	entries := readTar(t, sess.ContentOf(res.Merged))
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].header.Name)
	assert.Equal(t, "AAA", entries[0].content)
	assert.Equal(t, int64(defaultTarMode), entries[0].header.Mode)
	assert.Equal(t, "b.txt", entries[1].header.Name)
	assert.Equal(t, "BB", entries[1].content)
}

func TestTar_Permissions(t *testing.T) {
	sess := flowunit.NewMemorySession()
	cfg := DefaultConfig()
	cfg.Format = FormatTAR
	e := newTestEngine(t, cfg, sess)

	bin := buildBin(t, cfg, sess, "",
		sess.NewUnit([]byte("x"), map[string]string{
			flowunit.AttrFilename:       "exec.sh",
			flowunit.AttrTarPermissions: "755",
		}),
		sess.NewUnit([]byte("y"), map[string]string{
			flowunit.AttrFilename:       "bad.txt",
			flowunit.AttrTarPermissions: "whatever",
		}),
	)
	res, err := e.Process(context.Background(), bin)
	require.NoError(t, err)

	entries := readTar(t, sess.ContentOf(res.Merged))
	require.Len(t, entries, 2)
	assert.Equal(t, int64(0o755), entries[0].header.Mode)
	// malformed permission attribute degrades to the default mode
	assert.Equal(t, int64(defaultTarMode), entries[1].header.Mode)
}

func TestTar_KeepPath(t *testing.T) {
	sess := flowunit.NewMemorySession()
	cfg := DefaultConfig()
	cfg.Format = FormatTAR
	cfg.KeepPath = true
	e := newTestEngine(t, cfg, sess)

	bin := buildBin(t, cfg, sess, "",
		sess.NewUnit([]byte("x"), map[string]string{
			flowunit.AttrFilename: "a.txt",
			flowunit.AttrPath:     "/data/sub",
		}),
		sess.NewUnit([]byte("y"), map[string]string{
			flowunit.AttrFilename: "b.txt",
		}),
	)
	res, err := e.Process(context.Background(), bin)
	require.NoError(t, err)

	entries := readTar(t, sess.ContentOf(res.Merged))
	require.Len(t, entries, 2)
	assert.Equal(t, "data/sub/a.txt", entries[0].header.Name)
	assert.Equal(t, "b.txt", entries[1].header.Name)
}

func TestTar_ModifiedTime(t *testing.T) {
	sess := flowunit.NewMemorySession()
	cfg := DefaultConfig()
	cfg.Format = FormatTAR
	cfg.TarModifiedTime = "2024-01-02T03:04:05Z"
	e := newTestEngine(t, cfg, sess)

	bin := buildBin(t, cfg, sess, "",
		sess.NewUnit([]byte("x"), map[string]string{flowunit.AttrFilename: "a.txt"}),
	)
	res, err := e.Process(context.Background(), bin)
	require.NoError(t, err)

	entries := readTar(t, sess.ContentOf(res.Merged))
	require.Len(t, entries, 1)
	want, _ := time.Parse(time.RFC3339, "2024-01-02T03:04:05Z")
	assert.True(t, entries[0].header.ModTime.Equal(want))
}

func TestTar_ModifiedTimeExpression(t *testing.T) {
	sess := flowunit.NewMemorySession()
	cfg := DefaultConfig()
	cfg.Format = FormatTAR
	cfg.TarModifiedTime = `attributes["mtime"]`
	e := newTestEngine(t, cfg, sess)

	bin := buildBin(t, cfg, sess, "",
		sess.NewUnit([]byte("x"), map[string]string{
			flowunit.AttrFilename: "a.txt",
			"mtime":               "2023-06-07T08:09:10Z",
		}),
		sess.NewUnit([]byte("y"), map[string]string{
			flowunit.AttrFilename: "b.txt",
			"mtime":               "not a timestamp",
		}),
	)
	res, err := e.Process(context.Background(), bin)
	require.NoError(t, err)

	entries := readTar(t, sess.ContentOf(res.Merged))
	require.Len(t, entries, 2)
	want, _ := time.Parse(time.RFC3339, "2023-06-07T08:09:10Z")
	assert.True(t, entries[0].header.ModTime.Equal(want))
	// a member whose expression result is not ISO-8601 gets no timestamp
	assert.Equal(t, int64(0), entries[1].header.ModTime.Unix())
}
