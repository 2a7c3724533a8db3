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
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmerge/flowmerge/pkg/flowunit"
)

func TestStream_V3RoundTrip(t *testing.T) {
	sess := flowunit.NewMemorySession()
	cfg := DefaultConfig()
	cfg.Format = FormatStreamV3
	e := newTestEngine(t, cfg, sess)

	bin := buildBin(t, cfg, sess, "",
		sess.NewUnit([]byte("hello"), map[string]string{"k1": "v1", "k2": "v2"}),
		sess.NewUnit([]byte("world"), map[string]string{"k3": "v3"}),
	)
	res, err := e.Process(context.Background(), bin)
	require.NoError(t, err)
	assert.Equal(t, "application/flowunit-v3", res.Merged.Attribute(flowunit.AttrMimeType))
	assert.True(t, strings.HasSuffix(res.Merged.Attribute(flowunit.AttrFilename), ".pkg"))

	r := bytes.NewReader(sess.ContentOf(res.Merged))
	attrs, content, err := readFrame(r, streamV3)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "v1", "k2": "v2"}, attrs)
	assert.Equal(t, "hello", string(content))

	attrs, content, err = readFrame(r, streamV3)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k3": "v3"}, attrs)
	assert.Equal(t, "world", string(content))

	_, _, err = readFrame(r, streamV3)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_V2RoundTrip(t *testing.T) {
	sess := flowunit.NewMemorySession()
	cfg := DefaultConfig()
	cfg.Format = FormatStreamV2
	e := newTestEngine(t, cfg, sess)

	bin := buildBin(t, cfg, sess, "",
		sess.NewUnit([]byte("payload"), map[string]string{"k": "v"}),
	)
	res, err := e.Process(context.Background(), bin)
	require.NoError(t, err)
	assert.Equal(t, "application/flowunit-v2", res.Merged.Attribute(flowunit.AttrMimeType))

	raw := sess.ContentOf(res.Merged)
	// no magic marker in v2
	assert.False(t, bytes.HasPrefix(raw, streamV3Magic))

	attrs, content, err := readFrame(bytes.NewReader(raw), streamV2)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k": "v"}, attrs)
	assert.Equal(t, "payload", string(content))
}

func TestStream_V3Magic(t *testing.T) {
	sess := flowunit.NewMemorySession()
	cfg := DefaultConfig()
	cfg.Format = FormatStreamV3
	e := newTestEngine(t, cfg, sess)

	bin := buildBin(t, cfg, sess, "",
		sess.NewUnit([]byte("x"), nil),
	)
	res, err := e.Process(context.Background(), bin)
	require.NoError(t, err)

	raw := sess.ContentOf(res.Merged)
	assert.True(t, bytes.HasPrefix(raw, streamV3Magic))

	// a v2 decode attempt on a v3 stream fails on the marker bytes
	_, _, err = readFrame(bytes.NewReader(raw), streamV2)
	assert.Error(t, err)
}

func TestStream_V1TarPackage(t *testing.T) {
	sess := flowunit.NewMemorySession()
	cfg := DefaultConfig()
	cfg.Format = FormatStreamV1
	e := newTestEngine(t, cfg, sess)

	bin := buildBin(t, cfg, sess, "",
		sess.NewUnit([]byte("hello"), map[string]string{"k1": "v1"}),
		sess.NewUnit([]byte("world"), map[string]string{"k2": "v2"}),
	)
	res, err := e.Process(context.Background(), bin)
	require.NoError(t, err)
	assert.Equal(t, "application/flowunit-v1", res.Merged.Attribute(flowunit.AttrMimeType))

	// v1 packages each member as an attribute entry followed by a content
	// entry
	tr := tar.NewReader(bytes.NewReader(sess.ContentOf(res.Merged)))
	wantAttrs := []map[string]string{{"k1": "v1"}, {"k2": "v2"}}
	wantContent := []string{"hello", "world"}
	for i := 0; i < 2; i++ {
		hdr, err := tr.Next()
		require.NoError(t, err)
		assert.Equal(t, streamV1AttributesEntry, hdr.Name)
		raw, err := io.ReadAll(tr)
		require.NoError(t, err)
		var attrs map[string]string
		require.NoError(t, json.Unmarshal(raw, &attrs))
		assert.Equal(t, wantAttrs[i], attrs)

		hdr, err = tr.Next()
		require.NoError(t, err)
		assert.Equal(t, streamV1ContentEntry, hdr.Name)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		assert.Equal(t, wantContent[i], string(content))
	}
	_, err = tr.Next()
	assert.ErrorIs(t, err, io.EOF)
}
