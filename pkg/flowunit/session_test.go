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

package flowunit

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySession_NewUnit(t *testing.T) {
	sess := NewMemorySession()
	u := sess.NewUnit([]byte("hello"), map[string]string{AttrFilename: "a.txt"})

	assert.NotEmpty(t, u.ID)
	assert.Equal(t, int64(5), u.Size())
	assert.Equal(t, "a.txt", u.Attribute(AttrFilename))
	assert.Equal(t, "", u.Attribute("missing"))
	_, ok := u.LookupAttribute("missing")
	assert.False(t, ok)
	assert.Equal(t, []byte("hello"), sess.ContentOf(u))
}

func TestMemorySession_ReadOnce(t *testing.T) {
	sess := NewMemorySession()
	u := sess.NewUnit([]byte("hello"), nil)

	rc, err := sess.Read(u)
	require.NoError(t, err)

	// a second reader while the first is open is rejected
	_, err = sess.Read(u)
	assert.Error(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	require.NoError(t, rc.Close())

	// closing the handle allows reading again
	rc, err = sess.Read(u)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
}

func TestMemorySession_WriteAtomicity(t *testing.T) {
	sess := NewMemorySession()
	u := sess.Create(nil)

	require.NoError(t, sess.Write(u, func(w io.Writer) error {
		_, err := w.Write([]byte("first"))
		return err
	}))
	assert.Equal(t, int64(5), u.Size())

	// a failing write leaves the previous content intact
	err := sess.Write(u, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return fmt.Errorf("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, "first", string(sess.ContentOf(u)))
	assert.Equal(t, int64(5), u.Size())
}

func TestMemorySession_Clone(t *testing.T) {
	sess := NewMemorySession()
	u := sess.NewUnit([]byte("hello"), map[string]string{"k": "v"})

	clone, err := sess.Clone(u)
	require.NoError(t, err)
	assert.NotEqual(t, u.ID, clone.ID)
	assert.Equal(t, []string{u.ID}, clone.Parents())
	assert.Equal(t, u.Size(), clone.Size())
	assert.Equal(t, "v", clone.Attribute("k"))
	assert.Equal(t, []byte("hello"), sess.ContentOf(clone))

	// the clone's attributes are independent of the source
	sess.PutAttribute(clone, "k", "changed")
	assert.Equal(t, "v", u.Attribute("k"))
}

func TestMemorySession_RemoveAndTransfer(t *testing.T) {
	sess := NewMemorySession()
	u := sess.NewUnit([]byte("hello"), nil)

	require.NoError(t, sess.Transfer(u, PathMerged))
	assert.Len(t, sess.Transferred(PathMerged), 1)

	drained := sess.DrainTransferred(PathMerged)
	assert.Len(t, drained, 1)
	assert.Empty(t, sess.Transferred(PathMerged))

	require.NoError(t, sess.Remove(u))
	_, err := sess.Read(u)
	assert.Error(t, err)
	assert.Error(t, sess.Remove(u))
	assert.Error(t, sess.Transfer(u, PathFailed))
}

func TestMemorySession_CreateWithParents(t *testing.T) {
	sess := NewMemorySession()
	p1 := sess.NewUnit([]byte("a"), nil)
	p2 := sess.NewUnit([]byte("b"), nil)

	child := sess.Create([]*Unit{p1, p2})
	assert.Equal(t, []string{p1.ID, p2.ID}, child.Parents())
	assert.Equal(t, int64(0), child.Size())
}

func TestUnit_AttributesCopy(t *testing.T) {
	sess := NewMemorySession()
	u := sess.NewUnit(nil, map[string]string{"k": "v"})

	m := u.Attributes()
	m["k"] = "mutated"
	assert.Equal(t, "v", u.Attribute("k"))
}
