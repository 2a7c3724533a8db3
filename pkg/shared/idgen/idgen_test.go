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

package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_NextToken(t *testing.T) {
	g := New(0)
	assert.Equal(t, "1", g.NextToken())
	assert.Equal(t, "2", g.NextToken())

	seeded := New(100)
	assert.Equal(t, "101", seeded.NextToken())
}

func TestGenerator_NewUUID(t *testing.T) {
	g := New(0)
	a := g.NewUUID()
	b := g.NewUUID()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	require.NoError(t, err)
}
