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

package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvalBool(t *testing.T) {
	t.Run("simple attribute comparison", func(t *testing.T) {
		ok, err := EvalBool(`attributes["priority"] == "high"`, map[string]string{"priority": "high"})
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("numeric comparison via int()", func(t *testing.T) {
		ok, err := EvalBool(`int(attributes["fragment.count"]) > 2`, map[string]string{"fragment.count": "3"})
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("missing attribute compares as empty", func(t *testing.T) {
		ok, err := EvalBool(`attributes["absent"] == ""`, map[string]string{})
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("non boolean result", func(t *testing.T) {
		_, err := EvalBool(`attributes["priority"]`, map[string]string{"priority": "high"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "to bool")
	})

	t.Run("invalid expression", func(t *testing.T) {
		_, err := EvalBool(`ab\na`, map[string]string{})
		assert.Error(t, err)
	})
}

func TestEvalString(t *testing.T) {
	t.Run("attribute lookup", func(t *testing.T) {
		v, err := EvalString(`attributes["filename"]`, map[string]string{"filename": "a.txt"})
		assert.NoError(t, err)
		assert.Equal(t, "a.txt", v)
	})

	t.Run("string concatenation", func(t *testing.T) {
		v, err := EvalString(`attributes["a"] + "-" + attributes["b"]`, map[string]string{"a": "x", "b": "y"})
		assert.NoError(t, err)
		assert.Equal(t, "x-y", v)
	})
}
