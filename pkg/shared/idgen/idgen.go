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

// Package idgen provides an injectable source of correlation ids and
// fallback filename tokens.
package idgen

import (
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Generator produces merge correlation ids and process-unique filename
// tokens. Tokens are monotonically increasing within a process.
type Generator interface {
	NewUUID() string
	NextToken() string
}

type generator struct {
	counter *atomic.Int64
}

// New returns a Generator whose token sequence starts after seed. Pass a
// wall-clock derived seed in production and a fixed one in tests.
func New(seed int64) Generator {
	return &generator{counter: atomic.NewInt64(seed)}
}

func (g *generator) NewUUID() string {
	return uuid.New().String()
}

func (g *generator) NextToken() string {
	return strconv.FormatInt(g.counter.Inc(), 10)
}
