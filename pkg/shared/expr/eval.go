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

// Package expr evaluates user-supplied expressions against a unit's
// attribute map. The attribute map is exposed to the expression under the
// name "attributes", e.g. `attributes["priority"] == "high"`.
package expr

import (
	"fmt"
	"strconv"

	"github.com/Masterminds/sprig/v3"
	"github.com/antonmedv/expr"
)

var sprigFuncMap = sprig.GenericFuncMap()

const root = "attributes"

// EvalBool evaluates the expression against the attribute map and expects a
// boolean result. Used for the bin early-termination predicate.
func EvalBool(expression string, attrs map[string]string) (bool, error) {
	result, err := expr.Eval(expression, getFuncMap(attrs))
	if err != nil {
		return false, fmt.Errorf("unable to evaluate expression '%s': %w", expression, err)
	}
	resultBool, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unable to cast expression result '%v' to bool", result)
	}
	return resultBool, nil
}

// EvalString evaluates the expression against the attribute map and renders
// the result as a string. Used for group-key extraction, delimiter content
// and tar entry timestamps.
func EvalString(expression string, attrs map[string]string) (string, error) {
	result, err := expr.Eval(expression, getFuncMap(attrs))
	if err != nil {
		return "", fmt.Errorf("unable to evaluate expression '%s': %w", expression, err)
	}
	return fmt.Sprintf("%v", result), nil
}

func getFuncMap(attrs map[string]string) map[string]interface{} {
	env := map[string]interface{}{
		root:    attrs,
		"sprig": sprigFuncMap,
		"int":   _int,
	}
	return env
}

func _int(v interface{}) int {
	switch w := v.(type) {
	case string:
		i, err := strconv.Atoi(w)
		if err != nil {
			panic(fmt.Errorf("cannot convert %q to int", v))
		}
		return i
	case float64:
		return int(w)
	case int:
		return w
	default:
		panic(fmt.Errorf("cannot convert %q to int", v))
	}
}
