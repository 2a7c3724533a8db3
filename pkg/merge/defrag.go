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
	"fmt"
	"sort"
	"strconv"

	"github.com/flowmerge/flowmerge/pkg/flowunit"
)

// validateDefragment checks a candidate fragment set before merging: every
// member needs a well-formed non-negative fragment index, all members must
// agree on one declared fragment count (declared by at least one member),
// the indices must be unique and within range, and the member count must
// equal the declared count. Any violation fails the whole bin.
func validateDefragment(members []*flowunit.Unit) error {
	fragmentID := members[0].Attribute(flowunit.AttrFragmentID)

	declaredCount := -1
	seen := make(map[int]struct{}, len(members))
	for _, u := range members {
		idxVal := u.Attribute(flowunit.AttrFragmentIndex)
		idx, err := strconv.Atoi(idxVal)
		if err != nil || idx < 0 {
			return fmt.Errorf("fragment set %q: unit %s has no integer value for the %s attribute",
				fragmentID, u.ID, flowunit.AttrFragmentIndex)
		}
		if _, dup := seen[idx]; dup {
			return fmt.Errorf("fragment set %q: duplicate fragment index %d", fragmentID, idx)
		}
		seen[idx] = struct{}{}

		if countVal, ok := u.LookupAttribute(flowunit.AttrFragmentCount); ok {
			count, err := strconv.Atoi(countVal)
			if err != nil || count < 0 {
				return fmt.Errorf("fragment set %q: unit %s has no integer value for the %s attribute",
					fragmentID, u.ID, flowunit.AttrFragmentCount)
			}
			if declaredCount >= 0 && declaredCount != count {
				return fmt.Errorf("fragment set %q: differing values for the %s attribute: %d and %d",
					fragmentID, flowunit.AttrFragmentCount, declaredCount, count)
			}
			declaredCount = count
		}
	}

	if declaredCount < 0 {
		return fmt.Errorf("fragment set %q: no unit declared the %s attribute and the expected number of fragments is unknown",
			fragmentID, flowunit.AttrFragmentCount)
	}
	if len(members) != declaredCount {
		return fmt.Errorf("fragment set %q: expected %d fragments but found %d",
			fragmentID, declaredCount, len(members))
	}
	for idx := range seen {
		if idx >= declaredCount {
			return fmt.Errorf("fragment set %q: fragment index %d is out of range for count %d",
				fragmentID, idx, declaredCount)
		}
	}
	return nil
}

// sortByFragmentIndex returns the members stably reordered by ascending
// fragment index, overriding arrival order. Only called after validation.
func sortByFragmentIndex(members []*flowunit.Unit) []*flowunit.Unit {
	sorted := append([]*flowunit.Unit(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, _ := strconv.Atoi(sorted[i].Attribute(flowunit.AttrFragmentIndex))
		b, _ := strconv.Atoi(sorted[j].Attribute(flowunit.AttrFragmentIndex))
		return a < b
	})
	return sorted
}
