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
	"github.com/flowmerge/flowmerge/pkg/flowunit"
)

// mergedAttributes reconciles the member attribute maps per the configured
// policy. The engine overlays the derived attributes (content type,
// filename, merge bookkeeping) afterwards, so those may be freely dropped
// here.
func mergedAttributes(strategy AttributeStrategy, members []*flowunit.Unit) map[string]string {
	if len(members) == 0 {
		return map[string]string{}
	}
	if strategy == AttributesKeepFirst {
		return members[0].Attributes()
	}

	// keep-common: an attribute survives only when every member carries it
	// with the same value
	common := members[0].Attributes()
	for _, u := range members[1:] {
		for k, v := range common {
			if other, ok := u.LookupAttribute(k); !ok || other != v {
				delete(common, k)
			}
		}
		if len(common) == 0 {
			break
		}
	}
	return common
}
