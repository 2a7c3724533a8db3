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

// Package flowunit provides the unit/session abstraction consumed by the
// binning and merge engines. A Unit is one item of data flowing through a
// vertex: immutable content plus a mutable attribute map. Units are owned
// by the session that produced them until transferred or removed.
package flowunit

// Well-known attribute keys.
const (
	AttrFilename         = "filename"
	AttrPath             = "path"
	AttrMimeType         = "mime.type"
	AttrFragmentID       = "fragment.identifier"
	AttrFragmentIndex    = "fragment.index"
	AttrFragmentCount    = "fragment.count"
	AttrSegmentOrigName  = "segment.original.filename"
	AttrTarPermissions   = "tar.permissions"
	AttrMergeCount       = "merge.count"
	AttrMergeBinAge      = "merge.bin.age"
	AttrMergeUUID        = "merge.uuid"
	AttrMergeReason      = "merge.reason"
)

// Path names a downstream destination a unit can be transferred to.
type Path string

const (
	// PathMerged receives the bundled output unit.
	PathMerged Path = "merged"
	// PathFailed receives unmergeable and structurally invalid units.
	PathFailed Path = "failed"
	// PathOriginal receives the untouched members after a successful merge,
	// tagged with the merge correlation id for audit linkage.
	PathOriginal Path = "original"
)

// Unit is one item of data flowing through the engine. The content is held
// by the owning session and is accessed through a read-once handle; only the
// attribute map is mutable.
type Unit struct {
	// ID uniquely identifies the unit within its session.
	ID string

	attributes map[string]string
	size       int64
	parents    []string
}

// Attribute returns the value for the given key, or "" when absent.
func (u *Unit) Attribute(key string) string {
	return u.attributes[key]
}

// LookupAttribute returns the value for the given key and whether it is set.
func (u *Unit) LookupAttribute(key string) (string, bool) {
	v, ok := u.attributes[key]
	return v, ok
}

// Attributes returns a copy of the unit's attribute map.
func (u *Unit) Attributes() map[string]string {
	out := make(map[string]string, len(u.attributes))
	for k, v := range u.attributes {
		out[k] = v
	}
	return out
}

// Size returns the content length in bytes.
func (u *Unit) Size() int64 {
	return u.size
}

// Parents returns the ids of the units this unit was derived from.
func (u *Unit) Parents() []string {
	return u.parents
}
