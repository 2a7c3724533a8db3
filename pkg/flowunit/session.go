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
	"bytes"
	"fmt"
	"io"
	"sync"
)

// Session owns units and their content. All content access goes through the
// session so that ownership and the read-once discipline can be enforced.
// Implementations must be safe for use from multiple goroutines.
type Session interface {
	// Create returns a new empty unit derived from the given parents. The
	// parent linkage is retained for audit; content starts empty.
	Create(parents []*Unit) *Unit
	// Write replaces the unit's content with whatever fn writes. If fn
	// returns an error the previous content is kept and nothing partial
	// survives.
	Write(u *Unit, fn func(w io.Writer) error) error
	// Read opens the unit's content for reading. Only one reader may be
	// open per unit at a time; the reader must be closed before the next
	// Read call.
	Read(u *Unit) (io.ReadCloser, error)
	// PutAttribute sets a single attribute on the unit.
	PutAttribute(u *Unit, key, value string)
	// PutAllAttributes sets all given attributes on the unit.
	PutAllAttributes(u *Unit, attrs map[string]string)
	// Clone returns a copy of the unit with the same content and
	// attributes, parented to the source unit.
	Clone(u *Unit) (*Unit, error)
	// Remove deletes the unit and its content from the session.
	Remove(u *Unit) error
	// Transfer hands the unit to the named downstream path. A transferred
	// unit is no longer owned by the producing side.
	Transfer(u *Unit, p Path) error
}

// MemorySession is an in-memory Session. It backs the vertex runner and the
// engine tests.
type MemorySession struct {
	mu          sync.Mutex
	seq         int64
	content     map[string][]byte
	reading     map[string]bool
	transferred map[Path][]*Unit
}

var _ Session = (*MemorySession)(nil)

// NewMemorySession returns an empty in-memory session.
func NewMemorySession() *MemorySession {
	return &MemorySession{
		content:     make(map[string][]byte),
		reading:     make(map[string]bool),
		transferred: make(map[Path][]*Unit),
	}
}

// NewUnit creates a unit with the given content and attributes. It is the
// ingestion entrypoint for sources and tests.
func (s *MemorySession) NewUnit(content []byte, attrs map[string]string) *Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.newUnitLocked(nil)
	s.content[u.ID] = append([]byte(nil), content...)
	u.size = int64(len(content))
	for k, v := range attrs {
		u.attributes[k] = v
	}
	return u
}

func (s *MemorySession) newUnitLocked(parents []*Unit) *Unit {
	s.seq++
	u := &Unit{
		ID:         fmt.Sprintf("unit-%d", s.seq),
		attributes: make(map[string]string),
	}
	for _, p := range parents {
		u.parents = append(u.parents, p.ID)
	}
	s.content[u.ID] = nil
	return u
}

func (s *MemorySession) Create(parents []*Unit) *Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newUnitLocked(parents)
}

func (s *MemorySession) Write(u *Unit, fn func(w io.Writer) error) error {
	var buf bytes.Buffer
	if err := fn(&buf); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.content[u.ID]; !ok {
		return fmt.Errorf("unit %s is not owned by this session", u.ID)
	}
	s.content[u.ID] = buf.Bytes()
	u.size = int64(buf.Len())
	return nil
}

type memoryReader struct {
	*bytes.Reader
	done func()
	once sync.Once
}

func (r *memoryReader) Close() error {
	r.once.Do(r.done)
	return nil
}

func (s *MemorySession) Read(u *Unit) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.content[u.ID]
	if !ok {
		return nil, fmt.Errorf("unit %s is not owned by this session", u.ID)
	}
	if s.reading[u.ID] {
		return nil, fmt.Errorf("unit %s already has an open reader", u.ID)
	}
	s.reading[u.ID] = true
	return &memoryReader{
		Reader: bytes.NewReader(content),
		done: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.reading, u.ID)
		},
	}, nil
}

func (s *MemorySession) PutAttribute(u *Unit, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.attributes[key] = value
}

func (s *MemorySession) PutAllAttributes(u *Unit, attrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range attrs {
		u.attributes[k] = v
	}
}

func (s *MemorySession) Clone(u *Unit) (*Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.content[u.ID]
	if !ok {
		return nil, fmt.Errorf("unit %s is not owned by this session", u.ID)
	}
	clone := s.newUnitLocked([]*Unit{u})
	s.content[clone.ID] = append([]byte(nil), content...)
	clone.size = u.size
	for k, v := range u.attributes {
		clone.attributes[k] = v
	}
	return clone, nil
}

func (s *MemorySession) Remove(u *Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.content[u.ID]; !ok {
		return fmt.Errorf("unit %s is not owned by this session", u.ID)
	}
	delete(s.content, u.ID)
	delete(s.reading, u.ID)
	return nil
}

func (s *MemorySession) Transfer(u *Unit, p Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.content[u.ID]; !ok {
		return fmt.Errorf("unit %s is not owned by this session", u.ID)
	}
	s.transferred[p] = append(s.transferred[p], u)
	return nil
}

// Transferred returns the units handed to the given path so far.
func (s *MemorySession) Transferred(p Path) []*Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Unit(nil), s.transferred[p]...)
}

// DrainTransferred returns and clears the units handed to the given path.
func (s *MemorySession) DrainTransferred(p Path) []*Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.transferred[p]
	delete(s.transferred, p)
	return out
}

// ContentOf returns the current content bytes of a unit. Test helper.
func (s *MemorySession) ContentOf(u *Unit) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.content[u.ID]...)
}
