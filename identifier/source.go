package identifier

import (
	"context"
	"sync"
	"sync/atomic"
)

// Source assigns Identifiers to Specifications. An Identifier, once returned
// for a Specification, is returned for every equal Specification for the
// lifetime of the Source.
type Source interface {
	// Identifier returns the Identifier of spec, assigning one if needed.
	Identifier(context.Context, Specification) (Identifier, error)
	// Identifiers returns the Identifiers of all specs.
	Identifiers(context.Context, []Specification) (map[Specification]Identifier, error)
}

// MapSource is a Source backed by an in-memory map. Identifiers are assigned
// from 1 and are never released, so memory grows with the number of distinct
// Specifications seen.
//
// The zero value is ready to use.
type MapSource struct {
	next  atomic.Int64
	ids   sync.Map // Specification -> Identifier
	count atomic.Int64
}

// MapSource must implement Source.
var _ Source = (*MapSource)(nil)

func NewMapSource() *MapSource {
	return &MapSource{}
}

func (s *MapSource) Identifier(_ context.Context, spec Specification) (Identifier, error) {
	if !spec.IsValid() {
		return Invalid, ErrInvalidSpecification
	}
	return s.intern(spec), nil
}

func (s *MapSource) Identifiers(_ context.Context, specs []Specification) (map[Specification]Identifier, error) {
	ids := make(map[Specification]Identifier, len(specs))
	for _, spec := range specs {
		if !spec.IsValid() {
			return nil, ErrInvalidSpecification
		}
		ids[spec] = s.intern(spec)
	}
	return ids, nil
}

// Len returns the number of Specifications that have been assigned an
// Identifier.
func (s *MapSource) Len() int {
	return int(s.count.Load())
}

func (s *MapSource) intern(spec Specification) Identifier {
	if id, ok := s.ids.Load(spec); ok {
		return id.(Identifier)
	}
	// A fresh identifier is drawn before knowing whether it is needed. When
	// another goroutine stores first, the stored one wins and this one is
	// never used.
	fresh := Identifier(s.next.Add(1))
	id, loaded := s.ids.LoadOrStore(spec, fresh)
	if !loaded {
		s.count.Add(1)
	}
	return id.(Identifier)
}
