package heap

import (
	"fmt"
	"sync"
)

// FieldKind describes how the collector treats a field.
type FieldKind uint8

const (
	FieldValue FieldKind = iota // tagged Value; scanned when it is a Ref
	FieldRaw                    // raw 64-bit word; never scanned
)

// FillerTypeID is reserved for free ranges inside a space.
const FillerTypeID = 0

// Type is a managed object's type descriptor.
type Type struct {
	ID     uint32
	Name   string
	Fields []FieldKind // fixed layout; ignored for arrays
	Names  []string    // optional field names, for diagnostics

	Array    bool
	ElemKind FieldKind
}

// NewType describes a fixed-layout type whose fields are all Values.
func NewType(name string, fieldNames ...string) *Type {
	kinds := make([]FieldKind, len(fieldNames))
	return &Type{Name: name, Fields: kinds, Names: fieldNames}
}

// NewArrayType describes a variable-length array type.
func NewArrayType(name string, elem FieldKind) *Type {
	return &Type{Name: name, Array: true, ElemKind: elem}
}

// FieldKindAt returns the kind of field i.
func (t *Type) FieldKindAt(i int) FieldKind {
	if t.Array {
		return t.ElemKind
	}
	return t.Fields[i]
}

// HasRefs reports whether objects of this type can hold references.
func (t *Type) HasRefs() bool {
	if t.Array {
		return t.ElemKind == FieldValue
	}
	for _, k := range t.Fields {
		if k == FieldValue {
			return true
		}
	}
	return false
}

// FieldIndex returns the index of the named field, or -1.
func (t *Type) FieldIndex(name string) int {
	for i, n := range t.Names {
		if n == name {
			return i
		}
	}
	return -1
}

func (t *Type) String() string {
	if t.Array {
		return t.Name + "[]"
	}
	return t.Name
}

// TypeRegistry assigns dense ids to type descriptors. Id 0 is the filler.
type TypeRegistry struct {
	mu     sync.RWMutex
	types  []*Type
	byName map[string]*Type
}

// NewTypeRegistry creates a registry holding only the filler type.
func NewTypeRegistry() *TypeRegistry {
	filler := &Type{ID: FillerTypeID, Name: "<free>", Array: true, ElemKind: FieldRaw}
	return &TypeRegistry{
		types:  []*Type{filler},
		byName: map[string]*Type{filler.Name: filler},
	}
}

// Register assigns t an id. Registering a name twice returns the existing
// descriptor.
func (r *TypeRegistry) Register(t *Type) *Type {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[t.Name]; ok {
		return existing
	}
	t.ID = uint32(len(r.types))
	r.types = append(r.types, t)
	r.byName[t.Name] = t
	return t
}

// Lookup returns the descriptor for id, or nil.
func (r *TypeRegistry) Lookup(id uint32) *Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.types) {
		return nil
	}
	return r.types[id]
}

// ByName returns the descriptor registered under name, or nil.
func (r *TypeRegistry) ByName(name string) *Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// Len returns the number of registered types including the filler.
func (r *TypeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// objectWords returns the storage size of an object with n fields.
func objectWords(t *Type, n int) (int, error) {
	if t == nil || t.ID == FillerTypeID {
		return 0, fmt.Errorf("%w: unregistered type", ErrBadType)
	}
	if !t.Array && n != len(t.Fields) {
		return 0, fmt.Errorf("%w: %s has %d fields, requested %d", ErrSizeMismatch, t.Name, len(t.Fields), n)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative length %d", ErrSizeMismatch, n)
	}
	words := headerWords + n
	if words > maxObjectWords {
		return 0, fmt.Errorf("%w: %d words", ErrTooLarge, words)
	}
	return words, nil
}
