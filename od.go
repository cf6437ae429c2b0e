package canopen

import (
	"sort"
	"sync"
)

// ObjectDictionary is the sorted, binary-searchable table of entries shared
// by every protocol engine. It is configured once (at communication reset)
// and then treated as shared, immutable configuration with interior-mutable
// value cells; concurrent access across the SDO/PDO boundary is serialized
// by odLock, held for the duration of a single byte-for-byte copy (spec
// §3.5, §4.2).
type ObjectDictionary struct {
	entries []*Entry
	odLock  sync.Mutex
}

// NewObjectDictionary returns an empty dictionary ready for AddEntry calls.
func NewObjectDictionary() *ObjectDictionary {
	return &ObjectDictionary{entries: make([]*Entry, 0, 64)}
}

// Lock acquires the OD-wide lock. Callers performing a byte-for-byte copy
// into or out of a variable (SDO segment write, PDO mapped copy) must hold
// this for the duration of that copy, never across a blocking operation.
func (od *ObjectDictionary) Lock() { od.odLock.Lock() }

// Unlock releases the OD-wide lock.
func (od *ObjectDictionary) Unlock() { od.odLock.Unlock() }

// Find performs a binary search for index (indices are strictly increasing
// by construction) and returns the matching entry, or nil.
func (od *ObjectDictionary) Find(index uint16) *Entry {
	entries := od.entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Index >= index })
	if i < len(entries) && entries[i].Index == index {
		return entries[i]
	}
	return nil
}

// AddEntry inserts entry, keeping entries sorted by index. It is an error to
// insert a duplicate index.
func (od *ObjectDictionary) AddEntry(entry *Entry) error {
	if od.Find(entry.Index) != nil {
		return ErrIllegalArgument
	}
	entry.finalize()
	i := sort.Search(len(od.entries), func(i int) bool { return od.entries[i].Index >= entry.Index })
	od.entries = append(od.entries, nil)
	copy(od.entries[i+1:], od.entries[i:])
	od.entries[i] = entry
	return nil
}

// Entries returns the entries in index order. Callers must not mutate the
// returned slice.
func (od *ObjectDictionary) Entries() []*Entry {
	return od.entries
}

// NewVarEntry is a convenience constructor for the common case of a single
// scalar OD entry (object type Var).
func NewVarEntry(index uint16, name string, dataType uint8, attribute ODA, initial []byte) *Entry {
	e := &Entry{
		Index:      index,
		Name:       name,
		ObjectType: ObjectVar,
		Variables: []Variable{{
			Name:      name,
			DataType:  dataType,
			Attribute: attribute,
			data:      append([]byte(nil), initial...),
		}},
	}
	return e
}

// NewDomainEntry creates a Domain entry (length 0 in the table; an
// extension conveys the actual transferred size).
func NewDomainEntry(index uint16, name string, attribute ODA) *Entry {
	return &Entry{
		Index:      index,
		Name:       name,
		ObjectType: ObjectDomain,
		Variables:  []Variable{{Name: name, DataType: DOMAIN, Attribute: attribute}},
	}
}

// NewArrayEntry builds an Array entry: subindex 0 is the implicit read-only
// (index 0x1003 sub 0 is the one documented exception, see finalize)
// uint8 holding max_sub_index, followed by count homogeneous subindexes
// sharing attribute/dataType, each zero-initialized with elemSize bytes.
func NewArrayEntry(index uint16, name string, dataType uint8, attribute ODA, count int, elemSize int) *Entry {
	vars := make([]Variable, count+1)
	vars[0] = Variable{Name: name + ".count", DataType: UNSIGNED8, Attribute: ODA_SDO_R, data: []byte{byte(count)}}
	for i := 1; i <= count; i++ {
		vars[i] = Variable{Name: name, DataType: dataType, Attribute: attribute, data: make([]byte, elemSize)}
	}
	return &Entry{Index: index, Name: name, ObjectType: ObjectArray, Variables: vars}
}

// NewRecordEntry builds a Record entry out of caller-supplied heterogeneous
// subindex variables (subindex 0 is typically vars[0], a read-only count,
// by convention matching Array).
func NewRecordEntry(index uint16, name string, vars []Variable) *Entry {
	return &Entry{Index: index, Name: name, ObjectType: ObjectRecord, Variables: vars}
}
