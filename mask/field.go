package mask

import (
	"github.com/outofforest/strata/types"
)

// FieldMask is a fixed-capacity set of field IDs.
type FieldMask [fieldWords]uint64

// Fields builds a mask from field IDs.
func Fields(ids ...types.FieldID) FieldMask {
	var m FieldMask
	for _, id := range ids {
		m.Add(id)
	}
	return m
}

// Add adds a field to the mask.
func (m *FieldMask) Add(id types.FieldID) {
	setBit(m[:], uint(id), FieldCap)
}

// Remove removes a field from the mask.
func (m *FieldMask) Remove(id types.FieldID) {
	clearBit(m[:], uint(id), FieldCap)
}

// Contains tells whether the field is in the mask.
func (m FieldMask) Contains(id types.FieldID) bool {
	return hasBit(m[:], uint(id))
}

// Union returns the union of two masks.
func (m FieldMask) Union(o FieldMask) FieldMask {
	var r FieldMask
	unionWords(r[:], m[:], o[:])
	return r
}

// Intersect returns the intersection of two masks.
func (m FieldMask) Intersect(o FieldMask) FieldMask {
	var r FieldMask
	intersectWords(r[:], m[:], o[:])
	return r
}

// Subtract returns the fields of m not present in o.
func (m FieldMask) Subtract(o FieldMask) FieldMask {
	var r FieldMask
	subtractWords(r[:], m[:], o[:])
	return r
}

// IsSubset tells whether every field of m is in o.
func (m FieldMask) IsSubset(o FieldMask) bool {
	return isSubsetWords(m[:], o[:])
}

// IsDisjoint tells whether the masks share no field.
func (m FieldMask) IsDisjoint(o FieldMask) bool {
	return isDisjointWords(m[:], o[:])
}

// IsEmpty tells whether the mask has no fields.
func (m FieldMask) IsEmpty() bool {
	return isEmptyWords(m[:])
}

// Count returns the number of fields in the mask.
func (m FieldMask) Count() int {
	return countWords(m[:])
}

// First returns the lowest field in the mask.
func (m FieldMask) First() (types.FieldID, bool) {
	bit, ok := firstWord(m[:])
	return types.FieldID(bit), ok
}

// Iterate iterates over fields in the mask in increasing order.
func (m FieldMask) Iterate() func(yield func(types.FieldID) bool) {
	return func(yield func(types.FieldID) bool) {
		iterateWords(m[:], func(bit uint) bool {
			return yield(types.FieldID(bit))
		})
	}
}

// NodeMask is a fixed-capacity set of address space IDs.
type NodeMask [nodeWords]uint64

// Nodes builds a mask from address space IDs.
func Nodes(ids ...types.AddressSpaceID) NodeMask {
	var m NodeMask
	for _, id := range ids {
		m.Add(id)
	}
	return m
}

// Add adds an address space to the mask.
func (m *NodeMask) Add(id types.AddressSpaceID) {
	setBit(m[:], uint(id), NodeCap)
}

// Remove removes an address space from the mask.
func (m *NodeMask) Remove(id types.AddressSpaceID) {
	clearBit(m[:], uint(id), NodeCap)
}

// Contains tells whether the address space is in the mask.
func (m NodeMask) Contains(id types.AddressSpaceID) bool {
	return hasBit(m[:], uint(id))
}

// Union returns the union of two masks.
func (m NodeMask) Union(o NodeMask) NodeMask {
	var r NodeMask
	unionWords(r[:], m[:], o[:])
	return r
}

// Intersect returns the intersection of two masks.
func (m NodeMask) Intersect(o NodeMask) NodeMask {
	var r NodeMask
	intersectWords(r[:], m[:], o[:])
	return r
}

// Subtract returns the address spaces of m not present in o.
func (m NodeMask) Subtract(o NodeMask) NodeMask {
	var r NodeMask
	subtractWords(r[:], m[:], o[:])
	return r
}

// IsDisjoint tells whether the masks share no address space.
func (m NodeMask) IsDisjoint(o NodeMask) bool {
	return isDisjointWords(m[:], o[:])
}

// IsEmpty tells whether the mask has no address spaces.
func (m NodeMask) IsEmpty() bool {
	return isEmptyWords(m[:])
}

// Count returns the number of address spaces in the mask.
func (m NodeMask) Count() int {
	return countWords(m[:])
}

// Iterate iterates over address spaces in the mask in increasing order.
func (m NodeMask) Iterate() func(yield func(types.AddressSpaceID) bool) {
	return func(yield func(types.AddressSpaceID) bool) {
		iterateWords(m[:], func(bit uint) bool {
			return yield(types.AddressSpaceID(bit))
		})
	}
}

// ProcessorMask is a fixed-capacity set of processor IDs.
type ProcessorMask [procWords]uint64

// Add adds a processor to the mask.
func (m *ProcessorMask) Add(id types.ProcessorID) {
	setBit(m[:], uint(id), ProcCap)
}

// Contains tells whether the processor is in the mask.
func (m ProcessorMask) Contains(id types.ProcessorID) bool {
	return hasBit(m[:], uint(id))
}
