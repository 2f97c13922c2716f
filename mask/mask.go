// Package mask implements the fixed-capacity bitsets used across the engine:
// field masks, address space masks and processor masks. Masks are value
// types combined without allocating.
package mask

import (
	"fmt"
	"math/bits"
)

// Capacities are compile-time deployment constants. Exceeding one is a
// configuration error and panics immediately.
const (
	// FieldCap is the maximum number of fields in a field space.
	FieldCap = 512

	// NodeCap is the maximum number of address spaces in the cluster.
	NodeCap = 1024

	// ProcCap is the maximum number of processors in an address space.
	ProcCap = 1024

	wordBits = 64

	fieldWords = FieldCap / wordBits
	nodeWords  = NodeCap / wordBits
	procWords  = ProcCap / wordBits
)

func setBit(w []uint64, bit, capacity uint) {
	if bit >= capacity {
		panic(fmt.Sprintf("bit %d exceeds mask capacity %d", bit, capacity))
	}
	w[bit/wordBits] |= 1 << (bit % wordBits)
}

func clearBit(w []uint64, bit, capacity uint) {
	if bit >= capacity {
		panic(fmt.Sprintf("bit %d exceeds mask capacity %d", bit, capacity))
	}
	w[bit/wordBits] &^= 1 << (bit % wordBits)
}

func hasBit(w []uint64, bit uint) bool {
	if bit >= uint(len(w))*wordBits {
		return false
	}
	return w[bit/wordBits]&(1<<(bit%wordBits)) != 0
}

func unionWords(dst, a, b []uint64) {
	for i := range dst {
		dst[i] = a[i] | b[i]
	}
}

func intersectWords(dst, a, b []uint64) {
	for i := range dst {
		dst[i] = a[i] & b[i]
	}
}

func subtractWords(dst, a, b []uint64) {
	for i := range dst {
		dst[i] = a[i] &^ b[i]
	}
}

func isSubsetWords(a, b []uint64) bool {
	for i := range a {
		if a[i]&^b[i] != 0 {
			return false
		}
	}
	return true
}

func isDisjointWords(a, b []uint64) bool {
	for i := range a {
		if a[i]&b[i] != 0 {
			return false
		}
	}
	return true
}

func isEmptyWords(a []uint64) bool {
	for i := range a {
		if a[i] != 0 {
			return false
		}
	}
	return true
}

func countWords(a []uint64) int {
	var n int
	for i := range a {
		n += bits.OnesCount64(a[i])
	}
	return n
}

func iterateWords(a []uint64, yield func(uint) bool) {
	for i := range a {
		w := a[i]
		for w != 0 {
			bit := uint(i*wordBits + bits.TrailingZeros64(w))
			if !yield(bit) {
				return
			}
			w &= w - 1
		}
	}
}

func firstWord(a []uint64) (uint, bool) {
	for i := range a {
		if a[i] != 0 {
			return uint(i*wordBits + bits.TrailingZeros64(a[i])), true
		}
	}
	return 0, false
}
