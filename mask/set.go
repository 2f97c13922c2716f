package mask

// FieldSet accumulates field masks per key. Inserting into an existing key
// merges in place instead of reallocating, so hot paths never churn memory
// per insert.
type FieldSet[K comparable] struct {
	entries map[K]*FieldMask
}

// NewFieldSet creates a field set.
func NewFieldSet[K comparable]() *FieldSet[K] {
	return &FieldSet[K]{
		entries: map[K]*FieldMask{},
	}
}

// Insert merges the mask into the entry for the key.
func (s *FieldSet[K]) Insert(key K, m FieldMask) {
	if e, exists := s.entries[key]; exists {
		unionWords(e[:], e[:], m[:])
		return
	}
	e := m
	s.entries[key] = &e
}

// Len returns the number of entries.
func (s *FieldSet[K]) Len() int {
	return len(s.entries)
}

// Iterate iterates over (key, mask) entries.
func (s *FieldSet[K]) Iterate() func(yield func(K, FieldMask) bool) {
	return func(yield func(K, FieldMask) bool) {
		for k, e := range s.entries {
			if !yield(k, *e) {
				return
			}
		}
	}
}
