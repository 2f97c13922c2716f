package mask

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/strata/types"
)

func TestFieldMaskAlgebra(t *testing.T) {
	requireT := require.New(t)

	a := Fields(0, 1, 100, 511)
	b := Fields(1, 100, 200)

	requireT.True(a.Contains(0))
	requireT.True(a.Contains(511))
	requireT.False(a.Contains(2))
	requireT.Equal(4, a.Count())

	requireT.Equal(5, a.Union(b).Count())
	requireT.Equal(Fields(1, 100), a.Intersect(b))
	requireT.Equal(Fields(0, 511), a.Subtract(b))
	requireT.True(Fields(1, 100).IsSubset(a))
	requireT.False(b.IsSubset(a))
	requireT.True(a.IsDisjoint(Fields(2, 3)))
	requireT.False(a.IsDisjoint(b))
}

func TestFieldMaskEmpty(t *testing.T) {
	requireT := require.New(t)

	var m FieldMask
	requireT.True(m.IsEmpty())
	requireT.Equal(0, m.Count())

	_, exists := m.First()
	requireT.False(exists)

	m.Add(42)
	requireT.False(m.IsEmpty())
	first, exists := m.First()
	requireT.True(exists)
	requireT.Equal(types.FieldID(42), first)

	m.Remove(42)
	requireT.True(m.IsEmpty())
}

func TestFieldMaskIterate(t *testing.T) {
	requireT := require.New(t)

	m := Fields(3, 64, 65, 500)
	var fields []types.FieldID
	for f := range m.Iterate() {
		fields = append(fields, f)
	}
	requireT.Equal([]types.FieldID{3, 64, 65, 500}, fields)
}

func TestFieldMaskCapacityPanics(t *testing.T) {
	requireT := require.New(t)

	requireT.Panics(func() {
		var m FieldMask
		m.Add(types.FieldID(FieldCap))
	})
}

func TestNodeMask(t *testing.T) {
	requireT := require.New(t)

	m := Nodes(1, 5)
	requireT.True(m.Contains(1))
	requireT.False(m.Contains(2))
	requireT.Equal(Nodes(5), m.Subtract(Nodes(1)))
	requireT.Equal(2, m.Union(Nodes(1)).Count())
}

func TestFieldSet(t *testing.T) {
	requireT := require.New(t)

	s := NewFieldSet[string]()
	s.Insert("a", Fields(1, 2))
	s.Insert("a", Fields(2, 3))
	s.Insert("b", Fields(9))
	requireT.Equal(2, s.Len())

	got := map[string]FieldMask{}
	for k, m := range s.Iterate() {
		got[k] = m
	}
	requireT.Equal(Fields(1, 2, 3), got["a"])
	requireT.Equal(Fields(9), got["b"])
}
