package governor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func keys[V any](m *orderedMap[V]) []string {
	var out []string
	m.each(func(k string, _ V) bool {
		out = append(out, k)
		return true
	})
	return out
}

func TestOrderedMapInsertionOrder(t *testing.T) {
	m := newOrderedMap[int]()
	m.set("b", 1)
	m.set("a", 2)
	m.set("c", 3)
	m.set("a", 20)

	assert.Equal(t, []string{"b", "a", "c"}, keys(m))
	v, ok := m.get("a")
	assert.True(t, ok)
	assert.Equal(t, 20, v)
	assert.Equal(t, 3, m.len())
}

func TestOrderedMapDeleteAndReinsert(t *testing.T) {
	m := newOrderedMap[int]()
	m.set("a", 1)
	m.set("b", 2)

	v, ok := m.delete("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = m.delete("a")
	assert.False(t, ok)

	m.set("a", 3)
	assert.Equal(t, []string{"b", "a"}, keys(m))
}

func TestOrderedMapCompaction(t *testing.T) {
	m := newOrderedMap[int]()
	for i := 0; i < 100; i++ {
		m.set(fmt.Sprintf("k%03d", i), i)
	}
	for i := 0; i < 90; i++ {
		m.delete(fmt.Sprintf("k%03d", i))
	}

	assert.Equal(t, 10, m.len())
	assert.LessOrEqual(t, len(m.entries), 10+16+1, "tombstones should be compacted")
	got := keys(m)
	assert.Equal(t, "k090", got[0])
	assert.Equal(t, "k099", got[9])
	for _, k := range got {
		v, ok := m.get(k)
		assert.True(t, ok)
		assert.Equal(t, k, fmt.Sprintf("k%03d", v))
	}
}

func TestOrderedMapEachStops(t *testing.T) {
	m := newOrderedMap[int]()
	m.set("a", 1)
	m.set("b", 2)
	calls := 0
	m.each(func(string, int) bool {
		calls++
		return false
	})
	assert.Equal(t, 1, calls)
}
