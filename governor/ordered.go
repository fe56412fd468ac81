package governor

// orderedMap is a string-keyed map that iterates in insertion order.
// Deletes leave tombstones that are compacted once they outnumber live entries,
// so iteration stays linear in the number of live entries.
type orderedMap[V any] struct {
	index   map[string]int
	entries []orderedEntry[V]
	dead    int
}

type orderedEntry[V any] struct {
	key   string
	value V
	dead  bool
}

func newOrderedMap[V any]() *orderedMap[V] {
	return &orderedMap[V]{index: make(map[string]int)}
}

func (m *orderedMap[V]) get(key string) (V, bool) {
	i, ok := m.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return m.entries[i].value, true
}

// set overwrites in place if key exists, otherwise appends.
func (m *orderedMap[V]) set(key string, value V) {
	if i, ok := m.index[key]; ok {
		m.entries[i].value = value
		return
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, orderedEntry[V]{key: key, value: value})
}

func (m *orderedMap[V]) delete(key string) (V, bool) {
	i, ok := m.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	v := m.entries[i].value
	var zero V
	m.entries[i] = orderedEntry[V]{key: key, value: zero, dead: true}
	delete(m.index, key)
	m.dead++
	if m.dead > 16 && m.dead > len(m.index) {
		m.compact()
	}
	return v, true
}

func (m *orderedMap[V]) compact() {
	live := m.entries[:0]
	for _, e := range m.entries {
		if e.dead {
			continue
		}
		m.index[e.key] = len(live)
		live = append(live, e)
	}
	var zero orderedEntry[V]
	for i := len(live); i < len(m.entries); i++ {
		m.entries[i] = zero
	}
	m.entries = live
	m.dead = 0
}

func (m *orderedMap[V]) len() int {
	return len(m.index)
}

// each calls fn for live entries in insertion order until fn returns false.
func (m *orderedMap[V]) each(fn func(key string, value V) bool) {
	for _, e := range m.entries {
		if e.dead {
			continue
		}
		if !fn(e.key, e.value) {
			return
		}
	}
}
