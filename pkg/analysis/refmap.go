package analysis

import (
	"crimson_go/pkg/ir"
)

// RefMap is an insertion-ordered map from value to positive reference
// count. Zero-valued entries are never stored, and iteration follows
// first-insertion order so downstream emission is deterministic.
type RefMap struct {
	keys   []ir.Value
	counts map[ir.Value]int
}

// NewRefMap creates an empty RefMap
func NewRefMap() *RefMap {
	return &RefMap{counts: make(map[ir.Value]int)}
}

// Len returns the number of values with a positive count
func (m *RefMap) Len() int { return len(m.keys) }

// Get returns the count for v, zero when absent
func (m *RefMap) Get(v ir.Value) int { return m.counts[v] }

// Has reports whether v has a positive count
func (m *RefMap) Has(v ir.Value) bool {
	_, ok := m.counts[v]
	return ok
}

// Set stores count for v. A count of zero or less removes the entry.
func (m *RefMap) Set(v ir.Value, count int) {
	if count <= 0 {
		m.Delete(v)
		return
	}
	if _, ok := m.counts[v]; !ok {
		m.keys = append(m.keys, v)
	}
	m.counts[v] = count
}

// Add adjusts v's count by delta, removing the entry if it reaches zero
func (m *RefMap) Add(v ir.Value, delta int) {
	m.Set(v, m.counts[v]+delta)
}

// Delete removes v's entry, preserving the order of the rest
func (m *RefMap) Delete(v ir.Value) {
	if _, ok := m.counts[v]; !ok {
		return
	}
	delete(m.counts, v)
	for i, k := range m.keys {
		if k == v {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the values in insertion order. The slice is shared; callers
// must not modify it.
func (m *RefMap) Keys() []ir.Value { return m.keys }

// Clone returns an independent copy preserving insertion order
func (m *RefMap) Clone() *RefMap {
	c := &RefMap{
		keys:   append([]ir.Value(nil), m.keys...),
		counts: make(map[ir.Value]int, len(m.counts)),
	}
	for k, v := range m.counts {
		c.counts[k] = v
	}
	return c
}

// Clear removes every entry
func (m *RefMap) Clear() {
	m.keys = m.keys[:0]
	for k := range m.counts {
		delete(m.counts, k)
	}
}

// Equal reports whether m and other hold the same counts. Insertion order
// does not participate in the comparison.
func (m *RefMap) Equal(other *RefMap) bool {
	if len(m.keys) != len(other.keys) {
		return false
	}
	for k, c := range m.counts {
		oc, ok := other.counts[k]
		if !ok || oc != c {
			return false
		}
	}
	return true
}

// Flatten expands each entry into count copies of the value, in insertion
// order
func (m *RefMap) Flatten() []ir.Value {
	var out []ir.Value
	for _, k := range m.keys {
		for i := 0; i < m.counts[k]; i++ {
			out = append(out, k)
		}
	}
	return out
}

// countMap is a small insertion-ordered multiset used for per-instruction
// operand accounting, where the handful of entries makes a linear scan
// cheaper than a map
type countMap struct {
	entries []countEntry
}

type countEntry struct {
	val   ir.Value
	count int
}

func (m *countMap) bump(v ir.Value, delta int) {
	for i := range m.entries {
		if m.entries[i].val == v {
			m.entries[i].count += delta
			return
		}
	}
	m.entries = append(m.entries, countEntry{val: v, count: delta})
}

func (m *countMap) get(v ir.Value) int {
	for i := range m.entries {
		if m.entries[i].val == v {
			return m.entries[i].count
		}
	}
	return 0
}
