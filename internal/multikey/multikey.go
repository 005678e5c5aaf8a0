// Copyright 2024 The vfsd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package multikey implements C2: a map from a primary key to a value with
// a parallel secondary index, used by internal/inode to let two lookups of
// the same host object resolve to the same engine inode. Callers supply
// their own locking; Map has no internal synchronization so it can be
// embedded under a single InvariantMutex alongside the caller's other
// invariants (see internal/inode).
package multikey

// Map is a map from primary key K1 to value V, with a parallel index from
// secondary key K2 back to K1. Both key types must be comparable.
type Map[K1 comparable, K2 comparable, V any] struct {
	primary   map[K1]V
	secondary map[K2]K1
}

// New returns an empty Map.
func New[K1 comparable, K2 comparable, V any]() *Map[K1, K2, V] {
	return &Map[K1, K2, V]{
		primary:   make(map[K1]V),
		secondary: make(map[K2]K1),
	}
}

// Insert sets the primary mapping k1 -> v and the secondary mapping
// k2 -> k1, replacing any existing pairing for either key.
func (m *Map[K1, K2, V]) Insert(k1 K1, k2 K2, v V) {
	if _, ok := m.primary[k1]; ok {
		for oldK2, oldK1 := range m.secondary {
			if oldK1 == k1 && oldK2 != k2 {
				delete(m.secondary, oldK2)
			}
		}
	}
	m.primary[k1] = v
	m.secondary[k2] = k1
}

// Get looks the value up by its primary key.
func (m *Map[K1, K2, V]) Get(k1 K1) (V, bool) {
	v, ok := m.primary[k1]
	return v, ok
}

// GetAlt looks the value up by its secondary key.
func (m *Map[K1, K2, V]) GetAlt(k2 K2) (V, bool) {
	k1, ok := m.secondary[k2]
	if !ok {
		var zero V
		return zero, false
	}
	return m.Get(k1)
}

// PrimaryForAlt returns the primary key currently associated with k2, if
// any. Used when the caller needs k1 itself rather than the value.
func (m *Map[K1, K2, V]) PrimaryForAlt(k2 K2) (K1, bool) {
	k1, ok := m.secondary[k2]
	return k1, ok
}

// Remove deletes the value at k1 and the secondary mapping at k2. Remove
// takes the secondary key explicitly rather
// than scanning, since callers always have both keys in hand (InodeData
// carries its own host identity triple).
func (m *Map[K1, K2, V]) Remove(k1 K1, k2 K2) {
	delete(m.primary, k1)
	delete(m.secondary, k2)
}

// Clear empties the map.
func (m *Map[K1, K2, V]) Clear() {
	m.primary = make(map[K1]V)
	m.secondary = make(map[K2]K1)
}

// Len returns the number of primary entries.
func (m *Map[K1, K2, V]) Len() int {
	return len(m.primary)
}
