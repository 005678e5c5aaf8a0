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

// Package intern deduplicates path-component byte strings into small
// integer symbols (C1). Symbols are allocated monotonically and never
// recycled, so a Symbol remains valid, and denotes the same string, for
// the lifetime of the Table that minted it.
package intern

import "sync"

// Symbol is an interned path-component identifier. The zero value is never
// issued by Table.Intern and is reserved to mean "no symbol" in callers
// that need a sentinel (e.g. an empty InodeData.Path).
type Symbol uint32

// Table is the name interner. The zero value is not usable; construct
// with New.
type Table struct {
	mu      sync.RWMutex
	strings []string
	ids     map[string]Symbol
}

// New returns an empty interning table.
func New() *Table {
	return &Table{
		// Index 0 is reserved so Symbol's zero value never aliases a real
		// component.
		strings: []string{""},
		ids:     make(map[string]Symbol),
	}
}

// Intern returns the Symbol for s, minting a new one if s has not been
// seen before.
func (t *Table) Intern(s string) Symbol {
	t.mu.RLock()
	if sym, ok := t.ids[s]; ok {
		t.mu.RUnlock()
		return sym
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Re-check: another writer may have interned s while we waited for the
	// write lock.
	if sym, ok := t.ids[s]; ok {
		return sym
	}

	sym := Symbol(len(t.strings))
	t.strings = append(t.strings, s)
	t.ids[s] = sym
	return sym
}

// Lookup returns the name s was interned under. Panics if sym was never
// issued by this Table, since that indicates a caller is mixing symbols
// from two tables or holding a stale value past Table's lifetime.
func (t *Table) Lookup(sym Symbol) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(sym) >= len(t.strings) {
		panic("intern: symbol not issued by this table")
	}
	return t.strings[sym]
}

// Path is an ordered sequence of interned symbols describing a position
// relative to a layer root. An empty Path denotes the layer root itself.
type Path []Symbol

// Join returns a new Path with name interned and appended.
func (t *Table) Join(p Path, name string) Path {
	sym := t.Intern(name)
	joined := make(Path, len(p)+1)
	copy(joined, p)
	joined[len(p)] = sym
	return joined
}

// Components resolves every symbol in p back to its string form, in order.
func (t *Table) Components(p Path) []string {
	out := make([]string, len(p))
	for i, sym := range p {
		out[i] = t.Lookup(sym)
	}
	return out
}
