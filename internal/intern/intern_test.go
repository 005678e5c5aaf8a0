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

package intern_test

import (
	"sync"
	"testing"

	"github.com/krun-vmm/vfsd/internal/intern"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternDeduplicates(t *testing.T) {
	tbl := intern.New()
	a := tbl.Intern("hi")
	b := tbl.Intern("hi")
	c := tbl.Intern("bye")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestInternNeverReturnsZeroSymbol(t *testing.T) {
	tbl := intern.New()
	sym := tbl.Intern("x")
	assert.NotEqual(t, intern.Symbol(0), sym)
}

func TestLookupRoundTrip(t *testing.T) {
	tbl := intern.New()
	sym := tbl.Intern("component")
	assert.Equal(t, "component", tbl.Lookup(sym))
}

func TestLookupPanicsOnUnknownSymbol(t *testing.T) {
	tbl := intern.New()
	assert.Panics(t, func() {
		tbl.Lookup(intern.Symbol(999))
	})
}

func TestJoinAndComponents(t *testing.T) {
	tbl := intern.New()
	var p intern.Path
	p = tbl.Join(p, "a")
	p = tbl.Join(p, "b")
	p = tbl.Join(p, "c")

	assert.Equal(t, []string{"a", "b", "c"}, tbl.Components(p))
}

func TestInternConcurrent(t *testing.T) {
	tbl := intern.New()
	var wg sync.WaitGroup
	symbols := make([]intern.Symbol, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			symbols[i] = tbl.Intern("shared")
		}(i)
	}
	wg.Wait()

	require.NotEmpty(t, symbols)
	for _, s := range symbols {
		assert.Equal(t, symbols[0], s)
	}
}
