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

package layer_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/krun-vmm/vfsd/internal/layer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadDirMergesAcrossLayers(t *testing.T) {
	bottom, top := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bottom, "a"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bottom, "b"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(top, "c"), nil, 0o644))

	stack, _ := newStack(t, bottom, top)
	m := layer.NewMerger(stack)

	var names []string
	require.NoError(t, m.ReadDir(nil, 0, func(e layer.DirEntry) bool {
		names = append(names, e.Name)
		return true
	}))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, names)
}

func TestReadDirTopLayerShadowsBottom(t *testing.T) {
	bottom, top := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bottom, "a"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(top, "a"), []byte("new"), 0o644))

	stack, _ := newStack(t, bottom, top)
	m := layer.NewMerger(stack)

	var names []string
	require.NoError(t, m.ReadDir(nil, 0, func(e layer.DirEntry) bool {
		names = append(names, e.Name)
		return true
	}))
	assert.Equal(t, []string{"a"}, names)
}

func TestReadDirWhiteoutSuppressesLowerEntry(t *testing.T) {
	bottom, top := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bottom, "a"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(top, ".wh.a"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(top, "b"), nil, 0o644))

	stack, _ := newStack(t, bottom, top)
	m := layer.NewMerger(stack)

	var names []string
	require.NoError(t, m.ReadDir(nil, 0, func(e layer.DirEntry) bool {
		names = append(names, e.Name)
		return true
	}))
	assert.Equal(t, []string{"b"}, names)
}

func TestReadDirOpaqueMarkerStopsDescentIntoLowerLayers(t *testing.T) {
	bottom, top := t.TempDir(), t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(bottom, "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bottom, "d", "hidden"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(top, "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(top, "d", ".wh..wh..opq"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(top, "d", "visible"), nil, 0o644))

	stack, _ := newStack(t, bottom, top)
	m := layer.NewMerger(stack)
	interner := stack.Interner
	dPath := interner.Join(nil, "d")

	var names []string
	require.NoError(t, m.ReadDir(dPath, 0, func(e layer.DirEntry) bool {
		names = append(names, e.Name)
		return true
	}))
	assert.Equal(t, []string{"visible"}, names)
}

func TestReadDirOffsetSkipsAlreadyEmitted(t *testing.T) {
	top := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(top, "a"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(top, "b"), nil, 0o644))

	stack, _ := newStack(t, top)
	m := layer.NewMerger(stack)

	var names []string
	require.NoError(t, m.ReadDir(nil, 1, func(e layer.DirEntry) bool {
		names = append(names, e.Name)
		return true
	}))
	assert.Len(t, names, 1)
}

func TestReadDirStopsWhenAcceptReturnsFalse(t *testing.T) {
	top := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(top, "a"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(top, "b"), nil, 0o644))

	stack, _ := newStack(t, top)
	m := layer.NewMerger(stack)

	var count int
	require.NoError(t, m.ReadDir(nil, 0, func(e layer.DirEntry) bool {
		count++
		return false
	}))
	assert.Equal(t, 1, count)
}

