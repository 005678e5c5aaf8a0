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
	"syscall"
	"testing"

	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/inode"
	"github.com/krun-vmm/vfsd/internal/intern"
	"github.com/krun-vmm/vfsd/internal/layer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStack(t *testing.T, roots ...string) (*layer.Stack, *inode.InodeData) {
	t.Helper()
	interner := intern.New()
	tbl := inode.New(len(roots))
	stack := &layer.Stack{Roots: roots, Inodes: tbl, Interner: interner}

	st, err := os.Lstat(roots[len(roots)-1])
	require.NoError(t, err)
	sys := st.Sys().(*syscall.Stat_t)
	root := tbl.CreateRoot(inode.RootID, inode.Identity{Dev: uint64(sys.Dev), Ino: sys.Ino}, len(roots)-1, -1)
	return stack, root
}

func TestLookUpFindsFileInLowerLayerWhenAbsentFromTop(t *testing.T) {
	bottom, top := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bottom, "a.txt"), []byte("hi"), 0o644))

	stack, root := newStack(t, bottom, top)
	r := layer.NewResolver(stack)

	entry, chain, err := r.LookUp(root, "a.txt")
	require.NoError(t, err)
	assert.Len(t, chain, 1)
	assert.Equal(t, 0, entry.LayerIdx)
}

func TestLookUpPrefersTopLayer(t *testing.T) {
	bottom, top := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bottom, "a.txt"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(top, "a.txt"), []byte("new"), 0o644))

	stack, root := newStack(t, bottom, top)
	r := layer.NewResolver(stack)

	entry, _, err := r.LookUp(root, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.LayerIdx)
}

func TestLookUpWhiteoutMasksLowerLayer(t *testing.T) {
	bottom, top := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bottom, "a.txt"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(top, ".wh.a.txt"), nil, 0o644))

	stack, root := newStack(t, bottom, top)
	r := layer.NewResolver(stack)

	_, _, err := r.LookUp(root, "a.txt")
	require.Error(t, err)
	assert.Equal(t, syscall.ENOENT, ferrors.Errno(err))
}

func TestLookUpOpaqueDirConfinesLookupToTopLayer(t *testing.T) {
	bottom, top := t.TempDir(), t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(bottom, "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bottom, "d", "child"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(top, "d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(top, "d", ".wh..wh..opq"), nil, 0o644))

	stack, root := newStack(t, bottom, top)
	r := layer.NewResolver(stack)

	dEntry, _, err := r.LookUp(root, "d")
	require.NoError(t, err)
	assert.Equal(t, 1, dEntry.LayerIdx)

	_, _, err = r.LookUp(dEntry, "child")
	require.Error(t, err)
	assert.Equal(t, syscall.ENOENT, ferrors.Errno(err))
}

func TestLookUpRejectsInvalidName(t *testing.T) {
	top := t.TempDir()
	stack, root := newStack(t, top)
	r := layer.NewResolver(stack)

	_, _, err := r.LookUp(root, "..")
	require.Error(t, err)
	assert.Equal(t, syscall.EINVAL, ferrors.Errno(err))
}

func TestLookUpMissingNameIsENOENT(t *testing.T) {
	top := t.TempDir()
	stack, root := newStack(t, top)
	r := layer.NewResolver(stack)

	_, _, err := r.LookUp(root, "nope")
	require.Error(t, err)
	assert.Equal(t, syscall.ENOENT, ferrors.Errno(err))
}

func TestLookUpMaterializesNestedDirectoryAtFoundLayer(t *testing.T) {
	bottom, top := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(bottom, "d", "e"), 0o755))

	stack, root := newStack(t, bottom, top)
	r := layer.NewResolver(stack)

	dEntry, _, err := r.LookUp(root, "d")
	require.NoError(t, err)
	assert.Equal(t, 0, dEntry.LayerIdx)

	eEntry, chain, err := r.LookUp(dEntry, "e")
	require.NoError(t, err)
	assert.Equal(t, 0, eEntry.LayerIdx)
	assert.Len(t, chain, 2)
}

func TestLookUpSameIdentityReturnsSameInode(t *testing.T) {
	top := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(top, "a.txt"), nil, 0o644))

	stack, root := newStack(t, top)
	r := layer.NewResolver(stack)

	first, _, err := r.LookUp(root, "a.txt")
	require.NoError(t, err)
	second, _, err := r.LookUp(root, "a.txt")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.EqualValues(t, 2, second.Refcount())
}
