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

package inode_test

import (
	"sync"
	"testing"

	"github.com/krun-vmm/vfsd/internal/inode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInode(id uint64, layerIdx int) *inode.InodeData {
	return &inode.InodeData{ID: id, LayerIdx: layerIdx, HostFD: -1}
}

func TestCreateRootHasRefcountOne(t *testing.T) {
	table := inode.New(2)
	root := table.CreateRoot(inode.RootID, inode.Identity{Dev: 1, Ino: 2}, 1, -1)
	assert.Equal(t, uint64(1), root.Refcount())
}

func TestLookUpOrCreateMintsOnce(t *testing.T) {
	table := inode.New(1)
	id := inode.Identity{Dev: 1, Ino: 42}

	d1, created1 := table.LookUpOrCreate(id, func(newID uint64) *inode.InodeData {
		return newInode(newID, 0)
	})
	require.True(t, created1)

	d2, created2 := table.LookUpOrCreate(id, func(newID uint64) *inode.InodeData {
		t.Fatal("newFn should not be called for an existing identity")
		return nil
	})
	assert.False(t, created2)
	assert.Same(t, d1, d2)
	assert.Equal(t, uint64(2), d1.Refcount())
}

func TestForgetRemovesAtZero(t *testing.T) {
	table := inode.New(1)
	id := inode.Identity{Dev: 1, Ino: 7}

	d, _ := table.LookUpOrCreate(id, func(newID uint64) *inode.InodeData {
		return newInode(newID, 0)
	})

	destroyed := table.Forget(d.ID, 1)
	assert.True(t, destroyed)

	_, ok := table.Get(d.ID)
	assert.False(t, ok)
}

func TestForgetSaturatesAtZero(t *testing.T) {
	table := inode.New(1)
	id := inode.Identity{Dev: 1, Ino: 9}
	d, _ := table.LookUpOrCreate(id, func(newID uint64) *inode.InodeData {
		return newInode(newID, 0)
	})

	// Refcount is 1; forgetting 100 must clamp instead of wrapping.
	destroyed := table.Forget(d.ID, 100)
	assert.True(t, destroyed)
}

func TestForgetUnknownIDIsNoop(t *testing.T) {
	table := inode.New(1)
	assert.False(t, table.Forget(12345, 1))
}

func TestReplaceRekeysSecondaryIndex(t *testing.T) {
	table := inode.New(1)
	oldID := inode.Identity{Dev: 1, Ino: 1}
	newID := inode.Identity{Dev: 1, Ino: 2}

	d, _ := table.LookUpOrCreate(oldID, func(id uint64) *inode.InodeData {
		return newInode(id, 0)
	})

	d2 := &inode.InodeData{ID: d.ID, LayerIdx: 1, HostFD: -1}
	d2.Promote(newID)
	table.Replace(d2)

	_, ok := table.Get(d.ID)
	assert.True(t, ok)

	found, ok := table.LookUpOrCreate(newID, func(id uint64) *inode.InodeData {
		t.Fatal("identity should already resolve after Replace")
		return nil
	})
	assert.True(t, ok)
	assert.Equal(t, d.ID, found.ID)
}

func TestConcurrentLookupAndForget(t *testing.T) {
	table := inode.New(1)
	id := inode.Identity{Dev: 3, Ino: 3}

	seed, _ := table.LookUpOrCreate(id, func(newID uint64) *inode.InodeData {
		return newInode(newID, 0)
	})
	table.Forget(seed.ID, 1) // drop the seeding reference; this removes seed.ID from the table.

	const n = 1000
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			table.LookUpOrCreate(id, func(newID uint64) *inode.InodeData {
				return newInode(newID, 0)
			})
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			table.Forget(seed.ID, 1)
		}
	}()

	wg.Wait()

	d, ok := table.Get(seed.ID)
	if ok {
		assert.GreaterOrEqual(t, d.Refcount(), uint64(0))
	}
}
