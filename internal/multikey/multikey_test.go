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

package multikey_test

import (
	"testing"

	"github.com/krun-vmm/vfsd/internal/multikey"
	"github.com/stretchr/testify/assert"
)

type identity struct {
	dev, ino uint64
}

func TestInsertAndGet(t *testing.T) {
	m := multikey.New[uint64, identity, string]()
	m.Insert(1, identity{1, 100}, "inode-1")

	v, ok := m.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "inode-1", v)
}

func TestGetAlt(t *testing.T) {
	m := multikey.New[uint64, identity, string]()
	m.Insert(1, identity{1, 100}, "inode-1")

	v, ok := m.GetAlt(identity{1, 100})
	assert.True(t, ok)
	assert.Equal(t, "inode-1", v)
}

func TestGetAltMiss(t *testing.T) {
	m := multikey.New[uint64, identity, string]()
	_, ok := m.GetAlt(identity{9, 9})
	assert.False(t, ok)
}

func TestInsertReplacesExistingPairing(t *testing.T) {
	m := multikey.New[uint64, identity, string]()
	m.Insert(1, identity{1, 100}, "first")
	m.Insert(1, identity{1, 200}, "second")

	// The old secondary key no longer resolves.
	_, ok := m.GetAlt(identity{1, 100})
	assert.False(t, ok)

	v, ok := m.GetAlt(identity{1, 200})
	assert.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestRemove(t *testing.T) {
	m := multikey.New[uint64, identity, string]()
	m.Insert(1, identity{1, 100}, "inode-1")
	m.Remove(1, identity{1, 100})

	_, ok := m.Get(1)
	assert.False(t, ok)
	_, ok = m.GetAlt(identity{1, 100})
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	m := multikey.New[uint64, identity, string]()
	m.Insert(1, identity{1, 100}, "a")
	m.Insert(2, identity{2, 200}, "b")
	m.Clear()

	assert.Equal(t, 0, m.Len())
}

func TestPrimaryForAlt(t *testing.T) {
	m := multikey.New[uint64, identity, string]()
	m.Insert(7, identity{1, 100}, "x")

	k1, ok := m.PrimaryForAlt(identity{1, 100})
	assert.True(t, ok)
	assert.Equal(t, uint64(7), k1)
}
