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

package dax_test

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/krun-vmm/vfsd/internal/dax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reserveWindow mmaps an anonymous region the way a real caller reserves
// the guest shared-memory window before handing its base address to
// Manager for MAP_FIXED sub-mappings.
func reserveWindow(t *testing.T, size int) uintptr {
	t.Helper()
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(region) })
	return uintptr(unsafe.Pointer(&region[0]))
}

type fakeBroker struct {
	installed, removed int
}

func (b *fakeBroker) InstallMapping(moffset, length uint64, hostAddr uintptr) error {
	b.installed++
	return nil
}

func (b *fakeBroker) RemoveMapping(moffset, length uint64) error {
	b.removed++
	return nil
}

func TestSetupAndRemoveMapping(t *testing.T) {
	const payload = "hello-dax"
	base := reserveWindow(t, 2*4096)

	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	mgr := dax.NewManager(base, 2*4096, nil)
	require.NoError(t, mgr.SetupMapping(path, 0, uint64(len(payload)), 0, dax.ReadOnly))
	assert.Equal(t, 1, mgr.Len())

	got := unsafe.Slice((*byte)(unsafe.Pointer(base)), len(payload))
	assert.Equal(t, payload, string(got))

	require.NoError(t, mgr.RemoveMapping(0))
	assert.Equal(t, 0, mgr.Len())
}

func TestSetupMappingRejectsOutOfWindowRange(t *testing.T) {
	base := reserveWindow(t, 4096)
	mgr := dax.NewManager(base, 4096, nil)

	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	err := mgr.SetupMapping(path, 0, 4096, 1, dax.ReadOnly)
	assert.Error(t, err)
}

func TestRemoveMappingUnknownOffsetErrors(t *testing.T) {
	base := reserveWindow(t, 4096)
	mgr := dax.NewManager(base, 4096, nil)
	assert.Error(t, mgr.RemoveMapping(123))
}

func TestSetupSentinelMappingCopiesEmbeddedBytes(t *testing.T) {
	base := reserveWindow(t, 4096)
	mgr := dax.NewManager(base, 4096, nil)

	data := []byte("synthetic-init-binary")
	require.NoError(t, mgr.SetupSentinelMapping(data, 0))
	assert.Equal(t, 1, mgr.Len())

	got := unsafe.Slice((*byte)(unsafe.Pointer(base)), len(data))
	assert.Equal(t, string(data), string(got))
}

func TestSetupMappingNotifiesBroker(t *testing.T) {
	base := reserveWindow(t, 4096)
	broker := &fakeBroker{}
	mgr := dax.NewManager(base, 4096, broker)

	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("y"), 0o644))

	require.NoError(t, mgr.SetupMapping(path, 0, 1, 0, dax.ReadOnly))
	assert.Equal(t, 1, broker.installed)

	require.NoError(t, mgr.RemoveMapping(0))
	assert.Equal(t, 1, broker.removed)
}
