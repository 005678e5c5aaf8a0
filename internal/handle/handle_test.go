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

package handle_test

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/krun-vmm/vfsd/internal/handle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f")
	f, err := os.Create(path)
	require.NoError(t, err)
	return f
}

func TestCreateAndValidate(t *testing.T) {
	table := handle.New()
	h := table.Create(42, openTemp(t))

	got, err := table.Validate(42, h.ID)
	require.NoError(t, err)
	assert.Same(t, h, got)
}

func TestValidateRejectsMismatchedInode(t *testing.T) {
	table := handle.New()
	h := table.Create(42, openTemp(t))

	_, err := table.Validate(99, h.ID)
	assert.Equal(t, syscall.EBADF, err)
}

func TestValidateRejectsUnknownHandle(t *testing.T) {
	table := handle.New()
	_, err := table.Validate(1, 777)
	assert.Equal(t, syscall.EBADF, err)
}

func TestReleaseRemovesAndCloses(t *testing.T) {
	table := handle.New()
	h := table.Create(1, openTemp(t))

	require.NoError(t, table.Release(1, h.ID))

	_, ok := table.Get(h.ID)
	assert.False(t, ok)
}

func TestReleaseRejectsMismatch(t *testing.T) {
	table := handle.New()
	h := table.Create(1, openTemp(t))

	err := table.Release(2, h.ID)
	assert.Equal(t, syscall.EBADF, err)

	// The handle must still be present; the bad release must not have
	// removed it.
	_, ok := table.Get(h.ID)
	assert.True(t, ok)
}

func TestWithReadLockRejectsAfterRelease(t *testing.T) {
	table := handle.New()
	h := table.Create(1, openTemp(t))
	require.NoError(t, table.Release(1, h.ID))

	err := h.WithReadLock(func(f *os.File) error { return nil })
	assert.Equal(t, syscall.EBADF, err)
}

func TestReservedHandleIDNeverMinted(t *testing.T) {
	table := handle.New()
	h := table.Create(1, openTemp(t))
	assert.NotEqual(t, handle.Reserved, h.ID)
}
