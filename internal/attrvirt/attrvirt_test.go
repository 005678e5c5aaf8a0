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

package attrvirt_test

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/krun-vmm/vfsd/internal/attrvirt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripWithoutRdev(t *testing.T) {
	o := attrvirt.Override{UID: 1000, GID: 1000, Mode: syscall.S_IFREG | 0644}
	decoded, err := attrvirt.Decode(attrvirt.Encode(o))
	require.NoError(t, err)
	assert.Equal(t, o, decoded)
}

func TestEncodeDecodeRoundTripWithRdev(t *testing.T) {
	o := attrvirt.Override{UID: 0, GID: 0, Mode: syscall.S_IFCHR | 0600, Rdev: 0x0103, HasRdev: true}
	decoded, err := attrvirt.Decode(attrvirt.Encode(o))
	require.NoError(t, err)
	assert.Equal(t, o, decoded)
}

func TestEncodeUsesOctalMode(t *testing.T) {
	o := attrvirt.Override{UID: 1, GID: 2, Mode: 0644}
	assert.Equal(t, "1:2:644", attrvirt.Encode(o))
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := attrvirt.Decode("not-an-override")
	assert.Error(t, err)
}

func TestGetMissingXattrIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	_, ok, err := attrvirt.Get(path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsHidden(t *testing.T) {
	assert.True(t, attrvirt.IsHidden(attrvirt.Name))
	assert.False(t, attrvirt.IsHidden("user.other"))
}

func TestApplyToStatReplacesTypeAndPermissionBits(t *testing.T) {
	st := syscall.Stat_t{Mode: syscall.S_IFREG | 0644, Uid: 0, Gid: 0}
	attrvirt.ApplyToStat(&st, attrvirt.Override{
		UID: 1000, GID: 1000, Mode: syscall.S_IFIFO | 0600,
	})

	assert.Equal(t, uint32(1000), st.Uid)
	assert.Equal(t, uint32(1000), st.Gid)
	assert.Equal(t, uint32(syscall.S_IFIFO|0600), st.Mode)
}

func TestApplyToStatLeavesRdevWhenOverrideHasNone(t *testing.T) {
	st := syscall.Stat_t{Mode: syscall.S_IFREG | 0644, Rdev: 77}
	attrvirt.ApplyToStat(&st, attrvirt.Override{Mode: syscall.S_IFREG | 0644})
	assert.Equal(t, uint64(77), st.Rdev)
}
