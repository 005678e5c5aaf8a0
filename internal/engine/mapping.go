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

package engine

import (
	"syscall"

	"github.com/krun-vmm/vfsd/internal/dax"
	"github.com/krun-vmm/vfsd/internal/ferrors"
	"github.com/krun-vmm/vfsd/internal/fsops"
	"github.com/krun-vmm/vfsd/internal/inode"
)

// SetupMapping implements §4.11's DAX mapping install, dispatched through
// C11. ENOSYS when this mount has no shared-memory window configured.
func (e *Engine) SetupMapping(ctx fsops.Context, id fsops.InodeID, foffset, length, moffset uint64, writable bool) error {
	return e.record("setupmapping", func() error {
		if e.dax == nil {
			return ferrors.New("setupmapping", syscall.ENOSYS)
		}
		if e.initKrunData != nil && uint64(id) == inode.InitKrunID {
			if err := e.dax.SetupSentinelMapping(e.initKrunData, moffset); err != nil {
				return ferrors.Wrap("setupmapping", err)
			}
			return nil
		}

		d, err := e.getInode("setupmapping", id)
		if err != nil {
			return err
		}
		flags := dax.ReadOnly
		if writable {
			d, err = e.ensureTopLayer(d)
			if err != nil {
				return err
			}
			flags = dax.ReadWrite
		}
		if err := e.dax.SetupMapping(e.hostPath(d), foffset, length, moffset, flags); err != nil {
			return ferrors.Wrap("setupmapping", err)
		}
		return nil
	})
}

// RemoveMapping implements §4.11's DAX mapping teardown.
func (e *Engine) RemoveMapping(ctx fsops.Context, moffset uint64) error {
	return e.record("removemapping", func() error {
		if e.dax == nil {
			return ferrors.New("removemapping", syscall.ENOSYS)
		}
		if err := e.dax.RemoveMapping(moffset); err != nil {
			return ferrors.Wrap("removemapping", err)
		}
		return nil
	})
}
